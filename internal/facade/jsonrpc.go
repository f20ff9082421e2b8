package facade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/kv"
	"go.ocapkernel.dev/kernel/internal/subcluster"
	"go.ocapkernel.dev/kernel/internal/vat"
)

// Server exposes a Kernel over the local Unix-domain socket the diagnostic
// CLI connects to, using the same JSON-RPC 2.0 framing as the vat worker
// protocol (package vat's Stream), since both are closed two-party wire
// contracts rather than a general RPC surface.
type Server struct {
	kernel *Kernel
	logger *slog.Logger
}

func NewServer(k *Kernel, logger *slog.Logger) *Server {
	return &Server{kernel: k, logger: logger}
}

// ListenAndServe accepts connections on socketPath until ctx is canceled.
// A stale socket file left behind by a previous kernel process is removed
// before binding, matching the daemon's restart expectations in §6.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stream := vat.NewStream(conn)
	for {
		msg, err := stream.ReadMessage()
		if err != nil {
			return
		}
		if msg.ID == nil {
			continue // façade calls are always requests; ignore stray notifications.
		}
		result, callErr := s.dispatch(ctx, msg.Method, msg.Params)
		if callErr != nil {
			kerr, ok := callErr.(*kernelerrors.Error)
			if !ok {
				kerr = kernelerrors.Internal("façade call failed", callErr)
			}
			if err := stream.ReplyError(*msg.ID, kerr); err != nil {
				s.logger.Warn("failed writing façade error reply", slog.String("error", err.Error()))
				return
			}
			continue
		}
		if err := stream.Reply(*msg.ID, result); err != nil {
			s.logger.Warn("failed writing façade reply", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "launchSubcluster":
		var p subcluster.ClusterConfig
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.kernel.LaunchSubcluster(ctx, p)

	case "queueMessage":
		var p struct {
			Target kernel.Kref    `json:"target"`
			Method string         `json:"method"`
			Args   kernel.CapData `json:"args"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		kp, err := s.kernel.QueueMessage(ctx, p.Target, p.Method, p.Args)
		if err != nil {
			return nil, err
		}
		return map[string]kernel.Kref{"kp": kp}, nil

	case "terminateVat":
		var p struct {
			VatID  kernel.VatID `json:"vatId"`
			Reason string       `json:"reason"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.kernel.TerminateVat(ctx, p.VatID, p.Reason)

	case "reloadSubcluster":
		var p struct {
			SubclusterID kernel.SubclusterID `json:"subclusterId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.kernel.ReloadSubcluster(ctx, p.SubclusterID)

	case "terminateSubcluster":
		var p struct {
			SubclusterID kernel.SubclusterID `json:"subclusterId"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.kernel.TerminateSubcluster(ctx, p.SubclusterID)

	case "collectGarbage":
		return nil, s.kernel.CollectGarbage(ctx)

	case "issueOcapURL":
		var p struct {
			Kref kernel.Kref `json:"kref"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		url, err := s.kernel.IssueOcapURL(ctx, p.Kref)
		if err != nil {
			return nil, err
		}
		return map[string]string{"url": url}, nil

	case "redeemOcapURL":
		var p struct {
			URL string `json:"url"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		kref, err := s.kernel.RedeemOcapURL(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		return map[string]kernel.Kref{"kref": kref}, nil

	case "executeDBQuery":
		var p struct {
			SQL string `json:"sql"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		rows, err := s.kernel.ExecuteDBQuery(ctx, p.SQL)
		if err != nil {
			return nil, err
		}
		return map[string][]kv.KVPair{"rows": rows}, nil

	case "ping":
		return s.kernel.Ping(ctx)

	case "listVats":
		vats, err := s.kernel.ListVats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string][]kernel.VatID{"vats": vats}, nil

	case "listSubclusters":
		scs, err := s.kernel.ListSubclusters(ctx)
		if err != nil {
			return nil, err
		}
		return map[string][]kernel.SubclusterID{"subclusters": scs}, nil

	case "listObjects":
		objs, err := s.kernel.ListObjects(ctx)
		if err != nil {
			return nil, err
		}
		return map[string][]kernel.Kref{"objects": objs}, nil

	case "listPromises":
		kps, err := s.kernel.ListPromises(ctx)
		if err != nil {
			return nil, err
		}
		return map[string][]kernel.Kref{"promises": kps}, nil

	case "inspect":
		var p struct {
			Kref kernel.Kref `json:"kref"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.kernel.Inspect(ctx, p.Kref)

	default:
		return nil, kernelerrors.New(kernelerrors.KindInternal, "unknown façade method "+method)
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("facade: missing params")
	}
	return json.Unmarshal(raw, out)
}
