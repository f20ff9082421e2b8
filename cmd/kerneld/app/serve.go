package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.ocapkernel.dev/kernel/internal/dispatch"
	"go.ocapkernel.dev/kernel/internal/facade"
	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kv"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
	"go.ocapkernel.dev/kernel/internal/kv/postgres"
	"go.ocapkernel.dev/kernel/internal/logging"
	"go.ocapkernel.dev/kernel/internal/metrics"
	"go.ocapkernel.dev/kernel/internal/promise"
	"go.ocapkernel.dev/kernel/internal/refs"
	"go.ocapkernel.dev/kernel/internal/subcluster"
	"go.ocapkernel.dev/kernel/internal/tracing"
	"go.ocapkernel.dev/kernel/pkg/ocapurl"
)

// Command builds kerneld's root cobra command.
func Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "kerneld",
		Short: "kerneld runs the object-capability kernel: scheduler, reference garbage collector, and subcluster lifecycle manager.",
	}
	root.AddCommand(serveCommand())
	return root
}

func mustStringFlag(flags *pflag.FlagSet, name string) string {
	v, err := flags.GetString(name)
	if err != nil {
		panic(err)
	}
	return v
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the kernel daemon: the crank loop, the JSON-RPC façade socket, and the gRPC health service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(mustStringFlag(cmd.Flags(), "log-level"))
			if err != nil {
				return err
			}
			logger := logging.Configure(level, level == slog.LevelDebug)

			if err := tracing.Configure(cmd.Context(), resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String("ocapkernel.dev/kerneld"),
			)); err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}

			kvBackend := mustStringFlag(cmd.Flags(), "kv-backend")
			dsn := mustStringFlag(cmd.Flags(), "database")
			dataDir := mustStringFlag(cmd.Flags(), "data-dir")
			socketPath := mustStringFlag(cmd.Flags(), "socket")
			grpcAddr := mustStringFlag(cmd.Flags(), "grpc-address")
			metricsAddr := mustStringFlag(cmd.Flags(), "metrics-address")
			crankInterval, err := cmd.Flags().GetDuration("crank-interval")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			backing, err := openBackend(ctx, kvBackend, dsn, dataDir, logger)
			if err != nil {
				return err
			}
			defer backing.Close()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			store := kernel.NewStore(backing)
			if err := store.EnsureInitialized(ctx); err != nil {
				return fmt.Errorf("failed to initialize kernel store: %w", err)
			}

			accounting := refs.NewAccounting(store)
			promises := promise.NewTable(store)
			workers := newProcessWorkers()
			manager := subcluster.NewManager(store, accounting, promises, workers, logging.For(logger, "subcluster"), m)
			dispatcher := dispatch.New(store, accounting, manager, backing, logging.For(logger, "dispatch"), m)
			ocapRegistry := ocapurl.NewRegistry(backing)
			k := facade.New(store, dispatcher, manager, promises, accounting, ocapRegistry, logger, m)

			grpcSrv := facade.NewGRPCServer(logger)
			grpcListener, err := net.Listen("tcp", grpcAddr)
			if err != nil {
				return fmt.Errorf("failed to bind gRPC health listener: %w", err)
			}
			go func() {
				if err := grpcSrv.Serve(grpcListener); err != nil {
					logger.Error("gRPC health server exited", slog.String("error", err.Error()))
				}
			}()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server exited", slog.String("error", err.Error()))
				}
			}()

			jsonrpcSrv := facade.NewServer(k, logger)
			go func() {
				if err := jsonrpcSrv.ListenAndServe(ctx, socketPath); err != nil {
					logger.Error("façade socket server exited", slog.String("error", err.Error()))
				}
			}()

			logger.Info("kerneld ready",
				slog.String("socket", socketPath), slog.String("grpcAddress", grpcAddr), slog.String("metricsAddress", metricsAddr))

			runCrankLoop(ctx, dispatcher, grpcSrv, m, crankInterval, logger)

			grpcSrv.Stop(context.Background())
			_ = metricsSrv.Shutdown(context.Background())
			return nil
		},
	}
	cmd.Flags().String("kv-backend", "memory", "KV substrate backend: memory or postgres")
	cmd.Flags().String("database", "", "Postgres DSN, required when --kv-backend=postgres")
	cmd.Flags().String("data-dir", "", "on-disk path for the embedded memory backend (empty uses an in-memory-only store)")
	cmd.Flags().String("socket", "/run/ocapkernel/kerneld.sock", "Unix-domain socket path for the host façade")
	cmd.Flags().String("grpc-address", "127.0.0.1:9090", "listen address for the gRPC health service")
	cmd.Flags().String("metrics-address", "127.0.0.1:9464", "listen address for the Prometheus /metrics endpoint")
	cmd.Flags().Duration("crank-interval", 5*time.Millisecond, "delay between crank loop iterations when the run queue is empty")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, or error")
	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("kerneld: unknown --log-level %q", s)
	}
}

func openBackend(ctx context.Context, backend, dsn, dataDir string, logger *slog.Logger) (kv.Store, error) {
	switch backend {
	case "postgres":
		if dsn == "" {
			return nil, errors.New("kerneld: --database is required when --kv-backend=postgres")
		}
		return postgres.Open(ctx, dsn, logger)
	case "memory", "":
		path := dataDir
		if path == "" {
			path = ":memory:"
		}
		return memory.Open(path)
	default:
		return nil, fmt.Errorf("kerneld: unknown --kv-backend %q", backend)
	}
}

// runCrankLoop drives the scheduler: crank while the run queue has work,
// otherwise sleep crankInterval before checking again. It exits when ctx is
// canceled.
func runCrankLoop(ctx context.Context, d *dispatch.Dispatcher, grpcSrv *facade.GRPCServer, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for ctx.Err() == nil {
				err := d.Crank(ctx)
				if err == nil {
					continue
				}
				if !errors.Is(err, dispatch.ErrEmpty) {
					logger.Error("crank failed", slog.String("error", err.Error()))
					grpcSrv.SetServing(!d.SafeMode())
				}
				break
			}
		}
	}
}
