// Package vat implements the per-vat handle: c-list translation between
// kernel krefs and vat-local vrefs, syscall validation and application, and
// transcript recording for replay.
package vat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.ocapkernel.dev/kernel/internal/dispatch"
	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/promise"
	"go.ocapkernel.dev/kernel/internal/refs"
)

// deliverMessage is the shape of the "deliver" notification sent to a
// worker for one dispatch.
type deliverMessage struct {
	Type   string         `json:"type"`
	Target kernel.Vref    `json:"target,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   translatedArgs `json:"args,omitempty"`
	Result kernel.Vref    `json:"result,omitempty"`
	Kp     kernel.Vref    `json:"kp,omitempty"`
	Vrefs  []kernel.Vref  `json:"vrefs,omitempty"`
}

type translatedArgs struct {
	Body  string        `json:"body"`
	Slots []kernel.Vref `json:"slots"`
}

// Handle is the kernel's live connection to one vat worker.
type Handle struct {
	id         kernel.VatID
	store      *kernel.Store
	accounting *refs.Accounting
	promises   *promise.Table
	stream     *Stream
	logger     *slog.Logger

	nextVrefCounter int64
	replaying       bool
}

// SetReplaying controls whether Dispatch persists a transcript record for
// each delivery. It is turned on while replaying a vat's existing
// transcript after a restart, so replay doesn't duplicate entries.
func (h *Handle) SetReplaying(replaying bool) { h.replaying = replaying }

func NewHandle(id kernel.VatID, store *kernel.Store, accounting *refs.Accounting, promises *promise.Table, stream *Stream, logger *slog.Logger) *Handle {
	return &Handle{id: id, store: store, accounting: accounting, promises: promises, stream: stream, logger: logger.With(slog.String("vat", string(id)))}
}

func (h *Handle) ID() kernel.VatID { return h.id }

// StartVat sends the startVat notification, used on first boot and on
// restart before any dispatch, including transcript replay, is sent.
func (h *Handle) StartVat(bundleSpec string, parameters map[string]string) error {
	return h.stream.Notify("startVat", map[string]any{
		"bundleSpec":     bundleSpec,
		"vatParameters":  parameters,
	})
}

func (h *Handle) StopVat() error {
	return h.stream.Notify("stopVat", struct{}{})
}

// Dispatch translates ev into a delivery to the worker, applies the
// syscalls it issues until the deliveryComplete marker, and returns the
// resulting events plus the transcript record.
func (h *Handle) Dispatch(ctx context.Context, ev kernel.Event) (dispatch.Outcome, error) {
	msg, err := h.translateOutbound(ctx, ev)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	if err := h.stream.Notify("deliver", msg); err != nil {
		return dispatch.Outcome{}, kernelerrors.StreamReadError(string(h.id), err)
	}

	applier := &syscallApplier{handle: h, ctx: ctx}
	for {
		incoming, err := h.stream.ReadMessage()
		if err != nil {
			return dispatch.Outcome{}, kernelerrors.StreamReadError(string(h.id), err)
		}
		if incoming.Method == "deliveryComplete" {
			break
		}
		result, applyErr := applier.apply(incoming.Method, incoming.Params)
		if applyErr != nil {
			kerr, ok := applyErr.(*kernelerrors.Error)
			if !ok {
				kerr = kernelerrors.Internal("syscall application failed", applyErr)
			}
			if incoming.ID != nil {
				_ = h.stream.ReplyError(*incoming.ID, kerr)
			}
			return dispatch.Outcome{}, kerr
		}
		if incoming.ID != nil {
			if err := h.stream.Reply(*incoming.ID, result); err != nil {
				return dispatch.Outcome{}, kernelerrors.StreamReadError(string(h.id), err)
			}
		}
	}

	record := dispatch.TranscriptRecord{Dispatch: ev, Syscalls: applier.records}
	if !h.replaying {
		raw, err := json.Marshal(record)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		if err := h.store.AppendTranscriptRecord(ctx, h.id, raw); err != nil {
			return dispatch.Outcome{}, err
		}
	}

	return dispatch.Outcome{Events: applier.events, Transcript: record, ExitRequested: applier.exitRequested}, nil
}

// translateOutbound builds the wire delivery message, creating any c-list
// import entries the event's slots require and charging the accounting
// table for each new import (step 2 of the crank).
func (h *Handle) translateOutbound(ctx context.Context, ev kernel.Event) (deliverMessage, error) {
	switch ev.Kind {
	case "send":
		target, err := h.translateImport(ctx, ev.Target)
		if err != nil {
			return deliverMessage{}, err
		}
		slots := make([]kernel.Vref, 0, len(ev.Args.Slots))
		for _, slot := range ev.Args.Slots {
			vref, err := h.translateImport(ctx, slot)
			if err != nil {
				return deliverMessage{}, err
			}
			slots = append(slots, vref)
		}
		var resultVref kernel.Vref
		if ev.Result != "" {
			vref, err := h.translateImport(ctx, ev.Result)
			if err != nil {
				return deliverMessage{}, err
			}
			resultVref = vref
		}
		return deliverMessage{Type: "send", Target: target, Method: ev.Method,
			Args: translatedArgs{Body: ev.Args.Body, Slots: slots}, Result: resultVref}, nil

	case "notify":
		kp, err := h.translateImport(ctx, ev.Kp)
		if err != nil {
			return deliverMessage{}, err
		}
		return deliverMessage{Type: "notify", Kp: kp}, nil

	case "dropExports", "retireExports", "retireImports":
		vrefs := make([]kernel.Vref, 0, len(ev.Krefs))
		for _, kref := range ev.Krefs {
			vref, ok, err := h.store.VrefForKref(ctx, h.id, kref)
			if err != nil {
				return deliverMessage{}, err
			}
			if !ok {
				continue
			}
			vrefs = append(vrefs, vref)
		}
		return deliverMessage{Type: ev.Kind, Vrefs: vrefs}, nil

	case "bringOutYourDead":
		return deliverMessage{Type: "bringOutYourDead"}, nil

	default:
		return deliverMessage{}, kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
}

// translateImport returns this vat's vref for kref, allocating a fresh
// import entry (and charging the refcount accounting +1/+1) if it doesn't
// already hold one.
func (h *Handle) translateImport(ctx context.Context, kref kernel.Kref) (kernel.Vref, error) {
	if kref == "" {
		return "", nil
	}
	if vref, ok, err := h.store.VrefForKref(ctx, h.id, kref); err != nil {
		return "", err
	} else if ok {
		return vref, nil
	}

	h.nextVrefCounter++
	var vref kernel.Vref
	owner := false
	if kref.IsObject() {
		if ownerVat, ok, err := h.store.ObjectOwner(ctx, kref); err == nil && ok && ownerVat == h.id {
			owner = true
		}
		vref = kernel.ObjectVref(h.nextVrefCounter, owner)
	} else {
		vref = kernel.PromiseVref(h.nextVrefCounter, owner)
	}

	if err := h.store.AddCListEntry(ctx, h.id, vref, kref, kernel.FlagReachable); err != nil {
		return "", err
	}
	if err := h.accounting.OnSlotEnqueued(ctx, kref); err != nil {
		return "", err
	}
	return vref, nil
}
