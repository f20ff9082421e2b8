// Package dispatch implements the kernel's crank loop: the single-threaded
// cooperative scheduler that pops one run-queue event at a time, dispatches
// it to a vat, applies the syscalls the vat issues, flushes any resulting
// GC deltas, and commits the whole step atomically under one savepoint.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
	"go.ocapkernel.dev/kernel/internal/kv"
	"go.ocapkernel.dev/kernel/internal/metrics"
	"go.ocapkernel.dev/kernel/internal/refs"
	"go.ocapkernel.dev/kernel/internal/tracing"
)

// Outcome is what a VatHandle returns after a dispatch completes: the
// derived events to enqueue next and the transcript record to persist.
type Outcome struct {
	Events        []kernel.Event
	Transcript    TranscriptRecord
	ExitRequested bool
}

// TranscriptRecord is one replay-log line for a vat: the dispatch it
// received and the syscalls it issued in response.
type TranscriptRecord struct {
	EventIndex int64           `json:"eventIndex"`
	Dispatch   kernel.Event    `json:"dispatch"`
	Syscalls   []SyscallRecord `json:"syscalls"`
}

// SyscallRecord is one syscall a vat issued during a single dispatch, kept
// for transcript replay.
type SyscallRecord struct {
	Name   string `json:"name"`
	Params string `json:"params"`
}

// VatHandle is the subset of vat.Handle the dispatcher depends on. Kept as
// an interface here (rather than importing package vat) so the vat package
// can depend on dispatch's Outcome/TranscriptRecord types without an import
// cycle.
type VatHandle interface {
	ID() kernel.VatID
	// Dispatch delivers ev to the vat, applies every syscall the vat issues
	// in response through the kernel store, and returns the events those
	// syscalls produced plus the transcript record to persist. A non-nil
	// error with kernelerrors.KindAbort or a syscall contract violation
	// means the vat must be terminated.
	Dispatch(ctx context.Context, ev kernel.Event) (Outcome, error)
}

// Registry resolves a live vat handle by ID.
type Registry interface {
	Handle(v kernel.VatID) (VatHandle, bool)
	Terminate(ctx context.Context, v kernel.VatID, reason string) error
}

// Dispatcher drives the crank loop.
type Dispatcher struct {
	store      *kernel.Store
	accounting *refs.Accounting
	registry   Registry
	kvStore    kv.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics

	safeMode bool
}

func New(store *kernel.Store, accounting *refs.Accounting, registry Registry, backing kv.Store, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{store: store, accounting: accounting, registry: registry, kvStore: backing, logger: logger, metrics: m}
}

// SafeMode reports whether the dispatcher has entered read-only safe mode
// after a second consecutive savepoint failure, per the §7 propagation
// policy.
func (d *Dispatcher) SafeMode() bool { return d.safeMode }

// ErrEmpty is returned by Crank when the run queue is empty.
var ErrEmpty = errors.New("dispatch: run queue empty")

// Crank executes exactly one event from the run queue under a savepoint,
// retrying once on a transient KV failure before entering safe mode.
func (d *Dispatcher) Crank(ctx context.Context) error {
	if d.safeMode {
		return kernelerrors.New(kernelerrors.KindInternal, "dispatcher is in read-only safe mode")
	}

	depth, err := d.store.RunQueueDepth(ctx)
	if err != nil {
		return err
	}
	if depth == 0 {
		return ErrEmpty
	}

	err = d.attemptCrank(ctx)
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return err
	}

	d.logger.Warn("crank failed, retrying once", slog.String("error", err.Error()))
	if err := d.attemptCrank(ctx); err != nil {
		d.safeMode = true
		d.logger.Error("crank failed twice, entering safe mode", slog.String("error", err.Error()))
		return kernelerrors.Wrap(kernelerrors.KindInternal, "kernel entered safe mode after repeated crank failure", err)
	}
	return nil
}

func (d *Dispatcher) attemptCrank(ctx context.Context) (err error) {
	head, err := d.store.RunQueueHead(ctx)
	if err != nil {
		return err
	}
	savepoint := fmt.Sprintf("crank_%d", head)

	if err := d.kvStore.CreateSavepoint(ctx, savepoint); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := d.kvStore.RollbackSavepoint(ctx, savepoint); rbErr != nil {
				d.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	ev, idx, ok, err := d.store.Dequeue(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return d.kvStore.ReleaseSavepoint(ctx, savepoint)
	}

	target, err := d.targetVat(ctx, ev)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartCrank(ctx, ev.Kind, string(target))
	defer span.End()
	started := time.Now()

	outcome, dispatchErr := d.runOneCrank(ctx, target, ev)
	if dispatchErr != nil {
		if kernelerrors.Is(dispatchErr, kernelerrors.KindAbort) || kernelerrors.Is(dispatchErr, kernelerrors.KindInternal) ||
			kernelerrors.Is(dispatchErr, kernelerrors.KindStreamReadError) {
			if termErr := d.terminateOnViolation(ctx, target, dispatchErr); termErr != nil {
				return termErr
			}
		} else {
			return dispatchErr
		}
	} else {
		for _, next := range outcome.Events {
			if err := d.store.Enqueue(ctx, next); err != nil {
				return err
			}
		}
		if outcome.ExitRequested {
			if err := d.registry.Terminate(ctx, target, "vat requested self-exit"); err != nil {
				return err
			}
		}
	}

	flushed, err := d.accounting.FlushToRunQueue(ctx)
	if err != nil {
		return err
	}
	if err := d.drainGCActionsToQueue(ctx); err != nil {
		return err
	}

	if err := d.kvStore.ReleaseSavepoint(ctx, savepoint); err != nil {
		return err
	}

	if d.metrics != nil {
		d.metrics.CrankLatency.WithLabelValues(ev.Kind).Observe(time.Since(started).Seconds())
		outcomeLabel := "ok"
		if dispatchErr != nil {
			outcomeLabel = "vat_terminated"
		}
		d.metrics.CranksTotal.WithLabelValues(ev.Kind, outcomeLabel).Inc()
		if flushed > 0 {
			d.metrics.GCSweeps.Inc()
		}
	}
	_ = idx
	return nil
}

func (d *Dispatcher) runOneCrank(ctx context.Context, target kernel.VatID, ev kernel.Event) (Outcome, error) {
	handle, ok := d.registry.Handle(target)
	if !ok {
		return Outcome{}, kernelerrors.VatNotFound(string(target))
	}
	return handle.Dispatch(ctx, ev)
}

// targetVat resolves which vat a run-queue event is ultimately delivered
// to: events carry an explicit Vat for notify/dropExports/retireExports/
// retireImports/bringOutYourDead; a send instead names a kref target whose
// current decider/owner must be looked up.
func (d *Dispatcher) targetVat(ctx context.Context, ev kernel.Event) (kernel.VatID, error) {
	if ev.Vat != "" {
		return ev.Vat, nil
	}
	if ev.Kind != "send" {
		return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("event %s carries no vat target", ev.Kind))
	}
	if ev.Target.IsPromise() {
		row, ok, err := d.store.Promise(ctx, ev.Target)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("send targets unknown promise %s", ev.Target))
		}
		if row.State == kernel.PromiseUnresolved {
			return row.Decider, nil
		}
		if len(row.Value.Slots) > 0 {
			return d.targetVat(ctx, kernel.Event{Kind: "send", Target: row.Value.Slots[0]})
		}
		return "", kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("resolved promise %s carries no target slot", ev.Target))
	}
	owner, ok, err := d.store.ObjectOwner(ctx, ev.Target)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kernelerrors.VatNotFound(string(ev.Target))
	}
	return owner, nil
}

func (d *Dispatcher) terminateOnViolation(ctx context.Context, vat kernel.VatID, cause error) error {
	d.logger.Warn("terminating vat after syscall contract violation",
		slog.String("vat", string(vat)), slog.String("cause", cause.Error()))
	return d.registry.Terminate(ctx, vat, cause.Error())
}

// drainGCActionsToQueue converts every pending kernel.GCAction into a
// run-queue event, so an already-staged action is visible to a delivery
// even if it predates this crank.
func (d *Dispatcher) drainGCActionsToQueue(ctx context.Context) error {
	actions, err := d.store.DrainGCActions(ctx)
	if err != nil {
		return err
	}
	for _, action := range actions {
		ev := kernel.Event{Kind: action.Kind, Vat: action.Vat, Krefs: action.Krefs}
		if err := d.store.Enqueue(ctx, ev); err != nil {
			return err
		}
		if d.metrics != nil {
			switch action.Kind {
			case "dropExports":
				d.metrics.GCDropsSent.Inc()
			case "retireExports":
				d.metrics.GCRetiresSent.Inc()
			}
		}
	}
	return nil
}

// WaitUntilQuiescent blocks until the run queue and GC actions are both
// empty, or timeout elapses.
func (d *Dispatcher) WaitUntilQuiescent(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		depth, err := d.store.RunQueueDepth(ctx)
		if err != nil {
			return err
		}
		actions, err := d.store.GCActions(ctx)
		if err != nil {
			return err
		}
		if depth == 0 && len(actions) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return kernelerrors.New(kernelerrors.KindAbort, "timed out waiting for quiescence")
		}
		if err := d.Crank(ctx); err != nil && !errors.Is(err, ErrEmpty) {
			return err
		}
	}
}

// isTransient reports whether a failed crank is worth retrying: errors from
// the KV substrate are, while typed kernel errors are not.
func isTransient(err error) bool {
	var kerr *kernelerrors.Error
	return !errors.As(err, &kerr)
}
