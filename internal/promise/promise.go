// Package promise implements the kernel's promise lifecycle: the
// unresolved -> {fulfilled, rejected} state machine, subscriber notification,
// pipelined-send replay on resolution, and decider transfer.
package promise

import (
	"context"
	"fmt"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kernelerrors"
)

// Table drives promise resolution against the kernel store, producing the
// run-queue events resolution must enqueue.
type Table struct {
	store *kernel.Store
}

func NewTable(store *kernel.Store) *Table {
	return &Table{store: store}
}

// Create allocates a new promise with decider as its current decider.
func (t *Table) Create(ctx context.Context, decider kernel.VatID) (kernel.Kref, error) {
	kref, err := t.store.AllocPromiseID(ctx)
	if err != nil {
		return "", err
	}
	return kref, t.store.CreatePromise(ctx, kref, decider)
}

// Subscribe adds vat to kp's subscriber list. If kp is already resolved, it
// returns a notify event to enqueue immediately instead of waiting for a
// future resolution.
func (t *Table) Subscribe(ctx context.Context, kp kernel.Kref, vat kernel.VatID) (*kernel.Event, error) {
	row, ok, err := t.store.Promise(ctx, kp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("subscribe to unknown promise %s", kp))
	}
	if row.State != kernel.PromiseUnresolved {
		return &kernel.Event{Kind: "notify", Vat: vat, Kp: kp}, nil
	}
	for _, sub := range row.Subscribers {
		if sub == vat {
			return nil, nil
		}
	}
	row.Subscribers = append(row.Subscribers, vat)
	return nil, t.store.PutPromise(ctx, kp, row)
}

// EnqueueSend appends a pipelined send to kp's queue while kp is unresolved.
// A non-decider attempting this on an already-resolved promise is a
// programming error in the caller (the dispatcher resolves immediately
// against ev.Target instead).
func (t *Table) EnqueueSend(ctx context.Context, kp kernel.Kref, ev kernel.Event) error {
	row, ok, err := t.store.Promise(ctx, kp)
	if err != nil {
		return err
	}
	if !ok || row.State != kernel.PromiseUnresolved {
		return kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("cannot pipeline onto resolved promise %s", kp))
	}
	row.Queue = append(row.Queue, ev)
	return t.store.PutPromise(ctx, kp, row)
}

// Resolution is one target of a resolve() syscall.
type Resolution struct {
	Kp       kernel.Kref
	Fulfill  bool
	Value    kernel.CapData
	RejectAs string // human-readable rejection reason, when !Fulfill
}

// Resolve applies a resolution issued by decider. It returns the events that
// must be enqueued: one notify per subscriber, plus the replayed/forwarded
// pipelined sends, in that order (subscription order, then queue order).
func (t *Table) Resolve(ctx context.Context, decider kernel.VatID, res Resolution) ([]kernel.Event, error) {
	row, ok, err := t.store.Promise(ctx, res.Kp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("resolve of unknown promise %s", res.Kp))
	}
	if row.State != kernel.PromiseUnresolved {
		return nil, kernelerrors.Abort(fmt.Sprintf("promise %s already resolved", res.Kp))
	}
	if row.Decider != decider {
		return nil, kernelerrors.Abort(fmt.Sprintf("vat %s is not decider of %s", decider, res.Kp))
	}

	queue := row.Queue
	subscribers := row.Subscribers

	row.Queue = nil
	if res.Fulfill {
		row.State = kernel.PromiseFulfilled
		row.Value = res.Value
	} else {
		row.State = kernel.PromiseRejected
		row.Value = kernel.CapData{Body: res.RejectAs}
	}
	row.Decider = ""
	if err := t.store.PutPromise(ctx, res.Kp, row); err != nil {
		return nil, err
	}

	var events []kernel.Event
	for _, sub := range subscribers {
		events = append(events, kernel.Event{Kind: "notify", Vat: sub, Kp: res.Kp})
	}
	for _, pending := range queue {
		ev, err := t.replayPipelined(ctx, pending, row)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// replayPipelined retargets a pipelined send once its blocking promise
// resolves: fulfilled forwards to the resolution value's target object,
// rejected rejects the send's own result promise in turn and notifies the
// vat that was waiting to decide it.
func (t *Table) replayPipelined(ctx context.Context, pending kernel.Event, row kernel.PromiseRow) (kernel.Event, error) {
	if row.State == kernel.PromiseFulfilled && len(row.Value.Slots) > 0 {
		pending.Target = row.Value.Slots[0]
		return pending, nil
	}
	if pending.Result == "" {
		return pending, nil
	}
	return t.rejectResultPromise(ctx, pending.Result, row.Value)
}

// rejectResultPromise transitions a pipelined send's own result promise to
// rejected, carrying forward the rejection value of the promise it was
// pipelined onto, and returns a notify event addressed to the vat that was
// waiting to decide it.
func (t *Table) rejectResultPromise(ctx context.Context, kp kernel.Kref, value kernel.CapData) (kernel.Event, error) {
	resultRow, ok, err := t.store.Promise(ctx, kp)
	if err != nil {
		return kernel.Event{}, err
	}
	if !ok {
		return kernel.Event{}, kernelerrors.New(kernelerrors.KindInternal, fmt.Sprintf("pipelined send result %s not found", kp))
	}
	notifyVat := resultRow.Decider
	if resultRow.State == kernel.PromiseUnresolved {
		resultRow.State = kernel.PromiseRejected
		resultRow.Value = value
		resultRow.Decider = ""
		if err := t.store.PutPromise(ctx, kp, resultRow); err != nil {
			return kernel.Event{}, err
		}
	}
	return kernel.Event{Kind: "notify", Vat: notifyVat, Kp: kp}, nil
}

// TransferDecider rewrites kp's decider when it is forwarded as part of
// another promise's resolution, and forwards any still-pending queue to
// the new decider's visibility (the queue itself doesn't move; only the
// decider bookkeeping changes, since the queue lives on kp itself).
func (t *Table) TransferDecider(ctx context.Context, kp kernel.Kref, newDecider kernel.VatID) error {
	row, ok, err := t.store.Promise(ctx, kp)
	if err != nil {
		return err
	}
	if !ok || row.State != kernel.PromiseUnresolved {
		return nil
	}
	row.Decider = newDecider
	return t.store.PutPromise(ctx, kp, row)
}

// DecayRefCount decrements kp's refcount, deleting the row when it reaches
// zero (mirrors the object table's recognizable decay, but promises use a
// plain integer count per §3).
func (t *Table) DecayRefCount(ctx context.Context, kp kernel.Kref) error {
	row, ok, err := t.store.Promise(ctx, kp)
	if err != nil || !ok {
		return err
	}
	row.RefCount--
	if row.RefCount <= 0 {
		return t.store.DeletePromiseRow(ctx, kp)
	}
	return t.store.PutPromise(ctx, kp, row)
}
