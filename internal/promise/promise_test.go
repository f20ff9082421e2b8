package promise_test

import (
	"context"
	"testing"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
	"go.ocapkernel.dev/kernel/internal/promise"
)

func newTestTable(t *testing.T) (*promise.Table, *kernel.Store) {
	t.Helper()
	backing, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	store := kernel.NewStore(backing)
	return promise.NewTable(store), store
}

func TestCreateAndSubscribeUnresolved(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev, err := table.Subscribe(ctx, kp, "v2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev != nil {
		t.Fatalf("Subscribe to unresolved promise returned an immediate event: %+v", ev)
	}

	// subscribing the same vat twice is a no-op, not a duplicate entry
	if ev, err := table.Subscribe(ctx, kp, "v2"); err != nil || ev != nil {
		t.Fatalf("re-Subscribe = %+v, %v; want nil, nil", ev, err)
	}
}

func TestSubscribeToAlreadyResolvedReturnsImmediateNotify(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: true, Value: kernel.CapData{Body: "done"}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ev, err := table.Subscribe(ctx, kp, "v2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev == nil || ev.Kind != "notify" || ev.Vat != "v2" || ev.Kp != kp {
		t.Fatalf("Subscribe to resolved promise = %+v, want immediate notify to v2", ev)
	}
}

func TestResolveNotifiesSubscribersInOrder(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, sub := range []kernel.VatID{"v2", "v3", "v4"} {
		if _, err := table.Subscribe(ctx, kp, sub); err != nil {
			t.Fatalf("Subscribe(%s): %v", sub, err)
		}
	}

	events, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: true, Value: kernel.CapData{Body: "42"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Resolve events = %v, want 3 notifies", events)
	}
	want := []kernel.VatID{"v2", "v3", "v4"}
	for i, ev := range events {
		if ev.Kind != "notify" || ev.Kp != kp || ev.Vat != want[i] {
			t.Fatalf("event[%d] = %+v, want notify to %s", i, ev, want[i])
		}
	}
}

func TestResolveByNonDeciderFails(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Resolve(ctx, "v2", promise.Resolution{Kp: kp, Fulfill: true}); err == nil {
		t.Fatal("Resolve by non-decider succeeded, want error")
	}
}

func TestResolveTwiceFails(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: true}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: true}); err == nil {
		t.Fatal("second Resolve succeeded, want error (already resolved)")
	}
}

func TestResolveRejectSetsRejectedState(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: false, RejectAs: "boom"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	row, ok, err := store.Promise(ctx, kp)
	if err != nil || !ok {
		t.Fatalf("Promise after reject = %v, %v, %v", row, ok, err)
	}
	if row.State != kernel.PromiseRejected || row.Value.Body != "boom" {
		t.Fatalf("Promise after reject = %+v, want rejected/boom", row)
	}
}

func TestPipelinedSendForwardsOnFulfillment(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resultKp := kernel.PromiseKref(99)
	pending := kernel.Event{Kind: "send", Method: "increment", Result: resultKp}
	if err := table.EnqueueSend(ctx, kp, pending); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}

	target := kernel.ObjectKref(5)
	events, err := table.Resolve(ctx, "v1", promise.Resolution{
		Kp: kp, Fulfill: true, Value: kernel.CapData{Slots: []kernel.Kref{target}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Resolve events = %v, want 1 forwarded send", events)
	}
	if events[0].Kind != "send" || events[0].Target != target || events[0].Result != resultKp {
		t.Fatalf("forwarded event = %+v, want send to %s carrying result %s", events[0], target, resultKp)
	}
}

func TestPipelinedSendNotifiesRejectionOnReject(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// resultKp is the pipelined send's own result promise, decided by the
	// sending vat (v2), mirroring how syscall.send mints it.
	resultKp, err := table.Create(ctx, "v2")
	if err != nil {
		t.Fatalf("Create result promise: %v", err)
	}
	pending := kernel.Event{Kind: "send", Method: "increment", Result: resultKp}
	if err := table.EnqueueSend(ctx, kp, pending); err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}

	events, err := table.Resolve(ctx, "v1", promise.Resolution{Kp: kp, Fulfill: false, RejectAs: "unavailable"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "notify" || events[0].Kp != resultKp || events[0].Vat != "v2" {
		t.Fatalf("rejected-pipeline event = %+v, want a notify to v2 on %s", events, resultKp)
	}

	row, ok, err := store.Promise(ctx, resultKp)
	if err != nil || !ok {
		t.Fatalf("Promise(resultKp) = %v, %v, %v", row, ok, err)
	}
	if row.State != kernel.PromiseRejected || row.Value.Body != "unavailable" {
		t.Fatalf("result promise after rejected pipeline = %+v, want rejected/unavailable", row)
	}
	if row.Decider != "" {
		t.Fatalf("result promise after resolution still has decider %q, want cleared", row.Decider)
	}
}

func TestTransferDeciderOnlyAppliesWhileUnresolved(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := table.TransferDecider(ctx, kp, "v2"); err != nil {
		t.Fatalf("TransferDecider: %v", err)
	}
	row, ok, err := store.Promise(ctx, kp)
	if err != nil || !ok || row.Decider != "v2" {
		t.Fatalf("Promise after transfer = %+v, %v, %v; want decider v2", row, ok, err)
	}

	if _, err := table.Resolve(ctx, "v2", promise.Resolution{Kp: kp, Fulfill: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// transferring a decider on an already-resolved promise is a silent no-op
	if err := table.TransferDecider(ctx, kp, "v3"); err != nil {
		t.Fatalf("TransferDecider on resolved promise: %v", err)
	}
}

func TestDecayRefCountDeletesAtZero(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t)

	kp, err := table.Create(ctx, "v1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := table.DecayRefCount(ctx, kp); err != nil {
		t.Fatalf("DecayRefCount: %v", err)
	}
	if _, ok, err := store.Promise(ctx, kp); err != nil || ok {
		t.Fatalf("Promise after refcount decay to zero = ok=%v err=%v, want deleted", ok, err)
	}
}
