package refs_test

import (
	"context"
	"testing"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
	"go.ocapkernel.dev/kernel/internal/refs"
)

func newTestAccounting(t *testing.T) (*refs.Accounting, *kernel.Store) {
	t.Helper()
	backing, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	store := kernel.NewStore(backing)
	return refs.NewAccounting(store), store
}

func TestOnSlotEnqueuedIncrementsBothCounts(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref := kernel.ObjectKref(1)
	if err := a.OnSlotEnqueued(ctx, kref); err != nil {
		t.Fatalf("OnSlotEnqueued: %v", err)
	}
	rc, ok, err := store.RefCount(ctx, kref)
	if err != nil || !ok {
		t.Fatalf("RefCount after one slot enqueue = %v, %v, %v", rc, ok, err)
	}
	if rc.Reachable != 1 || rc.Recognizable != 1 {
		t.Fatalf("RefCount = %+v, want {1,1}", rc)
	}

	if err := a.OnSlotEnqueued(ctx, kref); err != nil {
		t.Fatalf("OnSlotEnqueued (2nd): %v", err)
	}
	rc, _, err = store.RefCount(ctx, kref)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	if rc.Reachable != 2 || rc.Recognizable != 2 {
		t.Fatalf("RefCount after two enqueues = %+v, want {2,2}", rc)
	}
}

func TestOnDropImportsQueuesDropExportsAtZero(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref := kernel.ObjectKref(1)
	if err := store.SetObjectOwner(ctx, kref, "owner"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRefCount(ctx, kref, kernel.RefCount{Reachable: 1, Recognizable: 1}); err != nil {
		t.Fatal(err)
	}
	vref := kernel.ObjectVref(1, false)
	if err := store.AddCListEntry(ctx, "holder", vref, kref, kernel.FlagReachable); err != nil {
		t.Fatal(err)
	}

	if err := a.OnDropImports(ctx, "holder", kref); err != nil {
		t.Fatalf("OnDropImports: %v", err)
	}

	rc, ok, err := store.RefCount(ctx, kref)
	if err != nil || !ok || rc.Reachable != 0 {
		t.Fatalf("RefCount after drop = %+v, %v, %v; want reachable 0", rc, ok, err)
	}

	flag, _, err := store.FlagForVref(ctx, "holder", vref)
	if err != nil || flag != kernel.FlagRecognizable {
		t.Fatalf("FlagForVref after drop = %q, %v; want recognizable", flag, err)
	}

	n, err := a.FlushToRunQueue(ctx)
	if err != nil {
		t.Fatalf("FlushToRunQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("FlushToRunQueue flushed %d groups, want 1", n)
	}
	actions, err := store.GCActions(ctx)
	if err != nil {
		t.Fatalf("GCActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != "dropExports" || actions[0].Vat != "owner" {
		t.Fatalf("GCActions = %+v, want one dropExports to owner", actions)
	}
}

func TestOnDropImportsNoActionWhileReachable(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref := kernel.ObjectKref(1)
	if err := store.SetObjectOwner(ctx, kref, "owner"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRefCount(ctx, kref, kernel.RefCount{Reachable: 2, Recognizable: 2}); err != nil {
		t.Fatal(err)
	}

	if err := a.OnDropImports(ctx, "holder", kref); err != nil {
		t.Fatalf("OnDropImports: %v", err)
	}
	n, err := a.FlushToRunQueue(ctx)
	if err != nil {
		t.Fatalf("FlushToRunQueue: %v", err)
	}
	if n != 0 {
		t.Fatalf("FlushToRunQueue flushed %d groups, want 0 (still reachable)", n)
	}
}

func TestOnRetireImportsRemovesCListEntryAndCascades(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref := kernel.ObjectKref(1)
	if err := store.SetObjectOwner(ctx, kref, "owner"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRefCount(ctx, kref, kernel.RefCount{Reachable: 0, Recognizable: 1}); err != nil {
		t.Fatal(err)
	}
	vref := kernel.ObjectVref(1, false)
	if err := store.AddCListEntry(ctx, "holder", vref, kref, kernel.FlagRecognizable); err != nil {
		t.Fatal(err)
	}

	if err := a.OnRetireImports(ctx, "holder", kref); err != nil {
		t.Fatalf("OnRetireImports: %v", err)
	}

	if _, ok, err := store.VrefForKref(ctx, "holder", kref); err != nil || ok {
		t.Fatalf("VrefForKref after retire = ok=%v err=%v, want gone", ok, err)
	}

	// recognizable hit zero, which should have queued retireExports to owner
	n, err := a.FlushToRunQueue(ctx)
	if err != nil {
		t.Fatalf("FlushToRunQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("FlushToRunQueue flushed %d groups, want 1 retireExports", n)
	}
	actions, err := store.GCActions(ctx)
	if err != nil {
		t.Fatalf("GCActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != "retireExports" || actions[0].Vat != "owner" {
		t.Fatalf("GCActions = %+v, want one retireExports to owner", actions)
	}
}

func TestOnVatTerminatedDropsOwnedObjectsAndFansOut(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref := kernel.ObjectKref(1)
	if err := store.SetObjectOwner(ctx, kref, "dying"); err != nil {
		t.Fatal(err)
	}
	ownerVref := kernel.ObjectVref(1, true)
	if err := store.AddCListEntry(ctx, "dying", ownerVref, kref, kernel.FlagReachable); err != nil {
		t.Fatal(err)
	}
	otherVref := kernel.ObjectVref(1, false)
	if err := store.AddCListEntry(ctx, "other", otherVref, kref, kernel.FlagReachable); err != nil {
		t.Fatal(err)
	}
	for _, v := range []kernel.VatID{"dying", "other"} {
		if err := store.AddLiveVat(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.OnVatTerminated(ctx, "dying"); err != nil {
		t.Fatalf("OnVatTerminated: %v", err)
	}

	if _, ok, err := store.ObjectOwner(ctx, kref); err != nil || ok {
		t.Fatalf("ObjectOwner after termination = ok=%v err=%v, want deleted", ok, err)
	}

	n, err := a.FlushToRunQueue(ctx)
	if err != nil {
		t.Fatalf("FlushToRunQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("FlushToRunQueue flushed %d groups, want 1 retireImports to other", n)
	}
	actions, err := store.GCActions(ctx)
	if err != nil {
		t.Fatalf("GCActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != "retireImports" || actions[0].Vat != "other" {
		t.Fatalf("GCActions = %+v, want one retireImports to other", actions)
	}
}

func TestFlushToRunQueueDedupesSameKreePerVat(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAccounting(t)

	kref1, kref2 := kernel.ObjectKref(1), kernel.ObjectKref(2)
	for _, kref := range []kernel.Kref{kref1, kref2} {
		if err := store.SetObjectOwner(ctx, kref, "owner"); err != nil {
			t.Fatal(err)
		}
		if err := store.SetRefCount(ctx, kref, kernel.RefCount{Reachable: 1, Recognizable: 1}); err != nil {
			t.Fatal(err)
		}
		if err := a.OnDropImports(ctx, "holder", kref); err != nil {
			t.Fatalf("OnDropImports(%s): %v", kref, err)
		}
		// calling it again with reachable already at zero shouldn't grow the queue
		if err := a.OnDropImports(ctx, "holder", kref); err != nil {
			t.Fatalf("OnDropImports(%s) repeat: %v", kref, err)
		}
	}

	n, err := a.FlushToRunQueue(ctx)
	if err != nil {
		t.Fatalf("FlushToRunQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("FlushToRunQueue flushed %d groups, want 1 (both krefs grouped under one dropExports to owner)", n)
	}
	actions, err := store.GCActions(ctx)
	if err != nil {
		t.Fatalf("GCActions: %v", err)
	}
	if len(actions) != 1 || len(actions[0].Krefs) != 2 {
		t.Fatalf("GCActions = %+v, want one action carrying both krefs", actions)
	}
}
