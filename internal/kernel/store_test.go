package kernel_test

import (
	"context"
	"testing"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
)

func newTestStore(t *testing.T) *kernel.Store {
	t.Helper()
	backing, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { backing.Close() })
	return kernel.NewStore(backing)
}

func TestKrefShape(t *testing.T) {
	if k := kernel.ObjectKref(5); !k.IsObject() || k.IsPromise() || string(k) != "ko5" {
		t.Fatalf("ObjectKref(5) = %q, IsObject=%v IsPromise=%v", k, k.IsObject(), k.IsPromise())
	}
	if k := kernel.PromiseKref(5); !k.IsPromise() || string(k) != "kp5" {
		t.Fatalf("PromiseKref(5) = %q", k)
	}
	if v := kernel.ObjectVref(3, true); string(v) != "o+3" || !v.IsOwner() {
		t.Fatalf("ObjectVref(3, true) = %q", v)
	}
	if v := kernel.ObjectVref(3, false); string(v) != "o-3" || v.IsOwner() {
		t.Fatalf("ObjectVref(3, false) = %q", v)
	}
}

func TestRefCountMarshalRoundtrip(t *testing.T) {
	rc := kernel.RefCount{Reachable: 2, Recognizable: 5}
	s := kernel.MarshalRefCount(rc)
	got, err := kernel.UnmarshalRefCount(s)
	if err != nil {
		t.Fatalf("UnmarshalRefCount(%q): %v", s, err)
	}
	if got != rc {
		t.Fatalf("roundtrip = %+v, want %+v", got, rc)
	}
}

func TestUnmarshalRefCountMalformed(t *testing.T) {
	if _, err := kernel.UnmarshalRefCount("not-a-refcount"); err == nil {
		t.Fatal("UnmarshalRefCount(malformed) returned nil error")
	}
}

func TestAllocObjectIDMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.AllocObjectID(ctx)
	if err != nil {
		t.Fatalf("AllocObjectID: %v", err)
	}
	second, err := s.AllocObjectID(ctx)
	if err != nil {
		t.Fatalf("AllocObjectID: %v", err)
	}
	if first == second {
		t.Fatalf("AllocObjectID returned the same kref twice: %q", first)
	}
}

func TestObjectOwnerAndRefCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	k := kernel.ObjectKref(1)
	if err := s.SetObjectOwner(ctx, k, "v1"); err != nil {
		t.Fatalf("SetObjectOwner: %v", err)
	}
	owner, ok, err := s.ObjectOwner(ctx, k)
	if err != nil || !ok || owner != "v1" {
		t.Fatalf("ObjectOwner = %q, %v, %v; want v1, true, nil", owner, ok, err)
	}

	rc := kernel.RefCount{Reachable: 1, Recognizable: 1}
	if err := s.SetRefCount(ctx, k, rc); err != nil {
		t.Fatalf("SetRefCount: %v", err)
	}
	got, ok, err := s.RefCount(ctx, k)
	if err != nil || !ok || got != rc {
		t.Fatalf("RefCount = %+v, %v, %v; want %+v, true, nil", got, ok, err, rc)
	}

	if revoked, err := s.IsRevoked(ctx, k); err != nil || revoked {
		t.Fatalf("IsRevoked before MarkRevoked = %v, %v", revoked, err)
	}
	if err := s.MarkRevoked(ctx, k); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	if revoked, err := s.IsRevoked(ctx, k); err != nil || !revoked {
		t.Fatalf("IsRevoked after MarkRevoked = %v, %v", revoked, err)
	}

	if err := s.DeleteObjectRow(ctx, k); err != nil {
		t.Fatalf("DeleteObjectRow: %v", err)
	}
	if _, ok, err := s.ObjectOwner(ctx, k); err != nil || ok {
		t.Fatalf("ObjectOwner after delete = ok=%v err=%v, want absent", ok, err)
	}
}

func TestObjectsOwnedByAndAllObjects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ko1, ko2, ko3 := kernel.ObjectKref(1), kernel.ObjectKref(2), kernel.ObjectKref(3)
	if err := s.SetObjectOwner(ctx, ko1, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetObjectOwner(ctx, ko2, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetObjectOwner(ctx, ko3, "v2"); err != nil {
		t.Fatal(err)
	}

	owned, err := s.ObjectsOwnedBy(ctx, "v1")
	if err != nil {
		t.Fatalf("ObjectsOwnedBy: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("ObjectsOwnedBy(v1) = %v, want 2 entries", owned)
	}

	all, err := s.AllObjects(ctx)
	if err != nil {
		t.Fatalf("AllObjects: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("AllObjects = %v, want 3 entries", all)
	}
}

func TestCListEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := kernel.VatID("v1")
	vref := kernel.ObjectVref(1, true)
	kref := kernel.ObjectKref(7)

	if err := s.AddCListEntry(ctx, v, vref, kref, kernel.FlagReachable); err != nil {
		t.Fatalf("AddCListEntry: %v", err)
	}

	gotKref, ok, err := s.KrefForVref(ctx, v, vref)
	if err != nil || !ok || gotKref != kref {
		t.Fatalf("KrefForVref = %q, %v, %v; want %q, true, nil", gotKref, ok, err, kref)
	}
	gotVref, ok, err := s.VrefForKref(ctx, v, kref)
	if err != nil || !ok || gotVref != vref {
		t.Fatalf("VrefForKref = %q, %v, %v; want %q, true, nil", gotVref, ok, err, vref)
	}
	flag, ok, err := s.FlagForVref(ctx, v, vref)
	if err != nil || !ok || flag != kernel.FlagReachable {
		t.Fatalf("FlagForVref = %q, %v, %v; want R, true, nil", flag, ok, err)
	}

	if err := s.SetCListFlag(ctx, v, vref, kernel.FlagRecognizable); err != nil {
		t.Fatalf("SetCListFlag: %v", err)
	}
	flag, ok, err = s.FlagForVref(ctx, v, vref)
	if err != nil || !ok || flag != kernel.FlagRecognizable {
		t.Fatalf("FlagForVref after downgrade = %q, %v, %v; want _, true, nil", flag, ok, err)
	}

	if err := s.AddLiveVat(ctx, v); err != nil {
		t.Fatalf("AddLiveVat: %v", err)
	}
	holders, err := s.ClistHoldersOf(ctx, kref)
	if err != nil {
		t.Fatalf("ClistHoldersOf: %v", err)
	}
	if len(holders) != 1 || holders[0] != v {
		t.Fatalf("ClistHoldersOf = %v, want [v1]", holders)
	}

	if err := s.RemoveCListEntry(ctx, v, vref, kref); err != nil {
		t.Fatalf("RemoveCListEntry: %v", err)
	}
	if _, ok, err := s.KrefForVref(ctx, v, vref); err != nil || ok {
		t.Fatalf("KrefForVref after remove = ok=%v err=%v, want absent", ok, err)
	}
}

func TestPromiseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kp := kernel.PromiseKref(1)
	if err := s.CreatePromise(ctx, kp, "v1"); err != nil {
		t.Fatalf("CreatePromise: %v", err)
	}

	row, ok, err := s.Promise(ctx, kp)
	if err != nil || !ok {
		t.Fatalf("Promise = %v, %v, %v", row, ok, err)
	}
	if row.State != kernel.PromiseUnresolved || row.Decider != "v1" {
		t.Fatalf("Promise after create = %+v, want unresolved/v1", row)
	}

	row.State = kernel.PromiseFulfilled
	row.Value = kernel.CapData{Body: "42"}
	if err := s.PutPromise(ctx, kp, row); err != nil {
		t.Fatalf("PutPromise: %v", err)
	}

	got, ok, err := s.Promise(ctx, kp)
	if err != nil || !ok {
		t.Fatalf("Promise after resolve = %v, %v, %v", got, ok, err)
	}
	if got.State != kernel.PromiseFulfilled || got.Value.Body != "42" {
		t.Fatalf("Promise after resolve = %+v, want fulfilled/42", got)
	}
	// A resolved promise's decider key is cleared, not carried forward.
	if got.Decider != "" {
		t.Fatalf("resolved promise still carries decider %q", got.Decider)
	}

	if err := s.DeletePromiseRow(ctx, kp); err != nil {
		t.Fatalf("DeletePromiseRow: %v", err)
	}
	if _, ok, err := s.Promise(ctx, kp); err != nil || ok {
		t.Fatalf("Promise after delete = ok=%v err=%v, want absent", ok, err)
	}
}

func TestRunQueueFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events := []kernel.Event{
		{Kind: "send", Method: "foo"},
		{Kind: "send", Method: "bar"},
		{Kind: "notify", Kp: kernel.PromiseKref(1)},
	}
	for _, ev := range events {
		if err := s.Enqueue(ctx, ev); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	depth, err := s.RunQueueDepth(ctx)
	if err != nil || depth != int64(len(events)) {
		t.Fatalf("RunQueueDepth = %d, %v; want %d", depth, err, len(events))
	}

	for _, want := range events {
		got, _, ok, err := s.Dequeue(ctx)
		if err != nil || !ok {
			t.Fatalf("Dequeue = %+v, %v, %v", got, ok, err)
		}
		if got.Kind != want.Kind || got.Method != want.Method {
			t.Fatalf("Dequeue = %+v, want %+v", got, want)
		}
	}

	if _, _, ok, err := s.Dequeue(ctx); err != nil || ok {
		t.Fatalf("Dequeue on empty queue = ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestLiveVatsAddRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AddLiveVat(ctx, "v1"); err != nil {
		t.Fatalf("AddLiveVat: %v", err)
	}
	if err := s.AddLiveVat(ctx, "v2"); err != nil {
		t.Fatalf("AddLiveVat: %v", err)
	}
	live, err := s.LiveVats(ctx)
	if err != nil || len(live) != 2 {
		t.Fatalf("LiveVats = %v, %v; want 2 entries", live, err)
	}

	if err := s.RemoveLiveVat(ctx, "v1"); err != nil {
		t.Fatalf("RemoveLiveVat: %v", err)
	}
	live, err = s.LiveVats(ctx)
	if err != nil || len(live) != 1 || live[0] != "v2" {
		t.Fatalf("LiveVats after remove = %v, %v; want [v2]", live, err)
	}
}

func TestGCActionsAppendAndDrain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendGCAction(ctx, kernel.GCAction{Kind: "dropExports", Vat: "v1", Krefs: []kernel.Kref{kernel.ObjectKref(1)}}); err != nil {
		t.Fatalf("AppendGCAction: %v", err)
	}
	if err := s.AppendGCAction(ctx, kernel.GCAction{Kind: "retireExports", Vat: "v1", Krefs: []kernel.Kref{kernel.ObjectKref(2)}}); err != nil {
		t.Fatalf("AppendGCAction: %v", err)
	}

	actions, err := s.DrainGCActions(ctx)
	if err != nil || len(actions) != 2 {
		t.Fatalf("DrainGCActions = %v, %v; want 2 entries", actions, err)
	}

	remaining, err := s.GCActions(ctx)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("GCActions after drain = %v, %v; want empty", remaining, err)
	}
}

func TestEnsureInitializedIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	initialized, err := s.Initialized(ctx)
	if err != nil || initialized {
		t.Fatalf("Initialized before bootstrap = %v, %v", initialized, err)
	}

	if err := s.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if err := s.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized (second call): %v", err)
	}

	initialized, err = s.Initialized(ctx)
	if err != nil || !initialized {
		t.Fatalf("Initialized after bootstrap = %v, %v", initialized, err)
	}
}
