package memory_test

import (
	"context"
	"errors"
	"testing"

	"go.ocapkernel.dev/kernel/internal/kv"
	"go.ocapkernel.dev/kernel/internal/kv/memory"
)

func openTestStore(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.Get(ctx, "ko1.owner"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "ko1.owner", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "ko1.owner")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("Get after Set: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.Delete(ctx, "ko1.owner"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := s.Get(ctx, "ko1.owner"); err != nil || ok {
		t.Fatalf("Get after Delete: ok=%v err=%v", ok, err)
	}
}

func TestGetRequiredMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetRequired(ctx, "nope"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("GetRequired on missing key: got %v, want kv.ErrNotFound", err)
	}
}

func TestGetNextKeyOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"ko3.owner", "ko1.owner", "ko2.owner", "kp1.state"} {
		if err := s.Set(ctx, k, "x"); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	var seen []string
	cursor := ""
	for {
		next, ok, err := s.GetNextKey(ctx, cursor)
		if err != nil {
			t.Fatalf("GetNextKey: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, next)
		cursor = next
	}

	want := []string{"ko1.owner", "ko2.owner", "ko3.owner", "kp1.state"}
	if len(seen) != len(want) {
		t.Fatalf("GetNextKey scan = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("GetNextKey scan[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestVatSubStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpdateKVData(ctx, "v1", kv.Delta{
		Sets: []kv.KVPair{{Key: "count", Value: "1"}, {Key: "name", Value: "alice"}},
	}); err != nil {
		t.Fatalf("UpdateKVData: %v", err)
	}

	data, err := s.GetKVData(ctx, "v1")
	if err != nil {
		t.Fatalf("GetKVData: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("GetKVData = %v, want 2 pairs", data)
	}

	if err := s.UpdateKVData(ctx, "v1", kv.Delta{Deletes: []string{"name"}}); err != nil {
		t.Fatalf("UpdateKVData delete: %v", err)
	}
	data, err = s.GetKVData(ctx, "v1")
	if err != nil {
		t.Fatalf("GetKVData after delete: %v", err)
	}
	if len(data) != 1 || data[0].Key != "count" {
		t.Fatalf("GetKVData after delete = %v, want just count", data)
	}

	if err := s.DeleteVatStore(ctx, "v1"); err != nil {
		t.Fatalf("DeleteVatStore: %v", err)
	}
	data, err = s.GetKVData(ctx, "v1")
	if err != nil {
		t.Fatalf("GetKVData after DeleteVatStore: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("GetKVData after DeleteVatStore = %v, want empty", data)
	}
}

func TestSavepointCommit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("CreateSavepoint: %v", err)
	}
	if s.SavepointDepth() != 1 {
		t.Fatalf("SavepointDepth after create = %d, want 1", s.SavepointDepth())
	}
	if err := s.Set(ctx, "k", "under-savepoint"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.ReleaseSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("ReleaseSavepoint: %v", err)
	}
	if s.SavepointDepth() != 0 {
		t.Fatalf("SavepointDepth after release = %d, want 0", s.SavepointDepth())
	}

	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "under-savepoint" {
		t.Fatalf("Get after release: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestSavepointRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Set(ctx, "k", "before"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.CreateSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("CreateSavepoint: %v", err)
	}
	if err := s.Set(ctx, "k", "during"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "fresh", "new"); err != nil {
		t.Fatalf("Set fresh: %v", err)
	}
	if err := s.RollbackSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("RollbackSavepoint: %v", err)
	}

	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "before" {
		t.Fatalf("Get after rollback: v=%q ok=%v err=%v, want \"before\"", v, ok, err)
	}
	if _, ok, err := s.Get(ctx, "fresh"); err != nil || ok {
		t.Fatalf("Get fresh after rollback: ok=%v err=%v, want absent", ok, err)
	}
	if s.SavepointDepth() != 0 {
		t.Fatalf("SavepointDepth after rollback = %d, want 0", s.SavepointDepth())
	}
}

func TestNestedSavepoints(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateSavepoint(ctx, "outer"); err != nil {
		t.Fatalf("CreateSavepoint outer: %v", err)
	}
	if err := s.Set(ctx, "k", "outer-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.CreateSavepoint(ctx, "inner"); err != nil {
		t.Fatalf("CreateSavepoint inner: %v", err)
	}
	if err := s.Set(ctx, "k", "inner-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.RollbackSavepoint(ctx, "inner"); err != nil {
		t.Fatalf("RollbackSavepoint inner: %v", err)
	}

	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "outer-value" {
		t.Fatalf("Get after inner rollback: v=%q ok=%v err=%v, want outer-value", v, ok, err)
	}
	if s.SavepointDepth() != 1 {
		t.Fatalf("SavepointDepth after inner rollback = %d, want 1", s.SavepointDepth())
	}

	if err := s.ReleaseSavepoint(ctx, "outer"); err != nil {
		t.Fatalf("ReleaseSavepoint outer: %v", err)
	}
}

func TestRollbackWrongSavepointNameFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.CreateSavepoint(ctx, "sp1"); err != nil {
		t.Fatalf("CreateSavepoint: %v", err)
	}
	if err := s.RollbackSavepoint(ctx, "not-open"); !errors.Is(err, kv.ErrSavepointNotOpen) {
		t.Fatalf("RollbackSavepoint(wrong name) = %v, want kv.ErrSavepointNotOpen", err)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"ko1.owner", "kp1.state", "vat.v1.count"} {
		if err := s.Set(ctx, k, "x"); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	_, ok, err := s.GetNextKey(ctx, "")
	if err != nil {
		t.Fatalf("GetNextKey after Clear: %v", err)
	}
	if ok {
		t.Fatalf("GetNextKey after Clear found a key, want none")
	}
}

func TestValidateIdentifier(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"sp1", true},
		{"_sp1", true},
		{"sp_1", true},
		{"1sp", false},
		{"sp-1", false},
		{"sp 1", false},
		{"", false},
	}
	for _, c := range cases {
		err := kv.ValidateIdentifier(c.name)
		if (err == nil) != c.valid {
			t.Errorf("ValidateIdentifier(%q) error = %v, want valid=%v", c.name, err, c.valid)
		}
	}
}
