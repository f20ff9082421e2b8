package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.ocapkernel.dev/kernel/internal/kv"
)

// Event is one run-queue delivery record.
type Event struct {
	Kind   string   `json:"kind"` // send, notify, dropExports, retireExports, retireImports, bringOutYourDead
	Vat    VatID    `json:"vat,omitempty"`
	Target Kref     `json:"target,omitempty"`
	Method string   `json:"method,omitempty"`
	Args   CapData  `json:"args,omitempty"`
	Result Kref     `json:"result,omitempty"`
	Kp     Kref     `json:"kp,omitempty"`
	Krefs  []Kref   `json:"krefs,omitempty"`
}

// Store is the typed accessor layer over a kv.Store. All kernel-state
// mutation passes through here so invariant checks see every write.
type Store struct {
	kv kv.Store
}

func NewStore(backing kv.Store) *Store {
	return &Store{kv: backing}
}

func (s *Store) KV() kv.Store { return s.kv }

// --- counters -----------------------------------------------------------

func (s *Store) nextCounter(ctx context.Context, key string) (int64, error) {
	value, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kernel: corrupt counter %s=%q: %w", key, value, err)
		}
	}
	if err := s.kv.Set(ctx, key, strconv.FormatInt(n+1, 10)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) AllocObjectID(ctx context.Context) (Kref, error) {
	n, err := s.nextCounter(ctx, "nextObjectId")
	return ObjectKref(n), err
}

func (s *Store) AllocPromiseID(ctx context.Context) (Kref, error) {
	n, err := s.nextCounter(ctx, "nextPromiseId")
	return PromiseKref(n), err
}

func (s *Store) AllocVatID(ctx context.Context) (VatID, error) {
	n, err := s.nextCounter(ctx, "nextVatId")
	return VatID(fmt.Sprintf("v%d", n)), err
}

func (s *Store) AllocRemoteID(ctx context.Context) (int64, error) {
	return s.nextCounter(ctx, "nextRemoteId")
}

func (s *Store) AllocSubclusterID(ctx context.Context) (SubclusterID, error) {
	n, err := s.nextCounter(ctx, "nextSubclusterId")
	return SubclusterID(fmt.Sprintf("s%d", n)), err
}

// --- c-list ---------------------------------------------------------------

func clistVrefKey(v VatID, vref Vref) string { return fmt.Sprintf("v%s.c.%s", v, vref) }
func clistKrefKey(v VatID, kref Kref) string { return fmt.Sprintf("v%s.c.%s", v, kref) }

// AddCListEntry records the vref<->kref pair for vat v with the given flag,
// maintaining both directions.
func (s *Store) AddCListEntry(ctx context.Context, v VatID, vref Vref, kref Kref, flag Flag) error {
	if err := s.kv.Set(ctx, clistVrefKey(v, vref), fmt.Sprintf("%c %s", flag, kref)); err != nil {
		return err
	}
	return s.kv.Set(ctx, clistKrefKey(v, kref), string(vref))
}

// RemoveCListEntry deletes both directions of a c-list row.
func (s *Store) RemoveCListEntry(ctx context.Context, v VatID, vref Vref, kref Kref) error {
	if err := s.kv.Delete(ctx, clistVrefKey(v, vref)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, clistKrefKey(v, kref))
}

// SetCListFlag updates the reachable/recognizable flag of an existing entry
// without changing the kref it maps to.
func (s *Store) SetCListFlag(ctx context.Context, v VatID, vref Vref, flag Flag) error {
	kref, ok, err := s.KrefForVref(ctx, v, vref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("kernel: no c-list entry for %s/%s", v, vref)
	}
	return s.kv.Set(ctx, clistVrefKey(v, vref), fmt.Sprintf("%c %s", flag, kref))
}

// KrefForVref translates a vat-local vref to its kernel kref.
func (s *Store) KrefForVref(ctx context.Context, v VatID, vref Vref) (Kref, bool, error) {
	raw, ok, err := s.kv.Get(ctx, clistVrefKey(v, vref))
	if err != nil || !ok {
		return "", ok, err
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return "", false, fmt.Errorf("kernel: malformed c-list row %q", raw)
	}
	return Kref(parts[1]), true, nil
}

// FlagForVref returns the reachable/recognizable flag of a c-list row.
func (s *Store) FlagForVref(ctx context.Context, v VatID, vref Vref) (Flag, bool, error) {
	raw, ok, err := s.kv.Get(ctx, clistVrefKey(v, vref))
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(raw) == 0 {
		return 0, false, fmt.Errorf("kernel: malformed c-list row %q", raw)
	}
	return Flag(raw[0]), true, nil
}

// VrefForKref translates a kernel kref to vat v's local vref, if it has one.
func (s *Store) VrefForKref(ctx context.Context, v VatID, kref Kref) (Vref, bool, error) {
	raw, ok, err := s.kv.Get(ctx, clistKrefKey(v, kref))
	if err != nil || !ok {
		return "", ok, err
	}
	return Vref(raw), true, nil
}

// --- object table -----------------------------------------------------------

func (s *Store) SetObjectOwner(ctx context.Context, k Kref, owner VatID) error {
	return s.kv.Set(ctx, string(k)+".owner", string(owner))
}

func (s *Store) ObjectOwner(ctx context.Context, k Kref) (VatID, bool, error) {
	v, ok, err := s.kv.Get(ctx, string(k)+".owner")
	return VatID(v), ok, err
}

func (s *Store) SetRefCount(ctx context.Context, k Kref, rc RefCount) error {
	return s.kv.Set(ctx, string(k)+".refCount", MarshalRefCount(rc))
}

func (s *Store) RefCount(ctx context.Context, k Kref) (RefCount, bool, error) {
	raw, ok, err := s.kv.Get(ctx, string(k)+".refCount")
	if err != nil || !ok {
		return RefCount{}, ok, err
	}
	rc, err := UnmarshalRefCount(raw)
	return rc, true, err
}

func (s *Store) DeleteObjectRow(ctx context.Context, k Kref) error {
	for _, suffix := range []string{".owner", ".refCount", ".revoked"} {
		if err := s.kv.Delete(ctx, string(k)+suffix); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkRevoked(ctx context.Context, k Kref) error {
	return s.kv.Set(ctx, string(k)+".revoked", "true")
}

func (s *Store) IsRevoked(ctx context.Context, k Kref) (bool, error) {
	v, ok, err := s.kv.Get(ctx, string(k)+".revoked")
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// ObjectsOwnedBy scans the object table for every kref whose owner is v, by
// walking the "ko<N>.owner" keyspace with GetNextKey.
func (s *Store) ObjectsOwnedBy(ctx context.Context, v VatID) ([]Kref, error) {
	var owned []Kref
	cursor := "ko"
	for {
		key, ok, err := s.kv.GetNextKey(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if !ok || len(key) < 2 || key[:2] != "ko" {
			break
		}
		cursor = key
		const suffix = ".owner"
		if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		owner, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && VatID(owner) == v {
			owned = append(owned, Kref(key[:len(key)-len(suffix)]))
		}
	}
	return owned, nil
}

// AllObjects scans the entire object table, for the CLI's "view objects".
func (s *Store) AllObjects(ctx context.Context) ([]Kref, error) {
	var all []Kref
	cursor := "ko"
	for {
		key, ok, err := s.kv.GetNextKey(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if !ok || len(key) < 2 || key[:2] != "ko" {
			break
		}
		cursor = key
		const suffix = ".owner"
		if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		all = append(all, Kref(key[:len(key)-len(suffix)]))
	}
	return all, nil
}

// AllPromises scans the entire promise table, for the CLI's "view promises".
func (s *Store) AllPromises(ctx context.Context) ([]Kref, error) {
	var all []Kref
	cursor := "kp"
	for {
		key, ok, err := s.kv.GetNextKey(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if !ok || len(key) < 2 || key[:2] != "kp" {
			break
		}
		cursor = key
		const suffix = ".state"
		if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		all = append(all, Kref(key[:len(key)-len(suffix)]))
	}
	return all, nil
}

// ClistEntriesOwnedBy is an alias of ObjectsOwnedBy for callers thinking in
// terms of "what this vat's c-list owns" rather than the object table.
func (s *Store) ClistEntriesOwnedBy(ctx context.Context, v VatID) ([]Kref, error) {
	return s.ObjectsOwnedBy(ctx, v)
}

// ClistHoldersOf returns every live vat that holds a c-list entry for kref,
// the owner included if it holds one, by checking each live vat's c-list
// directly. Vats not registered with AddLiveVat are not checked.
func (s *Store) ClistHoldersOf(ctx context.Context, kref Kref) ([]VatID, error) {
	vats, err := s.LiveVats(ctx)
	if err != nil {
		return nil, err
	}
	var holders []VatID
	for _, v := range vats {
		if _, ok, err := s.VrefForKref(ctx, v, kref); err != nil {
			return nil, err
		} else if ok {
			holders = append(holders, v)
		}
	}
	return holders, nil
}

// --- promise table -----------------------------------------------------------

type PromiseRow struct {
	State       PromiseState
	Decider     VatID
	Subscribers []VatID
	Queue       []Event
	Value       CapData
	RefCount    int
}

func (s *Store) CreatePromise(ctx context.Context, k Kref, decider VatID) error {
	row := PromiseRow{State: PromiseUnresolved, Decider: decider, RefCount: 1}
	return s.writePromise(ctx, k, row)
}

func (s *Store) writePromise(ctx context.Context, k Kref, row PromiseRow) error {
	if err := s.kv.Set(ctx, string(k)+".state", string(row.State)); err != nil {
		return err
	}
	if row.State == PromiseUnresolved {
		if err := s.kv.Set(ctx, string(k)+".decider", string(row.Decider)); err != nil {
			return err
		}
	} else {
		_ = s.kv.Delete(ctx, string(k)+".decider")
	}
	if err := s.setJSON(ctx, string(k)+".subscribers", row.Subscribers); err != nil {
		return err
	}
	if err := s.setJSON(ctx, string(k)+".queue", row.Queue); err != nil {
		return err
	}
	if err := s.setJSON(ctx, string(k)+".value", row.Value); err != nil {
		return err
	}
	return s.kv.Set(ctx, string(k)+".refCount", strconv.Itoa(row.RefCount))
}

func (s *Store) Promise(ctx context.Context, k Kref) (PromiseRow, bool, error) {
	state, ok, err := s.kv.Get(ctx, string(k)+".state")
	if err != nil || !ok {
		return PromiseRow{}, ok, err
	}
	row := PromiseRow{State: PromiseState(state)}
	if row.State == PromiseUnresolved {
		decider, _, err := s.kv.Get(ctx, string(k)+".decider")
		if err != nil {
			return PromiseRow{}, false, err
		}
		row.Decider = VatID(decider)
	}
	if err := s.getJSON(ctx, string(k)+".subscribers", &row.Subscribers); err != nil {
		return PromiseRow{}, false, err
	}
	if err := s.getJSON(ctx, string(k)+".queue", &row.Queue); err != nil {
		return PromiseRow{}, false, err
	}
	if err := s.getJSON(ctx, string(k)+".value", &row.Value); err != nil {
		return PromiseRow{}, false, err
	}
	rcRaw, _, err := s.kv.Get(ctx, string(k)+".refCount")
	if err != nil {
		return PromiseRow{}, false, err
	}
	if rcRaw != "" {
		row.RefCount, _ = strconv.Atoi(rcRaw)
	}
	return row, true, nil
}

func (s *Store) PutPromise(ctx context.Context, k Kref, row PromiseRow) error {
	return s.writePromise(ctx, k, row)
}

func (s *Store) DeletePromiseRow(ctx context.Context, k Kref) error {
	for _, suffix := range []string{".state", ".decider", ".subscribers", ".queue", ".value", ".refCount"} {
		if err := s.kv.Delete(ctx, string(k)+suffix); err != nil {
			return err
		}
	}
	return nil
}

// --- vat tables -----------------------------------------------------------

type VatConfig struct {
	BundleSpec string            `json:"bundleSpec"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Endowments []string          `json:"endowments,omitempty"`
}

func (s *Store) SetVatConfig(ctx context.Context, v VatID, cfg VatConfig) error {
	return s.setJSON(ctx, "vatConfig."+string(v), cfg)
}

func (s *Store) VatConfig(ctx context.Context, v VatID) (VatConfig, bool, error) {
	var cfg VatConfig
	key := "vatConfig." + string(v)
	_, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return cfg, ok, err
	}
	return cfg, true, s.getJSON(ctx, key, &cfg)
}

func (s *Store) DeleteVatConfig(ctx context.Context, v VatID) error {
	return s.kv.Delete(ctx, "vatConfig."+string(v))
}

// LiveVats lists every vat ID the kernel has launched and not yet reaped,
// the iteration set GC sweeps and invariant checks walk.
func (s *Store) LiveVats(ctx context.Context) ([]VatID, error) {
	var ids []VatID
	err := s.getJSON(ctx, "vats.live", &ids)
	return ids, err
}

func (s *Store) AddLiveVat(ctx context.Context, v VatID) error {
	ids, err := s.LiveVats(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, v)
	return s.setJSON(ctx, "vats.live", ids)
}

func (s *Store) RemoveLiveVat(ctx context.Context, v VatID) error {
	ids, err := s.LiveVats(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != v {
			kept = append(kept, id)
		}
	}
	return s.setJSON(ctx, "vats.live", kept)
}

func (s *Store) TerminatedVats(ctx context.Context) ([]VatID, error) {
	var ids []VatID
	err := s.getJSON(ctx, "vats.terminated", &ids)
	return ids, err
}

func (s *Store) AddTerminatedVat(ctx context.Context, v VatID) error {
	ids, err := s.TerminatedVats(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, v)
	return s.setJSON(ctx, "vats.terminated", ids)
}

func (s *Store) ClearTerminatedVat(ctx context.Context, v VatID) error {
	ids, err := s.TerminatedVats(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != v {
			kept = append(kept, id)
		}
	}
	return s.setJSON(ctx, "vats.terminated", kept)
}

func (s *Store) VatToSubclusterMap(ctx context.Context) (map[VatID]SubclusterID, error) {
	m := map[VatID]SubclusterID{}
	if err := s.getJSON(ctx, "vatToSubclusterMap", &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) SetVatSubcluster(ctx context.Context, v VatID, sc SubclusterID) error {
	m, err := s.VatToSubclusterMap(ctx)
	if err != nil {
		return err
	}
	m[v] = sc
	return s.setJSON(ctx, "vatToSubclusterMap", m)
}

func (s *Store) RemoveVatSubcluster(ctx context.Context, v VatID) error {
	m, err := s.VatToSubclusterMap(ctx)
	if err != nil {
		return err
	}
	delete(m, v)
	return s.setJSON(ctx, "vatToSubclusterMap", m)
}

func (s *Store) Subclusters(ctx context.Context) ([]SubclusterID, error) {
	var ids []SubclusterID
	err := s.getJSON(ctx, "subclusters", &ids)
	return ids, err
}

func (s *Store) AddSubcluster(ctx context.Context, id SubclusterID) error {
	ids, err := s.Subclusters(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, id)
	return s.setJSON(ctx, "subclusters", ids)
}

func (s *Store) RemoveSubcluster(ctx context.Context, id SubclusterID) error {
	ids, err := s.Subclusters(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, sc := range ids {
		if sc != id {
			kept = append(kept, sc)
		}
	}
	return s.setJSON(ctx, "subclusters", kept)
}

// --- run queue / GC actions / reap queue -----------------------------------

func (s *Store) runQueueCursor(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Store) RunQueueHead(ctx context.Context) (int64, error) { return s.runQueueCursor(ctx, "queue.run.head") }
func (s *Store) RunQueueTail(ctx context.Context) (int64, error) { return s.runQueueCursor(ctx, "queue.run.tail") }

// Enqueue appends ev to the run queue and advances the tail cursor.
func (s *Store) Enqueue(ctx context.Context, ev Event) error {
	tail, err := s.RunQueueTail(ctx)
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, fmt.Sprintf("queue.run.%d", tail), ev); err != nil {
		return err
	}
	return s.kv.Set(ctx, "queue.run.tail", strconv.FormatInt(tail+1, 10))
}

// Dequeue pops the event at the head of the run queue, if any.
func (s *Store) Dequeue(ctx context.Context) (Event, int64, bool, error) {
	head, err := s.RunQueueHead(ctx)
	if err != nil {
		return Event{}, 0, false, err
	}
	tail, err := s.RunQueueTail(ctx)
	if err != nil {
		return Event{}, 0, false, err
	}
	if head >= tail {
		return Event{}, 0, false, nil
	}
	var ev Event
	key := fmt.Sprintf("queue.run.%d", head)
	if err := s.getJSON(ctx, key, &ev); err != nil {
		return Event{}, 0, false, err
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return Event{}, 0, false, err
	}
	if err := s.kv.Set(ctx, "queue.run.head", strconv.FormatInt(head+1, 10)); err != nil {
		return Event{}, 0, false, err
	}
	return ev, head, true, nil
}

func (s *Store) RunQueueDepth(ctx context.Context) (int64, error) {
	head, err := s.RunQueueHead(ctx)
	if err != nil {
		return 0, err
	}
	tail, err := s.RunQueueTail(ctx)
	if err != nil {
		return 0, err
	}
	return tail - head, nil
}

// GCAction is one pending cross-vat GC delta.
type GCAction struct {
	Kind  string `json:"kind"` // dropExports, retireExports, retireImports
	Vat   VatID  `json:"vat"`
	Krefs []Kref `json:"krefs"`
}

func (s *Store) GCActions(ctx context.Context) ([]GCAction, error) {
	var actions []GCAction
	err := s.getJSON(ctx, "gcActions", &actions)
	return actions, err
}

func (s *Store) AppendGCAction(ctx context.Context, action GCAction) error {
	actions, err := s.GCActions(ctx)
	if err != nil {
		return err
	}
	actions = append(actions, action)
	return s.setJSON(ctx, "gcActions", actions)
}

func (s *Store) DrainGCActions(ctx context.Context) ([]GCAction, error) {
	actions, err := s.GCActions(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setJSON(ctx, "gcActions", []GCAction{}); err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *Store) ReapQueue(ctx context.Context) ([]VatID, error) {
	var ids []VatID
	err := s.getJSON(ctx, "reapQueue", &ids)
	return ids, err
}

func (s *Store) AddToReapQueue(ctx context.Context, v VatID) error {
	ids, err := s.ReapQueue(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == v {
			return nil
		}
	}
	ids = append(ids, v)
	return s.setJSON(ctx, "reapQueue", ids)
}

func (s *Store) RemoveFromReapQueue(ctx context.Context, v VatID) error {
	ids, err := s.ReapQueue(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != v {
			kept = append(kept, id)
		}
	}
	return s.setJSON(ctx, "reapQueue", kept)
}

// --- transcript -----------------------------------------------------------

// AppendTranscriptRecord appends raw (an encoded dispatch.TranscriptRecord)
// to vat v's transcript log, for replay on restart.
func (s *Store) AppendTranscriptRecord(ctx context.Context, v VatID, raw []byte) error {
	lenKey := fmt.Sprintf("transcript.%s.len", v)
	n, err := s.nextCounter(ctx, lenKey)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, fmt.Sprintf("transcript.%s.%d", v, n), string(raw))
}

// TranscriptRecords returns every transcript line persisted for v, in order.
func (s *Store) TranscriptRecords(ctx context.Context, v VatID) ([][]byte, error) {
	lenKey := fmt.Sprintf("transcript.%s.len", v)
	raw, ok, err := s.kv.Get(ctx, lenKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		value, ok, err := s.kv.Get(ctx, fmt.Sprintf("transcript.%s.%d", v, i))
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, []byte(value))
		}
	}
	return records, nil
}

func (s *Store) DeleteTranscript(ctx context.Context, v VatID) error {
	records, err := s.TranscriptRecords(ctx, v)
	if err != nil {
		return err
	}
	for i := range records {
		if err := s.kv.Delete(ctx, fmt.Sprintf("transcript.%s.%d", v, i)); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, fmt.Sprintf("transcript.%s.len", v))
}

// --- bootstrap / init -----------------------------------------------------

func (s *Store) Initialized(ctx context.Context) (bool, error) {
	v, ok, err := s.kv.Get(ctx, "initialized")
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// EnsureInitialized writes the reserved scalar keys the empty-state dump in
// the spec's clear-state scenario expects, the first time the kernel boots
// against a fresh store.
func (s *Store) EnsureInitialized(ctx context.Context) error {
	initialized, err := s.Initialized(ctx)
	if err != nil || initialized {
		return err
	}
	for _, kv2 := range []struct{ key, value string }{
		{"queue.run.head", "0"},
		{"queue.run.tail", "0"},
		{"nextObjectId", "0"},
		{"nextPromiseId", "0"},
		{"nextVatId", "0"},
		{"nextRemoteId", "0"},
		{"nextSubclusterId", "0"},
	} {
		if err := s.kv.Set(ctx, kv2.key, kv2.value); err != nil {
			return err
		}
	}
	if err := s.setJSON(ctx, "gcActions", []GCAction{}); err != nil {
		return err
	}
	if err := s.setJSON(ctx, "reapQueue", []VatID{}); err != nil {
		return err
	}
	if err := s.setJSON(ctx, "vats.terminated", []VatID{}); err != nil {
		return err
	}
	if err := s.setJSON(ctx, "vats.live", []VatID{}); err != nil {
		return err
	}
	if err := s.setJSON(ctx, "subclusters", []SubclusterID{}); err != nil {
		return err
	}
	if err := s.setJSON(ctx, "vatToSubclusterMap", map[VatID]SubclusterID{}); err != nil {
		return err
	}
	return s.kv.Set(ctx, "initialized", "true")
}

// --- JSON helpers -----------------------------------------------------------

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, string(raw))
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
