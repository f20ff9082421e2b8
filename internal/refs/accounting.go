// Package refs implements the kernel's cross-vat reference accounting: the
// reachable/recognizable transition table of spec §4.3, and the GC actions
// (dropExports, retireExports, retireImports) those transitions produce.
// Pending actions are held in rate-limited, deduplicating work queues
// modeled directly on Kubernetes' garbage collector's attemptToDelete /
// attemptToOrphan queues — the kernel drains them synchronously at the end
// of every crank rather than running worker goroutines against them, since
// the scheduler itself is single-threaded.
package refs

import (
	"context"
	"fmt"

	"k8s.io/client-go/util/workqueue"

	"go.ocapkernel.dev/kernel/internal/kernel"
)

// action is one item queued for end-of-crank delivery.
type action struct {
	kind  string // dropExports, retireExports, retireImports
	vat   kernel.VatID
	kref  kernel.Kref
}

func (a action) key() string { return fmt.Sprintf("%s|%s|%s", a.kind, a.vat, a.kref) }

// Accounting tracks reachable/recognizable counts and derives GC deltas.
type Accounting struct {
	store *kernel.Store
	queue workqueue.TypedRateLimitingInterface[string]
	items map[string]action
}

func NewAccounting(store *kernel.Store) *Accounting {
	return &Accounting{
		store: store,
		queue: workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[string]()),
		items: make(map[string]action),
	}
}

func (a *Accounting) enqueue(act action) {
	key := act.key()
	if _, exists := a.items[key]; exists {
		return
	}
	a.items[key] = act
	a.queue.Add(key)
}

// OnSlotEnqueued accounts for a kref appearing as a fresh import in an
// enqueued message's slots: +1 reachable, +1 recognizable.
func (a *Accounting) OnSlotEnqueued(ctx context.Context, kref kernel.Kref) error {
	rc, ok, err := a.store.RefCount(ctx, kref)
	if err != nil {
		return err
	}
	if !ok {
		rc = kernel.RefCount{}
	}
	rc.Reachable++
	rc.Recognizable++
	return a.store.SetRefCount(ctx, kref, rc)
}

// OnDropImports applies syscall.dropImports(vref): -1 reachable. If
// reachable reaches zero and the owner is still live, dropExports is queued
// to the owner.
func (a *Accounting) OnDropImports(ctx context.Context, holder kernel.VatID, kref kernel.Kref) error {
	rc, ok, err := a.store.RefCount(ctx, kref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rc.Reachable > 0 {
		rc.Reachable--
	}
	if err := a.store.SetRefCount(ctx, kref, rc); err != nil {
		return err
	}
	if vref := mustVref(ctx, a.store, holder, kref); vref != "" {
		if err := a.store.SetCListFlag(ctx, holder, vref, kernel.FlagRecognizable); err != nil {
			return err
		}
	}
	if rc.Reachable == 0 {
		owner, ok, err := a.store.ObjectOwner(ctx, kref)
		if err != nil {
			return err
		}
		if ok {
			a.enqueue(action{kind: "dropExports", vat: owner, kref: kref})
		}
	}
	return nil
}

// OnRetireImports applies syscall.retireImports(vref): -1 recognizable, and
// deletes the c-list entry outright (a retired import is no longer even
// recognizable).
func (a *Accounting) OnRetireImports(ctx context.Context, holder kernel.VatID, kref kernel.Kref) error {
	vref, ok, err := a.store.VrefForKref(ctx, holder, kref)
	if err != nil {
		return err
	}
	if ok {
		if err := a.store.RemoveCListEntry(ctx, holder, vref, kref); err != nil {
			return err
		}
	}
	rc, ok, err := a.store.RefCount(ctx, kref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rc.Recognizable > 0 {
		rc.Recognizable--
	}
	return a.finishRecognizableDecay(ctx, kref, rc)
}

// OnRetireExportsAck records that the owner acknowledged losing all
// recognizability of kref (recognizable already hit zero): retireExports is
// queued to the owner and retireImports to every remaining holder.
func (a *Accounting) OnRetireExportsAck(ctx context.Context, kref kernel.Kref) error {
	owner, ok, err := a.store.ObjectOwner(ctx, kref)
	if err != nil {
		return err
	}
	if ok {
		a.enqueue(action{kind: "retireExports", vat: owner, kref: kref})
	}
	return a.fanOutRetireImports(ctx, kref, owner)
}

// OnVatTerminated drops every export the vat owned: both counts go to zero,
// and retireImports fans out to every other holder of that export.
func (a *Accounting) OnVatTerminated(ctx context.Context, vat kernel.VatID) error {
	entries, err := a.store.ClistEntriesOwnedBy(ctx, vat)
	if err != nil {
		return err
	}
	for _, kref := range entries {
		if err := a.store.SetRefCount(ctx, kref, kernel.RefCount{}); err != nil {
			return err
		}
		if err := a.fanOutRetireImports(ctx, kref, vat); err != nil {
			return err
		}
		if err := a.store.DeleteObjectRow(ctx, kref); err != nil {
			return err
		}
	}
	return nil
}

func (a *Accounting) finishRecognizableDecay(ctx context.Context, kref kernel.Kref, rc kernel.RefCount) error {
	if err := a.store.SetRefCount(ctx, kref, rc); err != nil {
		return err
	}
	if rc.Recognizable == 0 {
		return a.OnRetireExportsAck(ctx, kref)
	}
	return nil
}

func (a *Accounting) fanOutRetireImports(ctx context.Context, kref kernel.Kref, exclude kernel.VatID) error {
	holders, err := a.store.ClistHoldersOf(ctx, kref)
	if err != nil {
		return err
	}
	for _, holder := range holders {
		if holder == exclude {
			continue
		}
		a.enqueue(action{kind: "retireImports", vat: holder, kref: kref})
	}
	return nil
}

// FlushToRunQueue drains every pending GC action into the kernel's
// gcActions list, grouped by (kind, vat) so a single dispatch covers every
// kref queued for that vat — this is the "flushed onto the run queue at
// end-of-crank" step of §4.3.
func (a *Accounting) FlushToRunQueue(ctx context.Context) (int, error) {
	grouped := map[string]*kernel.GCAction{}
	var order []string

	for a.queue.Len() > 0 {
		key, quit := a.queue.Get()
		if quit {
			break
		}
		act, ok := a.items[key]
		if ok {
			groupKey := act.kind + "|" + string(act.vat)
			g, exists := grouped[groupKey]
			if !exists {
				g = &kernel.GCAction{Kind: act.kind, Vat: act.vat}
				grouped[groupKey] = g
				order = append(order, groupKey)
			}
			g.Krefs = append(g.Krefs, act.kref)
			delete(a.items, key)
		}
		a.queue.Done(key)
		a.queue.Forget(key)
	}

	for _, groupKey := range order {
		if err := a.store.AppendGCAction(ctx, *grouped[groupKey]); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

func mustVref(ctx context.Context, store *kernel.Store, vat kernel.VatID, kref kernel.Kref) kernel.Vref {
	vref, ok, err := store.VrefForKref(ctx, vat, kref)
	if err != nil || !ok {
		return ""
	}
	return vref
}
