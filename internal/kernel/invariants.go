package kernel

import (
	"context"
	"fmt"
)

// CheckInvariants checks part of the stable-point invariants against the
// current store state: run-queue head <= tail, (1) every live vat's c-list
// row has a matching inverse row, (3) reachable <= recognizable, and (4) the
// stored reachable count equals R c-list entries plus run-queue occurrences,
// for every kref that occurs at least once. Invariants (2), (5) and (6) and
// the other counters of (7) are not checked. Nothing in the kernel calls it;
// it walks every live vat's c-list and is O(vats*entries).
func (s *Store) CheckInvariants(ctx context.Context) error {
	depth, err := checkRunQueueMonotone(ctx, s)
	if err != nil {
		return err
	}
	_ = depth

	vats, err := s.LiveVats(ctx)
	if err != nil {
		return err
	}

	reachableByKref := map[Kref]int{}

	for _, v := range vats {
		entries, err := s.clistRows(ctx, v)
		if err != nil {
			return err
		}
		for vref, row := range entries {
			kref, flag := row.kref, row.flag
			// invariant 1: inverse row exists and matches.
			inverse, ok, err := s.VrefForKref(ctx, v, kref)
			if err != nil {
				return err
			}
			if !ok || inverse != vref {
				return fmt.Errorf("kernel: invariant 1 violated: %s/%s -> %s has no matching inverse", v, vref, kref)
			}
			if flag == FlagReachable {
				reachableByKref[kref]++
			}
		}
	}

	head, err := s.RunQueueHead(ctx)
	if err != nil {
		return err
	}
	tail, err := s.RunQueueTail(ctx)
	if err != nil {
		return err
	}
	for i := head; i < tail; i++ {
		var ev Event
		if err := s.getJSON(ctx, fmt.Sprintf("queue.run.%d", i), &ev); err != nil {
			return err
		}
		for _, slot := range ev.Args.Slots {
			reachableByKref[slot]++
		}
		if ev.Target != "" {
			reachableByKref[ev.Target]++
		}
	}

	for kref, reachableCount := range reachableByKref {
		rc, ok, err := s.RefCount(ctx, kref)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		// invariant 3: reachable <= recognizable.
		if rc.Reachable > rc.Recognizable {
			return fmt.Errorf("kernel: invariant 3 violated: %s reachable=%d > recognizable=%d", kref, rc.Reachable, rc.Recognizable)
		}
		// invariant 4: sum of R c-list entries + run-queue occurrences == refCount.reachable.
		if reachableCount != rc.Reachable {
			return fmt.Errorf("kernel: invariant 4 violated: %s counted reachable=%d, stored=%d", kref, reachableCount, rc.Reachable)
		}
	}

	return nil
}

type clistRow struct {
	kref Kref
	flag Flag
}

// ClistRowsForVat returns every vref->kref mapping in vat v's c-list,
// dropping the reachable/recognizable flag, for callers (vat termination,
// diagnostics) that only need the translation direction.
func (s *Store) ClistRowsForVat(ctx context.Context, v VatID) (map[Vref]Kref, error) {
	rows, err := s.clistRows(ctx, v)
	if err != nil {
		return nil, err
	}
	out := make(map[Vref]Kref, len(rows))
	for vref, row := range rows {
		out[vref] = row.kref
	}
	return out, nil
}

// clistRows returns every vref->(kref,flag) row for vat v by scanning the
// c-list prefix with GetNextKey.
func (s *Store) clistRows(ctx context.Context, v VatID) (map[Vref]clistRow, error) {
	prefix := fmt.Sprintf("v%s.c.", v)
	rows := map[Vref]clistRow{}
	cursor := prefix
	for {
		key, ok, err := s.kv.GetNextKey(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if !ok || len(key) < len(prefix) || key[:len(prefix)] != prefix {
			break
		}
		cursor = key
		vrefOrKref := key[len(prefix):]
		if len(vrefOrKref) == 0 {
			continue
		}
		// Only the vref->kref direction carries the flag; skip kref->vref rows.
		if vrefOrKref[0] != 'o' && vrefOrKref[0] != 'p' {
			continue
		}
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil || !ok || len(raw) < 3 {
			continue
		}
		rows[Vref(vrefOrKref)] = clistRow{kref: Kref(raw[2:]), flag: Flag(raw[0])}
	}
	return rows, nil
}

// checkRunQueueMonotone checks that the run-queue head is not past the tail
// and returns the queue depth. It does not compare the cursors with their
// values from earlier cranks.
func checkRunQueueMonotone(ctx context.Context, s *Store) (int64, error) {
	head, err := s.RunQueueHead(ctx)
	if err != nil {
		return 0, err
	}
	tail, err := s.RunQueueTail(ctx)
	if err != nil {
		return 0, err
	}
	if head > tail {
		return 0, fmt.Errorf("kernel: invariant violated: run queue head %d > tail %d", head, tail)
	}
	return tail - head, nil
}
