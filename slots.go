package slotmq

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// slotArray is a fixed-capacity sequence of optional envelope
// references. It is the sole source of truth for in-memory state.
//
// Cells hold immutable envelope snapshots. Every transition builds a
// fresh snapshot and publishes it with a compare-and-swap; a failed
// swap means another mutator won and the caller must re-scan.
//
// The cursors are hints only. They bias scans toward free (write) or
// eligible (read) regions but are never relied on for correctness.
type slotArray struct {
	cells []atomic.Pointer[Envelope]

	writeCursor atomic.Uint64
	readCursor  atomic.Uint64
}

func newSlotArray(capacity int) *slotArray {
	return &slotArray{cells: make([]atomic.Pointer[Envelope], capacity)}
}

// enqueue claims the first reclaimable cell for env. It makes exactly
// one full pass over the array; if every cell is occupied by a live
// envelope it reports false.
//
// Cells holding terminal envelopes (Completed, DeadLetter) are
// garbage-collected here: the claim overwrites them.
func (a *slotArray) enqueue(env *Envelope) bool {
	n := uint64(len(a.cells))
	start := a.writeCursor.Load()

	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		cur := a.cells[idx].Load()

		if cur != nil && !cur.Status.terminal() {
			continue
		}

		if a.cells[idx].CompareAndSwap(cur, env) {
			a.writeCursor.Store(idx + 1)

			return true
		}

		// Lost the race for this cell; re-examine it at once. The
		// winner either filled it (skipped on the re-read) or freed
		// it (claimable with the fresh value).
		i--
	}

	return false
}

// checkout finds a Ready envelope matching typeTag whose not-before has
// passed, and swaps in an InFlight snapshot carrying the lease. Ties
// are broken by scan order starting at the read cursor.
func (a *slotArray) checkout(typeTag, handlerID string, leaseDuration time.Duration, now time.Time) *Envelope {
	n := uint64(len(a.cells))
	start := a.readCursor.Load()

	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n

		cur := a.cells[idx].Load()
		if cur == nil || !cur.eligible(typeTag, now) {
			continue
		}

		next := cur.clone()
		next.Status = StatusInFlight
		next.NotBefore = time.Time{}
		next.Lease = &Lease{
			HandlerID:  handlerID,
			CheckoutAt: now,
			ExpiresAt:  now.Add(leaseDuration),
		}

		if a.cells[idx].CompareAndSwap(cur, next) {
			a.readCursor.Store(idx + 1)

			return next.clone()
		}

		// CAS lost: the envelope transitioned under us. Re-examine the
		// same cell before moving on.
		i--
	}

	return nil
}

// acknowledge frees the cell holding id. Returns the removed snapshot,
// or nil if no cell holds id.
func (a *slotArray) acknowledge(id uuid.UUID) *Envelope {
	return a.remove(id)
}

// requeue swaps the cell holding id to a fresh Ready snapshot with the
// given retry count and not-before gate, clearing the lease.
func (a *slotArray) requeue(id uuid.UUID, retryCount int, notBefore time.Time) *Envelope {
	for {
		idx, cur := a.find(id)
		if cur == nil {
			return nil
		}

		next := cur.clone()
		next.Status = StatusReady
		next.Lease = nil
		next.Superseded = false
		next.RetryCount = retryCount
		next.NotBefore = notBefore

		if a.cells[idx].CompareAndSwap(cur, next) {
			return next.clone()
		}
	}
}

// supersede marks the InFlight envelope owning key as Superseded,
// retaining its lease and ids. Returns the superseded snapshot, or nil
// if no InFlight envelope holds key.
func (a *slotArray) supersede(key string) *Envelope {
	for {
		idx, cur := a.findByDedupKey(key, StatusInFlight)
		if cur == nil {
			return nil
		}

		next := cur.clone()
		next.Status = StatusSuperseded
		next.Superseded = true

		if a.cells[idx].CompareAndSwap(cur, next) {
			return next.clone()
		}
	}
}

// remove frees the cell holding id regardless of status. Used by
// dead-letter routing, dedup displacement of Ready predecessors, and
// recovery GC.
func (a *slotArray) remove(id uuid.UUID) *Envelope {
	for {
		idx, cur := a.find(id)
		if cur == nil {
			return nil
		}

		if a.cells[idx].CompareAndSwap(cur, nil) {
			return cur
		}
	}
}

// mutate swaps the cell holding id to the snapshot produced by fn. fn
// runs under no lock and may run multiple times; it must be pure. A nil
// return from fn aborts the mutation.
func (a *slotArray) mutate(id uuid.UUID, fn func(cur *Envelope) *Envelope) *Envelope {
	for {
		idx, cur := a.find(id)
		if cur == nil {
			return nil
		}

		next := fn(cur)
		if next == nil {
			return nil
		}

		if a.cells[idx].CompareAndSwap(cur, next) {
			return next.clone()
		}
	}
}

// restore claims a free cell for env preserving its pre-existing
// status. Recovery replay uses this, as does dedup replacement when it
// puts a displaced predecessor back.
func (a *slotArray) restore(env *Envelope) bool {
	return a.enqueue(env)
}

// find locates the cell currently holding id.
func (a *slotArray) find(id uuid.UUID) (int, *Envelope) {
	for idx := range a.cells {
		cur := a.cells[idx].Load()
		if cur != nil && cur.ID == id {
			return idx, cur
		}
	}

	return -1, nil
}

// findByDedupKey locates the cell holding key in the given status.
func (a *slotArray) findByDedupKey(key string, status Status) (int, *Envelope) {
	for idx := range a.cells {
		cur := a.cells[idx].Load()
		if cur != nil && cur.DedupKey == key && cur.Status == status {
			return idx, cur
		}
	}

	return -1, nil
}

// get returns a copy of the envelope holding id, if any.
func (a *slotArray) get(id uuid.UUID) *Envelope {
	_, cur := a.find(id)
	if cur == nil {
		return nil
	}

	return cur.clone()
}

// snapshotAll returns copies of every live envelope in slot order.
func (a *slotArray) snapshotAll() []*Envelope {
	out := make([]*Envelope, 0, len(a.cells))

	for idx := range a.cells {
		cur := a.cells[idx].Load()
		if cur != nil {
			out = append(out, cur.clone())
		}
	}

	return out
}

// count returns the number of occupied, non-terminal cells.
func (a *slotArray) count() int {
	n := 0

	for idx := range a.cells {
		cur := a.cells[idx].Load()
		if cur != nil && !cur.Status.terminal() {
			n++
		}
	}

	return n
}

// countByStatus tallies live envelopes per status.
func (a *slotArray) countByStatus() map[Status]int {
	out := make(map[Status]int)

	for idx := range a.cells {
		cur := a.cells[idx].Load()
		if cur != nil {
			out[cur.Status]++
		}
	}

	return out
}
