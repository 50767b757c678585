package slotmq

import (
	"testing"
	"time"
)

func deadEnvelope(t *testing.T, typeTag string, failedAt time.Time) *DeadLetterEnvelope {
	t.Helper()

	dead := &DeadLetterEnvelope{
		Envelope: Envelope{
			ID:     randomUUID(t),
			Type:   typeTag,
			Status: StatusDeadLetter,
		},
		FailureReason: "Max retries exceeded",
		FailedAt:      failedAt,
	}

	return dead
}

// Contract: add claims a slot until capacity; overflow reports false.
func Test_DeadLetterStore_Add_Until_Capacity(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(2)
	now := time.Now()

	if !store.add(deadEnvelope(t, "a", now)) {
		t.Fatal("first add failed")
	}

	if !store.add(deadEnvelope(t, "a", now)) {
		t.Fatal("second add failed")
	}

	if store.add(deadEnvelope(t, "a", now)) {
		t.Fatal("add succeeded past capacity")
	}
}

// Contract: take removes and returns; a second take misses.
func Test_DeadLetterStore_Take_Removes(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(4)
	dead := deadEnvelope(t, "a", time.Now())
	store.add(dead)

	got := store.take(dead.ID)
	if got == nil || got.ID != dead.ID {
		t.Fatalf("take = %+v", got)
	}

	if store.take(dead.ID) != nil {
		t.Fatal("second take returned the removed entry")
	}

	if store.metrics().Total != 0 {
		t.Fatal("metrics still count the removed entry")
	}
}

// Contract: list orders oldest failure first.
func Test_DeadLetterStore_List_Orders_By_Failure_Time(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(4)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	newest := deadEnvelope(t, "a", base.Add(2*time.Hour))
	oldest := deadEnvelope(t, "a", base)
	middle := deadEnvelope(t, "a", base.Add(time.Hour))

	store.add(newest)
	store.add(oldest)
	store.add(middle)

	got := store.list()
	if len(got) != 3 {
		t.Fatalf("list = %d entries", len(got))
	}

	if got[0].ID != oldest.ID || got[1].ID != middle.ID || got[2].ID != newest.ID {
		t.Fatal("list not ordered by failure time")
	}
}

// Contract: purge with a cutoff removes strictly older entries; a zero
// cutoff removes everything.
func Test_DeadLetterStore_Purge_Cutoff(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(4)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	old := deadEnvelope(t, "a", base)
	recent := deadEnvelope(t, "b", base.Add(time.Hour))

	store.add(old)
	store.add(recent)

	removed := store.purge(base.Add(30 * time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if store.get(old.ID) != nil {
		t.Fatal("old entry survived purge")
	}

	if store.get(recent.ID) == nil {
		t.Fatal("recent entry purged")
	}

	removed = store.purge(time.Time{})
	if removed != 1 {
		t.Fatalf("full purge removed = %d, want 1", removed)
	}
}

// Contract: metrics tally totals, per-type counts, and the oldest
// failure time.
func Test_DeadLetterStore_Metrics(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(4)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	store.add(deadEnvelope(t, "email", base.Add(time.Hour)))
	store.add(deadEnvelope(t, "email", base))
	store.add(deadEnvelope(t, "report", base.Add(2*time.Hour)))

	m := store.metrics()
	if m.Total != 3 {
		t.Fatalf("total = %d", m.Total)
	}

	if m.CountByType["email"] != 2 || m.CountByType["report"] != 1 {
		t.Fatalf("by type = %+v", m.CountByType)
	}

	if !m.OldestAt.Equal(base) {
		t.Fatalf("oldest = %v, want %v", m.OldestAt, base)
	}
}

// Contract: restore clears existing entries and caps at capacity.
func Test_DeadLetterStore_Restore_Caps_At_Capacity(t *testing.T) {
	t.Parallel()

	store := newDeadLetterStore(2)
	store.add(deadEnvelope(t, "stale", time.Now()))

	entries := []*DeadLetterEnvelope{
		deadEnvelope(t, "a", time.Now()),
		deadEnvelope(t, "b", time.Now()),
		deadEnvelope(t, "c", time.Now()),
	}

	restored := store.restore(entries)
	if restored != 2 {
		t.Fatalf("restored = %d, want 2", restored)
	}

	if store.metrics().CountByType["stale"] != 0 {
		t.Fatal("stale entry survived restore")
	}
}
