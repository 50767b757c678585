package slotmq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// Contract: tryAdd inserts iff absent; update overwrites unconditionally.
func Test_DedupIndex_TryAdd_And_Update(t *testing.T) {
	t.Parallel()

	idx := newDedupIndex()
	a := uuid.New()
	b := uuid.New()

	if !idx.tryAdd("K", a) {
		t.Fatal("tryAdd failed on absent key")
	}

	if idx.tryAdd("K", b) {
		t.Fatal("tryAdd succeeded on present key")
	}

	if got, _ := idx.lookup("K"); got != a {
		t.Fatalf("lookup = %s, want %s", got, a)
	}

	idx.update("K", b)

	if got, _ := idx.lookup("K"); got != b {
		t.Fatalf("lookup after update = %s, want %s", got, b)
	}

	idx.remove("K")

	if _, ok := idx.lookup("K"); ok {
		t.Fatal("entry survived remove")
	}
}

// Contract: removeIfOwner deletes only while the entry still maps to
// the given id.
func Test_DedupIndex_RemoveIfOwner_Checks_Ownership(t *testing.T) {
	t.Parallel()

	idx := newDedupIndex()
	a := uuid.New()
	b := uuid.New()

	idx.update("K", a)
	idx.update("K", b)

	if idx.removeIfOwner("K", a) {
		t.Fatal("removeIfOwner removed an entry owned by someone else")
	}

	if _, ok := idx.lookup("K"); !ok {
		t.Fatal("entry vanished")
	}

	if !idx.removeIfOwner("K", b) {
		t.Fatal("removeIfOwner failed for the owner")
	}

	if _, ok := idx.lookup("K"); ok {
		t.Fatal("entry survived owner removal")
	}
}

// Contract: snapshot is a point-in-time copy; restore clears and
// repopulates.
func Test_DedupIndex_Snapshot_Restore_Round_Trip(t *testing.T) {
	t.Parallel()

	idx := newDedupIndex()
	want := map[string]uuid.UUID{
		"a": uuid.New(),
		"b": uuid.New(),
		"c": uuid.New(),
	}

	for k, id := range want {
		idx.update(k, id)
	}

	snap := idx.snapshot()
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	other := newDedupIndex()
	other.update("stale", uuid.New())
	other.restore(snap)

	if _, ok := other.lookup("stale"); ok {
		t.Fatal("restore kept a stale entry")
	}

	if diff := cmp.Diff(want, other.snapshot()); diff != "" {
		t.Fatalf("restored mismatch (-want +got):\n%s", diff)
	}
}

// Contract: prune drops exactly the entries the keep func rejects.
func Test_DedupIndex_Prune_Drops_Rejected_Entries(t *testing.T) {
	t.Parallel()

	idx := newDedupIndex()
	keep := uuid.New()
	idx.update("keep", keep)
	idx.update("drop1", uuid.New())
	idx.update("drop2", uuid.New())

	dropped := idx.prune(func(_ string, id uuid.UUID) bool { return id == keep })
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}

	if idx.size() != 1 {
		t.Fatalf("size = %d, want 1", idx.size())
	}

	if _, ok := idx.lookup("keep"); !ok {
		t.Fatal("kept entry vanished")
	}
}
