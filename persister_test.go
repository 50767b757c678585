package slotmq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func testPersister(t *testing.T) *persister {
	t.Helper()

	pers, err := openPersister(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}

	t.Cleanup(func() { _ = pers.close() })

	return pers
}

// Contract: appended records read back in full after a reopen,
// simulating the crash-recovery path.
func Test_Persister_Append_Survives_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pers, err := openPersister(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}

	id := uuid.New()

	for seq := uint64(1); seq <= 3; seq++ {
		err = pers.append(seq, journalPayload{Op: opEnqueue, ID: id, TS: time.Now()})
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	err = pers.close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := openPersister(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	t.Cleanup(func() { _ = reopened.close() })

	records, err := reopened.readJournal()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}

	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d", i, rec.Seq)
		}
	}
}

// Contract: a snapshot write truncates every journal record it covers
// and leaves later records in place.
func Test_Persister_Snapshot_Truncates_Covered_Records(t *testing.T) {
	t.Parallel()

	pers := testPersister(t)
	id := uuid.New()

	for seq := uint64(1); seq <= 5; seq++ {
		err := pers.append(seq, journalPayload{Op: opEnqueue, ID: id, TS: time.Now()})
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	err := pers.writeSnapshot(3, snapshotPayload{Capacity: 100})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	records, err := pers.readJournal()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (seq 4 and 5)", len(records))
	}

	if records[0].Seq != 4 || records[1].Seq != 5 {
		t.Fatalf("surviving seqs = %d, %d", records[0].Seq, records[1].Seq)
	}

	// Appends keep working against the rewritten journal.
	err = pers.append(6, journalPayload{Op: opAcknowledge, ID: id, TS: time.Now()})
	if err != nil {
		t.Fatalf("append after truncation: %v", err)
	}

	records, err = pers.readJournal()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	if len(records) != 3 || records[2].Seq != 6 {
		t.Fatalf("records after append = %d", len(records))
	}
}

// Contract: a snapshot covering every record empties the journal.
func Test_Persister_Snapshot_Empties_Fully_Covered_Journal(t *testing.T) {
	t.Parallel()

	pers := testPersister(t)
	id := uuid.New()

	for seq := uint64(1); seq <= 4; seq++ {
		err := pers.append(seq, journalPayload{Op: opEnqueue, ID: id, TS: time.Now()})
		if err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	err := pers.writeSnapshot(4, snapshotPayload{Capacity: 100})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	records, err := pers.readJournal()
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}

	if size := pers.journalSize(); size != 0 {
		t.Fatalf("journal size = %d, want 0", size)
	}
}

// Contract: the snapshot file loads back with its version, and a
// missing snapshot is a clean cold start.
func Test_Persister_Snapshot_Load_Round_Trip(t *testing.T) {
	t.Parallel()

	pers := testPersister(t)

	_, _, loaded, err := pers.loadSnapshot()
	if err != nil {
		t.Fatalf("load missing snapshot: %v", err)
	}

	if loaded {
		t.Fatal("missing snapshot reported as loaded")
	}

	err = pers.writeSnapshot(9, snapshotPayload{Capacity: 128})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	version, payload, loaded, err := pers.loadSnapshot()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if !loaded || version != 9 || payload.Capacity != 128 {
		t.Fatalf("loaded=%t version=%d capacity=%d", loaded, version, payload.Capacity)
	}
}

// Contract: a corrupt snapshot file fails the load with ErrCorrupt
// rather than restoring partial state.
func Test_Persister_Load_Rejects_Corrupt_Snapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pers, err := openPersister(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}

	t.Cleanup(func() { _ = pers.close() })

	err = pers.writeSnapshot(1, snapshotPayload{Capacity: 100})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	path := filepath.Join(dir, snapshotFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}

	data[len(data)-1] ^= 0xFF

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		t.Fatalf("write corrupted snapshot: %v", err)
	}

	_, _, _, err = pers.loadSnapshot()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

// Contract: the op-count threshold and elapsed-time interval both
// trigger; resetting after a snapshot re-arms them.
func Test_Persister_SnapshotDue_Triggers(t *testing.T) {
	t.Parallel()

	pers := testPersister(t)
	id := uuid.New()
	now := time.Now()

	if pers.snapshotDue(time.Hour, 3, now) {
		t.Fatal("due with no ops")
	}

	for seq := uint64(1); seq <= 3; seq++ {
		err := pers.append(seq, journalPayload{Op: opEnqueue, ID: id, TS: now})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if !pers.snapshotDue(time.Hour, 3, now) {
		t.Fatal("not due after crossing the op threshold")
	}

	err := pers.writeSnapshot(3, snapshotPayload{Capacity: 100})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if pers.snapshotDue(time.Hour, 3, now) {
		t.Fatal("due immediately after snapshot")
	}

	if !pers.snapshotDue(time.Hour, 3, now.Add(2*time.Hour)) {
		t.Fatal("not due after the interval elapsed")
	}
}
