package slotmq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// File names under the persistence directory.
const (
	journalFileName  = "journal.dat"
	snapshotFileName = "snapshot.dat"
)

// persister owns the journal and snapshot files.
//
// Journal appends are serialized by a single writer mutex; append plus
// fsync is the linearization point for durability. Snapshot writes are
// serialized by their own mutex and never block journal appends except
// during truncation.
type persister struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex // serializes journal appends and truncation
	journal *os.File

	snapMu sync.Mutex // serializes snapshot capture and write

	opsSinceSnapshot atomic.Uint64
	lastSnapshotAt   atomic.Int64 // unix nanos; 0 means never
	journalErrors    atomic.Uint64
}

// openPersister opens or creates the journal under dir. Failing to open
// the journal is fatal; the queue cannot start without it.
func openPersister(dir string, log zerolog.Logger) (*persister, error) {
	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("create persistence dir: %w: %w", ErrPersistence, err)
	}

	journalPath := filepath.Join(dir, journalFileName)

	journal, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w: %w", ErrPersistence, err)
	}

	return &persister{
		dir:     dir,
		log:     log,
		journal: journal,
	}, nil
}

// append frames, writes, and flushes one journal record. The record is
// durable when append returns nil.
func (p *persister) append(seq uint64, payload journalPayload) error {
	buf, err := encodeJournalRecord(seq, payload)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err = p.journal.Write(buf)
	if err != nil {
		p.journalErrors.Add(1)

		return fmt.Errorf("write journal record %d: %w: %w", seq, ErrPersistence, err)
	}

	err = p.journal.Sync()
	if err != nil {
		p.journalErrors.Add(1)

		return fmt.Errorf("sync journal record %d: %w: %w", seq, ErrPersistence, err)
	}

	p.opsSinceSnapshot.Add(1)

	return nil
}

// readJournal decodes every valid record currently in the journal.
// Replay stops silently at the first torn or corrupt frame.
func (p *persister) readJournal() ([]journalRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.journal.Seek(0, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("seek journal: %w: %w", ErrPersistence, err)
	}

	records := decodeJournal(p.journal)

	// Restore the append position. O_APPEND writes seek on their own,
	// but being explicit keeps the handle state predictable.
	_, err = p.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek journal end: %w: %w", ErrPersistence, err)
	}

	return records, nil
}

// loadSnapshot reads and validates snapshot.dat. A missing file is a
// clean cold start, not an error.
func (p *persister) loadSnapshot() (uint64, snapshotPayload, bool, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, snapshotFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, snapshotPayload{}, false, nil
		}

		return 0, snapshotPayload{}, false, fmt.Errorf("read snapshot: %w: %w", ErrPersistence, err)
	}

	version, payload, err := decodeSnapshot(data)
	if err != nil {
		return 0, snapshotPayload{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	return version, payload, true, nil
}

// writeSnapshot atomically replaces snapshot.dat with the given state
// and truncates the journal of every record covered by it.
func (p *persister) writeSnapshot(version uint64, payload snapshotPayload) error {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()

	data, err := encodeSnapshot(version, payload)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	err = natomic.WriteFile(filepath.Join(p.dir, snapshotFileName), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write snapshot: %w: %w", ErrPersistence, err)
	}

	err = p.truncateJournal(version)
	if err != nil {
		return err
	}

	p.opsSinceSnapshot.Store(0)
	p.lastSnapshotAt.Store(time.Now().UnixNano())

	return nil
}

// truncateJournal drops every record with sequence <= version. Records
// appended after the snapshot capture survive.
func (p *persister) truncateJournal(version uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.journal.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("truncate journal seek: %w: %w", ErrPersistence, err)
	}

	records := decodeJournal(p.journal)

	tail := records[:0]
	for _, rec := range records {
		if rec.Seq > version {
			tail = append(tail, rec)
		}
	}

	if len(tail) == 0 {
		fd := p.journal.Fd()

		err = syscall.Ftruncate(int(fd), 0)
		if err != nil {
			return fmt.Errorf("truncate journal: %w: %w", ErrPersistence, err)
		}

		err = p.journal.Sync()
		if err != nil {
			return fmt.Errorf("sync truncated journal: %w: %w", ErrPersistence, err)
		}

		return nil
	}

	// A tail survives: rewrite the journal atomically and swap handles,
	// since the rename replaces the inode under the old descriptor.
	var buf bytes.Buffer

	for _, rec := range tail {
		frame, encErr := encodeJournalRecord(rec.Seq, rec.Payload)
		if encErr != nil {
			return fmt.Errorf("truncate journal re-frame %d: %w", rec.Seq, encErr)
		}

		buf.Write(frame)
	}

	journalPath := filepath.Join(p.dir, journalFileName)

	err = natomic.WriteFile(journalPath, &buf)
	if err != nil {
		return fmt.Errorf("rewrite journal: %w: %w", ErrPersistence, err)
	}

	reopened, err := os.OpenFile(journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen journal: %w: %w", ErrPersistence, err)
	}

	_ = p.journal.Close()
	p.journal = reopened

	return nil
}

// snapshotDue reports whether the op-count threshold or elapsed-time
// interval has been crossed.
func (p *persister) snapshotDue(interval time.Duration, threshold uint64, now time.Time) bool {
	if threshold > 0 && p.opsSinceSnapshot.Load() >= threshold {
		return true
	}

	if interval <= 0 {
		return false
	}

	last := p.lastSnapshotAt.Load()
	if last == 0 {
		// Never snapshotted: count from first use of the clock.
		p.lastSnapshotAt.CompareAndSwap(0, now.UnixNano())

		return false
	}

	return now.Sub(time.Unix(0, last)) >= interval
}

// journalSize returns the current journal byte size for metrics.
func (p *persister) journalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.journal.Stat()
	if err != nil {
		return -1
	}

	return info.Size()
}

// close flushes and releases the journal handle.
func (p *persister) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.journal.Sync()
	if err != nil {
		_ = p.journal.Close()

		return fmt.Errorf("close journal sync: %w: %w", ErrPersistence, err)
	}

	err = p.journal.Close()
	if err != nil {
		return fmt.Errorf("close journal: %w: %w", ErrPersistence, err)
	}

	return nil
}
