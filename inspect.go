package slotmq

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// JournalEntry is one decoded journal record, for offline inspection.
type JournalEntry struct {
	Seq       uint64
	Op        string
	MessageID uuid.UUID
	Timestamp time.Time

	// MessageType is filled for records that embed an envelope.
	MessageType string

	// Retry and NotBefore are filled for requeue records.
	Retry     int
	NotBefore time.Time
}

// InspectJournal decodes every valid record in a journal file.
//
// A torn or corrupt tail returns the valid prefix together with an
// error satisfying errors.Is(err, [ErrCorrupt]); recovery would stop at
// the same boundary.
func InspectJournal(path string) ([]JournalEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inspect journal: %w", err)
	}

	records, decodeErr := decodeJournalStrict(data)

	entries := make([]JournalEntry, 0, len(records))

	for _, rec := range records {
		entry := JournalEntry{
			Seq:       rec.Seq,
			Op:        rec.Payload.Op.String(),
			MessageID: rec.Payload.ID,
			Timestamp: rec.Payload.TS,
			Retry:     rec.Payload.Retry,
		}

		if rec.Payload.Envelope != nil {
			entry.MessageType = rec.Payload.Envelope.Type
		}

		if rec.Payload.Dead != nil {
			entry.MessageType = rec.Payload.Dead.Type
		}

		if rec.Payload.NotBefore != nil {
			entry.NotBefore = *rec.Payload.NotBefore
		}

		entries = append(entries, entry)
	}

	return entries, decodeErr
}

// SnapshotInfo is the decoded content of a snapshot file.
type SnapshotInfo struct {
	Version     uint64
	Capacity    int
	Messages    []Envelope
	DedupKeys   map[string]uuid.UUID
	DeadLetters []DeadLetterEnvelope
}

// InspectSnapshot validates and decodes a snapshot file.
func InspectSnapshot(path string) (SnapshotInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("inspect snapshot: %w", err)
	}

	version, payload, err := decodeSnapshot(data)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("inspect snapshot %s: %w", path, err)
	}

	info := SnapshotInfo{
		Version:   version,
		Capacity:  payload.Capacity,
		DedupKeys: payload.DedupIndex,
	}

	for _, env := range payload.Messages {
		info.Messages = append(info.Messages, *env)
	}

	for _, dead := range payload.DeadLetters {
		info.DeadLetters = append(info.DeadLetters, *dead)
	}

	return info, nil
}
