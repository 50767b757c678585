package slotmq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
)

// Journal operation codes. The code is duplicated inside the JSON
// payload so records stay self-describing even without the frame.
type opCode uint8

const (
	opEnqueue         opCode = 1
	opReplace         opCode = 2
	opCheckout        opCode = 3
	opAcknowledge     opCode = 4
	opFail            opCode = 5
	opDeadLetter      opCode = 6
	opLeaseRenew      opCode = 7
	opRequeue         opCode = 8
	opDeadLetterPlay  opCode = 9
	opDeadLetterPurge opCode = 10
)

// String returns the wire name of the op code.
func (o opCode) String() string {
	switch o {
	case opEnqueue:
		return "enqueue"
	case opReplace:
		return "replace"
	case opCheckout:
		return "checkout"
	case opAcknowledge:
		return "acknowledge"
	case opFail:
		return "fail"
	case opDeadLetter:
		return "dead_letter"
	case opLeaseRenew:
		return "lease_renew"
	case opRequeue:
		return "requeue"
	case opDeadLetterPlay:
		return "dead_letter_replay"
	case opDeadLetterPurge:
		return "dead_letter_purge"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Frame layout: 8-byte LE sequence, 4-byte LE payload length, 4-byte
// LE CRC32 (IEEE) of the payload, then the payload bytes.
const journalFrameSize = 16

// maxJournalPayload bounds a single record payload. Larger lengths in a
// frame header are treated as torn-tail corruption.
const maxJournalPayload = 64 << 20

// journalRecord is one decoded journal entry.
type journalRecord struct {
	Seq     uint64
	Payload journalPayload
}

// journalPayload is the self-describing JSON body of a record.
//
// Unknown fields are skipped on decode so future additions stay
// readable by older engines.
type journalPayload struct {
	Op opCode    `json:"op"`
	ID uuid.UUID `json:"id"`
	TS time.Time `json:"ts"`

	// Envelope carries the full snapshot for Enqueue and Replace; for
	// Replace it is the replacement, with Superseded naming the
	// displaced id.
	Envelope   *Envelope  `json:"envelope,omitempty"`
	Superseded *uuid.UUID `json:"superseded,omitempty"`

	// Dead carries failure metadata for DeadLetter records.
	Dead *DeadLetterEnvelope `json:"dead,omitempty"`

	// Requeue fields.
	Retry     int        `json:"retry,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Checkout / LeaseRenew fields.
	HandlerID   string     `json:"handler_id,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	// DeadLetterReplay / DeadLetterPurge fields.
	ResetRetries bool       `json:"reset_retries,omitempty"`
	OlderThan    *time.Time `json:"older_than,omitempty"`
}

// encodeJournalRecord frames a payload for appending to the journal.
func encodeJournalRecord(seq uint64, payload journalPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal journal payload: %w", err)
	}

	buf := make([]byte, journalFrameSize+len(body))
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(body))
	copy(buf[journalFrameSize:], body)

	return buf, nil
}

// decodeJournal reads records until EOF or the first malformed or
// CRC-failing frame. The journal is assumed torn at that boundary;
// everything before it is returned, nothing after it is trusted.
func decodeJournal(r io.Reader) []journalRecord {
	records := make([]journalRecord, 0)
	frame := make([]byte, journalFrameSize)

	for {
		_, err := io.ReadFull(r, frame)
		if err != nil {
			// EOF between frames is a clean end; a short frame is a
			// torn tail. Both stop replay here.
			return records
		}

		seq := binary.LittleEndian.Uint64(frame[0:8])
		length := binary.LittleEndian.Uint32(frame[8:12])
		sum := binary.LittleEndian.Uint32(frame[12:16])

		if length > maxJournalPayload {
			return records
		}

		body := make([]byte, length)

		_, err = io.ReadFull(r, body)
		if err != nil {
			return records
		}

		if crc32.ChecksumIEEE(body) != sum {
			return records
		}

		var payload journalPayload

		err = json.Unmarshal(body, &payload)
		if err != nil {
			return records
		}

		records = append(records, journalRecord{Seq: seq, Payload: payload})
	}
}

// decodeJournalStrict is decodeJournal plus an [ErrCorrupt] report when
// trailing bytes were dropped. The inspector uses it; recovery treats a
// torn tail as normal.
func decodeJournalStrict(data []byte) ([]journalRecord, error) {
	records := decodeJournal(bytes.NewReader(data))

	// Walk the frames of the accepted records to find the consumed byte
	// length; anything past it was dropped.
	offset := 0
	for range records {
		length := binary.LittleEndian.Uint32(data[offset+8 : offset+12])
		offset += journalFrameSize + int(length)
	}

	if offset != len(data) {
		return records, fmt.Errorf("journal torn at byte %d of %d: %w", offset, len(data), ErrCorrupt)
	}

	return records, nil
}
