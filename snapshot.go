package slotmq

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Snapshot file layout: 8-byte magic, 8-byte version (latest sequence
// covered), 4-byte LE payload length, 4-byte LE CRC32 (IEEE) of the
// payload, then the JSON payload.
const (
	snapshotMagic      uint64 = 0x4D51534E41505348 // "MQSNAPSH"
	snapshotHeaderSize        = 24
)

// maxSnapshotPayload bounds the decoded payload; a larger length in the
// header means the file is not a snapshot.
const maxSnapshotPayload = 1 << 31

// snapshotPayload is the serialized point-in-time state.
type snapshotPayload struct {
	Capacity    int                   `json:"capacity"`
	Messages    []*Envelope           `json:"messages"`
	DedupIndex  map[string]uuid.UUID  `json:"dedup_index"`
	DeadLetters []*DeadLetterEnvelope `json:"dead_letter_messages"`
}

// encodeSnapshot serializes a snapshot for atomic replacement of
// snapshot.dat.
func encodeSnapshot(version uint64, payload snapshotPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}

	buf := make([]byte, snapshotHeaderSize+len(body))
	binary.LittleEndian.PutUint64(buf[0:8], snapshotMagic)
	binary.LittleEndian.PutUint64(buf[8:16], version)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[20:24], crc32.ChecksumIEEE(body))
	copy(buf[snapshotHeaderSize:], body)

	return buf, nil
}

// decodeSnapshot validates and parses a snapshot file. Any framing or
// checksum mismatch reports [ErrCorrupt]; a snapshot is all-or-nothing.
func decodeSnapshot(data []byte) (uint64, snapshotPayload, error) {
	if len(data) < snapshotHeaderSize {
		return 0, snapshotPayload{}, fmt.Errorf("snapshot too small (%d bytes): %w", len(data), ErrCorrupt)
	}

	magic := binary.LittleEndian.Uint64(data[0:8])
	if magic != snapshotMagic {
		return 0, snapshotPayload{}, fmt.Errorf("snapshot magic %016x: %w", magic, ErrCorrupt)
	}

	version := binary.LittleEndian.Uint64(data[8:16])
	length := binary.LittleEndian.Uint32(data[16:20])
	sum := binary.LittleEndian.Uint32(data[20:24])

	if uint64(length) > maxSnapshotPayload {
		return 0, snapshotPayload{}, fmt.Errorf("snapshot payload length %d: %w", length, ErrCorrupt)
	}

	if int(length) != len(data)-snapshotHeaderSize {
		return 0, snapshotPayload{}, fmt.Errorf("snapshot payload length %d != %d: %w", length, len(data)-snapshotHeaderSize, ErrCorrupt)
	}

	body := data[snapshotHeaderSize:]

	checksum := crc32.ChecksumIEEE(body)
	if checksum != sum {
		return 0, snapshotPayload{}, fmt.Errorf("snapshot checksum mismatch (expected %08x got %08x): %w", sum, checksum, ErrCorrupt)
	}

	var payload snapshotPayload

	err := json.Unmarshal(body, &payload)
	if err != nil {
		return 0, snapshotPayload{}, fmt.Errorf("parse snapshot payload: %w: %w", ErrCorrupt, err)
	}

	return version, payload, nil
}
