package slotmq

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an envelope.
type Status uint8

// Lifecycle states. Empty is only ever observed through read views; an
// empty slot holds no envelope at all.
const (
	StatusEmpty Status = iota
	StatusReady
	StatusInFlight
	StatusCompleted
	StatusDeadLetter
	StatusSuperseded
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusReady:
		return "ready"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusDeadLetter:
		return "dead_letter"
	case StatusSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// terminal reports whether a slot holding this status may be reclaimed
// by the next lifecycle touch.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Lease is exclusive, time-bounded ownership of an InFlight envelope.
type Lease struct {
	HandlerID  string    `json:"handler_id"`
	CheckoutAt time.Time `json:"checkout_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Extensions int       `json:"extensions"`
}

// metadataVersion is the current envelope metadata schema version.
// Decoders skip unknown fields, so bumps are additive.
const metadataVersion = 1

// Metadata carries caller-supplied message annotations.
type Metadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Source        string            `json:"source,omitempty"`
	Version       int               `json:"version"`
}

// Envelope is the lifecycle record for one message.
//
// Envelopes published into the slot array are immutable; transitions
// build a fresh copy and swap it in atomically. Callers receive copies
// and must not assume a later read observes the same snapshot.
type Envelope struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Payload  []byte    `json:"payload,omitempty"`
	DedupKey string    `json:"dedup_key,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	Lease *Lease `json:"lease,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitzero"`

	Metadata Metadata `json:"metadata"`

	// LastPersisted is the sequence number of the last journal record
	// covering this envelope.
	LastPersisted uint64 `json:"last_persisted"`

	// Superseded marks an envelope displaced by a dedup replacement
	// while it was InFlight.
	Superseded bool `json:"superseded,omitempty"`
}

// clone returns a deep copy safe to mutate before publishing.
func (e *Envelope) clone() *Envelope {
	out := *e

	if e.Lease != nil {
		lease := *e.Lease
		out.Lease = &lease
	}

	if e.Payload != nil {
		out.Payload = make([]byte, len(e.Payload))
		copy(out.Payload, e.Payload)
	}

	if e.Metadata.Headers != nil {
		headers := make(map[string]string, len(e.Metadata.Headers))
		for k, v := range e.Metadata.Headers {
			headers[k] = v
		}

		out.Metadata.Headers = headers
	}

	return &out
}

// eligible reports whether the envelope can be checked out for typeTag
// at the given instant.
func (e *Envelope) eligible(typeTag string, now time.Time) bool {
	if e.Status != StatusReady || e.Superseded {
		return false
	}

	if e.Type != typeTag {
		return false
	}

	if !e.NotBefore.IsZero() && e.NotBefore.After(now) {
		return false
	}

	return true
}

// DeadLetterEnvelope is an envelope that exhausted its retries,
// extended with failure metadata.
type DeadLetterEnvelope struct {
	Envelope

	FailureReason    string    `json:"failure_reason"`
	ExceptionType    string    `json:"exception_type,omitempty"`
	ExceptionMessage string    `json:"exception_message,omitempty"`
	StackTrace       string    `json:"stack_trace,omitempty"`
	FailedAt         time.Time `json:"failed_at"`
	LastHandlerID    string    `json:"last_handler_id,omitempty"`
}

// newEnvelope mints a Ready envelope with a fresh UUIDv7 id.
func newEnvelope(payload []byte, typeTag, dedupKey string, maxRetries int, meta Metadata, now time.Time) (*Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("mint message id: %w", err)
	}

	meta.Version = metadataVersion

	return &Envelope{
		ID:         id,
		Type:       typeTag,
		Payload:    payload,
		DedupKey:   dedupKey,
		Status:     StatusReady,
		MaxRetries: maxRetries,
		EnqueuedAt: now,
		Metadata:   meta,
	}, nil
}
