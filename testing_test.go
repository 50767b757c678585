package slotmq

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// randomUUID mints a v7 id or fails the test.
func randomUUID(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new uuid: %v", err)
	}

	return id
}

// waitUntil polls cond until it reports true or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(2 * time.Millisecond)
	}
}
