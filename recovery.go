package slotmq

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RecoveryStats describes one startup recovery pass.
type RecoveryStats struct {
	StartedAt  time.Time
	FinishedAt time.Time

	SnapshotLoaded  bool
	SnapshotVersion uint64

	MessagesRestored     int
	DeadLettersRestored  int
	DedupEntriesRestored int

	JournalOpsReplayed    int
	DedupEntriesPruned    int
	ExpiredLeasesRequeued int

	FinalSequence uint64
}

// recoverFromDisk restores the manager state from the latest snapshot
// plus the journal tail. It must run before any live traffic.
//
// Replay stops at the first torn or corrupt journal record; the tail
// past it is treated as never written. The restored state equals the
// pre-crash state truncated to the latest fully-flushed record.
func (m *manager) recoverFromDisk() (RecoveryStats, error) {
	stats := RecoveryStats{StartedAt: time.Now()}

	if m.pers == nil {
		stats.FinishedAt = time.Now()

		return stats, nil
	}

	version, payload, loaded, err := m.pers.loadSnapshot()
	if err != nil {
		return stats, fmt.Errorf("recover: %w", err)
	}

	if loaded {
		stats.SnapshotLoaded = true
		stats.SnapshotVersion = version

		if payload.Capacity > m.opts.Capacity {
			m.log.Warn().
				Int("snapshot_capacity", payload.Capacity).
				Int("capacity", m.opts.Capacity).
				Msg("snapshot was taken with a larger capacity; overflow messages are dropped")
		}

		for _, env := range payload.Messages {
			if m.slots.restore(env) {
				stats.MessagesRestored++
			}
		}

		m.dedup.restore(payload.DedupIndex)
		stats.DedupEntriesRestored = len(payload.DedupIndex)
		stats.DeadLettersRestored = m.dlq.restore(payload.DeadLetters)
	}

	records, err := m.pers.readJournal()
	if err != nil {
		return stats, fmt.Errorf("recover: %w", err)
	}

	// Records are applied in sequence order; appends can land slightly
	// out of order in the file because the sequence is assigned before
	// the writer mutex is taken.
	sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	lastSeq := version

	for _, rec := range records {
		if rec.Seq <= version {
			continue
		}

		m.applyJournalRecord(rec)
		stats.JournalOpsReplayed++

		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
	}

	m.seq.Store(lastSeq)
	stats.FinalSequence = lastSeq

	// The dedup index is advisory; drop entries whose target is gone or
	// no longer live.
	stats.DedupEntriesPruned = m.dedup.prune(func(_ string, id uuid.UUID) bool {
		env := m.slots.get(id)
		if env == nil {
			return false
		}

		return env.Status == StatusReady || env.Status == StatusInFlight
	})

	// Crash-side lease recovery: leases that expired while the process
	// was down requeue immediately; live-looking leases are left for
	// the monitor.
	now := time.Now()

	for _, env := range m.slots.snapshotAll() {
		if env.Status != StatusInFlight || env.Lease == nil {
			continue
		}

		if env.Lease.ExpiresAt.After(now) {
			continue
		}

		err := m.requeue(env.ID, failure{reason: "lease_expired"})
		if err != nil {
			m.log.Error().Err(err).Stringer("msg_id", env.ID).Msg("recovery lease requeue failed")

			continue
		}

		stats.ExpiredLeasesRequeued++
	}

	stats.FinishedAt = time.Now()

	m.log.Info().
		Bool("snapshot", stats.SnapshotLoaded).
		Uint64("snapshot_version", stats.SnapshotVersion).
		Int("messages", stats.MessagesRestored).
		Int("dead_letters", stats.DeadLettersRestored).
		Int("replayed", stats.JournalOpsReplayed).
		Int("dedup_pruned", stats.DedupEntriesPruned).
		Int("leases_requeued", stats.ExpiredLeasesRequeued).
		Uint64("sequence", stats.FinalSequence).
		Dur("took", stats.FinishedAt.Sub(stats.StartedAt)).
		Msg("recovery complete")

	return stats, nil
}

// applyJournalRecord replays one record against in-memory state.
// Checkout and LeaseRenew are skipped: replayed leases are stale by
// definition and their messages are handled by lease recovery.
func (m *manager) applyJournalRecord(rec journalRecord) {
	p := rec.Payload

	switch p.Op {
	case opEnqueue:
		if p.Envelope != nil {
			m.slots.restore(p.Envelope)

			if m.opts.EnableDeduplication && p.Envelope.DedupKey != "" {
				m.dedup.update(p.Envelope.DedupKey, p.Envelope.ID)
			}
		}
	case opReplace:
		if p.Superseded != nil {
			m.replaySupersede(*p.Superseded)
		}

		if p.Envelope != nil {
			m.slots.restore(p.Envelope)

			if m.opts.EnableDeduplication && p.Envelope.DedupKey != "" {
				m.dedup.update(p.Envelope.DedupKey, p.Envelope.ID)
			}
		}
	case opAcknowledge:
		m.slots.remove(p.ID)
	case opRequeue:
		notBefore := time.Time{}
		if p.NotBefore != nil {
			notBefore = *p.NotBefore
		}

		m.slots.requeue(p.ID, p.Retry, notBefore)
	case opDeadLetter:
		m.slots.remove(p.ID)

		if p.Dead != nil {
			m.dlq.add(p.Dead)
		}
	case opDeadLetterPlay:
		m.dlq.take(p.ID)

		if p.Envelope != nil {
			m.slots.restore(p.Envelope)
		}
	case opDeadLetterPurge:
		olderThan := time.Time{}
		if p.OlderThan != nil {
			olderThan = *p.OlderThan
		}

		m.dlq.purge(olderThan)
	case opCheckout, opLeaseRenew, opFail:
		// Stale by definition on replay.
	default:
		m.log.Warn().Uint64("seq", rec.Seq).Str("op", p.Op.String()).Msg("skipping unknown journal op")
	}
}

// replaySupersede re-applies a dedup displacement: an InFlight
// predecessor becomes Superseded, anything else leaves the store.
func (m *manager) replaySupersede(id uuid.UUID) {
	env := m.slots.get(id)
	if env == nil {
		return
	}

	if env.Status == StatusInFlight {
		m.slots.mutate(id, func(cur *Envelope) *Envelope {
			next := cur.clone()
			next.Status = StatusSuperseded
			next.Superseded = true

			return next
		})

		return
	}

	m.slots.remove(id)
}
