package slotmq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// failure describes why a delivery attempt did not complete.
type failure struct {
	reason    string
	errType   string
	errMsg    string
	stack     string
	handlerID string
}

// manager is the single coordinator for all lifecycle changes. It owns
// the sequence counter and the journal write path.
//
// Mutating operations hold the barrier read-side; snapshot capture
// takes the write side briefly to freeze a consistent view across the
// slot array, dedup index, and dead-letter store.
type manager struct {
	opts Options
	log  zerolog.Logger

	slots *slotArray
	dedup *dedupIndex
	dlq   *deadLetterStore
	pers  *persister // nil when persistence is disabled

	seq atomic.Uint64

	barrier sync.RWMutex

	// dedupMu serializes keyed enqueues. Without it, two producers can
	// both observe a stale index entry and both fall through to a plain
	// enqueue, leaving two live envelopes on one key. Unkeyed enqueues
	// never touch it.
	dedupMu sync.Mutex

	// resolveType returns the resolved handler options for a type tag,
	// so enqueue and requeue pick up per-type retry and backoff policy.
	resolveType func(typeTag string) (HandlerOptions, bool)

	// onReady wakes the pool for typeTag after a transition into Ready.
	onReady func(typeTag string)

	snapshotPending atomic.Bool
}

func newManager(opts Options, pers *persister, log zerolog.Logger) *manager {
	return &manager{
		opts:        opts,
		log:         log,
		slots:       newSlotArray(opts.Capacity),
		dedup:       newDedupIndex(),
		dlq:         newDeadLetterStore(opts.DeadLetterCapacity),
		pers:        pers,
		resolveType: func(string) (HandlerOptions, bool) { return HandlerOptions{}, false },
		onReady:     func(string) {},
	}
}

// nextSeq assigns the next mutation sequence number.
func (m *manager) nextSeq() uint64 {
	return m.seq.Add(1)
}

// journal appends one record. IO failures are logged and swallowed: the
// in-memory effect stands and the next snapshot reconciles.
func (m *manager) journal(seq uint64, payload journalPayload) {
	if m.pers == nil {
		return
	}

	err := m.pers.append(seq, payload)
	if err != nil {
		m.log.Error().Err(err).
			Uint64("seq", seq).
			Str("op", payload.Op.String()).
			Stringer("msg_id", payload.ID).
			Msg("journal write failed; state kept in memory")
	}
}

// maxRetriesFor resolves the retry budget for a type at enqueue time.
func (m *manager) maxRetriesFor(typeTag string) int {
	if h, ok := m.resolveType(typeTag); ok {
		return h.MaxRetries
	}

	return m.opts.DefaultMaxRetries
}

// backoffFor resolves the backoff policy for a type.
func (m *manager) backoffFor(typeTag string) backoffPolicy {
	if h, ok := m.resolveType(typeTag); ok {
		return h.backoff()
	}

	return backoffPolicy{
		initial:  m.opts.DefaultInitialBackoff,
		max:      m.opts.DefaultMaxBackoff,
		strategy: m.opts.DefaultBackoffStrategy,
	}
}

// enqueue creates a Ready envelope, applying dedup replacement when the
// key already has a live owner.
func (m *manager) enqueue(payload []byte, typeTag string, dedupKey string, meta Metadata) (uuid.UUID, error) {
	if typeTag == "" {
		return uuid.UUID{}, fmt.Errorf("enqueue: empty message type: %w", ErrInvalidInput)
	}

	m.barrier.RLock()
	defer m.barrier.RUnlock()

	now := time.Now()

	env, err := newEnvelope(payload, typeTag, dedupKey, m.maxRetriesFor(typeTag), meta, now)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("enqueue: %w", err)
	}

	if m.opts.EnableDeduplication && dedupKey != "" {
		m.dedupMu.Lock()
		defer m.dedupMu.Unlock()

		replaced, done, replErr := m.tryDedupReplace(env, dedupKey)
		if replErr != nil {
			return uuid.UUID{}, replErr
		}

		if done {
			m.onReady(typeTag)

			return replaced, nil
		}
	}

	if !m.slots.enqueue(env) {
		return uuid.UUID{}, fmt.Errorf("enqueue %s: %w", typeTag, ErrQueueFull)
	}

	seq := m.nextSeq()
	env.LastPersisted = seq

	m.journal(seq, journalPayload{
		Op:       opEnqueue,
		ID:       env.ID,
		TS:       now,
		Envelope: env,
	})

	if m.opts.EnableDeduplication && dedupKey != "" {
		m.dedup.update(dedupKey, env.ID)
	}

	m.maybeSnapshotLocked(now)
	m.onReady(typeTag)

	return env.ID, nil
}

// tryDedupReplace handles enqueue when dedupKey already maps to a live
// envelope. Ready predecessors are dropped outright; InFlight
// predecessors are marked Superseded with their lease retained. Reports
// done=false when the index entry is stale and the caller should fall
// through to a plain enqueue.
func (m *manager) tryDedupReplace(env *Envelope, dedupKey string) (uuid.UUID, bool, error) {
	prevID, ok := m.dedup.lookup(dedupKey)
	if !ok {
		return uuid.UUID{}, false, nil
	}

	prev := m.slots.get(prevID)
	if prev == nil || prev.DedupKey != dedupKey {
		// Stale index entry; the slot array is authoritative.
		m.dedup.removeIfOwner(dedupKey, prevID)

		return uuid.UUID{}, false, nil
	}

	now := time.Now()

	switch prev.Status {
	case StatusReady:
		removed := m.slots.remove(prevID)

		if !m.slots.enqueue(env) {
			// The freed slot was stolen by a concurrent enqueue. Put
			// the predecessor back and report full.
			if removed != nil {
				m.slots.restore(removed)
			}

			return uuid.UUID{}, false, fmt.Errorf("enqueue %s: %w", env.Type, ErrQueueFull)
		}
	case StatusInFlight:
		superseded := m.slots.supersede(dedupKey)
		if superseded == nil {
			// Transitioned under us; retry as a plain enqueue.
			return uuid.UUID{}, false, nil
		}

		if !m.slots.enqueue(env) {
			m.slots.mutate(superseded.ID, func(cur *Envelope) *Envelope {
				next := cur.clone()
				next.Status = StatusInFlight
				next.Superseded = false

				return next
			})

			return uuid.UUID{}, false, fmt.Errorf("enqueue %s: %w", env.Type, ErrQueueFull)
		}
	default:
		// Terminal predecessor: the entry is stale.
		m.dedup.removeIfOwner(dedupKey, prevID)

		return uuid.UUID{}, false, nil
	}

	seq := m.nextSeq()
	env.LastPersisted = seq

	m.journal(seq, journalPayload{
		Op:         opReplace,
		ID:         env.ID,
		TS:         now,
		Envelope:   env,
		Superseded: &prevID,
	})

	m.dedup.update(dedupKey, env.ID)
	m.maybeSnapshotLocked(now)

	return env.ID, true, nil
}

// checkout hands one eligible Ready envelope of typeTag to handlerID
// under a lease. Returns nil when nothing is eligible.
func (m *manager) checkout(typeTag, handlerID string, leaseDuration time.Duration) *Envelope {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	now := time.Now()

	env := m.slots.checkout(typeTag, handlerID, leaseDuration, now)
	if env == nil {
		return nil
	}

	seq := m.nextSeq()

	m.journal(seq, journalPayload{
		Op:          opCheckout,
		ID:          env.ID,
		TS:          now,
		HandlerID:   handlerID,
		LeaseExpiry: &env.Lease.ExpiresAt,
	})

	m.maybeSnapshotLocked(now)

	return env
}

// acknowledge completes an InFlight envelope and frees its slot.
// Acknowledging a Superseded envelope is a no-op that releases the
// slot; the successor already owns the dedup key.
func (m *manager) acknowledge(id uuid.UUID) error {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	env := m.slots.get(id)
	if env == nil {
		return fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
	}

	switch env.Status {
	case StatusInFlight, StatusSuperseded:
	default:
		return fmt.Errorf("acknowledge %s in status %s: %w", id, env.Status, ErrLeaseLost)
	}

	now := time.Now()
	seq := m.nextSeq()

	m.journal(seq, journalPayload{
		Op: opAcknowledge,
		ID: id,
		TS: now,
	})

	m.slots.acknowledge(id)

	if env.Status == StatusInFlight && env.DedupKey != "" {
		m.dedup.removeIfOwner(env.DedupKey, id)
	}

	m.maybeSnapshotLocked(now)

	return nil
}

// requeue returns a failed delivery to Ready with an incremented retry
// count and a backoff gate, or routes it to the dead-letter store once
// the retry budget is exhausted.
func (m *manager) requeue(id uuid.UUID, f failure) error {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	return m.requeueLocked(id, f)
}

func (m *manager) requeueLocked(id uuid.UUID, f failure) error {
	env := m.slots.get(id)
	if env == nil {
		return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}

	if env.Status == StatusSuperseded {
		// The successor owns the key; the failed predecessor just
		// releases its slot.
		now := time.Now()
		seq := m.nextSeq()

		m.journal(seq, journalPayload{Op: opAcknowledge, ID: id, TS: now})
		m.slots.remove(id)

		return nil
	}

	if env.Status != StatusInFlight {
		return fmt.Errorf("requeue %s in status %s: %w", id, env.Status, ErrLeaseLost)
	}

	now := time.Now()
	newRetry := env.RetryCount + 1

	if newRetry > env.MaxRetries {
		return m.deadLetterLocked(env, f, now)
	}

	notBefore := m.backoffFor(env.Type).notBefore(newRetry, now)

	seq := m.nextSeq()

	m.journal(seq, journalPayload{
		Op:        opRequeue,
		ID:        id,
		TS:        now,
		Retry:     newRetry,
		NotBefore: &notBefore,
	})

	m.slots.requeue(id, newRetry, notBefore)

	// The envelope is Ready but gated; arm a wake for when the backoff
	// gate passes so no worker has to poll.
	if delay := time.Until(notBefore); delay > 0 {
		typeTag := env.Type

		time.AfterFunc(delay, func() { m.onReady(typeTag) })
	}

	m.log.Debug().
		Stringer("msg_id", id).
		Str("msg_type", env.Type).
		Int("retry", newRetry).
		Str("reason", f.reason).
		Time("not_before", notBefore).
		Msg("requeued")

	m.maybeSnapshotLocked(now)
	m.onReady(env.Type)

	return nil
}

// deadLetterLocked transfers env to the dead-letter store with failure
// metadata. Overflow drops the message rather than wedging the queue.
func (m *manager) deadLetterLocked(env *Envelope, f failure, now time.Time) error {
	dead := &DeadLetterEnvelope{
		Envelope:         *env.clone(),
		FailureReason:    f.reason,
		ExceptionType:    f.errType,
		ExceptionMessage: f.errMsg,
		StackTrace:       f.stack,
		FailedAt:         now,
		LastHandlerID:    f.handlerID,
	}
	dead.Status = StatusDeadLetter
	dead.Lease = nil

	seq := m.nextSeq()
	dead.LastPersisted = seq

	m.journal(seq, journalPayload{
		Op:   opDeadLetter,
		ID:   env.ID,
		TS:   now,
		Dead: dead,
	})

	m.slots.remove(env.ID)

	if env.DedupKey != "" {
		m.dedup.removeIfOwner(env.DedupKey, env.ID)
	}

	if !m.dlq.add(dead) {
		m.log.Error().
			Stringer("msg_id", env.ID).
			Str("msg_type", env.Type).
			Str("reason", f.reason).
			Err(ErrDeadLetterFull).
			Msg("dead letter store full; message dropped")

		return fmt.Errorf("dead letter %s: %w", env.ID, ErrDeadLetterFull)
	}

	m.log.Warn().
		Stringer("msg_id", env.ID).
		Str("msg_type", env.Type).
		Str("reason", f.reason).
		Int("retry", env.RetryCount).
		Msg("message dead lettered")

	m.maybeSnapshotLocked(now)

	return nil
}

// extendLease pushes the lease expiry of an InFlight envelope out by
// extra and bumps the extension count.
func (m *manager) extendLease(id uuid.UUID, extra time.Duration) error {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	var newExpiry time.Time

	updated := m.slots.mutate(id, func(cur *Envelope) *Envelope {
		if cur.Status != StatusInFlight || cur.Lease == nil {
			return nil
		}

		next := cur.clone()
		next.Lease.ExpiresAt = next.Lease.ExpiresAt.Add(extra)
		next.Lease.Extensions++
		newExpiry = next.Lease.ExpiresAt

		return next
	})

	if updated == nil {
		return fmt.Errorf("extend lease %s: %w", id, ErrLeaseLost)
	}

	now := time.Now()
	seq := m.nextSeq()

	m.journal(seq, journalPayload{
		Op:          opLeaseRenew,
		ID:          id,
		TS:          now,
		LeaseExpiry: &newExpiry,
	})

	return nil
}

// replayDeadLetter moves a dead-lettered message back into the main
// store as Ready.
func (m *manager) replayDeadLetter(id uuid.UUID, resetRetries bool) error {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	dead := m.dlq.take(id)
	if dead == nil {
		return fmt.Errorf("dead letter replay %s: %w", id, ErrNotFound)
	}

	env := dead.Envelope.clone()
	env.Status = StatusReady
	env.Lease = nil
	env.Superseded = false
	env.NotBefore = time.Time{}

	if resetRetries {
		env.RetryCount = 0
	} else if env.MaxRetries > 0 && env.RetryCount > env.MaxRetries-1 {
		env.RetryCount = env.MaxRetries - 1
	}

	if !m.slots.enqueue(env) {
		// No slot free: the message stays dead rather than vanishing.
		m.dlq.add(dead)

		return fmt.Errorf("dead letter replay %s: %w", id, ErrQueueFull)
	}

	now := time.Now()
	seq := m.nextSeq()
	env.LastPersisted = seq

	m.journal(seq, journalPayload{
		Op:           opDeadLetterPlay,
		ID:           id,
		TS:           now,
		Envelope:     env,
		ResetRetries: resetRetries,
	})

	if m.opts.EnableDeduplication && env.DedupKey != "" {
		// Do not displace a live owner of the key.
		m.dedupMu.Lock()
		m.dedup.tryAdd(env.DedupKey, env.ID)
		m.dedupMu.Unlock()
	}

	m.maybeSnapshotLocked(now)
	m.onReady(env.Type)

	return nil
}

// purgeDeadLetters drops dead letters that failed before olderThan; a
// zero time drops everything. Returns the removed count.
func (m *manager) purgeDeadLetters(olderThan time.Time) int {
	m.barrier.RLock()
	defer m.barrier.RUnlock()

	now := time.Now()
	seq := m.nextSeq()

	payload := journalPayload{Op: opDeadLetterPurge, TS: now}
	if !olderThan.IsZero() {
		payload.OlderThan = &olderThan
	}

	m.journal(seq, payload)

	removed := m.dlq.purge(olderThan)

	m.log.Info().Int("removed", removed).Msg("dead letters purged")
	m.maybeSnapshotLocked(now)

	return removed
}

// getMessage returns a copy of the live envelope for id.
func (m *manager) getMessage(id uuid.UUID) (*Envelope, bool) {
	env := m.slots.get(id)
	if env == nil {
		return nil, false
	}

	return env, true
}

// count returns the number of live messages in the main store.
func (m *manager) count() int {
	return m.slots.count()
}

// listAll returns copies of every live envelope.
func (m *manager) listAll() []*Envelope {
	return m.slots.snapshotAll()
}

// snapshot captures a consistent point-in-time view under the write
// barrier and persists it. No-op without persistence.
func (m *manager) snapshot() error {
	if m.pers == nil {
		return nil
	}

	m.barrier.Lock()
	version := m.seq.Load()
	messages := m.slots.snapshotAll()
	index := m.dedup.snapshot()
	dead := m.dlq.snapshotAll()
	m.barrier.Unlock()

	err := m.pers.writeSnapshot(version, snapshotPayload{
		Capacity:    m.opts.Capacity,
		Messages:    messages,
		DedupIndex:  index,
		DeadLetters: dead,
	})
	if err != nil {
		m.log.Error().Err(err).Uint64("version", version).Msg("snapshot failed")

		return err
	}

	m.log.Info().
		Uint64("version", version).
		Int("messages", len(messages)).
		Int("dead_letters", len(dead)).
		Msg("snapshot written")

	return nil
}

// maybeSnapshotLocked kicks an async snapshot when a trigger threshold
// was crossed. Called with the barrier read-held, so the snapshot runs
// on its own goroutine to take the write side.
func (m *manager) maybeSnapshotLocked(now time.Time) {
	if m.pers == nil {
		return
	}

	if !m.pers.snapshotDue(m.opts.SnapshotInterval, m.opts.SnapshotThreshold, now) {
		return
	}

	if !m.snapshotPending.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.snapshotPending.Store(false)

		_ = m.snapshot()
	}()
}
