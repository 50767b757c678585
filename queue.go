package slotmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metrics is a point-in-time view of the whole queue.
type Metrics struct {
	Capacity      int
	Count         int
	CountByStatus map[string]int
	Sequence      uint64

	DeadLetter DeadLetterMetrics

	// Persistence health. JournalBytes is -1 when persistence is off.
	JournalBytes     int64
	OpsSinceSnapshot uint64
	LastSnapshotAt   time.Time
	JournalErrors    uint64
}

// EnqueueOption customizes one enqueued message.
type EnqueueOption func(*enqueueSettings)

type enqueueSettings struct {
	dedupKey string
	meta     Metadata
}

// WithDedupKey enrolls the message in key-based deduplication: at most
// one live message per key; a newer enqueue displaces the older one.
func WithDedupKey(key string) EnqueueOption {
	return func(s *enqueueSettings) { s.dedupKey = key }
}

// WithCorrelationID stamps the message metadata.
func WithCorrelationID(id string) EnqueueOption {
	return func(s *enqueueSettings) { s.meta.CorrelationID = id }
}

// WithSource stamps the producing component name.
func WithSource(source string) EnqueueOption {
	return func(s *enqueueSettings) { s.meta.Source = source }
}

// WithHeader adds one metadata header.
func WithHeader(key, value string) EnqueueOption {
	return func(s *enqueueSettings) {
		if s.meta.Headers == nil {
			s.meta.Headers = make(map[string]string)
		}

		s.meta.Headers[key] = value
	}
}

// Queue is the embeddable message queue. Open one per data directory.
type Queue struct {
	opts Options
	log  zerolog.Logger

	mgr     *manager
	monitor *leaseMonitor
	disp    *dispatcher
	pers    *persister

	recovery RecoveryStats

	mu         sync.Mutex
	started    bool
	closed     bool
	snapStop   chan struct{}
	snapDone   chan struct{}
	gatedWakes []*time.Timer
}

// Open validates opts, runs crash recovery against the persistence
// directory, and returns a queue ready for registration and Start.
//
// Failing to open the journal or a corrupt snapshot is fatal here;
// after a successful Open, persistence failures are logged and
// best-effort.
func Open(opts Options) (*Queue, error) {
	err := opts.validate()
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	log := opts.logger()

	var pers *persister

	if opts.EnablePersistence {
		pers, err = openPersister(opts.PersistencePath, log)
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
	}

	mgr := newManager(opts, pers, log)

	stats, err := mgr.recoverFromDisk()
	if err != nil {
		if pers != nil {
			_ = pers.close()
		}

		return nil, fmt.Errorf("open queue: %w", err)
	}

	monitor := newLeaseMonitor(mgr, opts.LeaseMonitorInterval, log)
	disp := newDispatcher(mgr, monitor, opts, log)

	mgr.resolveType = disp.resolveType
	mgr.onReady = disp.signal

	return &Queue{
		opts:     opts,
		log:      log,
		mgr:      mgr,
		monitor:  monitor,
		disp:     disp,
		pers:     pers,
		recovery: stats,
	}, nil
}

// RegisterHandler binds a message type to a handler factory. Handlers
// must be registered before Start.
func (q *Queue) RegisterHandler(typeTag string, factory HandlerFactory, opts HandlerOptions) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return fmt.Errorf("register handler %s: %w", typeTag, ErrClosed)
	}

	return q.disp.register(typeTag, factory, opts)
}

// Start launches the dispatcher pools, the lease monitor, and the
// snapshot timer. Fails with [ErrAlreadyRunning] on a started queue.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("start queue: %w", ErrClosed)
	}

	if q.started {
		return fmt.Errorf("start queue: %w", ErrAlreadyRunning)
	}

	err := q.disp.start()
	if err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	q.monitor.start()
	q.startSnapshotTimerLocked()
	q.armGatedWakesLocked()

	q.started = true
	q.log.Info().Int("messages", q.mgr.count()).Msg("queue started")

	return nil
}

// Stop drains the dispatcher under the shutdown grace period, halts
// the lease monitor, writes a final snapshot, and releases the journal.
// Idempotent; in-flight handler errors during stop are logged, never
// raised.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	started := q.started
	q.started = false
	q.mu.Unlock()

	if started {
		grace := q.opts.ShutdownGrace

		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain < grace {
				grace = remain
			}
		}

		q.disp.stop(grace)
		q.monitor.halt()
		q.stopSnapshotTimer()
		q.disarmGatedWakes()
	}

	if q.pers != nil {
		err := q.mgr.snapshot()
		if err != nil {
			q.log.Error().Err(err).Msg("final snapshot failed")
		}

		err = q.pers.close()
		if err != nil {
			return fmt.Errorf("stop queue: %w", err)
		}
	}

	q.log.Info().Msg("queue stopped")

	return nil
}

// Enqueue stores a message for dispatch to the handler registered for
// typeTag. Fails with [ErrQueueFull] when every slot is live.
func (q *Queue) Enqueue(payload []byte, typeTag string, opts ...EnqueueOption) (uuid.UUID, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return uuid.UUID{}, fmt.Errorf("enqueue: %w", ErrClosed)
	}

	var settings enqueueSettings

	for _, opt := range opts {
		opt(&settings)
	}

	return q.mgr.enqueue(payload, typeTag, settings.dedupKey, settings.meta)
}

// Heartbeat reports handler progress for an InFlight message and
// extends its lease when the handler type has extension enabled.
func (q *Queue) Heartbeat(id uuid.UUID, percent int, message string) error {
	env, ok := q.mgr.getMessage(id)
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}

	extend := time.Duration(0)

	if h, registered := q.disp.resolveType(env.Type); registered && h.LeaseExtensionEnabled {
		extend = h.LeaseDuration
	}

	return q.monitor.heartbeat(id, percent, message, extend)
}

// Progress returns the ephemeral progress record for an InFlight
// message, if any heartbeat arrived.
func (q *Queue) Progress(id uuid.UUID) (ProgressRecord, bool) {
	return q.monitor.progressFor(id)
}

// LastHeartbeat returns the time of the last heartbeat for id.
func (q *Queue) LastHeartbeat(id uuid.UUID) (time.Time, bool) {
	return q.monitor.lastHeartbeat(id)
}

// GetMessage returns a copy of the live envelope for id.
func (q *Queue) GetMessage(id uuid.UUID) (Envelope, bool) {
	env, ok := q.mgr.getMessage(id)
	if !ok {
		return Envelope{}, false
	}

	return *env, true
}

// Count returns the number of live messages in the main store.
func (q *Queue) Count() int { return q.mgr.count() }

// ListMessages returns copies of every live envelope.
func (q *Queue) ListMessages() []Envelope {
	snapshots := q.mgr.listAll()
	out := make([]Envelope, 0, len(snapshots))

	for _, env := range snapshots {
		out = append(out, *env)
	}

	return out
}

// Metrics returns a point-in-time view of the queue.
func (q *Queue) Metrics() Metrics {
	byStatus := q.mgr.slots.countByStatus()
	counts := make(map[string]int, len(byStatus))

	for status, n := range byStatus {
		counts[status.String()] = n
	}

	out := Metrics{
		Capacity:      q.opts.Capacity,
		Count:         q.mgr.count(),
		CountByStatus: counts,
		Sequence:      q.mgr.seq.Load(),
		DeadLetter:    q.mgr.dlq.metrics(),
		JournalBytes:  -1,
	}

	if q.pers != nil {
		out.JournalBytes = q.pers.journalSize()
		out.OpsSinceSnapshot = q.pers.opsSinceSnapshot.Load()
		out.JournalErrors = q.pers.journalErrors.Load()

		if last := q.pers.lastSnapshotAt.Load(); last != 0 {
			out.LastSnapshotAt = time.Unix(0, last)
		}
	}

	return out
}

// HandlerMetrics returns per-type pool counters. Empty when stopped.
func (q *Queue) HandlerMetrics() []PoolStats {
	return q.disp.poolStats()
}

// Scale adjusts the worker count for typeTag, clamped to the
// registered [min, max] range. Returns the applied count.
func (q *Queue) Scale(typeTag string, n int) (int, error) {
	return q.disp.scale(typeTag, n)
}

// TriggerSnapshot writes a snapshot now, regardless of thresholds.
func (q *Queue) TriggerSnapshot() error {
	if q.pers == nil {
		return fmt.Errorf("trigger snapshot: persistence disabled: %w", ErrInvalidInput)
	}

	return q.mgr.snapshot()
}

// DeadLetters returns every dead-lettered message, oldest first.
func (q *Queue) DeadLetters() []DeadLetterEnvelope {
	entries := q.mgr.dlq.list()
	out := make([]DeadLetterEnvelope, 0, len(entries))

	for _, env := range entries {
		out = append(out, *env)
	}

	return out
}

// ReplayDeadLetter moves a dead-lettered message back to Ready.
func (q *Queue) ReplayDeadLetter(id uuid.UUID, resetRetries bool) error {
	return q.mgr.replayDeadLetter(id, resetRetries)
}

// PurgeDeadLetters drops dead letters that failed before olderThan; a
// zero time drops everything. Returns the removed count.
func (q *Queue) PurgeDeadLetters(olderThan time.Time) int {
	return q.mgr.purgeDeadLetters(olderThan)
}

// DeadLetterMetrics summarizes the dead-letter store.
func (q *Queue) DeadLetterMetrics() DeadLetterMetrics {
	return q.mgr.dlq.metrics()
}

// RecoveryStats reports what the startup recovery pass restored.
func (q *Queue) RecoveryStats() RecoveryStats { return q.recovery }

// startSnapshotTimerLocked runs the elapsed-time snapshot trigger.
func (q *Queue) startSnapshotTimerLocked() {
	if q.pers == nil || q.opts.SnapshotInterval <= 0 {
		return
	}

	q.snapStop = make(chan struct{})
	q.snapDone = make(chan struct{})

	go func() {
		defer close(q.snapDone)

		ticker := time.NewTicker(q.opts.SnapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-q.snapStop:
				return
			case <-ticker.C:
				if q.pers.opsSinceSnapshot.Load() == 0 {
					continue
				}

				_ = q.mgr.snapshot()
			}
		}
	}()
}

func (q *Queue) stopSnapshotTimer() {
	if q.snapStop == nil {
		return
	}

	close(q.snapStop)
	<-q.snapDone
	q.snapStop = nil
}

// armGatedWakesLocked schedules pool wakes for recovered Ready
// messages whose backoff gate is still in the future, so they get
// picked up without polling.
func (q *Queue) armGatedWakesLocked() {
	now := time.Now()

	for _, env := range q.mgr.listAll() {
		if env.Status != StatusReady || env.NotBefore.IsZero() || !env.NotBefore.After(now) {
			continue
		}

		typeTag := env.Type

		timer := time.AfterFunc(env.NotBefore.Sub(now), func() {
			q.disp.signal(typeTag)
		})

		q.gatedWakes = append(q.gatedWakes, timer)
	}
}

func (q *Queue) disarmGatedWakes() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, timer := range q.gatedWakes {
		timer.Stop()
	}

	q.gatedWakes = nil
}
