package slotmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressRecord is ephemeral per-message handler progress. It is not
// persisted; restarts lose progress but not leases.
type ProgressRecord struct {
	Heartbeats  int
	Percent     int
	LastMessage string
	LastAt      time.Time
}

// leaseMonitor periodically requeues InFlight messages whose lease
// expired, and garbage-collects Superseded envelopes once their
// retained lease runs out.
type leaseMonitor struct {
	mgr      *manager
	interval time.Duration
	log      zerolog.Logger

	progressMu sync.Mutex
	progress   map[uuid.UUID]*ProgressRecord

	stop chan struct{}
	done chan struct{}
}

func newLeaseMonitor(mgr *manager, interval time.Duration, log zerolog.Logger) *leaseMonitor {
	return &leaseMonitor{
		mgr:      mgr,
		interval: interval,
		log:      log,
		progress: make(map[uuid.UUID]*ProgressRecord),
	}
}

// start launches the expiry scan loop.
func (lm *leaseMonitor) start() {
	lm.stop = make(chan struct{})
	lm.done = make(chan struct{})

	go func() {
		defer close(lm.done)

		ticker := time.NewTicker(lm.interval)
		defer ticker.Stop()

		for {
			select {
			case <-lm.stop:
				return
			case now := <-ticker.C:
				lm.scan(now)
			}
		}
	}()
}

// halt stops the loop and waits for it to exit.
func (lm *leaseMonitor) halt() {
	if lm.stop == nil {
		return
	}

	close(lm.stop)
	<-lm.done
	lm.stop = nil
}

// scan requeues every InFlight envelope whose lease expired before now.
func (lm *leaseMonitor) scan(now time.Time) {
	for _, env := range lm.mgr.slots.snapshotAll() {
		if env.Lease == nil || env.Lease.ExpiresAt.After(now) {
			continue
		}

		switch env.Status {
		case StatusInFlight:
			err := lm.mgr.requeue(env.ID, failure{
				reason:    "lease_expired",
				handlerID: env.Lease.HandlerID,
			})
			if err != nil {
				lm.log.Debug().Err(err).Stringer("msg_id", env.ID).Msg("lease expiry requeue lost race")

				continue
			}

			lm.dropProgress(env.ID)
			lm.log.Warn().
				Stringer("msg_id", env.ID).
				Str("msg_type", env.Type).
				Str("handler_id", env.Lease.HandlerID).
				Time("expired_at", env.Lease.ExpiresAt).
				Msg("lease expired")
		case StatusSuperseded:
			// The displaced predecessor's handler never came back; the
			// slot is reclaimed without a requeue.
			lm.mgr.slots.remove(env.ID)
			lm.dropProgress(env.ID)
		default:
		}
	}
}

// heartbeat records handler progress and extends the lease when the
// handler type allows it.
func (lm *leaseMonitor) heartbeat(id uuid.UUID, percent int, message string, extend time.Duration) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("heartbeat %s: progress %d outside [0, 100]: %w", id, percent, ErrInvalidInput)
	}

	env, ok := lm.mgr.getMessage(id)
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}

	if env.Status != StatusInFlight {
		return fmt.Errorf("heartbeat %s in status %s: %w", id, env.Status, ErrLeaseLost)
	}

	lm.progressMu.Lock()

	rec := lm.progress[id]
	if rec == nil {
		rec = &ProgressRecord{}
		lm.progress[id] = rec
	}

	rec.Heartbeats++
	rec.Percent = percent
	rec.LastMessage = message
	rec.LastAt = time.Now()

	lm.progressMu.Unlock()

	if extend > 0 {
		err := lm.mgr.extendLease(id, extend)
		if err != nil {
			return err
		}
	}

	return nil
}

// progressFor returns a copy of the progress record for id.
func (lm *leaseMonitor) progressFor(id uuid.UUID) (ProgressRecord, bool) {
	lm.progressMu.Lock()
	defer lm.progressMu.Unlock()

	rec := lm.progress[id]
	if rec == nil {
		return ProgressRecord{}, false
	}

	return *rec, true
}

// lastHeartbeat returns the time of the last heartbeat for id.
func (lm *leaseMonitor) lastHeartbeat(id uuid.UUID) (time.Time, bool) {
	rec, ok := lm.progressFor(id)
	if !ok {
		return time.Time{}, false
	}

	return rec.LastAt, true
}

// dropProgress discards the ephemeral record once the message leaves
// InFlight.
func (lm *leaseMonitor) dropProgress(id uuid.UUID) {
	lm.progressMu.Lock()
	delete(lm.progress, id)
	lm.progressMu.Unlock()
}
