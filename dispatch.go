package slotmq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler processes one delivery. A fresh handler instance is resolved
// from the registered factory for every message, so handlers may hold
// per-message state.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error { return f(ctx, d) }

// HandlerFactory resolves a fresh handler instance per message. This is
// the dependency scope boundary: anything the handler needs is acquired
// here and released when the instance goes out of scope.
type HandlerFactory func() Handler

// Delivery is one checked-out message handed to a handler. Payload
// decoding is the handler's responsibility; the engine treats payloads
// as opaque bytes plus the type tag.
type Delivery struct {
	Envelope Envelope

	pool *pool
}

// Payload returns the raw message bytes.
func (d Delivery) Payload() []byte { return d.Envelope.Payload }

// Heartbeat reports handler progress (0..100) and, when the handler
// type has lease extension enabled, extends the lease by one lease
// duration. Returns [ErrLeaseLost] if the message is no longer
// InFlight, or [ErrNotFound] once it has left the main store.
func (d Delivery) Heartbeat(percent int, message string) error {
	extend := time.Duration(0)
	if d.pool.reg.opts.LeaseExtensionEnabled {
		extend = d.pool.reg.opts.LeaseDuration
	}

	return d.pool.monitor.heartbeat(d.Envelope.ID, percent, message, extend)
}

// registration binds a type tag to its handler factory and resolved
// options.
type registration struct {
	typeTag string
	factory HandlerFactory
	opts    HandlerOptions
}

// PoolStats is a point-in-time view of one per-type worker pool.
type PoolStats struct {
	Type           string
	ActiveWorkers  int
	TotalProcessed uint64
	TotalFailed    uint64
	LastErrorAt    time.Time
}

// pool runs the workers for one message type.
//
// The signal channel is bounded at one and collapses duplicates: a
// pending signal covers every pending message, and workers re-scan
// until checkout comes back empty.
type pool struct {
	reg     registration
	mgr     *manager
	monitor *leaseMonitor
	log     zerolog.Logger

	signal chan struct{}

	mu         sync.Mutex
	workerStop []chan struct{}
	nextWorker int

	wg sync.WaitGroup

	baseCtx context.Context

	activeWorkers atomic.Int32
	processed     atomic.Uint64
	failed        atomic.Uint64
	lastErrorAt   atomic.Int64
}

func newPool(reg registration, mgr *manager, monitor *leaseMonitor, baseCtx context.Context, log zerolog.Logger) *pool {
	return &pool{
		reg:     reg,
		mgr:     mgr,
		monitor: monitor,
		log:     log.With().Str("msg_type", reg.typeTag).Logger(),
		signal:  make(chan struct{}, 1),
		baseCtx: baseCtx,
	}
}

// wake publishes one unit to the signal channel if any room exists.
func (p *pool) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// scaleTo adjusts the live worker count to n, clamped into the
// registered [min, max] range. Returns the applied count.
func (p *pool) scaleTo(n int) int {
	if n < p.reg.opts.MinParallelism {
		n = p.reg.opts.MinParallelism
	}

	if n > p.reg.opts.MaxParallelism {
		n = p.reg.opts.MaxParallelism
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workerStop) < n {
		stop := make(chan struct{})
		p.workerStop = append(p.workerStop, stop)

		p.nextWorker++
		workerID := fmt.Sprintf("%s/worker-%d", p.reg.typeTag, p.nextWorker)

		p.wg.Add(1)

		go p.runWorker(workerID, stop)
	}

	for len(p.workerStop) > n {
		last := len(p.workerStop) - 1
		close(p.workerStop[last])
		p.workerStop = p.workerStop[:last]
	}

	return n
}

// haltWorkers requests cooperative exit from every worker.
func (p *pool) haltWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, stop := range p.workerStop {
		close(stop)
	}

	p.workerStop = nil
}

// runWorker is the long-lived worker loop: wait for a wake, then drain
// eligible messages until checkout comes back empty.
func (p *pool) runWorker(workerID string, stop chan struct{}) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for {
		select {
		case <-stop:
			return
		case <-p.signal:
		}

		// A wake may be spurious or may cover many messages; drain.
		for {
			select {
			case <-stop:
				return
			default:
			}

			env := p.mgr.checkout(p.reg.typeTag, workerID, p.reg.opts.LeaseDuration)
			if env == nil {
				break
			}

			p.process(workerID, env)
		}
	}
}

// process runs one handler invocation and feeds the outcome back to
// the manager.
func (p *pool) process(workerID string, env *Envelope) {
	deadline := time.Now().Add(p.reg.opts.Timeout)

	if env.Lease != nil {
		leaseDeadline := env.Lease.ExpiresAt.Add(-p.mgr.opts.LeaseSafetyMargin)
		if leaseDeadline.Before(deadline) {
			deadline = leaseDeadline
		}
	}

	ctx, cancel := context.WithDeadline(p.baseCtx, deadline)
	defer cancel()

	err := p.invoke(ctx, Delivery{Envelope: *env, pool: p})

	p.monitor.dropProgress(env.ID)

	if err == nil {
		ackErr := p.mgr.acknowledge(env.ID)
		if ackErr != nil {
			// Lease lost mid-handler: the message already went back to
			// Ready (or onward to the dead-letter store). At-least-once
			// delivery makes this a duplicate, not a loss.
			p.log.Debug().Err(ackErr).Stringer("msg_id", env.ID).Msg("acknowledge after lost lease")
		}

		p.processed.Add(1)

		return
	}

	p.failed.Add(1)
	p.lastErrorAt.Store(time.Now().UnixNano())

	f := failure{
		reason:    "handler_failure",
		errType:   fmt.Sprintf("%T", err),
		errMsg:    err.Error(),
		handlerID: workerID,
	}

	var panicErr *handlerPanicError
	if errors.As(err, &panicErr) {
		f.reason = "handler_panic"
		f.stack = panicErr.stack
	} else if errors.Is(err, context.DeadlineExceeded) {
		f.reason = "handler_timeout"
		f.errType = fmt.Sprintf("%T", ErrHandlerTimeout)
		f.errMsg = ErrHandlerTimeout.Error()
	}

	if env.RetryCount+1 > env.MaxRetries {
		f.reason = "Max retries exceeded"
	}

	requeueErr := p.mgr.requeue(env.ID, f)
	if requeueErr != nil && !errors.Is(requeueErr, ErrDeadLetterFull) {
		p.log.Debug().Err(requeueErr).Stringer("msg_id", env.ID).Msg("requeue after handler failure")
	}
}

// handlerPanicError wraps a recovered handler panic.
type handlerPanicError struct {
	value any
	stack string
}

func (e *handlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func (e *handlerPanicError) Unwrap() error { return ErrHandlerFailure }

// invoke resolves a fresh handler and runs it, converting panics into
// failures so one bad message cannot take a worker down.
func (p *pool) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanicError{value: r, stack: string(debug.Stack())}
		}
	}()

	handler := p.reg.factory()

	return handler.Handle(ctx, d)
}

// stats returns a point-in-time counter view.
func (p *pool) stats() PoolStats {
	out := PoolStats{
		Type:           p.reg.typeTag,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		TotalProcessed: p.processed.Load(),
		TotalFailed:    p.failed.Load(),
	}

	if ts := p.lastErrorAt.Load(); ts != 0 {
		out.LastErrorAt = time.Unix(0, ts)
	}

	return out
}

// dispatcher routes ready messages to per-type pools.
type dispatcher struct {
	mgr     *manager
	monitor *leaseMonitor
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	pools   map[string]*pool
	regs    map[string]registration
	running bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func newDispatcher(mgr *manager, monitor *leaseMonitor, opts Options, log zerolog.Logger) *dispatcher {
	return &dispatcher{
		mgr:     mgr,
		monitor: monitor,
		opts:    opts,
		log:     log,
		pools:   make(map[string]*pool),
		regs:    make(map[string]registration),
	}
}

// register binds typeTag to a handler factory. Registration is only
// allowed while the dispatcher is stopped.
func (d *dispatcher) register(typeTag string, factory HandlerFactory, opts HandlerOptions) error {
	if typeTag == "" {
		return fmt.Errorf("register handler: empty type tag: %w", ErrInvalidInput)
	}

	if factory == nil {
		return fmt.Errorf("register handler %s: nil factory: %w", typeTag, ErrInvalidInput)
	}

	resolved, err := opts.resolve(d.opts)
	if err != nil {
		return fmt.Errorf("register handler %s: %w", typeTag, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("register handler %s: %w", typeTag, ErrAlreadyRunning)
	}

	d.regs[typeTag] = registration{typeTag: typeTag, factory: factory, opts: resolved}

	return nil
}

// resolveType exposes per-type options to the manager.
func (d *dispatcher) resolveType(typeTag string) (HandlerOptions, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, ok := d.regs[typeTag]
	if !ok {
		return HandlerOptions{}, false
	}

	return reg.opts, true
}

// start spins up one pool per registered type at minimum parallelism
// and wakes them once so recovered messages get picked up.
func (d *dispatcher) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	d.baseCtx, d.cancel = context.WithCancel(context.Background())

	for typeTag, reg := range d.regs {
		p := newPool(reg, d.mgr, d.monitor, d.baseCtx, d.log)
		d.pools[typeTag] = p

		p.scaleTo(reg.opts.MinParallelism)
		p.wake()
	}

	d.running = true
	d.log.Info().Int("pools", len(d.pools)).Msg("dispatcher started")

	return nil
}

// signal wakes the pool for typeTag, if the dispatcher is running and
// the type is registered.
func (d *dispatcher) signal(typeTag string) {
	d.mu.Lock()
	p := d.pools[typeTag]
	d.mu.Unlock()

	if p != nil {
		p.wake()
	}
}

// scale adjusts the worker count for typeTag, clamped to the registered
// range. Returns the applied count.
func (d *dispatcher) scale(typeTag string, n int) (int, error) {
	d.mu.Lock()
	p := d.pools[typeTag]
	running := d.running
	d.mu.Unlock()

	if !running {
		return 0, fmt.Errorf("scale %s: %w", typeTag, ErrNotRunning)
	}

	if p == nil {
		return 0, fmt.Errorf("scale %s: %w", typeTag, ErrHandlerNotRegistered)
	}

	applied := p.scaleTo(n)

	d.log.Info().Str("msg_type", typeTag).Int("workers", applied).Msg("pool scaled")

	return applied, nil
}

// stop requests cooperative exit from every pool and waits up to grace
// for in-flight handlers to finish, then cancels their contexts.
// Idempotent: stopping a stopped dispatcher is a no-op.
func (d *dispatcher) stop(grace time.Duration) {
	d.mu.Lock()

	if !d.running {
		d.mu.Unlock()

		return
	}

	d.running = false
	pools := make([]*pool, 0, len(d.pools))

	for _, p := range d.pools {
		pools = append(pools, p)
	}

	d.pools = make(map[string]*pool)
	cancel := d.cancel
	d.mu.Unlock()

	for _, p := range pools {
		p.haltWorkers()
	}

	finished := make(chan struct{})

	go func() {
		for _, p := range pools {
			p.wg.Wait()
		}

		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(grace):
		d.log.Warn().Dur("grace", grace).Msg("shutdown grace exceeded; canceling in-flight handlers")
		cancel()
		<-finished

		return
	}

	cancel()
}

// poolStats returns per-type counters for every running pool.
func (d *dispatcher) poolStats() []PoolStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PoolStats, 0, len(d.pools))

	for _, p := range d.pools {
		out = append(out, p.stats())
	}

	return out
}
