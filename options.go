package slotmq

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Capacity limits.
const (
	minCapacity = 100
	maxCapacity = 1_000_000

	minDeadLetterCapacity = 100
	maxDeadLetterCapacity = 100_000
)

// Options configure a Queue. Use [DefaultOptions] as the base and
// override; a zero Options value fails validation.
type Options struct {
	// Capacity is the main slot count, 100..1_000_000.
	Capacity int `json:"capacity"`

	// DeadLetterCapacity is the dead-letter slot count, 100..100_000.
	DeadLetterCapacity int `json:"dead_letter_capacity"`

	// PersistencePath is the data directory for journal.dat and
	// snapshot.dat. Required when EnablePersistence is true.
	PersistencePath string `json:"persistence_path"`

	// EnablePersistence turns the write-ahead journal and snapshots on.
	EnablePersistence bool `json:"enable_persistence"`

	// EnableDeduplication turns the dedup index on. With it off, dedup
	// keys are stored on envelopes but never displace predecessors.
	EnableDeduplication bool `json:"enable_deduplication"`

	// SnapshotInterval triggers a snapshot after this much time since
	// the last one. Zero disables the time trigger.
	SnapshotInterval time.Duration `json:"snapshot_interval"`

	// SnapshotThreshold triggers a snapshot after this many journaled
	// operations. Zero disables the op-count trigger.
	SnapshotThreshold uint64 `json:"snapshot_threshold"`

	// Per-handler defaults, overridable in HandlerOptions.
	DefaultTimeout         time.Duration   `json:"default_timeout"`
	DefaultLeaseDuration   time.Duration   `json:"default_lease_duration"`
	DefaultMaxRetries      int             `json:"default_max_retries"`
	DefaultInitialBackoff  time.Duration   `json:"default_initial_backoff"`
	DefaultMaxBackoff      time.Duration   `json:"default_max_backoff"`
	DefaultBackoffStrategy BackoffStrategy `json:"-"`

	// LeaseMonitorInterval is the expiry scan tick.
	LeaseMonitorInterval time.Duration `json:"lease_monitor_interval"`

	// LeaseSafetyMargin is subtracted from the lease expiry when
	// computing handler deadlines, so handlers observe cancellation
	// before the lease monitor reclaims the message.
	LeaseSafetyMargin time.Duration `json:"lease_safety_margin"`

	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration `json:"shutdown_grace"`

	// Logger receives engine events. Nil disables logging.
	Logger *zerolog.Logger `json:"-"`
}

// DefaultOptions returns the baseline configuration. Persistence is on
// but requires PersistencePath to be set by the caller.
func DefaultOptions() Options {
	return Options{
		Capacity:               10_000,
		DeadLetterCapacity:     1_000,
		EnablePersistence:      true,
		EnableDeduplication:    true,
		SnapshotInterval:       time.Minute,
		SnapshotThreshold:      1_000,
		DefaultTimeout:         30 * time.Second,
		DefaultLeaseDuration:   30 * time.Second,
		DefaultMaxRetries:      3,
		DefaultInitialBackoff:  time.Second,
		DefaultMaxBackoff:      time.Minute,
		DefaultBackoffStrategy: BackoffExponential,
		LeaseMonitorInterval:   time.Second,
		LeaseSafetyMargin:      2 * time.Second,
		ShutdownGrace:          10 * time.Second,
	}
}

// validate rejects out-of-range options. It mutates nothing.
func (o Options) validate() error {
	if o.Capacity < minCapacity || o.Capacity > maxCapacity {
		return fmt.Errorf("capacity %d outside [%d, %d]: %w", o.Capacity, minCapacity, maxCapacity, ErrInvalidInput)
	}

	if o.DeadLetterCapacity < minDeadLetterCapacity || o.DeadLetterCapacity > maxDeadLetterCapacity {
		return fmt.Errorf("dead_letter_capacity %d outside [%d, %d]: %w",
			o.DeadLetterCapacity, minDeadLetterCapacity, maxDeadLetterCapacity, ErrInvalidInput)
	}

	if o.EnablePersistence && o.PersistencePath == "" {
		return fmt.Errorf("persistence enabled without persistence_path: %w", ErrInvalidInput)
	}

	if o.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries %d is negative: %w", o.DefaultMaxRetries, ErrInvalidInput)
	}

	if o.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive: %w", ErrInvalidInput)
	}

	if o.DefaultLeaseDuration <= 0 {
		return fmt.Errorf("default_lease_duration must be positive: %w", ErrInvalidInput)
	}

	if o.DefaultInitialBackoff < 0 || o.DefaultMaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be non-negative: %w", ErrInvalidInput)
	}

	if o.LeaseMonitorInterval <= 0 {
		return fmt.Errorf("lease_monitor_interval must be positive: %w", ErrInvalidInput)
	}

	return nil
}

// logger returns the configured logger or a no-op one.
func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}

	return zerolog.Nop()
}

// HandlerOptions configure one registered handler type. Zero fields
// inherit the queue-level defaults.
type HandlerOptions struct {
	// MinParallelism and MaxParallelism bound the worker count for this
	// type. Scale requests are clamped into this range.
	MinParallelism int `json:"min_parallelism"`
	MaxParallelism int `json:"max_parallelism"`

	// Timeout bounds one handler invocation.
	Timeout time.Duration `json:"timeout"`

	// LeaseDuration is the exclusive ownership window per checkout.
	LeaseDuration time.Duration `json:"lease_duration"`

	// MaxRetries bounds requeues before dead-lettering.
	MaxRetries int `json:"max_retries"`

	// LeaseExtensionEnabled allows heartbeats to extend the lease.
	LeaseExtensionEnabled bool `json:"lease_extension_enabled"`

	// Backoff overrides. Zero inherits the queue defaults.
	InitialBackoff  time.Duration   `json:"initial_backoff"`
	MaxBackoff      time.Duration   `json:"max_backoff"`
	BackoffStrategy BackoffStrategy `json:"-"`

	backoffStrategySet bool
}

// WithBackoffStrategy returns a copy of h using the given strategy
// instead of the queue default.
func (h HandlerOptions) WithBackoffStrategy(s BackoffStrategy) HandlerOptions {
	h.BackoffStrategy = s
	h.backoffStrategySet = true

	return h
}

// resolve fills zero fields from the queue options and validates the
// result.
func (h HandlerOptions) resolve(o Options) (HandlerOptions, error) {
	if h.MinParallelism == 0 {
		h.MinParallelism = 1
	}

	if h.MaxParallelism == 0 {
		h.MaxParallelism = h.MinParallelism
	}

	if h.Timeout == 0 {
		h.Timeout = o.DefaultTimeout
	}

	if h.LeaseDuration == 0 {
		h.LeaseDuration = o.DefaultLeaseDuration
	}

	if h.MaxRetries == 0 {
		h.MaxRetries = o.DefaultMaxRetries
	}

	if h.InitialBackoff == 0 {
		h.InitialBackoff = o.DefaultInitialBackoff
	}

	if h.MaxBackoff == 0 {
		h.MaxBackoff = o.DefaultMaxBackoff
	}

	if !h.backoffStrategySet {
		h.BackoffStrategy = o.DefaultBackoffStrategy
	}

	if h.MinParallelism < 1 {
		return HandlerOptions{}, fmt.Errorf("min_parallelism %d < 1: %w", h.MinParallelism, ErrInvalidInput)
	}

	if h.MaxParallelism < h.MinParallelism {
		return HandlerOptions{}, fmt.Errorf("max_parallelism %d < min_parallelism %d: %w",
			h.MaxParallelism, h.MinParallelism, ErrInvalidInput)
	}

	if h.Timeout <= 0 || h.LeaseDuration <= 0 {
		return HandlerOptions{}, fmt.Errorf("timeout and lease_duration must be positive: %w", ErrInvalidInput)
	}

	if h.MaxRetries < 0 {
		return HandlerOptions{}, fmt.Errorf("max_retries %d is negative: %w", h.MaxRetries, ErrInvalidInput)
	}

	return h, nil
}

// backoff builds the policy for this handler type.
func (h HandlerOptions) backoff() backoffPolicy {
	return backoffPolicy{
		initial:  h.InitialBackoff,
		max:      h.MaxBackoff,
		strategy: h.BackoffStrategy,
	}
}
