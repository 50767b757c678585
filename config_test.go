package slotmq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeOptionsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "slotmq.json")

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write options file: %v", err)
	}

	return path
}

// Contract: a HuJSON options file (comments, trailing commas) merges
// over the base; absent keys keep their base values.
func Test_LoadOptionsFile_Merges_Over_Base(t *testing.T) {
	t.Parallel()

	path := writeOptionsFile(t, `{
		// tuned for the batch importer
		"capacity": 5000,
		"snapshot_interval": "30s",
		"default_backoff_strategy": "linear",
		"default_max_retries": 7,
		"enable_deduplication": false,
	}`)

	base := DefaultOptions()

	got, err := LoadOptionsFile(path, base)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Capacity != 5000 {
		t.Fatalf("capacity = %d", got.Capacity)
	}

	if got.SnapshotInterval != 30*time.Second {
		t.Fatalf("snapshot interval = %v", got.SnapshotInterval)
	}

	if got.DefaultBackoffStrategy != BackoffLinear {
		t.Fatalf("strategy = %v", got.DefaultBackoffStrategy)
	}

	if got.DefaultMaxRetries != 7 {
		t.Fatalf("max retries = %d", got.DefaultMaxRetries)
	}

	if got.EnableDeduplication {
		t.Fatal("dedup still enabled")
	}

	// Untouched keys keep the base values.
	if got.DeadLetterCapacity != base.DeadLetterCapacity {
		t.Fatalf("dead letter capacity = %d", got.DeadLetterCapacity)
	}

	if got.DefaultTimeout != base.DefaultTimeout {
		t.Fatalf("timeout = %v", got.DefaultTimeout)
	}
}

// Contract: unknown keys, bad durations, and bad strategy names are
// rejected as invalid input.
func Test_LoadOptionsFile_Rejects_Bad_Input(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"unknown key", `{"capactiy": 5000}`},
		{"bad duration", `{"default_timeout": "thirty seconds"}`},
		{"bad strategy", `{"default_backoff_strategy": "fibonacci"}`},
		{"not json", `capacity = 5000`},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := writeOptionsFile(t, tc.content)

			_, err := LoadOptionsFile(path, DefaultOptions())
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// Contract: a missing file is invalid input, not a silent default.
func Test_LoadOptionsFile_Missing_File(t *testing.T) {
	t.Parallel()

	_, err := LoadOptionsFile(filepath.Join(t.TempDir(), "absent.json"), DefaultOptions())
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

// Contract: option validation enforces the documented ranges.
func Test_Options_Validate_Ranges(t *testing.T) {
	t.Parallel()

	valid := DefaultOptions()
	valid.PersistencePath = t.TempDir()

	if err := valid.validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"capacity too small", func(o *Options) { o.Capacity = minCapacity - 1 }},
		{"capacity too large", func(o *Options) { o.Capacity = maxCapacity + 1 }},
		{"dlq too small", func(o *Options) { o.DeadLetterCapacity = minDeadLetterCapacity - 1 }},
		{"dlq too large", func(o *Options) { o.DeadLetterCapacity = maxDeadLetterCapacity + 1 }},
		{"persistence without path", func(o *Options) { o.PersistencePath = "" }},
		{"negative retries", func(o *Options) { o.DefaultMaxRetries = -1 }},
		{"zero timeout", func(o *Options) { o.DefaultTimeout = 0 }},
		{"zero lease", func(o *Options) { o.DefaultLeaseDuration = 0 }},
		{"zero monitor interval", func(o *Options) { o.LeaseMonitorInterval = 0 }},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := valid
			tc.mutate(&opts)

			if err := opts.validate(); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// Contract: handler options inherit queue defaults for zero fields and
// reject inverted parallelism bounds.
func Test_HandlerOptions_Resolve(t *testing.T) {
	t.Parallel()

	base := DefaultOptions()

	resolved, err := HandlerOptions{}.resolve(base)
	if err != nil {
		t.Fatalf("resolve zero: %v", err)
	}

	if resolved.MinParallelism != 1 || resolved.MaxParallelism != 1 {
		t.Fatalf("parallelism = [%d, %d]", resolved.MinParallelism, resolved.MaxParallelism)
	}

	if resolved.Timeout != base.DefaultTimeout || resolved.LeaseDuration != base.DefaultLeaseDuration {
		t.Fatalf("timeouts = %v / %v", resolved.Timeout, resolved.LeaseDuration)
	}

	if resolved.MaxRetries != base.DefaultMaxRetries {
		t.Fatalf("max retries = %d", resolved.MaxRetries)
	}

	if resolved.BackoffStrategy != base.DefaultBackoffStrategy {
		t.Fatalf("strategy = %v", resolved.BackoffStrategy)
	}

	_, err = HandlerOptions{MinParallelism: 4, MaxParallelism: 2}.resolve(base)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("inverted bounds err = %v, want ErrInvalidInput", err)
	}

	// An explicit strategy override sticks even when it equals the
	// zero value (linear).
	overridden, err := HandlerOptions{}.WithBackoffStrategy(BackoffLinear).resolve(base)
	if err != nil {
		t.Fatalf("resolve override: %v", err)
	}

	if overridden.BackoffStrategy != BackoffLinear {
		t.Fatalf("strategy = %v, want linear", overridden.BackoffStrategy)
	}
}
