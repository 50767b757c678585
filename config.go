package slotmq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// optionsFile is the on-disk shape of an options file. Durations are
// strings in time.ParseDuration syntax; the file format is HuJSON, so
// comments and trailing commas are allowed.
type optionsFile struct {
	Capacity           *int    `json:"capacity,omitempty"`
	DeadLetterCapacity *int    `json:"dead_letter_capacity,omitempty"`
	PersistencePath    *string `json:"persistence_path,omitempty"`

	EnablePersistence   *bool `json:"enable_persistence,omitempty"`
	EnableDeduplication *bool `json:"enable_deduplication,omitempty"`

	SnapshotInterval  *string `json:"snapshot_interval,omitempty"`
	SnapshotThreshold *uint64 `json:"snapshot_threshold,omitempty"`

	DefaultTimeout         *string `json:"default_timeout,omitempty"`
	DefaultLeaseDuration   *string `json:"default_lease_duration,omitempty"`
	DefaultMaxRetries      *int    `json:"default_max_retries,omitempty"`
	DefaultInitialBackoff  *string `json:"default_initial_backoff,omitempty"`
	DefaultMaxBackoff      *string `json:"default_max_backoff,omitempty"`
	DefaultBackoffStrategy *string `json:"default_backoff_strategy,omitempty"`

	LeaseMonitorInterval *string `json:"lease_monitor_interval,omitempty"`
	LeaseSafetyMargin    *string `json:"lease_safety_margin,omitempty"`
	ShutdownGrace        *string `json:"shutdown_grace,omitempty"`
}

// LoadOptionsFile reads a HuJSON options file and applies it over base.
// Unknown keys are rejected; absent keys keep the base value.
func LoadOptionsFile(path string, base Options) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Options{}, fmt.Errorf("options file %s: %w: %w", path, ErrInvalidInput, err)
		}

		return Options{}, fmt.Errorf("read options file %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, fmt.Errorf("parse options file %s: %w: %w", path, ErrInvalidInput, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	var file optionsFile

	err = decoder.Decode(&file)
	if err != nil {
		return Options{}, fmt.Errorf("decode options file %s: %w: %w", path, ErrInvalidInput, err)
	}

	return applyOptionsFile(base, file)
}

// applyOptionsFile merges file over base, parsing durations and the
// backoff strategy name.
func applyOptionsFile(base Options, file optionsFile) (Options, error) {
	out := base

	if file.Capacity != nil {
		out.Capacity = *file.Capacity
	}

	if file.DeadLetterCapacity != nil {
		out.DeadLetterCapacity = *file.DeadLetterCapacity
	}

	if file.PersistencePath != nil {
		out.PersistencePath = *file.PersistencePath
	}

	if file.EnablePersistence != nil {
		out.EnablePersistence = *file.EnablePersistence
	}

	if file.EnableDeduplication != nil {
		out.EnableDeduplication = *file.EnableDeduplication
	}

	if file.SnapshotThreshold != nil {
		out.SnapshotThreshold = *file.SnapshotThreshold
	}

	if file.DefaultMaxRetries != nil {
		out.DefaultMaxRetries = *file.DefaultMaxRetries
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"snapshot_interval", file.SnapshotInterval, &out.SnapshotInterval},
		{"default_timeout", file.DefaultTimeout, &out.DefaultTimeout},
		{"default_lease_duration", file.DefaultLeaseDuration, &out.DefaultLeaseDuration},
		{"default_initial_backoff", file.DefaultInitialBackoff, &out.DefaultInitialBackoff},
		{"default_max_backoff", file.DefaultMaxBackoff, &out.DefaultMaxBackoff},
		{"lease_monitor_interval", file.LeaseMonitorInterval, &out.LeaseMonitorInterval},
		{"lease_safety_margin", file.LeaseSafetyMargin, &out.LeaseSafetyMargin},
		{"shutdown_grace", file.ShutdownGrace, &out.ShutdownGrace},
	}

	for _, d := range durations {
		if d.raw == nil {
			continue
		}

		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return Options{}, fmt.Errorf("option %s=%q: %w: %w", d.name, *d.raw, ErrInvalidInput, err)
		}

		*d.dst = parsed
	}

	if file.DefaultBackoffStrategy != nil {
		strategy, err := parseBackoffStrategy(*file.DefaultBackoffStrategy)
		if err != nil {
			return Options{}, fmt.Errorf("option default_backoff_strategy: %w", err)
		}

		out.DefaultBackoffStrategy = strategy
	}

	return out, nil
}
