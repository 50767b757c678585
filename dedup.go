package slotmq

import (
	"sync"

	"github.com/google/uuid"
)

// dedupIndex maps dedup keys to the message id currently owning them.
//
// The index is advisory: the slot array remains authoritative, and
// recovery prunes entries whose target is gone or no longer live.
type dedupIndex struct {
	m sync.Map // string -> uuid.UUID
}

func newDedupIndex() *dedupIndex { return &dedupIndex{} }

// tryAdd inserts key→id iff key is absent.
func (d *dedupIndex) tryAdd(key string, id uuid.UUID) bool {
	_, loaded := d.m.LoadOrStore(key, id)

	return !loaded
}

// update unconditionally overwrites key→id.
func (d *dedupIndex) update(key string, id uuid.UUID) {
	d.m.Store(key, id)
}

// lookup returns the current owner of key.
func (d *dedupIndex) lookup(key string) (uuid.UUID, bool) {
	v, ok := d.m.Load(key)
	if !ok {
		return uuid.UUID{}, false
	}

	return v.(uuid.UUID), true
}

// remove deletes key.
func (d *dedupIndex) remove(key string) {
	d.m.Delete(key)
}

// removeIfOwner deletes key only while it still maps to id.
func (d *dedupIndex) removeIfOwner(key string, id uuid.UUID) bool {
	return d.m.CompareAndDelete(key, id)
}

// snapshot returns a point-in-time copy for persistence.
func (d *dedupIndex) snapshot() map[string]uuid.UUID {
	out := make(map[string]uuid.UUID)

	d.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(uuid.UUID)

		return true
	})

	return out
}

// restore clears the index and repopulates it from entries.
func (d *dedupIndex) restore(entries map[string]uuid.UUID) {
	d.m.Range(func(k, _ any) bool {
		d.m.Delete(k)

		return true
	})

	for k, v := range entries {
		d.m.Store(k, v)
	}
}

// prune drops entries for which keep returns false. Recovery uses this
// to discard mappings whose target envelope is absent or not live.
func (d *dedupIndex) prune(keep func(key string, id uuid.UUID) bool) int {
	dropped := 0

	d.m.Range(func(k, v any) bool {
		if !keep(k.(string), v.(uuid.UUID)) {
			d.m.Delete(k)
			dropped++
		}

		return true
	})

	return dropped
}

// size returns the current entry count.
func (d *dedupIndex) size() int {
	n := 0

	d.m.Range(func(_, _ any) bool {
		n++

		return true
	})

	return n
}
