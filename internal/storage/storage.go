// Package storage contains the in-memory storage engine.
//
// The engine keeps every entry in RAM behind a fixed set of shards, each
// guarded by its own RWMutex, so operations on different shards never
// contend. Durability is layered on top by the persistence package; the
// engine itself performs no I/O.
package storage

import "errors"

// Limits enforced upstream by command validation. The engine trusts callers
// but the constants live here because they describe the data model.
const (
	// MaxKeyLen is the largest accepted key, in bytes.
	MaxKeyLen = 512

	// MaxValueLen is the largest accepted value, in bytes.
	MaxValueLen = 10 * 1024 * 1024

	// entryOverhead is the fixed per-entry footprint added to key and value
	// lengths when accounting memory.
	entryOverhead = 64
)

// ErrMemoryExceeded is returned by Set when admitting the entry would push
// total memory past the configured maximum. State is left unchanged.
var ErrMemoryExceeded = errors.New("memory limit exceeded")

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	// TotalKeys is the number of stored entries.
	TotalKeys int

	// MemoryUsage is the estimated footprint of all entries in bytes.
	MemoryUsage uint64

	// HitRate is hits/(hits+misses) over gets only; 0.0 when no gets yet.
	HitRate float64

	// TotalOperations counts every get plus every accepted mutation.
	TotalOperations uint64
}

// Engine is the capability set the dispatcher and the persistence layer
// consume. The sharded in-memory map is its only implementation.
type Engine interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool)

	// Set stores value under key, returning ErrMemoryExceeded if admission
	// fails. Later writes silently overwrite earlier ones.
	Set(key string, value []byte) error

	// CheckAdmission reports whether a Set of this entry would currently be
	// admitted, without mutating anything. The dispatcher runs it before
	// writing the log record so a rejected set leaves no trace there. The
	// check and the later Set are not atomic; the admission rule applies to
	// the check-time observation.
	CheckAdmission(key string, value []byte) error

	// Delete removes key, reporting whether it was present.
	Delete(key string) bool

	// Exists reports whether key is present without touching hit/miss stats.
	Exists(key string) bool

	// Scan returns every key starting with prefix, in no particular order.
	// The empty prefix enumerates all keys.
	Scan(prefix string) []string

	// Stats returns current counters.
	Stats() Stats

	// HealthCheck verifies the engine is usable.
	HealthCheck() error
}

// EntryFootprint is the accounting estimate for one entry.
func EntryFootprint(key string, value []byte) uint64 {
	return uint64(len(key) + len(value) + entryOverhead)
}
