package storage

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// shard owns one partition of the key space: its map, its lock and a running
// byte counter. Shards never share state, so the engine holds no global lock.
type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
	size atomic.Uint64
}

// MemoryEngine is the sharded in-memory implementation of Engine.
type MemoryEngine struct {
	shards    []*shard
	maxMemory uint64
	logger    *zap.Logger

	// totalMemory is the process-wide counter used for admission control.
	// The admission check is not atomic with the later mutation, so under
	// concurrent writers the total may briefly exceed maxMemory by the sum
	// of in-flight footprints before converging.
	totalMemory atomic.Uint64

	totalOperations atomic.Uint64
	hits            atomic.Uint64
	misses          atomic.Uint64
}

// NewMemoryEngine builds an engine with shardCount shards and a maxMemory
// admission ceiling in bytes. A nil logger disables logging.
func NewMemoryEngine(shardCount int, maxMemory uint64, logger *zap.Logger) *MemoryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{data: make(map[string][]byte)}
	}
	logger.Info("memory engine initialized",
		zap.Int("shards", shardCount),
		zap.Uint64("max_memory", maxMemory))
	return &MemoryEngine{
		shards:    shards,
		maxMemory: maxMemory,
		logger:    logger,
	}
}

// shardFor maps a key to its shard. FNV-1a is stable for the process
// lifetime, which pins each key to exactly one shard.
func (e *MemoryEngine) shardFor(key string) *shard {
	h := fnv.New64a()
	h.Write([]byte(key))
	return e.shards[h.Sum64()%uint64(len(e.shards))]
}

// Get returns the value for key. Only gets feed the hit/miss counters.
func (e *MemoryEngine) Get(key string) ([]byte, bool) {
	e.totalOperations.Add(1)

	s := e.shardFor(key)
	s.mu.RLock()
	value, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		e.misses.Add(1)
		return nil, false
	}
	e.hits.Add(1)

	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// CheckAdmission applies the admission rule against the current counter
// without mutating state.
func (e *MemoryEngine) CheckAdmission(key string, value []byte) error {
	if e.totalMemory.Load()+EntryFootprint(key, value) > e.maxMemory {
		return ErrMemoryExceeded
	}
	return nil
}

// Set stores value under key, enforcing the memory ceiling. The admission
// check happens against the process-wide counter before the shard lock is
// taken; the counters are then adjusted by new minus old under the lock.
func (e *MemoryEngine) Set(key string, value []byte) error {
	footprint := EntryFootprint(key, value)

	if e.totalMemory.Load()+footprint > e.maxMemory {
		return ErrMemoryExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s := e.shardFor(key)
	s.mu.Lock()
	var old uint64
	if prev, ok := s.data[key]; ok {
		old = EntryFootprint(key, prev)
	}
	s.data[key] = stored
	s.size.Add(footprint - old) // wraps correctly for negative deltas
	s.mu.Unlock()

	e.totalMemory.Add(footprint - old)
	e.totalOperations.Add(1)
	return nil
}

// Delete removes key and releases its footprint.
func (e *MemoryEngine) Delete(key string) bool {
	s := e.shardFor(key)
	s.mu.Lock()
	prev, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.data, key)
	footprint := EntryFootprint(key, prev)
	s.size.Add(^(footprint - 1))
	s.mu.Unlock()

	e.totalMemory.Add(^(footprint - 1))
	e.totalOperations.Add(1)
	return true
}

// Exists reports presence without perturbing hit/miss accounting.
func (e *MemoryEngine) Exists(key string) bool {
	s := e.shardFor(key)
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	return ok
}

// Scan collects keys with the given prefix, holding at most one shard
// read-lock at a time. Order is unspecified.
func (e *MemoryEngine) Scan(prefix string) []string {
	var keys []string
	for _, s := range e.shards {
		s.mu.RLock()
		for key := range s.data {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}

// Stats returns current counters. Key counts come from a per-shard sweep;
// the rest are atomics.
func (e *MemoryEngine) Stats() Stats {
	total := 0
	for _, s := range e.shards {
		s.mu.RLock()
		total += len(s.data)
		s.mu.RUnlock()
	}

	hits := e.hits.Load()
	misses := e.misses.Load()
	rate := 0.0
	if gets := hits + misses; gets > 0 {
		rate = float64(hits) / float64(gets)
	}

	return Stats{
		TotalKeys:       total,
		MemoryUsage:     e.totalMemory.Load(),
		HitRate:         rate,
		TotalOperations: e.totalOperations.Load(),
	}
}

// HealthCheck touches the first shard's lock to prove the engine is live.
func (e *MemoryEngine) HealthCheck() error {
	s := e.shards[0]
	s.mu.RLock()
	s.mu.RUnlock()
	return nil
}

// shardSizes returns each shard's byte counter. Test hook for the invariant
// that the process-wide counter equals the per-shard sum.
func (e *MemoryEngine) shardSizes() []uint64 {
	sizes := make([]uint64, len(e.shards))
	for i, s := range e.shards {
		sizes[i] = s.size.Load()
	}
	return sizes
}
