package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, maxMemory uint64) *MemoryEngine {
	t.Helper()
	return NewMemoryEngine(16, maxMemory, nil)
}

func TestSetGetDelete(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	require.NoError(t, e.Set("foo", []byte("bar")))

	value, ok := e.Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), value)

	assert.True(t, e.Exists("foo"))
	assert.True(t, e.Delete("foo"))
	assert.False(t, e.Exists("foo"))

	_, ok = e.Get("foo")
	assert.False(t, ok)

	assert.False(t, e.Delete("foo"))
}

func TestLastWriteWins(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	require.NoError(t, e.Set("k", []byte("v1")))
	require.NoError(t, e.Set("k", []byte("v2")))

	value, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	assert.Equal(t, 1, e.Stats().TotalKeys)
}

func TestGetReturnsCopy(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	require.NoError(t, e.Set("k", []byte("abc")))

	value, ok := e.Get("k")
	require.True(t, ok)
	value[0] = 'x'

	again, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), again)
}

func TestScanPrefix(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	require.NoError(t, e.Set("user:1", []byte("a")))
	require.NoError(t, e.Set("user:2", []byte("b")))
	require.NoError(t, e.Set("other", []byte("c")))

	keys := e.Scan("user:")
	sort.Strings(keys)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	all := e.Scan("")
	assert.Len(t, all, 3)

	assert.Empty(t, e.Scan("missing:"))
}

func TestMemoryAdmission(t *testing.T) {
	const maxMemory = 1024
	e := newTestEngine(t, maxMemory)

	value := make([]byte, 50)
	var rejected bool
	for i := 0; i < 100; i++ {
		err := e.Set(fmt.Sprintf("k_%d", i), value)
		if err != nil {
			require.True(t, errors.Is(err, ErrMemoryExceeded))
			rejected = true
			break
		}
	}
	require.True(t, rejected, "expected a set to be rejected")

	st := e.Stats()
	assert.LessOrEqual(t, st.MemoryUsage, uint64(maxMemory))
}

func TestRejectedSetLeavesStateUnchanged(t *testing.T) {
	e := newTestEngine(t, 200)
	require.NoError(t, e.Set("k", []byte("small")))
	before := e.Stats()

	err := e.Set("big", make([]byte, 500))
	require.ErrorIs(t, err, ErrMemoryExceeded)

	after := e.Stats()
	assert.Equal(t, before.TotalKeys, after.TotalKeys)
	assert.Equal(t, before.MemoryUsage, after.MemoryUsage)
	assert.False(t, e.Exists("big"))
}

func TestMemoryCountersConverge(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	require.NoError(t, e.Set("a", []byte("1234")))
	require.NoError(t, e.Set("b", []byte("12345678")))
	require.NoError(t, e.Set("a", []byte("12"))) // shrink in place
	require.True(t, e.Delete("b"))

	expected := EntryFootprint("a", []byte("12"))
	st := e.Stats()
	assert.Equal(t, expected, st.MemoryUsage)

	var shardSum uint64
	for _, size := range e.shardSizes() {
		shardSum += size
	}
	assert.Equal(t, st.MemoryUsage, shardSum)
}

func TestHitRate(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	assert.Equal(t, 0.0, e.Stats().HitRate)

	require.NoError(t, e.Set("k", []byte("v")))
	e.Get("k")      // hit
	e.Get("absent") // miss
	e.Get("k")      // hit

	assert.InDelta(t, 2.0/3.0, e.Stats().HitRate, 1e-9)

	// Mutations and exists checks do not perturb the rate.
	e.Exists("k")
	require.True(t, e.Delete("k"))
	assert.InDelta(t, 2.0/3.0, e.Stats().HitRate, 1e-9)
}

func TestTotalOperations(t *testing.T) {
	e := newTestEngine(t, 1<<20)

	require.NoError(t, e.Set("k", []byte("v"))) // 1
	e.Get("k")                                  // 2
	e.Get("absent")                             // 3
	require.True(t, e.Delete("k"))              // 4
	e.Delete("k")                               // rejected delete, not counted

	assert.Equal(t, uint64(4), e.Stats().TotalOperations)
}

func TestConcurrentWriters(t *testing.T) {
	e := newTestEngine(t, 64<<20)

	const goroutines = 8
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				key := fmt.Sprintf("g%d:k%d", g, i)
				if err := e.Set(key, []byte("value")); err != nil {
					t.Error(err)
					return
				}
				if _, ok := e.Get(key); !ok {
					t.Errorf("key %s missing after set", key)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	st := e.Stats()
	assert.Equal(t, goroutines*perGoroutine, st.TotalKeys)

	var shardSum uint64
	for _, size := range e.shardSizes() {
		shardSum += size
	}
	assert.Equal(t, st.MemoryUsage, shardSum)
}

func TestHealthCheck(t *testing.T) {
	e := newTestEngine(t, 1<<20)
	assert.NoError(t, e.HealthCheck())
}
