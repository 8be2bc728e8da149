package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, 0)
	assert.Equal(t, DefaultEpoch, clock.Now())
	assert.Equal(t, int64(1), clock.Readings())
}

func TestDeterministicClock_AdvancesByStep(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := NewDeterministicClock(start, time.Minute)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Minute), clock.Now())
	assert.Equal(t, start.Add(2*time.Minute), clock.Now())
}

func TestDeterministicClock_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := NewDeterministicClock(time.Date(2025, 6, 1, 10, 0, 0, 0, loc), time.Second)

	got := clock.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 8, got.Hour())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, time.Second)

	// Advance clock
	clock.Now()
	clock.Now()
	clock.Now()
	assert.Equal(t, int64(3), clock.Readings())

	// Reset
	clock.Reset()
	assert.Equal(t, int64(0), clock.Readings())

	// First call after reset returns the start again
	assert.Equal(t, DefaultEpoch, clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(time.Time{}, time.Second)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]time.Time, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]time.Time, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = clock.Now()
			}
		}(i)
	}

	wg.Wait()

	seen := make(map[time.Time]bool)
	for i := 0; i < numGoroutines; i++ {
		for j := 0; j < callsPerGoroutine; j++ {
			val := results[i][j]
			require.False(t, seen[val], "duplicate reading %s", val)
			seen[val] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}
