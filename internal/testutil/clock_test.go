package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_OnlyMovesWhenAdvanced(t *testing.T) {
	clock := NewFakeClock()

	first := clock.Now()
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, first, clock.Now())

	got := clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, Epoch.Add(1500*time.Millisecond), got)
	assert.Equal(t, got, clock.Now())
}

func TestFakeClock_SetAndReset(t *testing.T) {
	clock := NewFakeClockAt(time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2030, clock.Now().Year())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock()
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*time.Second), clock.Now())
}
