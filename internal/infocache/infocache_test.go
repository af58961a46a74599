package infocache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStability(t *testing.T) {
	k1 := Key("https://a", "p", []string{"-f", "best"})
	k2 := Key("https://a", "p", []string{"best", "-f"})
	assert.Equal(t, k1, k2, "argument order must not change the key")

	assert.NotEqual(t, k1, Key("https://b", "p", []string{"-f", "best"}))
	assert.NotEqual(t, k1, Key("https://a", "q", []string{"-f", "best"}))
	assert.NotEqual(t, k1, Key("https://a", "p", nil))
}

func TestPutGetExpiry(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("k", map[string]any{"title": "x"}, time.Minute)

	r := c.Get("k")
	require.NotNil(t, r)
	assert.Equal(t, Hit, r.Status)
	assert.Equal(t, time.Minute, r.TTL)
	assert.Equal(t, "x", r.Info["title"])

	now = now.Add(2 * time.Minute)
	assert.Nil(t, c.Get("k"), "expired entries read as misses")
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New(2)
	c.Put("a", nil, time.Hour)
	c.Put("b", nil, time.Hour)
	require.NotNil(t, c.Get("a")) // a becomes most recently used
	c.Put("c", nil, time.Hour)    // evicts b

	assert.NotNil(t, c.Get("a"))
	assert.Nil(t, c.Get("b"))
	assert.NotNil(t, c.Get("c"))
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	release := make(chan struct{})

	compute := func() (map[string]any, error) {
		calls.Add(1)
		<-release
		return map[string]any{"n": 1}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}

	// Give the goroutines time to pile onto the flight, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "compute must run exactly once")
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 1, r.Info["n"])
	}

	r, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, Hit, r.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetOrComputeWaiterCancellation(t *testing.T) {
	c := New(10)
	release := make(chan struct{})

	compute := func() (map[string]any, error) {
		<-release
		return map[string]any{"done": true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The computation itself is not aborted; once it finishes, the value
	// lands in the cache for later callers.
	close(release)
	require.Eventually(t, func() bool { return c.Get("k") != nil }, time.Second, 5*time.Millisecond)
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	fail := errors.New("boom")

	_, err := c.GetOrCompute(context.Background(), "k", time.Minute, func() (map[string]any, error) {
		calls.Add(1)
		return nil, fail
	})
	require.ErrorIs(t, err, fail)
	assert.Nil(t, c.Get("k"))

	_, err = c.GetOrCompute(context.Background(), "k", time.Minute, func() (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "a failed computation must not poison the key")
}

func TestClear(t *testing.T) {
	c := New(10)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), nil, time.Hour)
	}
	require.Equal(t, 5, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
