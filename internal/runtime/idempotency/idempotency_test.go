package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/internal/runtime/events"
)

func TestProcessOnceSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(nil, nil)
	evt := events.BaseEvent{ID: "evt-1", Type: events.NFTSale}

	var calls int
	handler := func(context.Context, events.BaseEvent) error {
		calls++
		return nil
	}

	ran, err := p.ProcessOnce(ctx, evt, handler)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = p.ProcessOnce(ctx, evt, handler)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)

	done, err := p.IsProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProcessOnceFailureLeavesIDUnmarked(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(NewMemoryStore(10), nil)
	evt := events.BaseEvent{ID: "evt-2"}
	boom := errors.New("boom")

	ran, err := p.ProcessOnce(ctx, evt, func(context.Context, events.BaseEvent) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)

	done, err := p.IsProcessed(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, done)

	ran, err = p.ProcessOnce(ctx, evt, func(context.Context, events.BaseEvent) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestProcessOnceConcurrentDuplicatesRunOnce(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(nil, nil)
	evt := events.BaseEvent{ID: "evt-3"}

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.ProcessOnce(ctx, evt, func(context.Context, events.BaseEvent) error {
				calls.Add(1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, p.locks.size())
}

func TestProcessOnceKeyScopesDedup(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(nil, nil)
	evt := events.BaseEvent{ID: "evt-4"}
	noop := func(context.Context, events.BaseEvent) error { return nil }

	ranA, err := p.ProcessOnceKey(ctx, "indexer/evt-4", evt, noop)
	require.NoError(t, err)
	ranB, err := p.ProcessOnceKey(ctx, "scorer/evt-4", evt, noop)
	require.NoError(t, err)

	assert.True(t, ranA)
	assert.True(t, ranB)
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(ctx, fmt.Sprintf("k%d", i)))
	}
	require.NoError(t, s.Add(ctx, "k4"))

	assert.Equal(t, 3, s.Len())
	for key, want := range map[string]bool{"k0": false, "k1": false, "k2": true, "k3": true, "k4": true} {
		got, err := s.Contains(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}

func TestMarkAsProcessed(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(nil, nil)
	require.NoError(t, p.MarkAsProcessed(ctx, "evt-5"))

	ran, err := p.ProcessOnce(ctx, events.BaseEvent{ID: "evt-5"}, func(context.Context, events.BaseEvent) error {
		t.Fatal("handler should not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

type failingAddStore struct {
	*MemoryStore
}

func (failingAddStore) Add(context.Context, string) error {
	return errors.New("store unavailable")
}

func TestProcessOnceMarkFailureReportsSuccess(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(failingAddStore{NewMemoryStore(10)}, nil)
	evt := events.BaseEvent{ID: "evt-8", Type: events.NFTSale}

	var calls int
	handler := func(context.Context, events.BaseEvent) error {
		calls++
		return nil
	}

	ran, err := p.ProcessOnce(ctx, evt, handler)
	require.NoError(t, err)
	assert.True(t, ran)

	// unmarked ids run again on redelivery
	ran, err = p.ProcessOnce(ctx, evt, handler)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, f.err)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, f.err)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, f.err)
}

func TestRedisStorePrefixesAndExpires(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{keys: map[string]time.Duration{}}
	s := NewRedisStoreWithClient(fake, "", time.Hour)

	require.NoError(t, s.Add(ctx, "evt-6"))
	assert.Equal(t, time.Hour, fake.keys["chainflow:processed:evt-6"])

	ok, err := s.Contains(ctx, "evt-6")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, s.Close())
}

func TestRedisStoreErrorsBlockProcessing(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{keys: map[string]time.Duration{}, err: errors.New("connection refused")}
	p := NewProcessor(NewRedisStoreWithClient(fake, "dedup:", time.Minute), nil)

	ran, err := p.ProcessOnce(ctx, events.BaseEvent{ID: "evt-7"}, func(context.Context, events.BaseEvent) error {
		t.Fatal("handler should not run when the store is unavailable")
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ran)
}
