package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, Key("vol_1", "evt_1"))
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write: lost updates show up if exclusion breaks.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	l := NewKeyLock()

	unlock, err := l.Lock(context.Background(), "held")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = l.Lock(ctx, "held")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_UnlockAllowsNext(t *testing.T) {
	l := NewKeyLock()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after release")
	}
}

func TestKeyLock_SingleShard(t *testing.T) {
	l := NewKeyLockShards(0)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "b")
	assert.Error(t, err, "every key shares the only shard")
	unlock()
}

func TestKey(t *testing.T) {
	assert.Equal(t, "vol_1|evt_2", Key("vol_1", "evt_2"))
}
