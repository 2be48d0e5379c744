package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWalletQueue_SerializesPerWallet(t *testing.T) {
	q := NewWalletQueue(nil, 0, nil, discardLogger())
	ctx := context.Background()

	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var order []int

	for i := 0; i < 20; i++ {
		q.Enqueue(ctx, "wallet-a", func(context.Context) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		})
	}
	q.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWalletQueue_WalletsRunConcurrently(t *testing.T) {
	q := NewWalletQueue(nil, 0, nil, discardLogger())
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, w := range []string{"a", "b"} {
		q.Enqueue(ctx, w, func(context.Context) {
			started <- w
			<-release
		})
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case w := <-started:
			seen[w] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second wallet blocked by the first")
		}
	}
	close(release)
	q.Wait()
	assert.True(t, seen["a"] && seen["b"])
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	f.acquired++
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

func TestWalletQueue_UsesDistributedLock(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{}}
	q := NewWalletQueue(locks, time.Minute, nil, discardLogger())
	q.lockRetry = time.Millisecond

	// Another process holds the wallet lock for a while.
	unlock, err := locks.Acquire(context.Background(), "wallet:w1", time.Minute)
	require.NoError(t, err)

	var ran atomic.Bool
	q.Enqueue(context.Background(), "w1", func(context.Context) { ran.Store(true) })

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())

	unlock()
	q.Wait()
	assert.True(t, ran.Load())
	assert.Equal(t, 2, locks.acquired)
}
