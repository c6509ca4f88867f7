package rwlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultipleReadersConcurrent(t *testing.T) {
	l := New()
	ctx := context.Background()

	rel1, err := l.RLock(ctx)
	require.NoError(t, err)
	rel2, err := l.RLock(ctx)
	require.NoError(t, err)

	s := l.Stats()
	assert.Equal(t, 2, s.ActiveReaders)

	rel1()
	rel2()
	s = l.Stats()
	assert.Equal(t, 0, s.ActiveReaders)
}

func TestWriterExcludesReaders(t *testing.T) {
	l := New()
	ctx := context.Background()

	relW, err := l.Lock(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.RLock(shortCtx)
	assert.ErrorIs(t, err, ErrTimeout)

	relW()
}

func TestUpgradeAlwaysFails(t *testing.T) {
	l := New()
	ctx := context.Background()
	rel, err := l.RLock(ctx)
	require.NoError(t, err)
	defer rel()

	err = l.Upgrade(ctx)
	assert.ErrorIs(t, err, ErrLockUpgrade)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New()
	rel, err := l.Lock(context.Background())
	require.NoError(t, err)
	rel()
	assert.NotPanics(t, func() { rel() })
}

// TestWriterFairness reproduces scenario S6: with many readers cycling
// through the lock and one writer waiting, the writer must acquire
// within a bounded number of reader cycles, never starving forever.
func TestWriterFairness(t *testing.T) {
	l := New()
	stop := make(chan struct{})
	var cycles atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				rel, err := l.RLock(ctx)
				cancel()
				if err != nil {
					continue
				}
				cycles.Add(1)
				rel()
			}
		}()
	}

	// Let readers spin for a bit before the writer shows up.
	time.Sleep(5 * time.Millisecond)

	writerCtx, writerCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writerCancel()
	start := cycles.Load()
	rel, err := l.Lock(writerCtx)
	require.NoError(t, err, "writer must not starve")
	rel()

	close(stop)
	wg.Wait()

	// Sanity: readers did make progress, the writer wasn't just lucky
	// because nobody else was running.
	assert.Greater(t, start, int64(0))
}

func TestContextCancelDuringReaderWaitRemovesWaiter(t *testing.T) {
	l := New()
	relW, err := l.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := l.RLock(ctx)
		assert.ErrorIs(t, err, ErrTimeout)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	relW()
	s := l.Stats()
	assert.Equal(t, 0, s.ReadersWaiting)
}
