package pathlock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/git-cdn/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestAcquire_mutualExclusion(t *testing.T) {
	ctx := testhelper.Context(t)
	manager := NewManager(time.Minute)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	const workers = 10

	var mu sync.Mutex
	var active, maxActive int

	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock, err := manager.Acquire(ctx, path)
			if err != nil {
				errCh <- err
				return
			}
			defer lock.Release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Equal(t, 1, maxActive, "no two holders may overlap")
}

func TestAcquire_crossManager(t *testing.T) {
	// Two managers stand in for two worker processes sharing the cache
	// directory: their exclusion happens through flock alone.
	ctx := testhelper.Context(t)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	first := NewManager(time.Minute)
	second := NewManager(100 * time.Millisecond)

	lock, err := first.Acquire(ctx, path)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, path)
	require.ErrorIs(t, err, ErrTimeout)

	lock.Release()

	reacquired, err := second.Acquire(ctx, path)
	require.NoError(t, err)
	reacquired.Release()
}

func TestAcquire_timeout(t *testing.T) {
	ctx := testhelper.Context(t)
	manager := NewManager(50 * time.Millisecond)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	lock, err := manager.Acquire(ctx, path)
	require.NoError(t, err)
	defer lock.Release()

	start := time.Now()
	_, err = manager.Acquire(ctx, path)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestAcquire_contextCancellation(t *testing.T) {
	manager := NewManager(time.Minute)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	ctx, cancel := context.WithCancel(testhelper.Context(t))

	lock, err := manager.Acquire(ctx, path)
	require.NoError(t, err)
	defer lock.Release()

	errCh := make(chan error, 1)
	go func() {
		_, err := manager.Acquire(ctx, path)
		errCh <- err
	}()

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRelease_idempotent(t *testing.T) {
	ctx := testhelper.Context(t)
	manager := NewManager(time.Minute)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	lock, err := manager.Acquire(ctx, path)
	require.NoError(t, err)

	lock.Release()
	lock.Release()

	again, err := manager.Acquire(ctx, path)
	require.NoError(t, err)
	again.Release()
}

func TestManager_entryRemovedWhenIdle(t *testing.T) {
	ctx := testhelper.Context(t)
	manager := NewManager(time.Minute)
	path := filepath.Join(testhelper.TempDir(t), "entry.lock")

	lock, err := manager.Acquire(ctx, path)
	require.NoError(t, err)

	manager.mu.Lock()
	require.Len(t, manager.locks, 1)
	manager.mu.Unlock()

	lock.Release()

	manager.mu.Lock()
	require.Empty(t, manager.locks, "idle paths must not accumulate in the lock map")
	manager.mu.Unlock()
}
