// Package pathlock provides named exclusive locks whose identity is a
// filesystem path. A lock excludes concurrent goroutines within this
// process and, via flock on the lock file, other worker processes sharing
// the same cache directory.
package pathlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gitlab.com/gitlab-org/git-cdn/internal/backoff"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/perm"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a lock could not be acquired within the
// manager's acquire timeout. Callers surface it as 503 with Retry-After.
var ErrTimeout = errors.New("timed out waiting for path lock")

// DefaultAcquireTimeout bounds how long Acquire waits before giving up.
const DefaultAcquireTimeout = 5 * time.Minute

// Manager hands out per-path locks. Entries for paths nobody holds or
// waits on are removed from the in-process map.
type Manager struct {
	mu             sync.Mutex
	locks          map[string]*pathLock
	acquireTimeout time.Duration
	retry          backoff.Policy
}

type pathLock struct {
	refs int
	sem  chan struct{}
}

// NewManager returns a Manager with the given acquire timeout. A timeout
// of zero means DefaultAcquireTimeout.
func NewManager(acquireTimeout time.Duration) *Manager {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	return &Manager{
		locks:          make(map[string]*pathLock),
		acquireTimeout: acquireTimeout,
		// Flock polling wants to stay responsive: locks are usually
		// released within milliseconds.
		retry: backoff.Policy{Start: 10 * time.Millisecond, Cap: time.Second},
	}
}

// Lock is a handle for an acquired path lock. It must be released exactly
// once; Release always succeeds.
type Lock struct {
	manager *Manager
	path    string
	entry   *pathLock
	file    *os.File
	once    sync.Once
}

func (m *Manager) ref(path string) *pathLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl := m.locks[path]
	if pl == nil {
		pl = &pathLock{sem: make(chan struct{}, 1)}
		m.locks[path] = pl
	}
	pl.refs++
	return pl
}

func (m *Manager) unref(path string, pl *pathLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl.refs--
	if pl.refs == 0 {
		delete(m.locks, path)
	}
}

// Acquire takes the exclusive lock identified by path. It suspends the
// caller until the lock is held, the manager's timeout expires
// (ErrTimeout), or ctx is canceled. The lock file and its parent
// directory are created as needed.
func (m *Manager) Acquire(ctx context.Context, path string) (*Lock, error) {
	path = filepath.Clean(path)
	pl := m.ref(path)

	deadline := time.NewTimer(m.acquireTimeout)
	defer deadline.Stop()

	// In-process exclusivity first: the flock below is per file
	// description, two goroutines of this process would not exclude each
	// other through it.
	select {
	case pl.sem <- struct{}{}:
	case <-deadline.C:
		m.unref(path, pl)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.unref(path, pl)
		return nil, ctx.Err()
	}

	file, err := m.flock(ctx, path, deadline.C)
	if err != nil {
		<-pl.sem
		m.unref(path, pl)
		return nil, err
	}

	return &Lock{manager: m, path: path, entry: pl, file: file}, nil
}

// flock takes the cross-process advisory lock. Blocking flock cannot be
// interrupted, so it polls with LOCK_NB and exponential backoff instead.
func (m *Manager) flock(ctx context.Context, path string, deadline <-chan time.Time) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), perm.SharedDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, perm.SharedFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for retries := uint(0); ; retries++ {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			_ = file.Close()
			return nil, fmt.Errorf("flock %q: %w", path, err)
		}

		wait := time.NewTimer(m.retry.Delay(retries))
		select {
		case <-wait.C:
		case <-deadline:
			wait.Stop()
			_ = file.Close()
			return nil, ErrTimeout
		case <-ctx.Done():
			wait.Stop()
			_ = file.Close()
			return nil, ctx.Err()
		}
	}
}

// Release drops the lock. Releasing twice is a no-op.
func (l *Lock) Release() {
	l.once.Do(func() {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		_ = l.file.Close()
		<-l.entry.sem
		l.manager.unref(l.path, l.entry)
	})
}

// Path returns the lock's identity.
func (l *Lock) Path() string { return l.path }
