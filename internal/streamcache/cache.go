// Package streamcache provides a content-addressed cache for large byte
// streams (packs in the order of gigabytes, LFS blobs). Entries can be
// streamed on the read end before they have finished on the write end:
// concurrent requests for the same key cost exactly one production, with
// every caller receiving the full stream from offset 0.
//
// The cache has 3 main parts: Cache (lookup and single-flight), filestore
// (content files on disk, eviction) and pipe (coordinated IO to one file
// between one writer and multiple readers).
//
// The filesystem is authoritative: every hit/miss decision consults the
// cache directory, which may be shared between worker processes and even
// machines. Mutations are guarded by per-entry file locks (pathlock);
// in-flight productions additionally register in an in-process index so
// that concurrent local requests fan out from the producing writer
// instead of queueing on the lock.
//
// # Eviction
//
// A goroutine periodically wakes up and enforces the configured size and
// age bounds, oldest access time first. This is safe because Unix file
// semantics guarantee that readers/writers that are still using those
// files can keep using them. The same pass deletes tempfiles left behind
// by crashed workers.
package streamcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gitcdn_streamcache_requests_total",
		Help: "Number of cache requests, by outcome",
	},
	[]string{"dir", "outcome"},
)

// Validator checks an installed cache file before it is served. Returning
// an error makes the lookup treat the entry as absent and rebuild it.
type Validator func(path string, info os.FileInfo) error

// Config ties a Cache to its directory and bounds.
type Config struct {
	// Dir is the cache directory, created on demand.
	Dir string
	// MaxBytes bounds the total size of installed entries; 0 disables the
	// size bound.
	MaxBytes int64
	// MaxAge bounds the age of installed entries relative to their last
	// use; 0 disables the age bound.
	MaxAge time.Duration
	// Validate, when set, vets entries on cache hits.
	Validate Validator
}

// Cache is a cache for large byte streams.
type Cache struct {
	cfg    Config
	locker *pathlock.Manager
	store  *filestore
	logger logrus.FieldLogger

	m        sync.Mutex
	inflight map[string]*entry
}

type entry struct {
	pipe   *pipe
	waiter *waiter
}

// New returns a new cache instance backed by dir.
func New(cfg Config, locker *pathlock.Manager, logger logrus.FieldLogger) *Cache {
	return newCacheWithSleep(cfg, locker, time.After, logger)
}

func newCacheWithSleep(cfg Config, locker *pathlock.Manager, sleep func(time.Duration) <-chan time.Time, logger logrus.FieldLogger) *Cache {
	return &Cache{
		cfg:      cfg,
		locker:   locker,
		store:    newFilestore(cfg.Dir, cfg.MaxBytes, cfg.MaxAge, sleep, logger),
		logger:   logger,
		inflight: make(map[string]*entry),
	}
}

// Stop stops the cleanup goroutine of the cache. In-flight productions run
// to completion.
func (c *Cache) Stop() { c.store.Stop() }

// EntryPath returns the path an installed entry for key has, whether or
// not it currently exists.
func (c *Cache) EntryPath(key string) (string, error) { return c.store.entryPath(key) }

// Fetch delivers the content for key to dst. If no entry exists, create is
// called exactly once (per cache directory, across processes) with a
// writer producing the new entry; concurrent callers receive the stream as
// it is being written. The created return value reports whether this call
// triggered the production. In case of a non-nil error return, the create
// callback may still be running for the benefit of other callers.
func (c *Cache) Fetch(ctx context.Context, key string, dst io.Writer, create func(context.Context, io.Writer) error) (written int64, created bool, err error) {
	path, err := c.store.entryPath(key)
	if err != nil {
		return 0, false, err
	}

	// Join an in-flight local production if there is one.
	if n, joined, err := c.join(ctx, key, dst); joined {
		requestsTotal.WithLabelValues(c.cfg.Dir, "join").Inc()
		return n, false, err
	}

	// Installed entry on disk?
	if n, hit, err := c.serveFromDisk(path, dst); hit {
		requestsTotal.WithLabelValues(c.cfg.Dir, "hit").Inc()
		return n, false, err
	}

	lock, err := c.locker.Acquire(ctx, lockPath(path))
	if err != nil {
		return 0, false, err
	}

	// Another worker may have produced the entry while we waited.
	if n, hit, err := c.serveFromDisk(path, dst); hit {
		lock.Release()
		requestsTotal.WithLabelValues(c.cfg.Dir, "hit_after_wait").Inc()
		return n, false, err
	}

	// Still absent: we are the producer.
	reader, wt, err := c.startProduction(ctx, key, path, lock, create)
	if err != nil {
		lock.Release()
		return 0, false, err
	}
	defer reader.Close()

	requestsTotal.WithLabelValues(c.cfg.Dir, "miss").Inc()

	written, err = io.Copy(dst, reader)
	if err != nil {
		return written, true, err
	}

	return written, true, wt.Wait(ctx)
}

// join attaches to an in-flight production of key, if any.
func (c *Cache) join(ctx context.Context, key string, dst io.Writer) (int64, bool, error) {
	c.m.Lock()
	e := c.inflight[key]
	var reader io.ReadCloser
	if e != nil {
		var err error
		reader, err = e.pipe.OpenReader(ctx)
		if err != nil {
			// The tempfile vanished under us; fall back to a fresh lookup.
			c.m.Unlock()
			c.logger.WithError(err).Warn("streamcache: join in-flight entry")
			return 0, false, nil
		}
	}
	c.m.Unlock()

	if reader == nil {
		return 0, false, nil
	}
	defer reader.Close()

	n, err := io.Copy(dst, reader)
	if err != nil {
		return n, true, err
	}

	return n, true, e.waiter.Wait(ctx)
}

func (c *Cache) serveFromDisk(path string, dst io.Writer) (int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.WithError(err).Error("streamcache: open cache entry")
		}
		return 0, false, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, nil
	}

	if c.cfg.Validate != nil {
		if err := c.cfg.Validate(path, info); err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("streamcache: discarding invalid cache entry")
			return 0, false, nil
		}
	}

	// LRU clock: a hit refreshes the entry's position.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.WithError(err).Warn("streamcache: touch cache entry")
	}

	n, err := io.Copy(dst, f)
	return n, true, err
}

// startProduction creates the tempfile, registers the in-flight entry and
// spawns the producer goroutine. The caller's lock is released by the
// producer once the entry is installed or discarded.
func (c *Cache) startProduction(ctx context.Context, key, path string, lock *pathlock.Lock, create func(context.Context, io.Writer) error) (io.ReadCloser, *waiter, error) {
	tmp := tmpPath(path)

	// We hold the entry lock, so a leftover tempfile belongs to a crashed
	// worker and is safe to overwrite.
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("create cache tempfile: %w", err)
	}

	// Production is detached from the triggering request: if that client
	// disconnects while others are attached, the build keeps going. Only
	// when the last reader detaches is the production canceled.
	produceCtx, cancel := context.WithCancel(context.Background())

	p := newPipe(f, cancel)
	e := &entry{pipe: p, waiter: newWaiter()}

	c.m.Lock()
	c.inflight[key] = e
	c.m.Unlock()

	reader, err := p.OpenReader(ctx)
	if err != nil {
		c.m.Lock()
		delete(c.inflight, key)
		c.m.Unlock()
		_ = f.Close()
		_ = os.Remove(tmp)
		cancel()
		return nil, nil, fmt.Errorf("open cache tempfile: %w", err)
	}

	go func() {
		defer cancel()

		err := runCreate(produceCtx, p, create)
		if err == nil {
			err = c.install(f, tmp, path)
		}

		if err != nil {
			c.logger.WithError(err).WithField("key", key).Error("streamcache: create cache entry")
			_ = os.Remove(tmp)
		}

		// Remove the in-flight entry before waking waiters so that no new
		// reader can attach to a failed pipe.
		c.m.Lock()
		delete(c.inflight, key)
		c.m.Unlock()

		p.closeWithError(err)
		e.waiter.SetError(err)
		lock.Release()

		c.store.maybeClean()
	}()

	return reader, e.waiter, nil
}

// install makes the produced tempfile visible at its final path. The
// fsync-then-rename sequence guarantees no reader ever observes a partial
// entry under the final path.
func (c *Cache) install(f *os.File, tmp, path string) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync cache tempfile: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install cache entry: %w", err)
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)

	return nil
}

func runCreate(ctx context.Context, w io.Writer, create func(context.Context, io.Writer) error) (err error) {
	// Catch panics because this function runs in a goroutine. An uncaught
	// panic would crash the whole process.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	return create(ctx, w)
}

type waiter struct {
	done chan struct{}
	err  error
}

func newWaiter() *waiter { return &waiter{done: make(chan struct{})} }

func (w *waiter) SetError(err error) {
	w.err = err
	close(w.done)
}

func (w *waiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.err
	}
}
