package streamcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/perm"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

var (
	evictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitcdn_streamcache_evicted_total",
			Help: "Number of cache entries removed by the eviction pass",
		},
		[]string{"dir", "reason"},
	)

	cacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gitcdn_streamcache_bytes",
			Help: "Total size of the cache directory as seen by the last eviction pass",
		},
		[]string{"dir"},
	)
)

const (
	lockSuffix = ".lock"
	tmpSuffix  = ".tmp"

	// cleanLockName guards the eviction pass across worker processes.
	cleanLockName = "clean.lock"

	// tmpGracePeriod protects young tempfiles from the stale-tmp sweep. A
	// tempfile older than this has outlived any plausible production and
	// was left behind by a crashed worker.
	tmpGracePeriod = time.Hour

	// evictionInterval is how often the eviction pass may run.
	evictionInterval = time.Minute
)

var keyRegex = regexp.MustCompile(`^[0-9a-f]{6,64}$`)

// filestore maps cache keys to file paths below its directory and runs the
// eviction policy: total size bounded with LRU order by mtime, plus an
// optional maximum entry age.
type filestore struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	logger   logrus.FieldLogger

	throttle rate.Sometimes

	stopCh   chan struct{}
	stopOnce func()
}

func newFilestore(dir string, maxBytes int64, maxAge time.Duration, sleep func(time.Duration) <-chan time.Time, logger logrus.FieldLogger) *filestore {
	s := &filestore{
		dir:      dir,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		logger:   logger,
		throttle: rate.Sometimes{First: 1, Interval: evictionInterval},
		stopCh:   make(chan struct{}),
	}

	var stopped bool
	s.stopOnce = func() {
		if !stopped {
			stopped = true
			close(s.stopCh)
		}
	}

	go s.cleanLoop(sleep)

	return s
}

func (s *filestore) Stop() { s.stopOnce() }

// entryPath returns the final content path for a key. Keys fan out over
// 256 subdirectories by their first two hex digits so no single directory
// grows too large.
func (s *filestore) entryPath(key string) (string, error) {
	if !keyRegex.MatchString(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key[0:2], key), nil
}

func lockPath(entryPath string) string { return entryPath + lockSuffix }
func tmpPath(entryPath string) string  { return entryPath + tmpSuffix }

func (s *filestore) cleanLoop(sleep func(time.Duration) <-chan time.Time) {
	for {
		s.clean()

		select {
		case <-s.stopCh:
			return
		case <-sleep(evictionInterval):
		}
	}
}

// maybeClean runs the eviction pass unless one ran recently.
func (s *filestore) maybeClean() {
	s.throttle.Do(s.clean)
}

// clean enforces the size and age bounds. The pass is serialized across
// worker processes through clean.lock; losing the race simply means
// another worker is already cleaning.
func (s *filestore) clean() {
	if err := os.MkdirAll(s.dir, perm.SharedDir); err != nil {
		s.logger.WithError(err).Error("streamcache: create cache directory")
		return
	}

	lockFile, err := os.OpenFile(filepath.Join(s.dir, cleanLockName), os.O_CREATE|os.O_RDWR, perm.SharedFile)
	if err != nil {
		s.logger.WithError(err).Error("streamcache: open clean lock")
		return
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return // another worker is cleaning
		}
		s.logger.WithError(err).Error("streamcache: flock clean lock")
		return
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	now := time.Now()

	entries, totalSize := s.scan(now)
	cacheBytes.WithLabelValues(s.dir).Set(float64(totalSize))

	if s.maxAge > 0 {
		cutoff := now.Add(-s.maxAge)
		for _, e := range entries {
			if e.mtime.Before(cutoff) {
				if s.remove(e.path) {
					totalSize -= e.size
					e.removed = true
					evictedTotal.WithLabelValues(s.dir, "age").Inc()
				}
			}
		}
	}

	if s.maxBytes <= 0 || totalSize <= s.maxBytes {
		return
	}

	// LRU: oldest mtime goes first.
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	for _, e := range entries {
		if totalSize <= s.maxBytes {
			break
		}
		if e.removed {
			continue
		}
		if s.remove(e.path) {
			totalSize -= e.size
			evictedTotal.WithLabelValues(s.dir, "size").Inc()
		}
	}
}

type cacheEntry struct {
	path    string
	size    int64
	mtime   time.Time
	removed bool
}

// scan walks the cache directory, deletes stale tempfiles and returns the
// installed entries.
func (s *filestore) scan(now time.Time) ([]*cacheEntry, int64) {
	var entries []*cacheEntry
	var totalSize int64

	walkErr := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Entries may disappear mid-walk, that is normal operation.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if name == cleanLockName || strings.HasSuffix(name, lockSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if strings.HasSuffix(name, tmpSuffix) {
			if now.Sub(info.ModTime()) > tmpGracePeriod {
				s.removeStaleTmp(path)
			}
			return nil
		}

		entries = append(entries, &cacheEntry{path: path, size: info.Size(), mtime: info.ModTime()})
		totalSize += info.Size()
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		s.logger.WithError(walkErr).Error("streamcache: walk cache directory")
	}

	return entries, totalSize
}

// remove unlinks a cache entry and its lock file. Entries whose lock is
// held (a producer is rebuilding them, or a sibling worker is installing)
// are skipped; the next pass retries. Readers that already hold an open
// file descriptor keep reading the unlinked inode.
func (s *filestore) remove(entryPath string) bool {
	lockFile, err := os.OpenFile(lockPath(entryPath), os.O_CREATE|os.O_RDWR, perm.SharedFile)
	if err != nil {
		s.logger.WithError(err).Warn("streamcache: open entry lock for eviction")
		return false
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false // entry is busy
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	if err := os.Remove(entryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).Warn("streamcache: evict entry")
		return false
	}
	_ = os.Remove(lockPath(entryPath))

	s.logger.WithField("path", entryPath).Debug("streamcache: evicted entry")
	return true
}

// removeStaleTmp deletes a tempfile left behind by a crashed worker. The
// entry lock guards against racing an active producer.
func (s *filestore) removeStaleTmp(path string) {
	entryPath := strings.TrimSuffix(path, tmpSuffix)

	lockFile, err := os.OpenFile(lockPath(entryPath), os.O_CREATE|os.O_RDWR, perm.SharedFile)
	if err != nil {
		return
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	if err := os.Remove(path); err == nil {
		s.logger.WithField("path", path).Warn("streamcache: removed stale tempfile")
	}
}
