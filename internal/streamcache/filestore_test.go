package streamcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/testhelper"
	"golang.org/x/sys/unix"
)

// newIdleFilestore returns a filestore whose background loop runs its
// startup pass and then never fires again, so the tests drive clean() by
// hand.
func newIdleFilestore(t *testing.T, dir string, maxBytes int64, maxAge time.Duration) *filestore {
	t.Helper()

	neverFire := func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	s := newFilestore(dir, maxBytes, maxAge, neverFire, log.DiscardLogger())
	t.Cleanup(s.Stop)
	return s
}

func writeEntry(t *testing.T, s *filestore, name, content string, mtime time.Time) string {
	t.Helper()

	path, err := s.entryPath(testKey(name))
	require.NoError(t, err)
	testhelper.WriteFile(t, path, []byte(content))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestClean_sizeBoundLRU(t *testing.T) {
	dir := testhelper.TempDir(t)
	s := newIdleFilestore(t, dir, 25, 0)

	now := time.Now()
	oldest := writeEntry(t, s, "oldest", "0123456789", now.Add(-3*time.Hour))
	middle := writeEntry(t, s, "middle", "0123456789", now.Add(-2*time.Hour))
	newest := writeEntry(t, s, "newest", "0123456789", now.Add(-time.Hour))

	s.clean()

	require.NoFileExists(t, oldest, "LRU eviction removes the oldest entry first")
	require.FileExists(t, middle)
	require.FileExists(t, newest)
}

func TestClean_ageBound(t *testing.T) {
	dir := testhelper.TempDir(t)
	s := newIdleFilestore(t, dir, 0, time.Hour)

	now := time.Now()
	expired := writeEntry(t, s, "expired", "x", now.Add(-2*time.Hour))
	fresh := writeEntry(t, s, "fresh", "x", now)

	s.clean()

	require.NoFileExists(t, expired)
	require.FileExists(t, fresh)
}

func TestClean_skipsLockedEntries(t *testing.T) {
	dir := testhelper.TempDir(t)
	s := newIdleFilestore(t, dir, 0, time.Hour)

	now := time.Now()
	busy := writeEntry(t, s, "busy", "x", now.Add(-2*time.Hour))

	// Simulate a producer holding the entry lock.
	lockFile, err := os.OpenFile(lockPath(busy), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer lockFile.Close()
	require.NoError(t, unix.Flock(int(lockFile.Fd()), unix.LOCK_EX))
	defer func() { require.NoError(t, unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)) }()

	s.clean()

	require.FileExists(t, busy, "eviction must skip entries locked for production")
}

func TestClean_staleTmpSweep(t *testing.T) {
	dir := testhelper.TempDir(t)
	s := newIdleFilestore(t, dir, 0, 0)

	path, err := s.entryPath(testKey("with tempfiles"))
	require.NoError(t, err)

	stale := tmpPath(path)
	testhelper.WriteFile(t, stale, []byte("leftover"))
	old := time.Now().Add(-2 * tmpGracePeriod)
	require.NoError(t, os.Chtimes(stale, old, old))

	freshPath, err := s.entryPath(testKey("young tempfile"))
	require.NoError(t, err)
	fresh := tmpPath(freshPath)
	testhelper.WriteFile(t, fresh, []byte("in progress"))

	s.clean()

	require.NoFileExists(t, stale, "tempfiles beyond the grace period are swept")
	require.FileExists(t, fresh, "young tempfiles belong to active producers")
}

func TestClean_openReadersSurviveEviction(t *testing.T) {
	ctx := testhelper.Context(t)
	dir := testhelper.TempDir(t)
	c := newTestCache(t, Config{Dir: dir})

	key := testKey("evicted while reading")
	_, _, err := c.Fetch(ctx, key, io.Discard, writeString("survivor"))
	require.NoError(t, err)

	path, err := c.EntryPath(key)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	// Evict everything.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	c.store.maxAge = time.Minute
	c.store.clean()
	require.NoFileExists(t, path)

	// The open descriptor still reads the full content from the unlinked
	// inode.
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "survivor", string(content))
}

func TestEntryPath_layout(t *testing.T) {
	dir := testhelper.TempDir(t)
	s := newIdleFilestore(t, dir, 0, 0)

	key := testKey("layout")
	path, err := s.entryPath(key)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, key[0:2], key), path)

	for _, invalid := range []string{"", "xy", "UPPERCASE", "../../etc/passwd", "zz/../zz"} {
		_, err := s.entryPath(invalid)
		require.Error(t, err, "key %q must be rejected", invalid)
	}
}

func TestPipe_readerFollowsWriter(t *testing.T) {
	ctx := testhelper.Context(t)
	dir := testhelper.TempDir(t)

	f, err := os.OpenFile(filepath.Join(dir, "pipe.tmp"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	p := newPipe(f, nil)

	reader, err := p.OpenReader(ctx)
	require.NoError(t, err)
	defer reader.Close()

	_, err = p.Write([]byte("first "))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	require.Equal(t, "first ", string(buf))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Write([]byte("second"))
		require.NoError(t, err)
		p.closeWithError(nil)
	}()

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "second", string(rest))
	<-done
}

func TestPipe_abandonFiresOnce(t *testing.T) {
	ctx := testhelper.Context(t)
	dir := testhelper.TempDir(t)

	f, err := os.OpenFile(filepath.Join(dir, "pipe.tmp"), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)

	abandoned := make(chan struct{})
	p := newPipe(f, func() { close(abandoned) })

	r1, err := p.OpenReader(ctx)
	require.NoError(t, err)
	r2, err := p.OpenReader(ctx)
	require.NoError(t, err)

	require.NoError(t, r1.Close())
	select {
	case <-abandoned:
		t.Fatal("abandon callback fired while a reader was still attached")
	default:
	}

	require.NoError(t, r2.Close())
	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("abandon callback did not fire when the last reader left")
	}

	p.closeWithError(context.Canceled)
}