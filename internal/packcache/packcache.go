// Package packcache stores the pack streams git-upload-pack produces for
// v2 fetch commands, keyed by the fetch fingerprint. It is a thin
// specialization of streamcache: same single-flight and fan-out
// semantics, plus a validity check for the pkt-line framing of installed
// packs.
package packcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
	"gitlab.com/gitlab-org/git-cdn/internal/streamcache"
)

// Cache is the pack cache.
type Cache struct {
	stream *streamcache.Cache
}

// New builds the pack cache below dir with the given bounds.
func New(dir string, maxBytes int64, maxAge time.Duration, locker *pathlock.Manager, logger logrus.FieldLogger) *Cache {
	return &Cache{
		stream: streamcache.New(streamcache.Config{
			Dir:      dir,
			MaxBytes: maxBytes,
			MaxAge:   maxAge,
			Validate: validatePack,
		}, locker, logger),
	}
}

// Stop stops background maintenance.
func (c *Cache) Stop() { c.stream.Stop() }

// Serve streams the pack for the given fingerprint to dst, producing it
// at most once across all concurrent callers and worker processes.
func (c *Cache) Serve(ctx context.Context, fingerprint string, dst io.Writer, produce func(context.Context, io.Writer) error) (written int64, created bool, err error) {
	return c.stream.Fetch(ctx, fingerprint, dst, produce)
}

// validatePack rejects cached packs that do not end with a flush packet.
// git-upload-pack terminates every stateless-rpc response with one, so
// anything else is a truncated or corrupted entry that must be rebuilt
// rather than served.
func validatePack(path string, info os.FileInfo) error {
	if info.Size() < 4 {
		return fmt.Errorf("pack cache entry too short: %d bytes", info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-4); err != nil {
		return err
	}
	if string(trailer[:]) != "0000" {
		return fmt.Errorf("pack cache entry missing terminating flush packet")
	}

	return nil
}
