// Package lfs caches Git LFS objects and rewrites LFS batch API
// responses so that clients download blobs from git-cdn instead of the
// upstream. Blobs are content addressed by their SHA-256 oid; an entry is
// installed into the cache only after its digest and size have been
// verified against what the batch API advertised.
package lfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/git-lfs/git-lfs/v3/tq"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/streamcache"
	"gitlab.com/gitlab-org/git-cdn/internal/upstream"
)

// BatchMediaType is the content type of the LFS batch API.
const BatchMediaType = "application/vnd.git-lfs+json"

// hrefMemoSize bounds the in-process memo of recently advertised download
// actions. The memo is an optimization, not a source of truth: a miss
// falls back to a fresh batch request.
const hrefMemoSize = 4096

var (
	objectsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitcdn_lfs_objects_served_total",
			Help: "Number of LFS objects served, by cache outcome",
		},
		[]string{"outcome"},
	)

	// ErrChecksum marks a downloaded object whose content did not hash to
	// its oid or whose size did not match the advertised one. The partial
	// file is discarded; a client that has not received any bytes yet gets
	// a 502, one that is already streaming has its transfer aborted.
	ErrChecksum = errors.New("lfs object failed checksum verification")

	// ErrNoDownloadAction is returned when neither the memo nor a fresh
	// batch request yields a download URL for an oid.
	ErrNoDownloadAction = errors.New("no download action known for lfs object")
)

type downloadAction struct {
	Href   string
	Header map[string]string
	Size   int64
}

// Manager is the LFS object cache and batch rewriter.
type Manager struct {
	cache       *streamcache.Cache
	client      *upstream.Client
	logger      logrus.FieldLogger
	readTimeout time.Duration

	memo *lru.Cache[string, downloadAction]
}

// NewManager builds the Manager on top of a streamcache rooted at the LFS
// cache directory.
func NewManager(cache *streamcache.Cache, client *upstream.Client, readTimeout time.Duration, logger logrus.FieldLogger) (*Manager, error) {
	memo, err := lru.New[string, downloadAction](hrefMemoSize)
	if err != nil {
		return nil, err
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Minute
	}

	return &Manager{
		cache:       cache,
		client:      client,
		logger:      logger.WithField("component", "lfs"),
		readTimeout: readTimeout,
		memo:        memo,
	}, nil
}

// Stop stops the cache's background maintenance.
func (m *Manager) Stop() { m.cache.Stop() }

// batchRequest is the subset of the batch API request git-cdn issues when
// it has to rediscover a download URL for a single oid.
type batchRequest struct {
	Operation string         `json:"operation"`
	Transfers []string       `json:"transfers,omitempty"`
	Objects   []*tq.Transfer `json:"objects"`
}

// RewriteBatch rewrites an upstream batch response so download hrefs point
// back at git-cdn. Only the href changes; oid, size, headers and expiry
// are preserved, which keeps the rewrite idempotent on everything the
// client verifies. The original download actions are memoized for the
// object GETs that will follow.
func (m *Manager) RewriteBatch(selfBase, repoPath string, body []byte) ([]byte, error) {
	var batch tq.BatchResponse
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	for _, object := range batch.Objects {
		if object == nil || object.Actions == nil {
			continue
		}
		download, ok := object.Actions["download"]
		if !ok || download == nil {
			continue
		}

		m.memo.Add(object.Oid, downloadAction{
			Href:   download.Href,
			Header: download.Header,
			Size:   object.Size,
		})

		download.Href = fmt.Sprintf("%s/%s/gitlab-lfs/objects/%s",
			strings.TrimSuffix(selfBase, "/"), repoPath, object.Oid)
	}

	rewritten, err := json.Marshal(&batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch response: %w", err)
	}

	return rewritten, nil
}

// Stat reports the size of a ready cache entry, or ok=false when the
// object is not (completely) cached.
func (m *Manager) Stat(oid string) (int64, bool) {
	path, err := m.cache.EntryPath(oid)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// Fetch streams the object to dst, downloading and installing it on a
// cache miss. authorization is the client's Authorization header, used
// when a fresh batch lookup is needed.
func (m *Manager) Fetch(ctx context.Context, repoPath, oid, authorization string, dst io.Writer) (int64, error) {
	written, created, err := m.cache.Fetch(ctx, oid, dst, func(produceCtx context.Context, w io.Writer) error {
		return m.download(produceCtx, repoPath, oid, authorization, w)
	})

	outcome := "hit"
	if created {
		outcome = "miss"
	}
	if err != nil {
		outcome = "error"
	}
	objectsServed.WithLabelValues(outcome).Inc()

	return written, err
}

// download fetches the object from upstream, verifying digest and size
// before the cache installs it.
func (m *Manager) download(ctx context.Context, repoPath, oid, authorization string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, m.readTimeout)
	defer cancel()

	action, err := m.resolve(ctx, repoPath, oid, authorization)
	if err != nil {
		return err
	}

	header := make(http.Header)
	for key, value := range action.Header {
		header.Set(key, value)
	}
	if header.Get("Authorization") == "" && authorization != "" {
		header.Set("Authorization", authorization)
	}

	resp, err := m.client.DoURL(ctx, http.MethodGet, action.Href, header, nil)
	if err != nil {
		return fmt.Errorf("download lfs object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &upstream.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	digest := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, digest), resp.Body)
	if err != nil {
		return fmt.Errorf("download lfs object: %w", err)
	}

	if sum := hex.EncodeToString(digest.Sum(nil)); sum != oid {
		m.logger.WithFields(logrus.Fields{
			"oid":    oid,
			"actual": sum,
		}).Error("lfs object checksum mismatch")
		return ErrChecksum
	}
	if action.Size > 0 && n != action.Size {
		m.logger.WithFields(logrus.Fields{
			"oid":      oid,
			"expected": action.Size,
			"actual":   n,
		}).Error("lfs object size mismatch")
		return ErrChecksum
	}

	return nil
}

// resolve finds the upstream download action for an oid: from the memo
// populated by batch rewrites, or through a fresh single-oid batch
// request.
func (m *Manager) resolve(ctx context.Context, repoPath, oid, authorization string) (downloadAction, error) {
	if action, ok := m.memo.Get(oid); ok {
		return action, nil
	}

	body, err := json.Marshal(&batchRequest{
		Operation: "download",
		Transfers: []string{"basic"},
		Objects:   []*tq.Transfer{{Oid: oid}},
	})
	if err != nil {
		return downloadAction{}, err
	}

	header := make(http.Header)
	header.Set("Accept", BatchMediaType)
	header.Set("Content-Type", BatchMediaType)
	if authorization != "" {
		header.Set("Authorization", authorization)
	}

	resp, err := m.client.Do(ctx, http.MethodPost, repoPath+"/info/lfs/objects/batch", header, strings.NewReader(string(body)))
	if err != nil {
		return downloadAction{}, fmt.Errorf("lfs batch lookup: %w", err)
	}
	defer m.client.Finalize(resp)

	if resp.StatusCode != http.StatusOK {
		return downloadAction{}, &upstream.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var batch tq.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return downloadAction{}, fmt.Errorf("decode batch lookup response: %w", err)
	}

	for _, object := range batch.Objects {
		if object == nil || object.Oid != oid || object.Actions == nil {
			continue
		}
		if download := object.Actions["download"]; download != nil {
			action := downloadAction{Href: download.Href, Header: download.Header, Size: object.Size}
			m.memo.Add(oid, action)
			return action, nil
		}
	}

	return downloadAction{}, ErrNoDownloadAction
}
