package smarthttp

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/git-cdn/internal/gitcdn/config"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/duration"
	"gitlab.com/gitlab-org/git-cdn/internal/lfs"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/mirror"
	"gitlab.com/gitlab-org/git-cdn/internal/packcache"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
	"gitlab.com/gitlab-org/git-cdn/internal/pktline"
	"gitlab.com/gitlab-org/git-cdn/internal/streamcache"
	"gitlab.com/gitlab-org/git-cdn/internal/testhelper"
	"gitlab.com/gitlab-org/git-cdn/internal/upstream"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type testSetup struct {
	ts       *httptest.Server
	upstream *httptest.Server
	cfg      config.Config
}

// newTestSetup builds a full server in front of the given fake upstream.
// mirrorBase overrides where mirrors clone from (file:// upstreams in the
// integration tests); empty means the fake upstream.
func newTestSetup(t *testing.T, upstreamHandler http.Handler, mirrorBase string) testSetup {
	t.Helper()

	upstreamServer := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstreamServer.Close)

	workdir := testhelper.TempDir(t)
	cfg := config.Config{
		Upstream:          upstreamServer.URL,
		WorkingDirectory:  workdir,
		MaxConnections:    4,
		PackCacheSizeGB:   1,
		LFSCacheSizeGB:    1,
		GitProcessTimeout: duration.Duration(time.Minute),
		LockTimeout:       duration.Duration(time.Minute),
	}

	logger := log.DiscardLogger()
	locker := pathlock.NewManager(time.Minute)

	upstreamClient, err := upstream.New(upstreamServer.URL, cfg.MaxConnections, time.Second, logger)
	require.NoError(t, err)

	packs := packcache.New(cfg.PackCacheDir(), 0, 0, locker, logger)
	t.Cleanup(packs.Stop)

	lfsCache := streamcache.New(streamcache.Config{Dir: cfg.LFSCacheDir()}, locker, logger)
	lfsManager, err := lfs.NewManager(lfsCache, upstreamClient, time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(lfsManager.Stop)

	if mirrorBase == "" {
		mirrorBase = upstreamServer.URL
	}
	mirrors := mirror.NewManager(mirror.Config{
		Root:       cfg.GitRoot(),
		Upstream:   mirrorBase,
		GitTimeout: time.Minute,
	}, locker, logger)

	server := NewServer(cfg, logger, upstreamClient, packs, lfsManager, mirrors)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return testSetup{ts: ts, upstream: upstreamServer, cfg: cfg}
}

// doRequest performs a request the way a Git client would: git User-Agent
// and no redirect following.
func doRequest(t *testing.T, method, url string, header http.Header, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "git/2.39.1")
	for key, values := range header {
		req.Header[key] = values
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func packCacheEntries(t *testing.T, cfg config.Config) []string {
	t.Helper()

	var entries []string
	err := filepath.Walk(cfg.PackCacheDir(), func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == "" && info.Name() != "clean.lock" {
			entries = append(entries, path)
		}
		return nil
	})
	require.NoError(t, err)
	return entries
}

func TestLiveness(t *testing.T) {
	setup := newTestSetup(t, http.NotFoundHandler(), "")

	resp := doRequest(t, http.MethodGet, setup.ts.URL+"/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "live", string(body))
}

func TestInfoRefs_authChallenge(t *testing.T) {
	var upstreamCalls int
	setup := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
	}), "")

	resp := doRequest(t, http.MethodGet,
		setup.ts.URL+"/group/project.git/info/refs?service=git-upload-pack", nil, nil)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, `Basic realm="GitCDN"`, resp.Header.Get("WWW-Authenticate"))
	require.Zero(t, upstreamCalls, "the challenge must not cost an upstream round trip")
}

func TestInfoRefs_proxiedWithCredentials(t *testing.T) {
	advertisement := "001e# service=git-upload-pack\n0000"

	setup := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/group/project.git/info/refs", r.URL.Path)
		require.Equal(t, "git-upload-pack", r.URL.Query().Get("service"))
		require.Equal(t, "Basic Zm9vOmJhcg==", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Forwarded-For"))

		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		_, _ = io.WriteString(w, advertisement)
	}), "")

	header := make(http.Header)
	header.Set("Authorization", "Basic Zm9vOmJhcg==")

	resp := doRequest(t, http.MethodGet,
		setup.ts.URL+"/group/project.git/info/refs?service=git-upload-pack", header, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-git-upload-pack-advertisement", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, advertisement, string(body))
}

func TestReceivePack_passthroughUntouched(t *testing.T) {
	pushBody := []byte("00a1push request payload, opaque to the proxy")
	responseBody := []byte("000eunpack ok\n0000")

	setup := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/group/project.git/git-receive-pack", r.URL.Path)
		received, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, pushBody, received, "push bodies must be forwarded byte-for-byte")

		w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
		_, _ = w.Write(responseBody)
	}), "")

	resp := doRequest(t, http.MethodPost,
		setup.ts.URL+"/group/project.git/git-receive-pack", nil, bytes.NewReader(pushBody))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, responseBody, body, "push responses must be forwarded byte-for-byte")

	require.Empty(t, packCacheEntries(t, setup.cfg), "receive-pack must never create cache entries")
}

func TestUploadPack_nonFetchProxied(t *testing.T) {
	var buf bytes.Buffer
	_, err := pktline.WriteString(&buf, "command=ls-refs\n")
	require.NoError(t, err)
	require.NoError(t, pktline.WriteDelim(&buf))
	_, err = pktline.WriteString(&buf, "peel\n")
	require.NoError(t, err)
	require.NoError(t, pktline.WriteFlush(&buf))
	lsRefsBody := buf.Bytes()

	upstreamResponse := []byte("0032deadbeefdeadbeefdeadbeefdeadbeefdeadbeef HEAD\n0000")

	setup := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/group/project.git/git-upload-pack", r.URL.Path)
		received, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, lsRefsBody, received, "non-fetch commands must reach the upstream verbatim")
		_, _ = w.Write(upstreamResponse)
	}), "")

	resp := doRequest(t, http.MethodPost,
		setup.ts.URL+"/group/project.git/git-upload-pack", nil, bytes.NewReader(lsRefsBody))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, upstreamResponse, body)

	require.Empty(t, packCacheEntries(t, setup.cfg))
}

func TestUploadPack_malformedBody(t *testing.T) {
	setup := newTestSetup(t, http.NotFoundHandler(), "")

	resp := doRequest(t, http.MethodPost,
		setup.ts.URL+"/group/project.git/git-upload-pack", nil, bytes.NewReader([]byte("zzzzgarbage")))

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, packCacheEntries(t, setup.cfg), "malformed requests must never be cached")
}

func TestRedirect_canonicalGitSuffix(t *testing.T) {
	setup := newTestSetup(t, http.NotFoundHandler(), "")

	resp := doRequest(t, http.MethodGet,
		setup.ts.URL+"/group/project/info/refs?service=git-upload-pack", nil, nil)

	require.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
	require.Equal(t, "/group/project.git/info/refs?service=git-upload-pack", resp.Header.Get("Location"))
}

func TestRedirect_browsersGoUpstream(t *testing.T) {
	setup := newTestSetup(t, http.NotFoundHandler(), "")

	req, err := http.NewRequest(http.MethodGet, setup.ts.URL+"/group/project.git/info/refs", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), setup.upstream.URL)
}
