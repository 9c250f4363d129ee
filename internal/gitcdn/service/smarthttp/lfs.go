package smarthttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"gitlab.com/gitlab-org/git-cdn/internal/helper"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
)

// maxLFSBatchBody caps the batch API payloads held in memory for the
// rewrite. Batches list object metadata, not content.
const maxLFSBatchBody = 16 * 1024 * 1024

// handleLFSBatch forwards the batch request upstream and rewrites the
// download hrefs of the response so the client's blob GETs land on
// git-cdn. On upstream failure the error is forwarded verbatim.
func (s *Server) handleLFSBatch(w http.ResponseWriter, r *http.Request, repoPath string) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	if timeout := s.cfg.UpstreamLFSReadTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	header := make(http.Header, len(r.Header))
	for key, values := range r.Header {
		header[key] = values
	}
	for _, hop := range hopByHopHeaders {
		header.Del(hop)
	}
	header.Del("Host")

	pathAndQuery := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	resp, err := s.upstream.Do(ctx, r.Method, pathAndQuery, header, io.LimitReader(r.Body, maxLFSBatchBody))
	if err != nil {
		logger.WithError(err).Error("lfs batch request to upstream failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyResponse(w, resp)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLFSBatchBody+1))
	if err != nil {
		logger.WithError(err).Error("reading lfs batch response")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if int64(len(body)) > maxLFSBatchBody {
		http.Error(w, "lfs batch response too large", http.StatusBadGateway)
		return
	}

	// Large batch responses may arrive gzip encoded; the rewrite needs the
	// plain JSON.
	gzipped := resp.Header.Get("Content-Encoding") == "gzip"
	if gzipped {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err == nil {
			body, err = io.ReadAll(gz)
		}
		if err != nil {
			logger.WithError(err).Error("decompressing lfs batch response")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
	}

	rewritten, err := s.lfs.RewriteBatch(selfBase(r), repoPath, body)
	if err != nil {
		logger.WithError(err).Error("rewriting lfs batch response")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if gzipped {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write(rewritten)
		if err == nil {
			err = gz.Close()
		}
		if err != nil {
			logger.WithError(err).Error("recompressing lfs batch response")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		rewritten = buf.Bytes()
	}

	outHeader := w.Header()
	for key, values := range resp.Header {
		outHeader[key] = values
	}
	for _, hop := range hopByHopHeaders {
		outHeader.Del(hop)
	}
	outHeader.Set("Content-Length", strconv.Itoa(len(rewritten)))

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(rewritten)
}

// handleLFSObject serves a blob from the LFS cache, downloading and
// verifying it first when needed. No local authentication: a valid oid
// cannot be guessed without access to the repository, and the download
// path re-uses the client's credentials against the upstream on a miss.
func (s *Server) handleLFSObject(w http.ResponseWriter, r *http.Request, repoPath, oid string) {
	logger := log.FromContext(r.Context()).WithField("oid", oid)

	if size, ok := s.lfs.Stat(oid); ok {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")

	counting := &helper.CountingWriter{W: w}

	_, err := s.lfs.Fetch(r.Context(), repoPath, oid, r.Header.Get("Authorization"), counting)
	if err != nil {
		logger = logger.WithError(err).WithField("response_bytes", counting.N)

		if counting.N > 0 {
			logger.Error("lfs object transfer failed mid-stream")
			panic(http.ErrAbortHandler)
		}

		logger.Error("lfs object transfer failed")
		if errors.Is(err, pathlock.ErrTimeout) {
			w.Header().Set("Retry-After", "60")
		}
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	logger.WithField("response_bytes", counting.N).Debug("served lfs object")
}

// selfBase reconstructs the externally visible base URL of this service,
// trusting the front proxy's forwarding headers.
func selfBase(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}
