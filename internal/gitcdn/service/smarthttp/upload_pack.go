package smarthttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gitlab.com/gitlab-org/git-cdn/internal/command"
	"gitlab.com/gitlab-org/git-cdn/internal/helper"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/mirror"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
	"gitlab.com/gitlab-org/git-cdn/internal/pktline"
	"gitlab.com/gitlab-org/git-cdn/internal/uploadpack"
)

const uploadPackResultType = "application/x-git-upload-pack-result"

// maxUploadPackBody caps the negotiation body git-cdn is willing to hold
// for classification. Bodies are typically a few KB; even pathological
// incremental fetches with hundreds of thousands of haves stay well below
// this.
const maxUploadPackBody = 64 * 1024 * 1024

var errBodyTooLarge = errors.New("upload-pack request body too large")

// handleUploadPack classifies the request body and either serves the
// fetch from the pack cache or forwards the command upstream.
func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request, repoPath string) {
	logger := log.FromContext(r.Context())

	body, err := readRequestBody(r, maxUploadPackBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req, err := uploadpack.Parse(body)
	if err != nil {
		logger.WithError(err).Warn("rejecting malformed upload-pack request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.WithFields(req.LogFields()).Debug("parsed upload-pack request")

	if !req.IsFetch() {
		// ls-refs, object-info, unknown commands: the upstream answers
		// those, with the body replayed verbatim. The body was already
		// decompressed, so it goes upstream without its gzip encoding.
		if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
			r.Header.Del("Content-Encoding")
		}
		s.proxyWithBody(w, r, bytes.NewReader(body))
		return
	}

	username, password, _ := r.BasicAuth()
	creds := mirror.Credentials{Username: username, Password: password}

	w.Header().Set("Content-Type", uploadPackResultType)
	w.Header().Set("Cache-Control", "no-cache")

	counting := &helper.CountingWriter{W: w}

	_, created, err := s.packs.Serve(r.Context(), req.Fingerprint(), counting, s.producePack(repoPath, creds, req))
	if err != nil {
		logger = logger.WithError(err).WithField("response_bytes", counting.N)

		if counting.N > 0 {
			// Headers and part of the stream are out; all we can do is cut
			// the connection so the client sees a failed transfer instead
			// of a silently truncated pack.
			logger.Error("upload-pack failed mid-stream")
			panic(http.ErrAbortHandler)
		}

		logger.Error("upload-pack failed")
		if errors.Is(err, pathlock.ErrTimeout) {
			w.Header().Set("Retry-After", "60")
		}
		w.WriteHeader(httpStatus(err))
		writePackError(w, err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"pack_created":   created,
		"response_bytes": counting.N,
	}).Info("served upload-pack result")
}

// producePack builds the produce callback for the pack cache: refresh the
// mirror, run git-upload-pack against it, stream stdout into the cache.
// The context is the production's own; it outlives the triggering request
// while other clients are attached and is canceled when the last one
// detaches.
func (s *Server) producePack(repoPath string, creds mirror.Credentials, req *uploadpack.Request) func(context.Context, io.Writer) error {
	return func(ctx context.Context, w io.Writer) error {
		logger := s.logger.WithField("repo", repoPath)

		ctx, cancel := context.WithTimeout(ctx, s.cfg.GitProcessTimeout.Duration())
		defer cancel()

		if s.uploadPackSem != nil {
			if err := s.uploadPackSem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.uploadPackSem.Release(1)
		}

		dir, err := s.mirrors.EnsureFresh(ctx, repoPath, creds)
		if err != nil {
			return err
		}

		cmd, err := command.New(ctx, logger,
			[]string{"git-upload-pack", "--stateless-rpc", dir},
			command.WithStdin(bytes.NewReader(req.RawBody)),
			command.WithCommandName("git-upload-pack", ""),
			// The intercepted body is protocol v2; upload-pack only reads
			// v2 requests when the transport advertises it.
			// Filter lines of partial-clone fetches are refused unless
			// uploadpack.allowFilter is set.
			command.WithEnvironment([]string{
				"GIT_PROTOCOL=version=2",
				"GIT_CONFIG_COUNT=1",
				"GIT_CONFIG_KEY_0=uploadpack.allowFilter",
				"GIT_CONFIG_VALUE_0=true",
			}),
		)
		if err != nil {
			return fmt.Errorf("spawning git-upload-pack: %w", err)
		}

		// upload-pack reports failures like "not our ref" as an ERR packet
		// in the first response bytes. Those responses must reach the
		// client but must never be installed as cache entries.
		first := make([]byte, 8)
		n, readErr := io.ReadFull(cmd, first)
		isErrPkt := n >= 8 && string(first[4:7]) == "ERR"

		if n > 0 {
			if _, err := w.Write(first[:n]); err != nil {
				_ = cmd.Wait()
				return err
			}
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			_ = cmd.Wait()
			return fmt.Errorf("reading from git-upload-pack: %w", readErr)
		}

		if _, err := io.Copy(w, cmd); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("copying git-upload-pack output: %w", err)
		}

		waitErr := cmd.Wait()

		if isErrPkt {
			return fmt.Errorf("git-upload-pack reported an error to the client")
		}

		if waitErr != nil {
			// Shallow negotiation without 'done' makes git-upload-pack exit
			// non-zero even though the response is complete and valid.
			// https://www.mail-archive.com/git@vger.kernel.org/msg90066.html
			if req.HasDeepen() && !req.Done {
				logger.WithError(waitErr).Info("ignoring git-upload-pack exit status for deepen negotiation")
				return nil
			}
			return fmt.Errorf("waiting for git-upload-pack: %w", waitErr)
		}

		return nil
	}
}

// readRequestBody consumes the request body, transparently decompressing
// gzip. Git compresses larger negotiation bodies.
func readRequestBody(r *http.Request, limit int64) ([]byte, error) {
	var reader io.Reader = r.Body

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("malformed gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}

	return data, nil
}

// writePackError sends an ERR packet so git clients print a reason
// instead of a bare HTTP failure.
func writePackError(w io.Writer, err error) {
	_, _ = pktline.WriteString(w, "ERR "+err.Error()+"\n")
}
