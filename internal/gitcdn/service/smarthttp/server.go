// Package smarthttp is git-cdn's HTTP surface: the smart-HTTP Git
// endpoints that are intercepted (upload-pack fetch, LFS batch and
// objects) and the transparent passthrough for everything else.
package smarthttp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/git-cdn/internal/gitcdn/config"
	"gitlab.com/gitlab-org/git-cdn/internal/helper"
	"gitlab.com/gitlab-org/git-cdn/internal/lfs"
	"gitlab.com/gitlab-org/git-cdn/internal/log"
	"gitlab.com/gitlab-org/git-cdn/internal/mirror"
	"gitlab.com/gitlab-org/git-cdn/internal/packcache"
	"gitlab.com/gitlab-org/git-cdn/internal/pathlock"
	"gitlab.com/gitlab-org/git-cdn/internal/uploadpack"
	"gitlab.com/gitlab-org/git-cdn/internal/upstream"
	"gitlab.com/gitlab-org/labkit/correlation"
	"golang.org/x/sync/semaphore"
)

var responseTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gitcdn_responses_total",
		Help: "Responses served, by handler and status class",
	},
	[]string{"handler", "code"},
)

// Server routes and serves all client traffic.
type Server struct {
	cfg      config.Config
	logger   *logrus.Entry
	upstream *upstream.Client
	packs    *packcache.Cache
	lfs      *lfs.Manager
	mirrors  *mirror.Manager

	uploadPackSem *semaphore.Weighted
}

// NewServer wires the server from its collaborators.
func NewServer(
	cfg config.Config,
	logger *logrus.Entry,
	upstreamClient *upstream.Client,
	packs *packcache.Cache,
	lfsManager *lfs.Manager,
	mirrors *mirror.Manager,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		upstream: upstreamClient,
		packs:    packs,
		lfs:      lfsManager,
		mirrors:  mirrors,
	}
	if cfg.MaxUploadPacks > 0 {
		s.uploadPackSem = semaphore.NewWeighted(int64(cfg.MaxUploadPacks))
	}
	return s
}

// Handler returns the server's http.Handler with the request middleware
// applied.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.route))
}

// route dispatches requests by path shape. The routing is implemented by
// hand: Git's URL space is a handful of suffixes below an arbitrarily
// deep repository path, which does not fit pattern-based muxes well.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		setHandlerName(w, "liveness")
		_, _ = w.Write([]byte("live"))
		return
	}

	path := strings.ToLower(r.URL.Path)

	repoPath, err := helper.FindRepoPath(path)
	if err != nil {
		http.Error(w, "bad path: "+r.URL.Path, http.StatusBadRequest)
		return
	}

	if s.redirectBrowser(w, r) || s.redirectCanonical(w, r, path) {
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/info/refs"):
		setHandlerName(w, "info-refs")
		s.handleInfoRefs(w, r)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/git-upload-pack") && repoPath != "":
		setHandlerName(w, "upload-pack")
		s.handleUploadPack(w, r, repoPath)

	case (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.HasSuffix(path, "/git-receive-pack"):
		setHandlerName(w, "receive-pack")
		s.handleReceivePack(w, r)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/info/lfs/objects/batch") && repoPath != "":
		setHandlerName(w, "lfs-batch")
		s.handleLFSBatch(w, r, repoPath)

	case r.Method == http.MethodGet && lfsObjectPath(path) != "" && repoPath != "":
		setHandlerName(w, "lfs-object")
		s.handleLFSObject(w, r, repoPath, lfsObjectPath(path))

	default:
		setHandlerName(w, "proxy")
		s.proxy(w, r)
	}
}

// withMiddleware adds panic recovery, request scoped logging with
// correlation ids and the final response stats line.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := correlation.ContextWithCorrelation(r.Context(), requestID)

		logger := s.logger.WithFields(logrus.Fields{
			correlation.FieldName: requestID,
			"method":              r.Method,
			"path":                r.URL.Path,
		})
		ctx = log.InjectIntoContext(ctx, logger)
		r = r.WithContext(ctx)

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					// Deliberate abort of a response that cannot be completed;
					// the server closes the connection.
					responseTotal.WithLabelValues(recorder.handler, statusClass(recorder.status)).Inc()
					panic(p)
				}
				logger.WithField("panic", p).Error("panic while handling request")
				if !recorder.wroteHeader {
					http.Error(recorder, "internal server error", http.StatusInternalServerError)
				}
			}

			responseTotal.WithLabelValues(recorder.handler, statusClass(recorder.status)).Inc()
			logger.WithFields(logrus.Fields{
				"handler":         recorder.handler,
				"response_status": recorder.status,
				"response_size":   recorder.bytes,
				"resp_time_ms":    time.Since(start).Seconds() * 1000,
			}).Info("response stats")
		}()

		next.ServeHTTP(recorder, r)
	})
}

// responseRecorder captures status and size for the stats log line and
// lets handlers tag themselves for metrics.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	handler     string
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setHandlerName(w http.ResponseWriter, name string) {
	if recorder, ok := w.(*responseRecorder); ok {
		recorder.handler = name
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// lfsObjectPath returns the oid for LFS object GET paths, empty otherwise.
func lfsObjectPath(path string) string {
	idx := strings.LastIndex(path, "/gitlab-lfs/objects/")
	if idx < 0 {
		return ""
	}
	oid := path[idx+len("/gitlab-lfs/objects/"):]
	if len(oid) != 64 {
		return ""
	}
	for _, c := range oid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	return oid
}

// httpStatus maps the error kinds of the subsystems onto response codes.
func httpStatus(err error) int {
	var statusErr *upstream.StatusError

	switch {
	case errors.Is(err, uploadpack.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, mirror.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, pathlock.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, lfs.ErrChecksum):
		return http.StatusBadGateway
	case errors.As(err, &statusErr):
		return statusErr.StatusCode
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
