// Package upstream is the HTTP client git-cdn uses to talk to the
// upstream Git server: proxied requests, LFS batch calls and LFS blob
// downloads all go through it. The connection pool is shared and bounded
// so that many concurrent clients cannot exhaust the upstream.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var requestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gitcdn_upstream_request_seconds",
		Help:    "Latency of requests against the upstream Git server",
		Buckets: prometheus.ExponentialBuckets(0.025, 2, 12),
	},
	[]string{"method"},
)

// StatusError reports an upstream response with a failure status code for
// callers that treat those as errors (LFS batch and blob download). The
// upstream status is forwarded to the client when available.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with %s", e.Status)
}

// Client is a pooled HTTP client bound to the upstream base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logrus.FieldLogger
}

// New validates the base URL and builds the shared client. maxConns bounds
// the connections per upstream host; connectTimeout bounds dialing.
// Response read deadlines are the caller's business via ctx, pack
// responses legitimately take an hour.
func New(baseURL string, maxConns int, connectTimeout time.Duration, logger logrus.FieldLogger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must be http(s), got %q", baseURL)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       maxConns,
		MaxIdleConnsPerHost:   maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
		// Git and LFS payloads are already packed; transparent
		// decompression would only mangle Content-Length handling.
		DisableCompression: true,
	}

	return &Client{
		base:   base,
		http:   &http.Client{Transport: transport, CheckRedirect: noRedirects},
		logger: logger.WithField("component", "upstream_client"),
	}, nil
}

// Redirects are forwarded to the Git client verbatim rather than followed.
func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// BaseURL returns the configured upstream base URL, without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimSuffix(c.base.String(), "/")
}

// URL joins a request path (and optional raw query) onto the base URL.
func (c *Client) URL(pathAndQuery string) string {
	return c.BaseURL() + "/" + strings.TrimPrefix(pathAndQuery, "/")
}

// Do performs one request against the upstream. Transient transport
// failures of idempotent requests are retried once. The caller owns the
// response body.
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(pathAndQuery), body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}

	timer := prometheus.NewTimer(requestLatency.WithLabelValues(method))
	defer timer.ObserveDuration()

	resp, err := c.http.Do(req)
	if err == nil {
		return resp, nil
	}

	if method != http.MethodGet && method != http.MethodHead {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	c.logger.WithError(err).WithField("url", req.URL.Redacted()).Warn("retrying upstream request")

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	retry, err := http.NewRequestWithContext(ctx, method, c.URL(pathAndQuery), nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		retry.Header[key] = values
	}

	return c.http.Do(retry)
}

// DoURL performs a request against an absolute URL using the same pooled
// transport. LFS download hrefs may point at object storage outside the
// upstream base URL.
func (c *Client) DoURL(ctx context.Context, method, absoluteURL string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, absoluteURL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}

	timer := prometheus.NewTimer(requestLatency.WithLabelValues(method))
	defer timer.ObserveDuration()

	return c.http.Do(req)
}

// Finalize drains and closes a response body so the underlying connection
// can be reused.
func (c *Client) Finalize(resp *http.Response) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.WithError(err).Debug("discard upstream response body")
	}
	if err := resp.Body.Close(); err != nil {
		c.logger.WithError(err).Debug("close upstream response body")
	}
}
