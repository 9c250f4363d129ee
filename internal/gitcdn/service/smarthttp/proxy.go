package smarthttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"gitlab.com/gitlab-org/git-cdn/internal/log"
)

// Hop-by-hop headers are a property of the single connection and must not
// be forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxy streams a request to the upstream and the response back,
// untouched. Everything git-cdn does not understand or must not touch
// (receive-pack!) takes this path.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	s.proxyWithBody(w, r, r.Body)
}

// proxyWithBody is proxy with an explicit request body, used after the
// body was already consumed for classification.
func (s *Server) proxyWithBody(w http.ResponseWriter, r *http.Request, body io.Reader) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	// Pack advertisements and transfers may legitimately take a long
	// time, but not forever.
	if timeout := s.cfg.UpstreamPackReadTimeout.Duration(); timeout > 0 {
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
	// The upstream rewrites Content-Length itself when it re-frames;
	// ours describes a body we may have transformed already.
	header.Del("Content-Length")
	header.Del("Host")

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}

	pathAndQuery := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	resp, err := s.upstream.Do(ctx, r.Method, pathAndQuery, header, body)
	if err != nil {
		logger.WithError(err).Error("proxy request to upstream failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

// copyResponse forwards status, headers and body verbatim, flushing as
// bytes arrive so that Git's sideband progress reaches the client live.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	outHeader := w.Header()
	for key, values := range resp.Header {
		outHeader[key] = values
	}
	for _, hop := range hopByHopHeaders {
		outHeader.Del(hop)
	}

	w.WriteHeader(resp.StatusCode)
	_ = copyFlush(w, resp.Body)

	// Trailers, if the upstream sent any.
	for key, values := range resp.Trailer {
		for _, value := range values {
			w.Header().Add(http.TrailerPrefix+key, value)
		}
	}
}

// copyFlush copies src to dst, flushing after every chunk.
func copyFlush(dst io.Writer, src io.Reader) error {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// redirectBrowser sends non-Git clients to the upstream web UI. Matching
// "git" in the User-Agent also covers JGit.
func (s *Server) redirectBrowser(w http.ResponseWriter, r *http.Request) bool {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	if ua == "" || strings.Contains(ua, "git") {
		return false
	}

	http.Redirect(w, r, s.upstream.URL(r.URL.Path), http.StatusPermanentRedirect)
	return true
}

// redirectCanonical repairs requests whose repository path is missing the
// ".git" suffix before /info/..., saving the round trip to the upstream
// that would issue the same redirect.
func (s *Server) redirectCanonical(w http.ResponseWriter, r *http.Request, path string) bool {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if segment != "info" || i == 0 || i+1 >= len(segments) {
			continue
		}
		next := segments[i+1]
		if next != "refs" && next != "lfs" {
			continue
		}
		if strings.HasSuffix(segments[i-1], ".git") {
			return false
		}

		segments[i-1] += ".git"
		target := strings.Join(segments, "/")
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
		return true
	}
	return false
}
