package smarthttp

import "net/http"

// handleInfoRefs proxies the ref advertisement. The one thing git-cdn adds
// is a fast authentication prompt: Git probes info/refs first, and
// challenging here saves the client a round trip through the upstream for
// the inevitable 401. Credentials are never validated locally, the
// upstream stays the authority on every subsequent request.
func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("service") == "git-upload-pack" && r.Header.Get("Authorization") == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="GitCDN"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	s.proxy(w, r)
}
