package smarthttp

import "net/http"

// handleReceivePack forwards pushes to the upstream byte-for-byte. The
// write path is never intercepted and never creates cache entries; the
// mirrors only learn about pushed objects on their next fetch.
func (s *Server) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r)
}
