package server

import (
	"net/http"

	"github.com/go-chi/httprate"
)

// clientIP resolves the IP used as the rate limit key. Forwarded headers can
// be forged by any client, so without an explicit proxy trust policy no IP is
// derived and the request is never limited by IP.
func (s *Server) clientIP(r *http.Request) string {
	if !s.trustProxy {
		return ""
	}
	ip, err := httprate.KeyByRealIP(r)
	if err != nil {
		return ""
	}
	return ip
}
