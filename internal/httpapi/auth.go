package httpapi

import (
	"crypto/subtle"
	"net/http"
)

const tokenHeader = "X-Agent-Token"

// requireToken gates mutating and state-revealing endpoints behind the
// shared agent token. An empty configured token disables the check, which
// is only sensible on a loopback deployment.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := r.cfg.AgentToken
		if token == "" {
			next(w, req)
			return
		}
		presented := req.Header.Get(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			r.writeError(w, http.StatusUnauthorized, "invalid or missing agent token")
			return
		}
		next(w, req)
	}
}
