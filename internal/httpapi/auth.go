package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

// authMiddleware enforces the static bearer token on every /v1 route.
// Tokens are compared through their digests so length differences leak
// nothing.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		if !tokenEqual(token, s.cfg.AuthToken) {
			writeError(w, http.StatusForbidden, "forbidden", "token rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenEqual(got, want string) bool {
	gotSum := sha256.Sum256([]byte(got))
	wantSum := sha256.Sum256([]byte(want))
	return hmac.Equal(gotSum[:], wantSum[:])
}
