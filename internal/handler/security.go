package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/auth"
)

// Security authenticates requests with API tokens stored as HMAC-SHA256
// hashes.
type Security struct {
	tokens auth.Repository
	pepper []byte
}

// NewSecurity creates a Security with the given token repository and HMAC
// pepper.
func NewSecurity(tokens auth.Repository, pepper []byte) *Security {
	return &Security{tokens: tokens, pepper: pepper}
}

// Middleware resolves the token of the request to a principal and stores it
// in the context. Requests without a valid token get 401.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, errUnauthenticated) {
				zctx.From(r.Context()).Error("Token lookup failed", zap.Error(err))
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="shop"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

var errUnauthenticated = errors.New("unauthenticated")

func (s *Security) authenticate(r *http.Request) (auth.Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Principal{}, errUnauthenticated
	}

	hash := auth.HashToken(s.pepper, token)
	t, err := s.tokens.FindByTokenHash(r.Context(), hash)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, errUnauthenticated
		}
		return auth.Principal{}, errors.Wrap(err, "find token")
	}

	// Re-check the stored hash in constant time.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(t.Hash)) != 1 {
		return auth.Principal{}, errUnauthenticated
	}
	if t.Principal.IsZero() || !t.Principal.Role.Valid() {
		return auth.Principal{}, errUnauthenticated
	}
	return t.Principal, nil
}

// bearerToken reads "Authorization: Bearer <token>" or the api_key header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.Header.Get("api_key")
}
