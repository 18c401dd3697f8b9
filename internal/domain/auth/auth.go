package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no active token matches a hash.
var ErrNotFound = errors.New("token not found")

// Role is the access level of a principal.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// Principal is the authenticated identity on whose behalf a request runs.
// It is passed by value and never mutated after authentication.
type Principal struct {
	ID   string
	Name string
	Role Role
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool {
	return p.ID == ""
}

// IsAdmin reports whether p may see other principals' orders.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Token is a stored API token bound to a principal.
type Token struct {
	Hash      string
	Principal Principal
}

// Repository provides lookup of API tokens by their HMAC hash.
type Repository interface {
	FindByTokenHash(ctx context.Context, hash string) (*Token, error)
}

// HashToken returns the hex HMAC-SHA256 of token keyed with pepper.
func HashToken(pepper []byte, token string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}
