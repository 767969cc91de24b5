// Package session turns an authenticated user into a signed session cookie and
// recovers the user from that cookie on later requests.
package session

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/token"
)

// CookieName is the name of the cookie carrying the signed session token.
const CookieName = "smartfin_session"

// Identity is what a verified session proves about the caller.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Version   int64     `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CookieConfig controls cookie attributes shared by issue and clear.
type CookieConfig struct {
	Secure bool
}

// Issuer signs session tokens and wraps them in cookies.
type Issuer struct {
	codec  *token.Codec
	cookie CookieConfig
}

// NewIssuer returns an Issuer using codec's TTL as the session lifetime.
func NewIssuer(codec *token.Codec, cookie CookieConfig) *Issuer {
	return &Issuer{codec: codec, cookie: cookie}
}

// Issue signs a token for id and returns the cookie to set. Earlier sessions
// of the same user stay valid.
func (i *Issuer) Issue(id Identity) (*http.Cookie, error) {
	signed, err := i.codec.Sign(token.Claims{
		Email:            id.Email,
		Version:          id.Version,
		RegisteredClaims: jwt.RegisteredClaims{Subject: id.UserID},
	})
	if err != nil {
		return nil, err
	}
	ttl := i.codec.TTL()
	return &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   i.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl / time.Second),
		Expires:  time.Now().Add(ttl),
	}, nil
}

// ClearCookie returns a cookie that deletes the session cookie on the client.
func (i *Issuer) ClearCookie() *http.Cookie {
	return ClearCookie(i.cookie)
}

// ClearCookie builds the deletion cookie for cfg.
func ClearCookie(cfg CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}

// ReadCookie returns the trimmed session cookie value when present.
func ReadCookie(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	c, err := r.Cookie(CookieName)
	if err != nil || c == nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	if v == "" {
		return "", false
	}
	return v, true
}

type identityContextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by the route guard.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok && id != nil
}
