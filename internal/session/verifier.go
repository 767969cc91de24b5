package session

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/token"
)

// VersionSource reports the current session version of a user. Bumping the
// stored version revokes every token signed with an older one.
type VersionSource interface {
	SessionVersion(ctx context.Context, userID string) (int64, error)
}

// Verifier recovers an Identity from a session token. It never returns an
// error: every failure is reported as a nil identity.
type Verifier struct {
	codec    *token.Codec
	versions VersionSource
	logger   *zap.SugaredLogger
}

// NewVerifier builds a Verifier. versions may be nil to skip revocation checks.
func NewVerifier(codec *token.Codec, versions VersionSource, logger *zap.SugaredLogger) *Verifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Verifier{codec: codec, versions: versions, logger: logger}
}

// Verify returns the identity proven by value, or nil when value is empty,
// malformed, wrongly signed, expired or revoked.
func (v *Verifier) Verify(ctx context.Context, value string) *Identity {
	if value == "" {
		return nil
	}
	claims, err := v.codec.Verify(value)
	if err != nil {
		v.logger.Debugw("session rejected", "reason", err.Error())
		return nil
	}
	if v.versions != nil {
		current, err := v.versions.SessionVersion(ctx, claims.UserID())
		if err != nil {
			v.logger.Warnw("session version lookup failed", "user_id", claims.UserID(), "err", err)
			return nil
		}
		if current != claims.Version {
			v.logger.Debugw("session rejected", "reason", "revoked", "user_id", claims.UserID())
			return nil
		}
	}
	id := &Identity{
		UserID:  claims.UserID(),
		Email:   claims.Email,
		Version: claims.Version,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id
}

// FromRequest verifies the session cookie of r. The bool reports whether a
// cookie was present at all, independent of its validity.
func (v *Verifier) FromRequest(r *http.Request) (*Identity, bool) {
	value, ok := ReadCookie(r)
	if !ok {
		return nil, false
	}
	return v.Verify(r.Context(), value), true
}
