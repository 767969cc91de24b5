package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/token"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/entity"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/repo"
)

// emptyStore knows no users.
type emptyStore struct{}

func (emptyStore) Create(ctx context.Context, u *entity.User) error { return nil }
func (emptyStore) FindByID(ctx context.Context, id string) (*entity.User, error) {
	return nil, repo.ErrNotFound
}
func (emptyStore) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	return nil, repo.ErrNotFound
}
func (emptyStore) FindByResetCode(ctx context.Context, code string, now time.Time) (*entity.User, error) {
	return nil, repo.ErrNotFound
}
func (emptyStore) Save(ctx context.Context, u *entity.User) error { return repo.ErrConflict }
func (emptyStore) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	return 0, nil
}
func (emptyStore) LockIfThreshold(ctx context.Context, id string, threshold int, until time.Time) (bool, error) {
	return false, nil
}
func (emptyStore) ResetLoginSuccess(ctx context.Context, id string) error { return nil }
func (emptyStore) UnlockIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	return false, nil
}

func newTestRouter(t *testing.T, logger *zap.SugaredLogger) (http.Handler, *session.Issuer) {
	t.Helper()
	codec, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef"), TTL: time.Hour})
	require.NoError(t, err)
	issuer := session.NewIssuer(codec, session.CookieConfig{})
	verifier := session.NewVerifier(codec, nil, logger)
	svc := user.NewService(user.Deps{Store: emptyStore{}, Logger: logger, NewID: func() string { return "1" }})
	h := RegisterRoutes(Deps{
		Logger:   logger,
		Users:    user.NewHandler(svc, issuer, verifier, logger),
		Verifier: verifier,
	})
	return h, issuer
}

func TestRegisterRoutes(t *testing.T) {
	h, issuer := newTestRouter(t, zap.NewNop().Sugar())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"page":"login"}`, rec.Body.String())

	cookie, err := issuer.Issue(session.Identity{UserID: "7", Email: "ana@example.com"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":"7"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRegisterRoutes_NilLogger(t *testing.T) {
	codec, err := token.NewCodec(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef"), TTL: time.Hour})
	require.NoError(t, err)
	verifier := session.NewVerifier(codec, nil, nil)
	svc := user.NewService(user.Deps{Store: emptyStore{}})
	h := RegisterRoutes(Deps{
		Users:    user.NewHandler(svc, session.NewIssuer(codec, session.CookieConfig{}), verifier, nil),
		Verifier: verifier,
	})

	for _, path := range []string{"/health", "/dashboard", "/login"} {
		rec := httptest.NewRecorder()
		require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil)) }, path)
		assert.NotEqual(t, http.StatusInternalServerError, rec.Code, path)
	}
}

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h, _ := newTestRouter(t, zap.New(core).Sugar())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard?code=123456", nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusSeeOther), fields["status"])
	assert.Equal(t, "/dashboard", fields["path"])
}
