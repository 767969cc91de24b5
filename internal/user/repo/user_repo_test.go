package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/entity"
)

var columns = []string{
	"id", "name", "email", "email_verified", "password_hash", "password_algo",
	"password_updated_at", "status", "login_failed_attempts", "locked_until", "last_login_at",
	"verification_code", "verification_expires_at", "reset_code", "reset_expires_at",
	"version", "revision", "created_at", "updated_at",
}

func newRepo(t *testing.T) (*UserRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewUserRepo(sqlx.NewDb(db, "postgres")), mock
}

func sampleRow(now time.Time) *sqlmock.Rows {
	hash := "$2a$04$abcdefghijklmnopqrstuv"
	resetExp := now.Add(time.Hour)
	return sqlmock.NewRows(columns).AddRow(
		"1790000000000000001", "Ana", "ana@example.com", true, hash, "bcrypt:4",
		nil, "active", 2, nil, nil,
		nil, nil, "654321", resetExp,
		int64(3), int64(7), now, now,
	)
}

func TestFindByEmail(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE email=\$1`).
		WithArgs("ana@example.com").
		WillReturnRows(sampleRow(now))

	u, err := r.FindByEmail(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "1790000000000000001", u.ID)
	assert.Equal(t, "Ana", u.Name)
	assert.True(t, u.EmailVerified)
	assert.True(t, u.HasPassword())
	assert.Equal(t, 2, u.LoginFailedAttempts)
	assert.Nil(t, u.Verification.Code)
	require.NotNil(t, u.Reset.Code)
	assert.Equal(t, "654321", *u.Reset.Code)
	assert.Equal(t, now.Add(time.Hour), *u.Reset.ExpiresAt)
	assert.Equal(t, int64(3), u.Version)
	assert.Equal(t, int64(7), u.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	r, mock := newRepo(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE id=\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := r.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByResetCode_FiltersExpired(t *testing.T) {
	r, mock := newRepo(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE reset_code=\$1 AND \(reset_expires_at IS NULL OR reset_expires_at > \$2\)`).
		WithArgs("654321", now).
		WillReturnRows(sampleRow(now))

	u, err := r.FindByResetCode(context.Background(), "654321", now)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DefaultsAndDuplicate(t *testing.T) {
	r, mock := newRepo(t)
	u := &entity.User{ID: "1", Name: "Ana", Email: "ana@example.com"}

	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.Create(context.Background(), u))
	assert.Equal(t, entity.StatusActive, u.Status)
	assert.Equal(t, int64(1), u.Version)
	assert.Equal(t, int64(1), u.Revision)

	mock.ExpectExec(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	err := r.Create(context.Background(), &entity.User{ID: "2", Email: "ana@example.com"})
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_OptimisticRevision(t *testing.T) {
	r, mock := newRepo(t)
	code := "123456"
	u := &entity.User{ID: "1", Email: "ana@example.com", Version: 1, Revision: 4}
	u.Verification.Code = &code

	mock.ExpectExec(`(?s)UPDATE users SET .*revision=revision\+1.*WHERE id=\$\d+ AND revision=\$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.Save(context.Background(), u))
	assert.Equal(t, int64(5), u.Revision)

	mock.ExpectExec(`UPDATE users SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, r.Save(context.Background(), u), ErrConflict)
	assert.Equal(t, int64(5), u.Revision)

	mock.ExpectExec(`UPDATE users SET`).WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_users_reset_code"})
	require.ErrorIs(t, r.Save(context.Background(), u), ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionVersion(t *testing.T) {
	r, mock := newRepo(t)
	mock.ExpectQuery(`SELECT version FROM users WHERE id=\$1`).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(9)))

	v, err := r.SessionVersion(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	mock.ExpectQuery(`SELECT version FROM users`).WillReturnError(sql.ErrNoRows)
	_, err = r.SessionVersion(context.Background(), "2")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockout(t *testing.T) {
	r, mock := newRepo(t)
	ctx := context.Background()
	until := time.Date(2026, 4, 1, 10, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE users SET login_failed_attempts = login_failed_attempts \+ 1`).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"login_failed_attempts"}).AddRow(6))
	n, err := r.IncrementFailedLogin(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	mock.ExpectQuery(`UPDATE users SET status='locked'`).
		WithArgs("1", until, 6).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	locked, err := r.LockIfThreshold(ctx, "1", 6, until)
	require.NoError(t, err)
	assert.True(t, locked)

	mock.ExpectQuery(`UPDATE users SET status='active'`).
		WithArgs("1", until).
		WillReturnError(sql.ErrNoRows)
	unlocked, err := r.UnlockIfExpired(ctx, "1", until)
	require.NoError(t, err)
	assert.False(t, unlocked)

	mock.ExpectExec(`UPDATE users SET login_failed_attempts=0`).
		WithArgs("1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.ResetLoginSuccess(ctx, "1"))

	mock.ExpectQuery(`UPDATE users SET status='active'`).WillReturnError(errors.New("conn reset"))
	_, err = r.UnlockIfExpired(ctx, "1", until)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
