package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/otp"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/entity"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrConflict  = errors.New("user record changed concurrently")
	ErrDuplicate = errors.New("unique constraint violated")
)

const uniqueViolation = "23505"

// UserRepo provides data access for the users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id, name, email, email_verified, password_hash, password_algo,
	password_updated_at, status, login_failed_attempts, locked_until, last_login_at,
	verification_code, verification_expires_at, reset_code, reset_expires_at,
	version, revision, created_at, updated_at`

type userRow struct {
	ID                    string     `db:"id"`
	Name                  string     `db:"name"`
	Email                 string     `db:"email"`
	EmailVerified         bool       `db:"email_verified"`
	PasswordHash          *string    `db:"password_hash"`
	PasswordAlgo          *string    `db:"password_algo"`
	PasswordUpdatedAt     *time.Time `db:"password_updated_at"`
	Status                string     `db:"status"`
	LoginFailedAttempts   int        `db:"login_failed_attempts"`
	LockedUntil           *time.Time `db:"locked_until"`
	LastLoginAt           *time.Time `db:"last_login_at"`
	VerificationCode      *string    `db:"verification_code"`
	VerificationExpiresAt *time.Time `db:"verification_expires_at"`
	ResetCode             *string    `db:"reset_code"`
	ResetExpiresAt        *time.Time `db:"reset_expires_at"`
	Version               int64      `db:"version"`
	Revision              int64      `db:"revision"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

func (r userRow) toEntity() *entity.User {
	return &entity.User{
		ID:                  r.ID,
		Name:                r.Name,
		Email:               r.Email,
		EmailVerified:       r.EmailVerified,
		PasswordHash:        r.PasswordHash,
		PasswordAlgo:        r.PasswordAlgo,
		PasswordUpdatedAt:   r.PasswordUpdatedAt,
		Status:              r.Status,
		LoginFailedAttempts: r.LoginFailedAttempts,
		LockedUntil:         r.LockedUntil,
		LastLoginAt:         r.LastLoginAt,
		Verification:        otp.Slot{Code: r.VerificationCode, ExpiresAt: r.VerificationExpiresAt},
		Reset:               otp.Slot{Code: r.ResetCode, ExpiresAt: r.ResetExpiresAt},
		Version:             r.Version,
		Revision:            r.Revision,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func params(u *entity.User) map[string]any {
	return map[string]any{
		"id":                      u.ID,
		"name":                    u.Name,
		"email":                   u.Email,
		"email_verified":          u.EmailVerified,
		"password_hash":           u.PasswordHash,
		"password_algo":           u.PasswordAlgo,
		"password_updated_at":     u.PasswordUpdatedAt,
		"status":                  u.Status,
		"verification_code":       u.Verification.Code,
		"verification_expires_at": u.Verification.ExpiresAt,
		"reset_code":              u.Reset.Code,
		"reset_expires_at":        u.Reset.ExpiresAt,
		"version":                 u.Version,
		"revision":                u.Revision,
	}
}

// Create inserts a new user. A taken email (or reset code) yields ErrDuplicate.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	if u.Status == "" {
		u.Status = entity.StatusActive
	}
	if u.Version == 0 {
		u.Version = 1
	}
	u.Revision = 1
	const q = `INSERT INTO users (id,name,email,email_verified,password_hash,password_algo,password_updated_at,status,
		verification_code,verification_expires_at,reset_code,reset_expires_at,version,revision)
		VALUES (:id,:name,:email,:email_verified,:password_hash,:password_algo,:password_updated_at,:status,
		:verification_code,:verification_expires_at,:reset_code,:reset_expires_at,:version,:revision)`
	if _, err := r.db.NamedExecContext(ctx, q, params(u)); err != nil {
		return translate(err)
	}
	return nil
}

// FindByID fetches a full user row.
func (r *UserRepo) FindByID(ctx context.Context, id string) (*entity.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

// FindByEmail matches case-insensitively (citext column).
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
}

// FindByResetCode returns the user holding code as an unexpired reset code.
func (r *UserRepo) FindByResetCode(ctx context.Context, code string, now time.Time) (*entity.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users
		WHERE reset_code=$1 AND (reset_expires_at IS NULL OR reset_expires_at > $2)`
	return r.findOne(ctx, q, code, now)
}

func (r *UserRepo) findOne(ctx context.Context, q string, args ...any) (*entity.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		return nil, translate(err)
	}
	return row.toEntity(), nil
}

// Save writes the mutable profile, password, code and version columns.
// It fails with ErrConflict when the row was saved by someone else since u was
// read. Lockout counters are not touched; they have their own atomic updates.
func (r *UserRepo) Save(ctx context.Context, u *entity.User) error {
	const q = `UPDATE users SET name=:name, email=:email, email_verified=:email_verified,
		password_hash=:password_hash, password_algo=:password_algo, password_updated_at=:password_updated_at,
		verification_code=:verification_code, verification_expires_at=:verification_expires_at,
		reset_code=:reset_code, reset_expires_at=:reset_expires_at,
		version=:version, revision=revision+1, updated_at=NOW()
		WHERE id=:id AND revision=:revision`
	res, err := r.db.NamedExecContext(ctx, q, params(u))
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	u.Revision++
	return nil
}

// SessionVersion returns the current session version of a user.
func (r *UserRepo) SessionVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	if err := r.db.GetContext(ctx, &v, `SELECT version FROM users WHERE id=$1`, id); err != nil {
		return 0, translate(err)
	}
	return v, nil
}

// IncrementFailedLogin increments the failure counter atomically and returns new value.
func (r *UserRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	const q = `UPDATE users SET login_failed_attempts = login_failed_attempts + 1, updated_at=NOW() WHERE id=$1 RETURNING login_failed_attempts`
	var v int
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, translate(err)
	}
	return v, nil
}

// LockIfThreshold locks an active user until the given time once attempts reach threshold.
func (r *UserRepo) LockIfThreshold(ctx context.Context, id string, threshold int, until time.Time) (bool, error) {
	const q = `UPDATE users SET status='locked', locked_until=$2, updated_at=NOW()
		WHERE id=$1 AND status='active' AND login_failed_attempts >= $3 RETURNING 1`
	return r.affectedOne(ctx, q, id, until, threshold)
}

// ResetLoginSuccess resets failure metrics on successful authentication.
func (r *UserRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	const q = `UPDATE users SET login_failed_attempts=0, last_login_at=NOW(), locked_until=NULL, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// UnlockIfExpired sets status back to active if locked_until passed.
func (r *UserRepo) UnlockIfExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `UPDATE users SET status='active', locked_until=NULL, login_failed_attempts=0, updated_at=NOW()
		WHERE id=$1 AND status='locked' AND locked_until IS NOT NULL AND locked_until <= $2 RETURNING 1`
	return r.affectedOne(ctx, q, id, now)
}

func (r *UserRepo) affectedOne(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	if err := r.db.GetContext(ctx, &one, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
