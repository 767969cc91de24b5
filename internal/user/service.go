package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	mailer "github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/mail"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/otp"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/ratelimit"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/entity"
	userrepo "github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user/repo"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/pkg/utilities"
)

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(pw string) (hash string, algo string, err error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", "", err
	}
	return string(h), fmt.Sprintf("bcrypt:%d", b.cost()), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// NeedsRehash reports hashes produced with a lower cost than configured.
func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return c < b.cost()
}

// Store is the credential store the service reads and writes user records through.
type Store interface {
	Create(ctx context.Context, u *entity.User) error
	FindByID(ctx context.Context, id string) (*entity.User, error)
	FindByEmail(ctx context.Context, email string) (*entity.User, error)
	FindByResetCode(ctx context.Context, code string, now time.Time) (*entity.User, error)
	Save(ctx context.Context, u *entity.User) error
	IncrementFailedLogin(ctx context.Context, id string) (int, error)
	LockIfThreshold(ctx context.Context, id string, threshold int, until time.Time) (bool, error)
	ResetLoginSuccess(ctx context.Context, id string) error
	UnlockIfExpired(ctx context.Context, id string, now time.Time) (bool, error)
}

// Limiter throttles code resends and code attempts.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

var (
	ErrAuthenticationFailed = errors.New("invalid email or password")
	ErrEmailNotVerified     = errors.New("email not verified")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidInput         = errors.New("invalid input")
	ErrTooManyRequests      = errors.New("too many requests")
	ErrNotFound             = userrepo.ErrNotFound
	ErrConflict             = userrepo.ErrConflict
)

// ThrottledError is returned when a resend or code attempt is refused by a
// limiter.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many requests, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool { return target == ErrTooManyRequests }

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes
	maxPasswordLen = 72
	maxNameLen     = 120
	// attempts per write before giving up on concurrent modification or code collisions
	maxWriteAttempts = 5
	// upper bound for one background mail delivery
	mailTimeout = 30 * time.Second
)

// Deps wires the service. Limiter throttles resends and duplicate sign-up
// notices; Attempts throttles code submissions. Either may be nil to disable
// that throttle.
type Deps struct {
	Store        Store
	Hasher       PasswordHasher
	Codes        *otp.Lifecycle
	Mailer       mailer.Sender
	Limiter      Limiter
	Attempts     Limiter
	Logger       *zap.SugaredLogger
	NewID        func() string
	Now          func() time.Time
	MaxFailed    int
	LockDuration time.Duration
}

// Service orchestrates registration, authentication, email verification and
// password recovery.
type Service struct {
	store        Store
	hasher       PasswordHasher
	codes        *otp.Lifecycle
	mailer       mailer.Sender
	limiter      Limiter
	attempts     Limiter
	logger       *zap.SugaredLogger
	newID        func() string
	now          func() time.Time
	maxFailed    int
	lockDuration time.Duration

	dummyOnce sync.Once
	dummyHash string

	mailWG sync.WaitGroup
}

func NewService(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		hasher:       d.Hasher,
		codes:        d.Codes,
		mailer:       d.Mailer,
		limiter:      d.Limiter,
		attempts:     d.Attempts,
		logger:       d.Logger,
		newID:        d.NewID,
		now:          d.Now,
		maxFailed:    d.MaxFailed,
		lockDuration: d.LockDuration,
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{Cost: 12}
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.mailer == nil {
		s.mailer = mailer.LogSender{Logger: s.logger}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = utilities.NewKSUID
	}
	if s.codes == nil {
		s.codes = otp.NewLifecycle(map[otp.Purpose]otp.Policy{
			otp.PurposeEmailVerification: {TTL: 24 * time.Hour},
			otp.PurposePasswordReset:     {TTL: time.Hour},
		})
	}
	if s.maxFailed == 0 {
		s.maxFailed = 6
	}
	if s.lockDuration == 0 {
		s.lockDuration = 15 * time.Minute
	}
	return s
}

// RegisterInput is the payload of Register.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates an unverified account and mails its verification code.
// When the email is taken, the owner is sent a notice instead and
// ErrEmailTaken is returned; callers answer both cases alike.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*entity.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name is required (at most %d characters)", ErrInvalidInput, maxNameLen)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, algo, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := &entity.User{
		ID:                s.newID(),
		Name:              name,
		Email:             email,
		PasswordHash:      &hash,
		PasswordAlgo:      &algo,
		PasswordUpdatedAt: &now,
		Status:            entity.StatusActive,
		Version:           1,
	}
	code, err := s.codes.Issue(otp.PurposeEmailVerification, &u.Verification)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicate) {
			s.noticeExisting(ctx, email)
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.logger.Infow("user registered", "user_id", u.ID)
	s.deliverCode(ctx, otp.PurposeEmailVerification, u, code)
	return u, nil
}

// noticeExisting tells the owner of email that someone tried to sign up with
// it. Notices share the resend throttle and are dropped when refused.
func (s *Service) noticeExisting(ctx context.Context, email string) {
	if err := s.take(ctx, s.limiter, "notice:"+email); err != nil {
		s.logger.Debugw("account exists notice throttled")
		return
	}
	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		s.logger.Warnw("account exists notice lookup failed", "err", err)
		return
	}
	name, addr := u.Name, u.Email
	s.deliver(ctx, "account_exists", u.ID, func(ctx context.Context) error {
		return s.mailer.SendAccountExistsEmail(ctx, name, addr)
	})
}

// Authenticate checks email and password. Unknown accounts, wrong passwords,
// locked or disabled accounts all yield ErrAuthenticationFailed. A correct
// password on an unverified account yields ErrEmailNotVerified.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*entity.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrAuthenticationFailed
	}
	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			// spend the same bcrypt work as a real comparison
			s.hasher.Verify(s.fakeHash(), password)
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}

	now := s.now()
	if u.Status == entity.StatusLocked && u.LockedUntil != nil && !now.Before(*u.LockedUntil) {
		unlocked, err := s.store.UnlockIfExpired(ctx, u.ID, now)
		if err != nil {
			s.logger.Warnw("unlock expired lock", "user_id", u.ID, "err", err)
		}
		if unlocked {
			u.Status = entity.StatusActive
			u.LockedUntil = nil
			u.LoginFailedAttempts = 0
		}
	}
	if u.Status != entity.StatusActive || !u.HasPassword() {
		s.hasher.Verify(s.fakeHash(), password)
		s.logger.Debugw("login refused", "user_id", u.ID, "status", u.Status)
		return nil, ErrAuthenticationFailed
	}

	if !s.hasher.Verify(*u.PasswordHash, password) {
		if _, incErr := s.store.IncrementFailedLogin(ctx, u.ID); incErr == nil {
			locked, lockErr := s.store.LockIfThreshold(ctx, u.ID, s.maxFailed, now.Add(s.lockDuration))
			switch {
			case lockErr != nil:
				s.logger.Warnw("lock after failed logins", "user_id", u.ID, "err", lockErr)
			case locked:
				s.logger.Warnw("account locked after failed logins", "user_id", u.ID)
			}
		} else {
			s.logger.Warnw("increment failed login", "user_id", u.ID, "err", incErr)
		}
		return nil, ErrAuthenticationFailed
	}

	if !u.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	if err := s.store.ResetLoginSuccess(ctx, u.ID); err != nil {
		return nil, err
	}
	u.LoginFailedAttempts = 0
	u.LastLoginAt = &now

	if s.hasher.NeedsRehash(*u.PasswordHash) {
		if newHash, algo, hErr := s.hasher.Hash(password); hErr == nil {
			u.PasswordHash, u.PasswordAlgo = &newHash, &algo
			if err := s.store.Save(ctx, u); err != nil {
				s.logger.Warnw("password rehash not saved", "user_id", u.ID, "err", err)
			}
		}
	}
	return u, nil
}

// VerifyEmail consumes the verification code of the account and marks the
// email verified. Attempts are throttled per email, known or not.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return otp.ErrInvalidOrExpired
	}
	if err := s.take(ctx, s.attempts, "verify:"+email); err != nil {
		return err
	}
	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return otp.ErrInvalidOrExpired
		}
		return err
	}
	if err := s.codes.Consume(otp.PurposeEmailVerification, &u.Verification, strings.TrimSpace(code)); err != nil {
		return err
	}
	u.EmailVerified = true
	if err := s.store.Save(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrConflict) {
			return otp.ErrInvalidOrExpired
		}
		return err
	}
	s.logger.Infow("email verified", "user_id", u.ID)
	return nil
}

// ResendVerification issues a fresh verification code. Unknown or already
// verified accounts succeed silently.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	return s.reissue(ctx, otp.PurposeEmailVerification, email, func(u *entity.User) bool {
		return !u.EmailVerified
	})
}

// RequestPasswordReset issues a fresh reset code. Unknown accounts succeed
// silently.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	return s.reissue(ctx, otp.PurposePasswordReset, email, func(u *entity.User) bool {
		return u.Status != entity.StatusDisabled
	})
}

func (s *Service) reissue(ctx context.Context, purpose otp.Purpose, email string, eligible func(*entity.User) bool) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if err := s.take(ctx, s.limiter, "resend:"+string(purpose)+":"+email); err != nil {
		return err
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		u, err := s.store.FindByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, userrepo.ErrNotFound) {
				s.logger.Debugw("code requested for unknown account", "purpose", purpose)
				return nil
			}
			return err
		}
		if !eligible(u) {
			return nil
		}
		code, err := s.codes.Issue(purpose, u.SlotFor(purpose))
		if err != nil {
			return err
		}
		err = s.store.Save(ctx, u)
		switch {
		case err == nil:
			s.deliverCode(ctx, purpose, u, code)
			return nil
		case errors.Is(err, userrepo.ErrConflict), errors.Is(err, userrepo.ErrDuplicate):
			// record changed underneath us, or the reset code collided with another account's
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("issue %s code: %w", purpose, ErrConflict)
}

// ResetPassword consumes a reset code and sets a new password. Existing
// sessions of the account are revoked by bumping its session version. Reset
// codes are looked up across all accounts, so attempts are throttled per
// client address.
func (s *Service) ResetPassword(ctx context.Context, client, code, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if client == "" {
		client = "unknown"
	}
	if err := s.take(ctx, s.attempts, "reset:"+client); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	now := s.now()
	u, err := s.store.FindByResetCode(ctx, code, now)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return otp.ErrInvalidOrExpired
		}
		return err
	}
	if err := s.codes.Consume(otp.PurposePasswordReset, &u.Reset, code); err != nil {
		return err
	}
	hash, algo, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash, u.PasswordAlgo, u.PasswordUpdatedAt = &hash, &algo, &now
	u.Version++
	// receiving the reset code proves control of the mailbox
	if !u.EmailVerified {
		u.EmailVerified = true
		u.Verification.Clear()
	}
	if err := s.store.Save(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrConflict) {
			return otp.ErrInvalidOrExpired
		}
		return err
	}
	s.logger.Infow("password reset", "user_id", u.ID)
	return nil
}

// Get returns the account by id.
func (s *Service) Get(ctx context.Context, id string) (*entity.User, error) {
	return s.store.FindByID(ctx, id)
}

// Wait blocks until background mail deliveries have finished.
func (s *Service) Wait() {
	s.mailWG.Wait()
}

// take consumes one token for key from l. A nil or unavailable limiter allows
// the request.
func (s *Service) take(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	res, err := l.Allow(ctx, key)
	if err != nil {
		s.logger.Warnw("limiter unavailable, allowing request", "err", err)
		return nil
	}
	if !res.Allowed {
		return &ThrottledError{RetryAfter: res.RetryAfter}
	}
	return nil
}

func (s *Service) deliverCode(ctx context.Context, purpose otp.Purpose, u *entity.User, code string) {
	name, addr := u.Name, u.Email
	s.deliver(ctx, string(purpose), u.ID, func(ctx context.Context) error {
		switch purpose {
		case otp.PurposeEmailVerification:
			return s.mailer.SendVerificationEmail(ctx, name, addr, code)
		case otp.PurposePasswordReset:
			return s.mailer.SendPasswordResetEmail(ctx, name, addr, code)
		}
		return fmt.Errorf("no mail for purpose %q", purpose)
	})
}

// deliver runs send in the background, detached from the request, so the
// response does not wait on the mail provider. Failures are logged and never
// surface to the caller; a code remains valid and can be resent.
func (s *Service) deliver(ctx context.Context, kind, userID string, send func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.mailWG.Add(1)
	go func() {
		defer s.mailWG.Done()
		ctx, cancel := context.WithTimeout(ctx, mailTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.logger.Errorw("send mail failed", "kind", kind, "user_id", userID, "err", err)
		}
	}()
}

func (s *Service) fakeHash() string {
	s.dummyOnce.Do(func() {
		h, _, err := s.hasher.Hash("not-a-real-password")
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	return email, nil
}

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	if len(pw) > maxPasswordLen {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLen)
	}
	return nil
}
