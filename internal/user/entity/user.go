package entity

import (
	"time"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/otp"
)

// Account status values stored in users.status.
const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// User is an account row in the `users` table.
type User struct {
	ID                  string
	Name                string
	Email               string
	EmailVerified       bool
	PasswordHash        *string
	PasswordAlgo        *string
	PasswordUpdatedAt   *time.Time
	Status              string
	LoginFailedAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	// Verification and Reset each hold at most one active code.
	Verification otp.Slot
	Reset        otp.Slot
	// Version is the session version; bumping it revokes issued sessions.
	Version int64
	// Revision guards Save against lost updates.
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether a usable password hash is stored.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// SlotFor returns the code slot backing purpose, or nil for unknown purposes.
func (u *User) SlotFor(purpose otp.Purpose) *otp.Slot {
	switch purpose {
	case otp.PurposeEmailVerification:
		return &u.Verification
	case otp.PurposePasswordReset:
		return &u.Reset
	}
	return nil
}
