// Package otp implements the lifecycle of short numeric one-time codes used for
// email verification and password reset.
//
// A user record holds at most one Slot per Purpose. Issuing overwrites the slot,
// so the previous code stops working immediately. Consuming a matching,
// unexpired code clears the slot; single use is enforced by that clear, not by
// remembering used codes.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Digits is the fixed width of every code.
const Digits = 6

// ErrInvalidOrExpired is the only failure reported to callers of Consume.
var ErrInvalidOrExpired = errors.New("code invalid or expired")

// ErrUnknownPurpose is returned when no policy is registered for a purpose.
var ErrUnknownPurpose = errors.New("otp: unknown purpose")

// Purpose names what a code proves.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// Policy configures one purpose. A zero TTL issues codes that never expire.
type Policy struct {
	TTL time.Duration
}

var codeSpace = big.NewInt(1_000_000)

// Generate returns a uniformly distributed 6-digit code, zero padded.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("otp: generate: %w", err)
	}
	return fmt.Sprintf("%0*d", Digits, n.Int64()), nil
}

// Slot is the (code, expiry) pair stored on the user record for one purpose.
type Slot struct {
	Code      *string
	ExpiresAt *time.Time
}

// Active reports whether the slot holds a code that has not expired at now.
func (s *Slot) Active(now time.Time) bool {
	if s == nil || s.Code == nil || *s.Code == "" {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// Clear empties the slot.
func (s *Slot) Clear() {
	s.Code = nil
	s.ExpiresAt = nil
}

// Lifecycle issues and consumes codes according to per-purpose policies.
type Lifecycle struct {
	Policies map[Purpose]Policy
	Generate func() (string, error)
	Now      func() time.Time
}

// NewLifecycle returns a Lifecycle using crypto/rand codes and the wall clock.
func NewLifecycle(policies map[Purpose]Policy) *Lifecycle {
	return &Lifecycle{Policies: policies, Generate: Generate, Now: time.Now}
}

// Issue writes a fresh code into slot, replacing any previous one, and returns
// the code for delivery.
func (l *Lifecycle) Issue(purpose Purpose, slot *Slot) (string, error) {
	policy, ok := l.Policies[purpose]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	code, err := l.Generate()
	if err != nil {
		return "", err
	}
	if !wellFormed(code) {
		return "", fmt.Errorf("otp: generator produced a malformed code")
	}
	slot.Code = &code
	slot.ExpiresAt = nil
	if policy.TTL > 0 {
		exp := l.Now().Add(policy.TTL)
		slot.ExpiresAt = &exp
	}
	return code, nil
}

// Consume checks submitted against slot. On success the slot is cleared; the
// caller must persist the record for the clear to take effect.
func (l *Lifecycle) Consume(purpose Purpose, slot *Slot, submitted string) error {
	if _, ok := l.Policies[purpose]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	if slot == nil || slot.Code == nil || !wellFormed(submitted) {
		return ErrInvalidOrExpired
	}
	if !slot.Active(l.Now()) {
		return ErrInvalidOrExpired
	}
	if subtle.ConstantTimeCompare([]byte(*slot.Code), []byte(submitted)) != 1 {
		return ErrInvalidOrExpired
	}
	slot.Clear()
	return nil
}

func wellFormed(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
