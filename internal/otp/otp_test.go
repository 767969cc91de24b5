package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(codes ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func newTestLifecycle(now *time.Time, codes ...string) *Lifecycle {
	return &Lifecycle{
		Policies: map[Purpose]Policy{
			PurposeEmailVerification: {TTL: 0},
			PurposePasswordReset:     {TTL: time.Hour},
		},
		Generate: sequence(codes...),
		Now:      func() time.Time { return *now },
	}
}

func TestGenerate_SixDigits(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := Generate()
		require.NoError(t, err)
		require.Len(t, code, Digits)
		for _, c := range code {
			require.True(t, c >= '0' && c <= '9', "non digit in %q", code)
		}
		seen[code] = true
	}
	// 200 draws from a million values: collisions are possible but a handful at most
	assert.Greater(t, len(seen), 190)
}

func TestIssue_OverwritesPreviousCode(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLifecycle(&now, "111111", "222222")
	var slot Slot

	first, err := l.Issue(PurposePasswordReset, &slot)
	require.NoError(t, err)
	second, err := l.Issue(PurposePasswordReset, &slot)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	err = l.Consume(PurposePasswordReset, &slot, first)
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	require.NoError(t, l.Consume(PurposePasswordReset, &slot, second))
}

func TestIssue_ResetCodeCarriesExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLifecycle(&now, "123456")
	var slot Slot

	_, err := l.Issue(PurposePasswordReset, &slot)
	require.NoError(t, err)
	require.NotNil(t, slot.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *slot.ExpiresAt)

	var verify Slot
	_, err = l.Issue(PurposeEmailVerification, &verify)
	require.NoError(t, err)
	assert.Nil(t, verify.ExpiresAt)
}

func TestConsume_ExpiredCodeFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLifecycle(&now, "123456")
	var slot Slot

	code, err := l.Issue(PurposePasswordReset, &slot)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	require.ErrorIs(t, l.Consume(PurposePasswordReset, &slot, code), ErrInvalidOrExpired)
	assert.NotNil(t, slot.Code, "failed consume must not clear the slot")
}

func TestConsume_SingleUse(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	l := newTestLifecycle(&now, "123456")
	var slot Slot

	_, err := l.Issue(PurposeEmailVerification, &slot)
	require.NoError(t, err)

	require.ErrorIs(t, l.Consume(PurposeEmailVerification, &slot, "000000"), ErrInvalidOrExpired)
	require.NoError(t, l.Consume(PurposeEmailVerification, &slot, "123456"))
	assert.Nil(t, slot.Code)
	assert.Nil(t, slot.ExpiresAt)
	require.ErrorIs(t, l.Consume(PurposeEmailVerification, &slot, "123456"), ErrInvalidOrExpired)
}

func TestConsume_RejectsMalformedInput(t *testing.T) {
	now := time.Now()
	l := newTestLifecycle(&now, "123456")
	var slot Slot
	_, err := l.Issue(PurposeEmailVerification, &slot)
	require.NoError(t, err)

	for _, in := range []string{"", "12345", "1234567", "12345a", " 123456"} {
		require.ErrorIs(t, l.Consume(PurposeEmailVerification, &slot, in), ErrInvalidOrExpired, "input %q", in)
	}
	require.ErrorIs(t, l.Consume(PurposeEmailVerification, nil, "123456"), ErrInvalidOrExpired)
}

func TestUnknownPurpose(t *testing.T) {
	now := time.Now()
	l := newTestLifecycle(&now, "123456")
	var slot Slot

	_, err := l.Issue(Purpose("sms"), &slot)
	require.ErrorIs(t, err, ErrUnknownPurpose)
	require.ErrorIs(t, l.Consume(Purpose("sms"), &slot, "123456"), ErrUnknownPurpose)
}

func TestSlot_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	code := "123456"
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, (*Slot)(nil).Active(now))
	assert.False(t, (&Slot{}).Active(now))
	assert.True(t, (&Slot{Code: &code}).Active(now))
	assert.True(t, (&Slot{Code: &code, ExpiresAt: &future}).Active(now))
	assert.False(t, (&Slot{Code: &code, ExpiresAt: &past}).Active(now))
	assert.False(t, (&Slot{Code: &code, ExpiresAt: &now}).Active(now))
}
