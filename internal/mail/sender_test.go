package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAPISender_Defaults(t *testing.T) {
	s := NewAPISender("https://mail.example.com/send", "key", "no-reply@example.com", "https://app.example.com/")
	require.NotNil(t, s.HTTPClient)
	assert.Equal(t, defaultTimeout, s.HTTPClient.Timeout)
	assert.Equal(t, "https://app.example.com", s.BaseURL)
}

func TestAPISender_SendVerificationEmail(t *testing.T) {
	var got message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s := NewAPISender(server.URL, "secret-key", "no-reply@example.com", "https://app.example.com")
	err := s.SendVerificationEmail(context.Background(), "Ana", "ana@example.com", "042137")
	require.NoError(t, err)

	assert.Equal(t, "no-reply@example.com", got.From)
	assert.Equal(t, "ana@example.com", got.To)
	assert.Equal(t, "Confirm your email", got.Subject)
	assert.Contains(t, got.Text, "Hi Ana")
	assert.Contains(t, got.Text, "042137")
}

func TestAPISender_SendPasswordResetEmail(t *testing.T) {
	var got message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewAPISender(server.URL, "", "no-reply@example.com", "https://app.example.com")
	err := s.SendPasswordResetEmail(context.Background(), "", "ana@example.com", "123456")
	require.NoError(t, err)

	assert.Equal(t, "Reset your password", got.Subject)
	assert.Contains(t, got.Text, "Hi there")
	assert.Contains(t, got.Text, "https://app.example.com/forgot-password?code=123456")
}

func TestAPISender_SendAccountExistsEmail(t *testing.T) {
	var got message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s := NewAPISender(server.URL, "", "no-reply@example.com", "https://app.example.com")
	require.NoError(t, s.SendAccountExistsEmail(context.Background(), "Ana", "ana@example.com"))

	assert.Equal(t, "ana@example.com", got.To)
	assert.Equal(t, "You already have an account", got.Subject)
	assert.Contains(t, got.Text, "Hi Ana")
	assert.Contains(t, got.Text, "https://app.example.com/forgot-password")
}

func TestAPISender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	s := NewAPISender(server.URL, "wrong", "from@example.com", "")
	err := s.SendVerificationEmail(context.Background(), "Ana", "ana@example.com", "000001")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "status=401"))
}

func TestAPISender_NoEndpoint(t *testing.T) {
	s := NewAPISender("", "k", "from@example.com", "")
	require.Error(t, s.SendPasswordResetEmail(context.Background(), "Ana", "ana@example.com", "000001"))
}

func TestLogSender_DoesNotLogCode(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := LogSender{Logger: zap.New(core).Sugar()}

	require.NoError(t, s.SendVerificationEmail(context.Background(), "Ana", "ana@example.com", "987654"))
	require.NoError(t, s.SendPasswordResetEmail(context.Background(), "Ana", "ana@example.com", "123123"))

	require.Equal(t, 2, logs.Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "987654")
		for _, f := range entry.Context {
			assert.NotEqual(t, "987654", f.String)
			assert.NotEqual(t, "123123", f.String)
		}
	}
}
