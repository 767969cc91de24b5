// Package mail delivers account emails (verification and password reset codes,
// and the notice sent when someone signs up with a registered address).
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Sender delivers one-time codes and account notices to users.
type Sender interface {
	SendVerificationEmail(ctx context.Context, name, email, code string) error
	SendPasswordResetEmail(ctx context.Context, name, email, code string) error
	SendAccountExistsEmail(ctx context.Context, name, email string) error
}

type message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// APISender posts messages to a transactional mail HTTP API.
type APISender struct {
	Endpoint   string
	APIKey     string
	From       string
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPISender returns a sender for endpoint. baseURL is used to build links
// in the message body.
func NewAPISender(endpoint, apiKey, from, baseURL string) *APISender {
	return &APISender{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		From:       from,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (s *APISender) SendVerificationEmail(ctx context.Context, name, email, code string) error {
	link := s.BaseURL + "/login?verify=" + url.QueryEscape(email)
	text := fmt.Sprintf("Hi %s,\n\nYour verification code is %s.\nConfirm your email at %s\n", greeting(name), code, link)
	return s.send(ctx, message{From: s.From, To: email, Subject: "Confirm your email", Text: text})
}

func (s *APISender) SendPasswordResetEmail(ctx context.Context, name, email, code string) error {
	link := s.BaseURL + "/forgot-password?code=" + url.QueryEscape(code)
	text := fmt.Sprintf("Hi %s,\n\nUse the code %s to choose a new password: %s\nThe code expires soon. If you did not ask for this, ignore this email.\n", greeting(name), code, link)
	return s.send(ctx, message{From: s.From, To: email, Subject: "Reset your password", Text: text})
}

func (s *APISender) SendAccountExistsEmail(ctx context.Context, name, email string) error {
	text := fmt.Sprintf("Hi %s,\n\nSomeone tried to create a new account with this email address, which already has one.\nSign in at %s or recover your password at %s\nIf this was not you, no action is needed.\n",
		greeting(name), s.BaseURL+"/login", s.BaseURL+"/forgot-password")
	return s.send(ctx, message{From: s.From, To: email, Subject: "You already have an account", Text: text})
}

func (s *APISender) send(ctx context.Context, msg message) error {
	if s.Endpoint == "" {
		return fmt.Errorf("mail: endpoint not configured")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

func greeting(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

// LogSender only logs that a message would have been sent. The code itself is
// not written to the log.
type LogSender struct {
	Logger *zap.SugaredLogger
}

func (s LogSender) SendVerificationEmail(ctx context.Context, name, email, code string) error {
	s.Logger.Infow("mail not configured, verification email skipped", "to", email)
	return nil
}

func (s LogSender) SendPasswordResetEmail(ctx context.Context, name, email, code string) error {
	s.Logger.Infow("mail not configured, password reset email skipped", "to", email)
	return nil
}

func (s LogSender) SendAccountExistsEmail(ctx context.Context, name, email string) error {
	s.Logger.Infow("mail not configured, account exists notice skipped", "to", email)
	return nil
}
