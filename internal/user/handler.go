package user

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/otp"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
)

const maxBodyBytes = 1 << 20

// Handler exposes HTTP endpoints for the account flows.
type Handler struct {
	svc      *Service
	issuer   *session.Issuer
	verifier *session.Verifier
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, issuer *session.Issuer, verifier *session.Verifier, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, issuer: issuer, verifier: verifier, logger: logger}
}

// RegisterRequest request body for the register endpoint.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AccountResponse describes an account without secrets.
type AccountResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Register answers a new and an already registered email the same way; the
// owner of a taken address is notified by mail.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	_, err := h.svc.Register(r.Context(), RegisterInput{Name: req.Name, Email: req.Email, Password: req.Password})
	if err != nil && !errors.Is(err, ErrEmailTaken) {
		h.fail(w, "register", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "check your email to continue"})
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	cookie, err := h.issuer.Issue(session.Identity{UserID: u.ID, Email: u.Email, Version: u.Version})
	if err != nil {
		h.fail(w, "issue session", err)
		return
	}
	http.SetCookie(w, cookie)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    u.ID,
		"email":      u.Email,
		"expires_at": cookie.Expires.UTC().Format(time.RFC3339),
	})
}

// Logout only deletes the cookie; the token itself stays valid until expiry.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.issuer.ClearCookie())
	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmailRequest carries the emailed verification code.
type VerifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		h.fail(w, "verify email", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// EmailRequest is the payload of endpoints keyed only by email.
type EmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendVerification(r.Context(), req.Email); err != nil {
		h.fail(w, "resend verification", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "if the account exists and is unverified, a new code was sent"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, "forgot password", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "if the account exists, a reset code was sent"})
}

// ResetPasswordRequest carries the reset code and the new password.
type ResetPasswordRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), clientAddr(r), req.Code, req.Password); err != nil {
		h.fail(w, "reset password", err)
		return
	}
	// the caller's own session (if any) was revoked with the others
	http.SetCookie(w, h.issuer.ClearCookie())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

// Session reports the identity behind the request cookie. It verifies the
// cookie itself since /api routes are not guarded.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id, _ := h.verifier.FromRequest(r)
	if id == nil {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

// Dashboard is the authenticated landing page. The route guard has already
// attached the identity.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := session.IdentityFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}
	resp := map[string]any{"identity": id}
	if u, err := h.svc.Get(r.Context(), id.UserID); err == nil {
		resp["account"] = AccountResponse{ID: u.ID, Name: u.Name, Email: u.Email, EmailVerified: u.EmailVerified}
	} else {
		h.logger.Warnw("dashboard account lookup failed", "user_id", id.UserID, "err", err)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var throttled *ThrottledError
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAuthenticationFailed):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ErrAuthenticationFailed.Error()})
	case errors.Is(err, ErrEmailNotVerified):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": ErrEmailNotVerified.Error()})
	case errors.Is(err, otp.ErrInvalidOrExpired):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": otp.ErrInvalidOrExpired.Error()})
	case errors.As(err, &throttled):
		secs := int(throttled.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": ErrTooManyRequests.Error()})
	default:
		h.logger.Errorw(op+" failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
	}
}

// clientAddr is the peer address without port. Forwarding headers are not
// trusted.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
