package router

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/user"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			// query strings are not logged; reset links carry codes
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), geolocation=()")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self'; frame-ancestors 'none'")
			}
			// session and account responses must not be cached by intermediaries
			if strings.HasPrefix(r.URL.Path, "/api/auth/") {
				h.Set("Cache-Control", "no-store")
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Deps are the collaborators RegisterRoutes mounts.
type Deps struct {
	Logger   *zap.SugaredLogger
	Users    *user.Handler
	Verifier *session.Verifier
	Table    RouteTable
	Guard    GuardConfig
}

// RegisterRoutes mounts HTTP handlers on a standard library http.ServeMux and
// wraps it as logging -> security headers -> route guard -> mux.
func RegisterRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// public-auth pages; rendering lives in the web client
	for _, page := range []string{"/login", "/register", "/forgot-password"} {
		mux.HandleFunc("GET "+page, pagePlaceholder(page))
	}
	mux.HandleFunc("GET /dashboard", d.Users.Dashboard)

	mux.HandleFunc("POST /api/auth/register", d.Users.Register)
	mux.HandleFunc("POST /api/auth/login", d.Users.Login)
	mux.HandleFunc("POST /api/auth/logout", d.Users.Logout)
	mux.HandleFunc("POST /api/auth/verify-email", d.Users.VerifyEmail)
	mux.HandleFunc("POST /api/auth/resend-verification", d.Users.ResendVerification)
	mux.HandleFunc("POST /api/auth/forgot-password", d.Users.ForgotPassword)
	mux.HandleFunc("POST /api/auth/reset-password", d.Users.ResetPassword)
	mux.HandleFunc("GET /api/auth/session", d.Users.Session)

	table := d.Table
	if table == nil {
		table = DefaultRouteTable()
	}
	guarded := Guard(d.Verifier, table, d.Guard, d.Logger)(mux)
	return LoggingMiddleware(d.Logger)(SecurityHeadersMiddleware()(guarded))
}

func pagePlaceholder(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"page":"` + strings.TrimPrefix(page, "/") + `"}`))
	}
}
