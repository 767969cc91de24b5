package router

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
)

// GuardConfig holds the redirect targets and cookie attributes of the guard.
type GuardConfig struct {
	LoginPath   string
	LandingPath string
	Cookie      session.CookieConfig
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.LandingPath == "" {
		c.LandingPath = "/dashboard"
	}
	return c
}

// Guard classifies each request path and redirects or passes it through
// according to Decide. Verified identities are attached to the request context
// for protected routes. Unclassified paths are never verified.
func Guard(verifier *session.Verifier, table RouteTable, cfg GuardConfig, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := table.Classify(r.URL.Path)
			if class == ClassUnclassified {
				next.ServeHTTP(w, r)
				return
			}
			id, hasCookie := verifier.FromRequest(r)
			d := Decide(class, hasCookie, id)
			logger.Debugw("route guard", "path", r.URL.Path, "class", class.String(), "state", d.State.String())

			switch d.Action {
			case ActionRedirectLogin:
				http.Redirect(w, r, cfg.LoginPath, http.StatusSeeOther)
			case ActionRedirectLoginClearCookie:
				http.SetCookie(w, session.ClearCookie(cfg.Cookie))
				http.Redirect(w, r, cfg.LoginPath, http.StatusSeeOther)
			case ActionRedirectLanding:
				http.Redirect(w, r, cfg.LandingPath, http.StatusSeeOther)
			default:
				if d.State == StateProtectedValid {
					r = r.WithContext(session.WithIdentity(r.Context(), id))
				}
				next.ServeHTTP(w, r)
			}
		})
	}
}
