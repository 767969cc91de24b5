package router

import (
	"strings"

	"github.com/anthony-c-silva/gestao-financeira-ai-sub000/internal/session"
)

// RouteClass tells the guard how to treat a path.
type RouteClass int

const (
	ClassUnclassified RouteClass = iota
	ClassProtected
	ClassPublicAuth
)

func (c RouteClass) String() string {
	switch c {
	case ClassProtected:
		return "protected"
	case ClassPublicAuth:
		return "public-auth"
	default:
		return "unclassified"
	}
}

// Route binds a path prefix to a class.
type Route struct {
	Prefix string
	Class  RouteClass
}

// RouteTable is static and read-only after startup.
type RouteTable []Route

// DefaultRouteTable is the application's route classification.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		{Prefix: "/dashboard", Class: ClassProtected},
		{Prefix: "/login", Class: ClassPublicAuth},
		{Prefix: "/register", Class: ClassPublicAuth},
		{Prefix: "/forgot-password", Class: ClassPublicAuth},
	}
}

// Classify returns the class of path. Any matching protected prefix wins over
// public-auth ones.
func (t RouteTable) Classify(path string) RouteClass {
	class := ClassUnclassified
	for _, r := range t {
		if !matchPrefix(path, r.Prefix) {
			continue
		}
		if r.Class == ClassProtected {
			return ClassProtected
		}
		class = r.Class
	}
	return class
}

// matchPrefix matches whole path segments: /dashboard covers /dashboard and
// /dashboard/x but not /dashboards.
func matchPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// State is one of the guard's six outcomes.
type State int

const (
	StateUnclassified State = iota
	StateProtectedNoCookie
	StateProtectedInvalid
	StateProtectedValid
	StatePublicAuthValid
	StatePublicAuthAnonymous
)

func (s State) String() string {
	return [...]string{
		"unclassified",
		"protected-no-cookie",
		"protected-invalid",
		"protected-valid",
		"public-auth-valid",
		"public-auth-anonymous",
	}[s]
}

// Action is what the guard does for a state.
type Action int

const (
	ActionPass Action = iota
	ActionRedirectLogin
	ActionRedirectLoginClearCookie
	ActionRedirectLanding
)

// Decision pairs the state with its action.
type Decision struct {
	State  State
	Action Action
}

// Decide maps a route class and the request's session to a decision.
// hasCookie reports whether a session cookie was sent; id is the verified
// identity, nil when absent or invalid.
func Decide(class RouteClass, hasCookie bool, id *session.Identity) Decision {
	switch class {
	case ClassProtected:
		switch {
		case !hasCookie:
			return Decision{StateProtectedNoCookie, ActionRedirectLogin}
		case id == nil:
			return Decision{StateProtectedInvalid, ActionRedirectLoginClearCookie}
		default:
			return Decision{StateProtectedValid, ActionPass}
		}
	case ClassPublicAuth:
		if hasCookie && id != nil {
			return Decision{StatePublicAuthValid, ActionRedirectLanding}
		}
		return Decision{StatePublicAuthAnonymous, ActionPass}
	default:
		return Decision{StateUnclassified, ActionPass}
	}
}
