// Package auth decides, per request, whether the caller may reach a route.
//
// Each request moves through a small state machine:
//
//	UNCHECKED -> AUTHENTICATED | REJECTED
//	AUTHENTICATED -> REDIRECTED_HOME (sign-in/sign-up pages) | ALLOWED
//
// The gate fails closed: when the identity provider cannot be reached, a
// protected route is rejected rather than served.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// ErrProviderUnavailable means the identity provider could not answer.
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// Session is a validated sign-in.
type Session struct {
	AccountID string    `json:"accountId"`
	Email     string    `json:"email,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Provider resolves an access token to a session. A nil session with a nil
// error means the token is missing, expired or revoked. Failures to reach
// the provider wrap ErrProviderUnavailable.
type Provider interface {
	CurrentSession(ctx context.Context, token string) (*Session, error)
}

// State is a gate outcome.
type State string

const (
	StateUnchecked      State = "UNCHECKED"
	StateAuthenticated  State = "AUTHENTICATED"
	StateRejected       State = "REJECTED"
	StateRedirectedHome State = "REDIRECTED_HOME"
	StateAllowed        State = "ALLOWED"
)

// Rejection reasons.
const (
	ReasonNoSession           = "no_session"
	ReasonProviderUnavailable = "provider_unavailable"
)

// Routes classifies request paths. Matching is by path prefix on segment
// boundaries, so "/dashboard" matches "/dashboard/docs/1" but not
// "/dashboards".
type Routes struct {
	Protected []string
	AuthPages []string
	Public    []string
	SignIn    string
	Home      string
}

// DefaultRoutes returns the application's route table.
func DefaultRoutes() Routes {
	return Routes{
		Protected: []string{"/dashboard", "/v1/"},
		AuthPages: []string{"/signin", "/signup"},
		Public:    []string{"/auth/callback"},
		SignIn:    "/signin",
		Home:      "/dashboard",
	}
}

func (r Routes) IsProtected(path string) bool { return matchAny(r.Protected, path) }
func (r Routes) IsAuthPage(path string) bool  { return matchAny(r.AuthPages, path) }
func (r Routes) IsPublic(path string) bool    { return matchAny(r.Public, path) }

func matchAny(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) || path == strings.TrimSuffix(p, "/") {
				return true
			}
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Request is the part of an HTTP request the gate looks at.
type Request struct {
	Path     string
	RawQuery string
	Token    string
}

// Decision is the final state for one request.
type Decision struct {
	State      State
	Session    *Session
	RedirectTo string
	Reason     string
}

// Gate evaluates requests against Routes using a Provider.
type Gate struct {
	provider Provider
	routes   Routes
	logger   *slog.Logger
}

// NewGate creates a session gate.
func NewGate(provider Provider, routes Routes, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{provider: provider, routes: routes, logger: logger}
}

// Routes returns the gate's route table.
func (g *Gate) Routes() Routes { return g.routes }

// Evaluate runs the state machine for one request.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	if g.routes.IsPublic(req.Path) {
		return Decision{State: StateAllowed}
	}

	protected := g.routes.IsProtected(req.Path)
	authPage := g.routes.IsAuthPage(req.Path)

	session, err := g.check(ctx, req.Token)
	if err != nil {
		if protected {
			g.logger.Warn("session check failed, rejecting", "path", req.Path, "error", err)
			return g.reject(req, ReasonProviderUnavailable)
		}
		// Nothing protected is exposed on sign-in pages or open routes.
		return Decision{State: StateAllowed}
	}

	if session == nil {
		if protected {
			return g.reject(req, ReasonNoSession)
		}
		return Decision{State: StateAllowed}
	}

	// AUTHENTICATED
	if authPage {
		return Decision{State: StateRedirectedHome, Session: session, RedirectTo: g.routes.Home}
	}
	return Decision{State: StateAllowed, Session: session}
}

func (g *Gate) check(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	session, err := g.provider.CurrentSession(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrProviderUnavailable) {
			err = errors.Join(ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return session, nil
}

func (g *Gate) reject(req Request, reason string) Decision {
	return Decision{
		State:      StateRejected,
		Reason:     reason,
		RedirectTo: SignInURL(g.routes.SignIn, req.Path, req.RawQuery),
	}
}

// SignInURL builds the sign-in redirect that carries the original path.
// Only same-site relative paths are carried over.
func SignInURL(signIn, path, rawQuery string) string {
	target := path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	if !SafeRedirectPath(target) {
		return signIn
	}
	return signIn + "?redirectTo=" + url.QueryEscape(target)
}

// SafeRedirectPath reports whether p is a relative path on this site.
func SafeRedirectPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	return !strings.ContainsAny(p, "\r\n")
}
