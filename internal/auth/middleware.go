package auth

import (
	"net/http"
	"strings"

	"github.com/JojoDuke/papermind-ai/internal/logging"
	"github.com/JojoDuke/papermind-ai/internal/metrics"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAccountID is the key for the authenticated account ID in gin context
	ContextKeyAccountID = "authAccountID"
	// ContextKeySession is the key for the validated *Session in gin context
	ContextKeySession = "authSession"

	// AccessTokenCookie is the cookie the web client stores its access token in.
	AccessTokenCookie = "sb-access-token"
)

// Middleware runs the gate on every request. Rejected API requests get a
// 401 JSON body and rejected page requests a 303 to sign-in. Signed-in
// visitors of sign-in pages are sent home.
func Middleware(g *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Evaluate(c.Request.Context(), Request{
			Path:     c.Request.URL.Path,
			RawQuery: c.Request.URL.RawQuery,
			Token:    TokenFromRequest(c.Request),
		})
		metrics.GateDecisionsTotal.WithLabelValues(string(d.State), d.Reason).Inc()

		switch d.State {
		case StateRejected:
			if isAPIRequest(c.Request) {
				c.Header("WWW-Authenticate", `Bearer realm="papermind"`)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": rejectMessage(d.Reason),
					"reason":  d.Reason,
				})
				return
			}
			c.Redirect(http.StatusSeeOther, d.RedirectTo)
			c.Abort()
			return

		case StateRedirectedHome:
			c.Redirect(http.StatusSeeOther, d.RedirectTo)
			c.Abort()
			return
		}

		if d.Session != nil {
			c.Set(ContextKeySession, d.Session)
			c.Set(ContextKeyAccountID, d.Session.AccountID)
			c.Request = c.Request.WithContext(logging.WithAccountID(c.Request.Context(), d.Session.AccountID))
		}
		c.Next()
	}
}

// RequireSession aborts with 401 unless the gate attached a session. Use it on
// routes outside the protected prefixes that still need a caller.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentSession(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Sign in required.",
			})
			return
		}
		c.Next()
	}
}

// TokenFromRequest reads the access token from the Authorization header,
// then from the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// CurrentSession returns the session attached by Middleware, or nil.
func CurrentSession(c *gin.Context) *Session {
	v, exists := c.Get(ContextKeySession)
	if !exists {
		return nil
	}
	s, _ := v.(*Session)
	return s
}

// AccountID returns the authenticated account ID, or "".
func AccountID(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}

func isAPIRequest(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/v1/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func rejectMessage(reason string) string {
	if reason == ReasonProviderUnavailable {
		return "Session could not be verified. Try again shortly."
	}
	return "Sign in required."
}
