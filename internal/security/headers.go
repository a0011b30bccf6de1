// Package security provides response hardening and CORS for the API.
package security

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so the content security policy allows nothing.
func HeadersMiddleware(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Header("Cache-Control", "no-store")
		if production {
			c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

// CORS builds the cross-origin policy for the web app. Credentials are
// allowed so the session cookie travels, so only listed origins match:
// "*" and an empty list allow nothing cross-origin.
func CORS(allowedOrigins []string, debug bool) *cors.Cors {
	origins := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "*" && o != "" {
			origins = append(origins, o)
		}
	}
	return cors.New(cors.Options{
		AllowOriginFunc:  func(origin string) bool { return slices.Contains(origins, origin) },
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
		Debug:            debug,
	})
}
