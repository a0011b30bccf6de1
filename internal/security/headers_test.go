package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, production := range []bool{false, true} {
		router := gin.New()
		router.Use(HeadersMiddleware(production))
		router.GET("/v1/credits", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/credits", nil))

		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
		if production {
			assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
		} else {
			assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
		}
	}
}

func corsHandler(origins ...string) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return CORS(origins, false).Handler(next)
}

func TestCORS_AllowedOrigin(t *testing.T) {
	h := corsHandler("https://app.papermind.ai")

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Origin", "https://app.papermind.ai")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "https://app.papermind.ai", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_Preflight(t *testing.T) {
	h := corsHandler("https://app.papermind.ai")

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
	req.Header.Set("Origin", "https://app.papermind.ai")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestCORS_WildcardIgnored(t *testing.T) {
	h := corsHandler("*")

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_EmptyListAllowsNothing(t *testing.T) {
	h := corsHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Origin", "https://app.papermind.ai")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
