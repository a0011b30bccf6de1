package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(p Provider) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(NewGate(p, DefaultRoutes(), nil)))

	whoami := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"accountId": AccountID(c), "hasSession": CurrentSession(c) != nil})
	}
	r.GET("/v1/credits", whoami)
	r.GET("/dashboard", whoami)
	r.GET("/signin", whoami)
	r.GET("/", whoami)
	r.GET("/me", RequireSession(), whoami)
	return r
}

func TestMiddleware_APIWithoutTokenIs401JSON(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, ReasonNoSession, body["reason"])
}

func TestMiddleware_PageWithoutTokenRedirects(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=docs", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/signin?redirectTo=%2Fdashboard%3Ftab%3Ddocs", w.Header().Get("Location"))
}

func TestMiddleware_ProviderDownIs401NotServed(t *testing.T) {
	p := newStub()
	p.err = ErrProviderUnavailable
	r := setupRouter(p)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ReasonProviderUnavailable)
}

func TestMiddleware_BearerSetsAccount(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "2b7e1c4a-0d7e-4a57-9d8b-3c1f5e2a9b10")
}

func TestMiddleware_CookieToken(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "good"})
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_SignedInOnSignInGoesHome(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/signin", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "good"})
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/dashboard", w.Header().Get("Location"))
}

func TestMiddleware_JSONAcceptOnPageGets401(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Accept", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireSession(t *testing.T) {
	r := setupRouter(newStub())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, TokenFromRequest(req), "non-bearer schemes are ignored")

	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(req))

	req.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(req))
}
