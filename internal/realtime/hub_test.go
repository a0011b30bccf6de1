package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startHub serves the hub with the account taken from ?as= in place of
// the session gate.
func startHub(t *testing.T, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(nil, origins)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		if id := c.Query("as"); id != "" {
			c.Set(auth.ContextKeyAccountID, id)
		}
		c.Next()
	})
	h.RegisterRoutes(g)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, accountID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?as=" + accountID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_BalanceDeliveredToOwnerOnly(t *testing.T) {
	h, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	require.Eventually(t, func() bool {
		return h.Connections("alice") == 1 && h.Connections("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.BalanceChanged("alice", &ledger.Balance{AccountID: "alice", CreditsRemaining: 7, PlanTier: quota.TierFree})

	ev := readEvent(t, alice)
	assert.Equal(t, string(EventBalance), ev["type"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, float64(7), data["creditsRemaining"])

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not see alice's balance")
}

func TestHub_AllTabsOfAccountReceive(t *testing.T) {
	h, srv := startHub(t)
	tab1 := dial(t, srv, "alice")
	tab2 := dial(t, srv, "alice")

	require.Eventually(t, func() bool { return h.Connections("alice") == 2 }, 2*time.Second, 10*time.Millisecond)

	h.BalanceChanged("alice", &ledger.Balance{AccountID: "alice", CreditsRemaining: 3})
	assert.Equal(t, string(EventBalance), readEvent(t, tab1)["type"])
	assert.Equal(t, string(EventBalance), readEvent(t, tab2)["type"])
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return h.Connections("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Connections("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_RequiresAccount(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/v1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, "https://app.papermind.ai")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?as=alice"

	hdr := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr = http.Header{"Origin": {"https://app.papermind.ai"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	h := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	r := gin.New()
	r.GET("/v1/ws", func(c *gin.Context) {
		c.Set(auth.ContextKeyAccountID, "alice")
		h.ServeWS(c)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.Connections("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Stats()["connectedClients"])
}

func TestPublish_DropsWhenFull(t *testing.T) {
	h := NewHub(nil, nil)
	for i := 0; i < cap(h.publish)+5; i++ {
		h.Publish("alice", &Event{Type: EventBalance})
	}
	assert.Equal(t, int64(5), h.dropped.Load())
}
