package billing

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const (
	testAccount      = "7d2c64b0-58a1-4d0e-9f1c-2b7a1e0c9d44"
	testStripeSecret = "whsec_stripe_test"
)

var testPaymentsSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("payments-test-secret"))

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	_, _, err := l.EnsureAccount(context.Background(), testAccount)
	require.NoError(t, err)
	return l
}

func newTestRouter(t *testing.T, l *ledger.Ledger) *gin.Engine {
	t.Helper()
	h, err := NewHandler(NewProcessor(l, nil), testStripeSecret, testPaymentsSecret, nil)
	require.NoError(t, err)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func postStripe(r http.Handler, payload string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testStripeSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postPayments(t *testing.T, r http.Handler, id string, ts time.Time, payload string) *httptest.ResponseRecorder {
	t.Helper()
	v, err := NewVerifier(testPaymentsSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload))
	req.Header.Set(HeaderWebhookID, id)
	req.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(HeaderWebhookSignature, v.Sign(id, ts, []byte(payload)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func checkoutCompleted(eventID, accountID, paymentStatus string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_test_1","object":"checkout.session","client_reference_id":%q,"payment_status":%q}}}`,
		eventID, accountID, paymentStatus)
}

func balance(t *testing.T, l *ledger.Ledger) *ledger.Balance {
	t.Helper()
	bal, err := l.GetBalance(context.Background(), testAccount)
	require.NoError(t, err)
	return bal
}

func TestStripe_CheckoutCompletedUpgrades(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	w := postStripe(r, checkoutCompleted("evt_checkout_1", testAccount, "paid"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"applied":true`)

	bal := balance(t, l)
	assert.Equal(t, quota.TierPremium, bal.PlanTier)
	assert.Equal(t, 100, bal.CreditsRemaining)
}

func TestStripe_RedeliveryDoesNotRegrant(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)
	payload := checkoutCompleted("evt_checkout_2", testAccount, "paid")

	require.Equal(t, http.StatusOK, postStripe(r, payload).Code)
	_, err := l.TryConsume(context.Background(), testAccount, 4)
	require.NoError(t, err)

	w := postStripe(r, payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"applied":false`)
	assert.Equal(t, 96, balance(t, l).CreditsRemaining)
}

func TestStripe_UnpaidCheckoutIgnored(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	w := postStripe(r, checkoutCompleted("evt_checkout_3", testAccount, "unpaid"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)
	assert.Equal(t, quota.TierFree, balance(t, l).PlanTier)
}

func TestStripe_MetadataAccountFallback(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)
	payload := fmt.Sprintf(`{"id":"evt_checkout_4","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_test_4","object":"checkout.session","payment_status":"paid","metadata":{"account_id":%q}}}}`,
		testAccount)

	require.Equal(t, http.StatusOK, postStripe(r, payload).Code)
	assert.Equal(t, quota.TierPremium, balance(t, l).PlanTier)
}

func TestStripe_SubscriptionDeletedDowngrades(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)
	require.Equal(t, http.StatusOK, postStripe(r, checkoutCompleted("evt_up", testAccount, "paid")).Code)

	payload := fmt.Sprintf(`{"id":"evt_down","object":"event","type":"customer.subscription.deleted",
		"data":{"object":{"id":"sub_1","object":"subscription","metadata":{"account_id":%q}}}}`, testAccount)
	require.Equal(t, http.StatusOK, postStripe(r, payload).Code)

	bal := balance(t, l)
	assert.Equal(t, quota.TierFree, bal.PlanTier)
	assert.Equal(t, 10, bal.CreditsRemaining)
}

func TestStripe_BadSignature(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe",
		strings.NewReader(checkoutCompleted("evt_forged", testAccount, "paid")))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
	assert.Equal(t, quota.TierFree, balance(t, l).PlanTier)
}

func TestStripe_UnknownAccount(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	w := postStripe(r, checkoutCompleted("evt_stranger", "0f0e0d0c-0b0a-4909-8807-060504030201", "paid"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStripe_NonUUIDAccountRejected(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	w := postStripe(r, checkoutCompleted("evt_bad_acct", "not-a-uuid", "paid"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_event")
}

func TestPayments_SucceededUpgradesOnce(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)
	payload := fmt.Sprintf(`{"type":"payment.succeeded","data":{"payload_type":"Payment","metadata":{"user_id":%q}}}`, testAccount)

	w := postPayments(t, r, "msg_1", time.Now(), payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 100, balance(t, l).CreditsRemaining)

	_, err := l.TryConsume(context.Background(), testAccount, 1)
	require.NoError(t, err)

	w = postPayments(t, r, "msg_1", time.Now(), payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 99, balance(t, l).CreditsRemaining)
}

func TestPayments_StaleTimestampRejected(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)
	payload := fmt.Sprintf(`{"type":"payment.succeeded","data":{"metadata":{"user_id":%q}}}`, testAccount)

	w := postPayments(t, r, "msg_old", time.Now().Add(-10*time.Minute), payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, quota.TierFree, balance(t, l).PlanTier)
}

func TestPayments_IgnoredType(t *testing.T) {
	l := newTestLedger(t)
	r := newTestRouter(t, l)

	w := postPayments(t, r, "msg_refund", time.Now(), `{"type":"refund.succeeded","data":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)
}

func TestVerifier_RejectsTamperedBody(t *testing.T) {
	v, err := NewVerifier(testPaymentsSecret)
	require.NoError(t, err)
	now := time.Now()

	h := http.Header{}
	h.Set(HeaderWebhookID, "msg_x")
	h.Set(HeaderWebhookTimestamp, strconv.FormatInt(now.Unix(), 10))
	h.Set(HeaderWebhookSignature, "v0,ignored "+v.Sign("msg_x", now, []byte(`{"a":1}`)))

	assert.NoError(t, v.Verify([]byte(`{"a":1}`), h))
	assert.ErrorIs(t, v.Verify([]byte(`{"a":2}`), h), ErrInvalidSignature)

	h.Del(HeaderWebhookID)
	assert.ErrorIs(t, v.Verify([]byte(`{"a":1}`), h), ErrInvalidSignature)
}

func TestNewVerifier_BadSecret(t *testing.T) {
	_, err := NewVerifier("whsec_%%%")
	assert.Error(t, err)
}

type unavailableLedger struct{}

func (unavailableLedger) Replenish(context.Context, string, quota.Tier, string) (*ledger.ReplenishResult, error) {
	return nil, ledger.ErrStoreUnavailable
}

func TestStripe_StoreUnavailableAsksForRedelivery(t *testing.T) {
	h, err := NewHandler(NewProcessor(unavailableLedger{}, nil), testStripeSecret, "", nil)
	require.NoError(t, err)
	r := gin.New()
	h.RegisterRoutes(r)

	w := postStripe(r, checkoutCompleted("evt_retry", testAccount, "paid"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestProcessor_NamespacesEventIDs(t *testing.T) {
	l := newTestLedger(t)
	p := NewProcessor(l, nil)
	ctx := context.Background()

	res, err := p.Apply(ctx, Event{AccountID: testAccount, Tier: quota.TierPremium, EventID: "same", Provider: ProviderStripe})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = p.Apply(ctx, Event{AccountID: testAccount, Tier: quota.TierPremium, EventID: "same", Provider: ProviderPayments})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}
