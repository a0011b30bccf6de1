package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Standard Webhooks headers, as sent by the payments processor.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

// SignatureTolerance is how far a webhook timestamp may drift from now.
const SignatureTolerance = 5 * time.Minute

// Verifier checks Standard Webhooks signatures: HMAC-SHA256 over
// "id.timestamp.body", sent as space separated "v1,<base64>" entries.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier decodes a "whsec_" prefixed base64 secret.
func NewVerifier(secret string) (*Verifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	return &Verifier{key: key, now: time.Now}, nil
}

// Verify returns ErrInvalidSignature unless one of the signatures in h
// matches payload and the timestamp is within tolerance.
func (v *Verifier) Verify(payload []byte, h http.Header) error {
	id := h.Get(HeaderWebhookID)
	ts := h.Get(HeaderWebhookTimestamp)
	sigs := h.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	drift := v.now().Sub(time.Unix(sec, 0))
	if drift > SignatureTolerance || drift < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := v.mac(id, ts, payload)
	for _, entry := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign returns the signature header value for a message.
func (v *Verifier) Sign(id string, ts time.Time, payload []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.mac(id, strconv.FormatInt(ts.Unix(), 10), payload))
}

func (v *Verifier) mac(id, ts string, payload []byte) []byte {
	h := hmac.New(sha256.New, v.key)
	h.Write([]byte(id))
	h.Write([]byte{'.'})
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(payload)
	return h.Sum(nil)
}
