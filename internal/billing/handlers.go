package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxPayloadBytes matches Stripe's own webhook payload ceiling.
const maxPayloadBytes = 64 << 10

// Handler receives payment processor webhooks.
type Handler struct {
	processor    *Processor
	stripeSecret string
	verifier     *Verifier
	logger       *slog.Logger
}

// NewHandler creates a webhook handler. An empty secret disables that
// provider's route; a malformed payments secret is an error.
func NewHandler(p *Processor, stripeSecret, paymentsSecret string, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{processor: p, stripeSecret: stripeSecret, logger: logger}
	if paymentsSecret != "" {
		v, err := NewVerifier(paymentsSecret)
		if err != nil {
			return nil, err
		}
		h.verifier = v
	}
	return h, nil
}

// RegisterRoutes sets up webhook routes for the configured providers.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	if h.stripeSecret != "" {
		r.POST("/webhooks/stripe", h.Stripe)
	}
	if h.verifier != nil {
		r.POST("/webhooks/payments", h.Payments)
	}
}

// Stripe handles POST /webhooks/stripe
func (h *Handler) Stripe(c *gin.Context) {
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", ErrInvalidSignature, err))
		return
	}

	ev, relevant, err := stripeEvent(event)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !relevant {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	h.apply(c, ev)
}

// Payments handles POST /webhooks/payments (Standard Webhooks signing).
func (h *Handler) Payments(c *gin.Context) {
	payload, ok := h.readPayload(c)
	if !ok {
		return
	}
	if err := h.verifier.Verify(payload, c.Request.Header); err != nil {
		h.writeError(c, err)
		return
	}

	ev, relevant, err := paymentsEvent(c.GetHeader(HeaderWebhookID), payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !relevant {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	h.apply(c, ev)
}

func (h *Handler) apply(c *gin.Context, ev Event) {
	res, err := h.processor.Apply(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": res.Applied})
}

func (h *Handler) readPayload(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return nil, false
	}
	if len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Webhook payload too large"})
		return nil, false
	}
	return payload, true
}

// writeError maps failures to the status codes processors act on: 4xx is
// final, 5xx is redelivered.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		h.logger.Warn("webhook signature rejected", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
	case errors.Is(err, ErrInvalidEvent):
		h.logger.Warn("webhook event rejected", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		h.logger.Warn("webhook for unknown account", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No credit account for this user"})
	case errors.Is(err, ledger.ErrStoreUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Try again later"})
	default:
		h.logger.Error("webhook processing failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook processing failed"})
	}
}

// stripeEvent maps a verified Stripe event. relevant is false for event
// types that do not change entitlements.
func stripeEvent(e stripe.Event) (ev Event, relevant bool, err error) {
	if e.Data == nil {
		return Event{}, false, fmt.Errorf("%w: event %s has no data", ErrInvalidEvent, e.ID)
	}
	ev = Event{EventID: e.ID, Provider: ProviderStripe, Type: string(e.Type)}

	switch e.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(e.Data.Raw, &s); err != nil {
			return Event{}, false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if s.PaymentStatus != "paid" && s.PaymentStatus != "no_payment_required" {
			return Event{}, false, nil
		}
		ev.AccountID = s.ClientReferenceID
		if ev.AccountID == "" {
			ev.AccountID = s.Metadata["account_id"]
		}
		ev.Tier = quota.TierPremium

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(e.Data.Raw, &inv); err != nil {
			return Event{}, false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		// The first invoice of a subscription is covered by checkout.
		if inv.BillingReason == "subscription_create" {
			return Event{}, false, nil
		}
		ev.AccountID = inv.Metadata["account_id"]
		if ev.AccountID == "" && inv.SubscriptionDetails != nil {
			ev.AccountID = inv.SubscriptionDetails.Metadata["account_id"]
		}
		ev.Tier = quota.TierPremium

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(e.Data.Raw, &sub); err != nil {
			return Event{}, false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		ev.AccountID = sub.Metadata["account_id"]
		ev.Tier = quota.TierFree

	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}

type paymentsPayload struct {
	Type string `json:"type"`
	Data struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"data"`
}

// paymentsEvent maps a verified payments processor message. The
// webhook-id header is stable across redeliveries and is the event key.
func paymentsEvent(messageID string, payload []byte) (ev Event, relevant bool, err error) {
	var p paymentsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev = Event{
		AccountID: p.Data.Metadata["user_id"],
		EventID:   messageID,
		Provider:  ProviderPayments,
		Type:      p.Type,
	}

	switch p.Type {
	case "payment.succeeded", "subscription.renewed":
		ev.Tier = quota.TierPremium
	case "subscription.cancelled", "subscription.expired":
		ev.Tier = quota.TierFree
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}
