// Package billing turns verified payment processor callbacks into ledger
// replenishments. Every verified event maps to at most one Replenish call,
// keyed by the processor's event ID so redeliveries are no-ops.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JojoDuke/papermind-ai/internal/idgen"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("invalid billing event")
)

const (
	ProviderStripe   = "stripe"
	ProviderPayments = "payments"
)

// Event is a verified billing event.
type Event struct {
	AccountID string
	Tier      quota.Tier
	EventID   string
	Provider  string
	Type      string
}

// Replenisher is the ledger surface the processor needs.
type Replenisher interface {
	Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*ledger.ReplenishResult, error)
}

var eventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papermind",
		Name:      "billing_events_total",
		Help:      "Verified billing events by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Processor applies verified events to the ledger.
type Processor struct {
	ledger Replenisher
	logger *slog.Logger
}

// NewProcessor creates a processor backed by l.
func NewProcessor(l Replenisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{ledger: l, logger: logger}
}

// Apply validates ev and replenishes the account. A redelivered event
// returns Applied=false with a nil error.
func (p *Processor) Apply(ctx context.Context, ev Event) (*ledger.ReplenishResult, error) {
	if err := ev.validate(); err != nil {
		eventsTotal.WithLabelValues(ev.Provider, "rejected").Inc()
		return nil, err
	}

	res, err := p.ledger.Replenish(ctx, ev.AccountID, ev.Tier, ev.key())
	if err != nil {
		eventsTotal.WithLabelValues(ev.Provider, "failed").Inc()
		return nil, fmt.Errorf("apply %s event %s: %w", ev.Provider, ev.EventID, err)
	}

	if !res.Applied {
		eventsTotal.WithLabelValues(ev.Provider, "duplicate").Inc()
		return res, nil
	}
	eventsTotal.WithLabelValues(ev.Provider, "applied").Inc()
	p.logger.Info("billing event applied",
		"provider", ev.Provider,
		"type", ev.Type,
		"event_id", ev.EventID,
		"account_id", ev.AccountID,
		"plan_tier", ev.Tier,
	)
	return res, nil
}

func (ev Event) validate() error {
	if !idgen.Valid(ev.AccountID) {
		return fmt.Errorf("%w: account id %q is not a uuid", ErrInvalidEvent, ev.AccountID)
	}
	if !ev.Tier.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, quota.ErrUnknownTier)
	}
	if strings.TrimSpace(ev.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	return nil
}

// key namespaces the processor's event ID so two providers cannot collide.
func (ev Event) key() string {
	return ev.Provider + ":" + ev.EventID
}
