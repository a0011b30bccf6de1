// Package uploads enforces the plan tier's upload size limit and charges
// the UPLOAD cost before the file goes to the external document store.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/JojoDuke/papermind-ai/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrTooLarge    = errors.New("file exceeds plan upload limit")
	ErrInvalidSize = errors.New("file size must be positive")
)

// TooLargeError reports the limit that was exceeded.
type TooLargeError struct {
	SizeBytes int64
	MaxBytes  int64
	Tier      quota.Tier
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file of %d bytes exceeds %s limit of %d bytes", e.SizeBytes, e.Tier, e.MaxBytes)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrTooLarge }

// Credits is the ledger surface the gate needs.
type Credits interface {
	GetBalance(ctx context.Context, accountID string) (*ledger.Balance, error)
	TryConsumeAction(ctx context.Context, accountID string, action quota.Action) (*ledger.ConsumeResult, error)
	Refund(ctx context.Context, accountID, consumptionID string) (*ledger.Balance, error)
}

// Ticket authorizes one upload. The storage service confirms or fails it
// through the signed callback; a ticket left unconfirmed past the hold TTL
// is refunded by the sweep.
type Ticket struct {
	ConsumptionID  string `json:"ticket"`
	MaxUploadBytes int64  `json:"maxUploadBytes"`
	Balance        int    `json:"balance"`
}

// DefaultHoldTTL is how long a ticket may stay unconfirmed.
const DefaultHoldTTL = time.Hour

const maxFileNameBytes = 255

var holdsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papermind",
		Name:      "upload_holds_total",
		Help:      "Settled upload tickets by outcome (committed, released, expired).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(holdsTotal)
}

// Gate authorizes uploads.
type Gate struct {
	credits Credits
	holds   HoldStore
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate creates an upload gate. A nil holds uses an in-memory store.
func NewGate(credits Credits, holds HoldStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if holds == nil {
		holds = NewMemoryHoldStore()
	}
	return &Gate{credits: credits, holds: holds, ttl: DefaultHoldTTL, logger: logger, now: time.Now}
}

// WithHoldTTL sets how long a ticket may stay unconfirmed before the sweep
// refunds it.
func (g *Gate) WithHoldTTL(ttl time.Duration) *Gate {
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// Authorize checks sizeBytes against the tier limit, then consumes the
// upload cost and records a pending hold. An oversized file consumes
// nothing. A denied consume returns a nil ticket with the result.
func (g *Gate) Authorize(ctx context.Context, accountID string, sizeBytes int64, fileName string) (*Ticket, *ledger.ConsumeResult, error) {
	ctx, span := traces.StartSpan(ctx, "uploads.authorize", traces.AccountID(accountID))
	defer span.End()

	if sizeBytes <= 0 {
		return nil, nil, ErrInvalidSize
	}
	bal, err := g.credits.GetBalance(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if sizeBytes > bal.MaxUploadBytes {
		return nil, nil, &TooLargeError{SizeBytes: sizeBytes, MaxBytes: bal.MaxUploadBytes, Tier: bal.PlanTier}
	}

	// A downgrade between these two calls is not rechecked.
	res, err := g.credits.TryConsumeAction(ctx, accountID, quota.ActionUpload)
	if err != nil {
		return nil, nil, err
	}
	if !res.Consumed() {
		return nil, res, nil
	}

	if len(fileName) > maxFileNameBytes {
		fileName = fileName[:maxFileNameBytes]
	}
	hold := &Hold{ID: res.ConsumptionID, AccountID: accountID, SizeBytes: sizeBytes, FileName: fileName}
	if err := g.holds.Create(ctx, hold); err != nil {
		// No hold means no callback can settle this charge.
		if _, rerr := g.credits.Refund(context.WithoutCancel(ctx), accountID, res.ConsumptionID); rerr != nil {
			g.logger.Error("refund after hold failure failed", "account_id", accountID, "ticket", res.ConsumptionID, "error", rerr)
		}
		return nil, nil, err
	}
	return &Ticket{
		ConsumptionID:  res.ConsumptionID,
		MaxUploadBytes: bal.MaxUploadBytes,
		Balance:        res.Balance,
	}, res, nil
}

// Commit confirms that the upload landed. The charge stands and the ticket
// can no longer be released. Confirming twice is not an error.
func (g *Gate) Commit(ctx context.Context, accountID, ticket string) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "uploads.commit", traces.AccountID(accountID), traces.Reference(ticket))
	defer span.End()

	hold, err := g.holds.Settle(ctx, ticket, accountID, HoldCommitted)
	switch {
	case errors.Is(err, ErrHoldCommitted):
		return hold, nil
	case err != nil:
		return nil, err
	}
	holdsTotal.WithLabelValues("committed").Inc()
	g.logger.Info("upload ticket committed", "account_id", accountID, "ticket", ticket)
	return hold, nil
}

// Release refunds a ticket whose upload failed. A committed ticket is
// never refunded. Releasing twice refunds once.
func (g *Gate) Release(ctx context.Context, accountID, ticket string) (*ledger.Balance, error) {
	ctx, span := traces.StartSpan(ctx, "uploads.release", traces.AccountID(accountID), traces.Reference(ticket))
	defer span.End()

	_, err := g.holds.Settle(ctx, ticket, accountID, HoldReleased)
	if err != nil && !errors.Is(err, ErrHoldReleased) {
		return nil, err
	}
	bal, err := g.refund(ctx, accountID, ticket)
	if err != nil {
		return nil, err
	}
	holdsTotal.WithLabelValues("released").Inc()
	g.logger.Info("upload ticket released", "account_id", accountID, "ticket", ticket)
	return bal, nil
}

// ExpireStale releases up to limit tickets left pending past the hold TTL
// and retries refunds that a crash interrupted. A failure on one ticket is
// logged and does not stop the rest.
func (g *Gate) ExpireStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	open, err := g.holds.ListOpen(ctx, g.now().Add(-g.ttl), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, h := range open {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if h.State == HoldPending {
			_, err := g.holds.Settle(ctx, h.ID, h.AccountID, HoldReleased)
			if errors.Is(err, ErrHoldCommitted) {
				continue
			}
			if err != nil && !errors.Is(err, ErrHoldReleased) {
				g.logger.Warn("upload hold expiry failed", "ticket", h.ID, "error", err)
				continue
			}
		}
		if _, err := g.refund(ctx, h.AccountID, h.ID); err != nil {
			g.logger.Warn("upload hold refund failed", "ticket", h.ID, "error", err)
			continue
		}
		holdsTotal.WithLabelValues("expired").Inc()
		expired++
	}
	return expired, nil
}

// refund returns the ticket's credits. The ledger refunds a consumption at
// most once, so a retry after a partial failure only records the refund.
func (g *Gate) refund(ctx context.Context, accountID, ticket string) (*ledger.Balance, error) {
	bal, err := g.credits.Refund(ctx, accountID, ticket)
	if errors.Is(err, ledger.ErrAlreadyRefunded) {
		bal, err = g.credits.GetBalance(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}
	if err := g.holds.MarkRefunded(ctx, ticket); err != nil {
		g.logger.Warn("failed to mark upload hold refunded", "ticket", ticket, "error", err)
	}
	return bal, nil
}
