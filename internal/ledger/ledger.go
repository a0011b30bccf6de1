// Package ledger is the single authority for account credits and plan tier.
//
// Flow:
//  1. Account is opened on first sign-in (FREE, full allotment)
//  2. Metered actions consume credits with one conditional decrement
//  3. A failed side effect is compensated with a refund of that consumption
//  4. Verified billing events and period rollover restore the allotment
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/idgen"
	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/JojoDuke/papermind-ai/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrNotFound         = errors.New("account not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidAccount   = errors.New("invalid account id")
	ErrInvalidEvent     = errors.New("billing event id is required")
	ErrDuplicateEvent   = errors.New("billing event already processed")
	ErrAlreadyRefunded  = errors.New("consumption already refunded")
	ErrStoreUnavailable = errors.New("credit store unavailable")
	ErrNotDue           = errors.New("billing period not due")
)

// BillingPeriod is the length of one credit allotment window.
const BillingPeriod = 30 * 24 * time.Hour

// Account is the durable entitlement record.
type Account struct {
	ID                 string     `json:"id"`
	PlanTier           quota.Tier `json:"planTier"`
	CreditsRemaining   int        `json:"creditsRemaining"`
	BillingPeriodStart time.Time  `json:"billingPeriodStart"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Balance is the client-facing view of an account.
type Balance struct {
	AccountID          string     `json:"accountId"`
	CreditsRemaining   int        `json:"creditsRemaining"`
	PlanTier           quota.Tier `json:"planTier"`
	MonthlyCredits     int        `json:"monthlyCredits"`
	MaxUploadBytes     int64      `json:"maxUploadBytes"`
	BillingPeriodStart time.Time  `json:"billingPeriodStart"`
	// UpdatedAt orders balance events; clients drop any older than the
	// last one applied.
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConsumeStatus is the outcome of a consume attempt.
type ConsumeStatus string

const (
	StatusConsumed ConsumeStatus = "consumed"
	StatusDenied   ConsumeStatus = "denied"
)

// ConsumeResult reports a consume attempt. Balance is the new balance when
// consumed and the untouched current balance when denied.
type ConsumeResult struct {
	Status        ConsumeStatus `json:"status"`
	Balance       int           `json:"balance"`
	ConsumptionID string        `json:"consumptionId,omitempty"`
	// Account is the row as committed by a successful consume.
	Account *Account `json:"-"`
}

// Consumed reports whether credits were taken.
func (r *ConsumeResult) Consumed() bool { return r.Status == StatusConsumed }

// ReplenishResult reports a replenish call. Applied is false for a replayed event.
type ReplenishResult struct {
	Applied bool     `json:"applied"`
	Balance *Balance `json:"balance,omitempty"`
}

// EntryKind classifies an audit entry.
type EntryKind string

const (
	EntryOpen      EntryKind = "open"
	EntryConsume   EntryKind = "consume"
	EntryRefund    EntryKind = "refund"
	EntryReplenish EntryKind = "replenish"
	EntryReset     EntryKind = "reset"
)

// Entry is one line of an account's audit trail. Amount is the signed change.
type Entry struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"accountId"`
	Kind         EntryKind  `json:"kind"`
	Amount       int        `json:"amount"`
	BalanceAfter int        `json:"balanceAfter"`
	PlanTier     quota.Tier `json:"planTier"`
	Reference    string     `json:"reference,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Store persists accounts. Every mutating method must be atomic with respect
// to every other mutating method on the same account.
type Store interface {
	// CreateAccount inserts acct unless an account with its ID exists, and
	// returns the stored account.
	CreateAccount(ctx context.Context, acct *Account) (*Account, bool, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// Consume decrements by amount only if the balance covers it.
	Consume(ctx context.Context, accountID string, amount int, consumptionID string) (*ConsumeResult, error)
	// Refund returns a consumption's credits, capped at the tier allotment.
	// A consumption owned by another account is ErrNotFound.
	Refund(ctx context.Context, accountID, consumptionID string) (*Account, error)
	// Replenish sets the tier and allotment, recording eventID.
	// Returns ErrDuplicateEvent when eventID was already recorded.
	Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*Account, error)
	// ResetPeriod restores the allotment and starts a new period if the
	// current period started at or before dueBefore, checked under the same
	// lock as the write. Otherwise it returns ErrNotDue and changes nothing.
	// A zero dueBefore resets unconditionally.
	ResetPeriod(ctx context.Context, accountID string, dueBefore time.Time) (*Account, error)
	ListDue(ctx context.Context, periodStartedBefore time.Time, limit int) ([]string, error)
	History(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// Notifier is told about every committed balance change.
type Notifier interface {
	BalanceChanged(accountID string, bal *Balance)
}

// Ledger manages account credits
type Ledger struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the balance change notifier.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a new ledger
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureAccount opens an account on first sign-in. Repeat calls return the
// existing account with created=false.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string) (*Account, bool, error) {
	defer observeOp("ensure_account")()
	ctx, span := traces.StartSpan(ctx, "ledger.ensure_account", traces.AccountID(accountID))
	defer span.End()

	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, false, err
	}

	now := l.now().UTC()
	acct, created, err := l.store.CreateAccount(ctx, &Account{
		ID:                 accountID,
		PlanTier:           quota.TierFree,
		CreditsRemaining:   quota.LimitsFor(quota.TierFree).MonthlyCredits,
		BillingPeriodStart: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if created {
		l.logger.Info("account opened", "account_id", accountID, "plan_tier", acct.PlanTier)
		l.notify(acct)
	}
	return acct, created, nil
}

// GetBalance returns an account's current balance
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	defer observeOp("get_balance")()

	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return balanceOf(acct), nil
}

// TryConsume atomically takes amount credits if the balance covers it.
// Denied is a normal outcome, not an error. The call is never retried here:
// a caller that loses the result must treat the consumption as unknown.
func (l *Ledger) TryConsume(ctx context.Context, accountID string, amount int) (*ConsumeResult, error) {
	defer observeOp("try_consume")()
	ctx, span := traces.StartSpan(ctx, "ledger.try_consume", traces.AccountID(accountID), traces.Amount(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}

	res, err := l.store.Consume(ctx, accountID, amount, idgen.WithPrefix("use_"))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	consumeOutcomes.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(traces.Outcome(string(res.Status)))

	if res.Consumed() {
		l.notify(res.Account)
	}
	return res, nil
}

// TryConsumeAction consumes the cost of a metered action.
func (l *Ledger) TryConsumeAction(ctx context.Context, accountID string, action quota.Action) (*ConsumeResult, error) {
	return l.TryConsume(ctx, accountID, quota.CostOf(action))
}

// Refund compensates a consumption whose side effect never happened.
func (l *Ledger) Refund(ctx context.Context, accountID, consumptionID string) (*Balance, error) {
	defer observeOp("refund")()
	ctx, span := traces.StartSpan(ctx, "ledger.refund", traces.AccountID(accountID), traces.Reference(consumptionID))
	defer span.End()

	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(consumptionID) == "" {
		return nil, ErrNotFound
	}
	acct, err := l.store.Refund(ctx, accountID, consumptionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	l.logger.Info("consumption refunded",
		"account_id", acct.ID,
		"consumption_id", consumptionID,
		"balance", acct.CreditsRemaining,
	)
	l.notify(acct)
	return balanceOf(acct), nil
}

// Replenish applies a verified billing event: sets the tier and resets
// credits to its allotment. A replayed eventID is a logged no-op.
func (l *Ledger) Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*ReplenishResult, error) {
	defer observeOp("replenish")()
	ctx, span := traces.StartSpan(ctx, "ledger.replenish",
		traces.AccountID(accountID), traces.Tier(string(tier)), traces.Reference(eventID))
	defer span.End()

	if !tier.Valid() {
		return nil, quota.ErrUnknownTier
	}
	if strings.TrimSpace(eventID) == "" {
		return nil, ErrInvalidEvent
	}
	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}

	acct, err := l.store.Replenish(ctx, accountID, tier, eventID)
	if errors.Is(err, ErrDuplicateEvent) {
		duplicateEvents.Inc()
		l.logger.Info("duplicate billing event ignored",
			"account_id", accountID,
			"event_id", eventID,
			"plan_tier", tier,
		)
		return &ReplenishResult{Applied: false}, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.logger.Info("account replenished",
		"account_id", accountID,
		"event_id", eventID,
		"plan_tier", acct.PlanTier,
		"credits", acct.CreditsRemaining,
	)
	l.notify(acct)
	return &ReplenishResult{Applied: true, Balance: balanceOf(acct)}, nil
}

// PeriodicReset restores the allotment for the account's current tier and
// starts a new billing period.
func (l *Ledger) PeriodicReset(ctx context.Context, accountID string) (*Balance, error) {
	defer observeOp("periodic_reset")()
	ctx, span := traces.StartSpan(ctx, "ledger.periodic_reset", traces.AccountID(accountID))
	defer span.End()

	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	acct, err := l.store.ResetPeriod(ctx, accountID, time.Time{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	l.notify(acct)
	return balanceOf(acct), nil
}

// resetIfDue resets the account only if its period started at or before
// cutoff when the row is locked. A period restarted since ListDue (by a
// replenish or another sweep) is left alone and reported as false.
func (l *Ledger) resetIfDue(ctx context.Context, accountID string, cutoff time.Time) (bool, error) {
	defer observeOp("periodic_reset")()
	ctx, span := traces.StartSpan(ctx, "ledger.periodic_reset", traces.AccountID(accountID))
	defer span.End()

	acct, err := l.store.ResetPeriod(ctx, accountID, cutoff)
	if errors.Is(err, ErrNotDue) {
		span.SetAttributes(traces.Outcome("not_due"))
		return false, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	l.notify(acct)
	return true, nil
}

// ResetDue resets up to limit accounts whose billing period has elapsed.
// A failure on one account is logged and does not stop the rest.
func (l *Ledger) ResetDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := l.now().Add(-BillingPeriod)
	ids, err := l.store.ListDue(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return reset, ctx.Err()
		}
		done, err := l.resetIfDue(ctx, id, cutoff)
		if err != nil {
			l.logger.Warn("periodic reset failed", "account_id", id, "error", err)
			continue
		}
		if !done {
			l.logger.Debug("period restarted since listing, skipped", "account_id", id)
			continue
		}
		reset++
	}
	return reset, nil
}

// History returns audit entries for an account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	accountID, err := normalizeID(accountID)
	if err != nil {
		return nil, err
	}
	return l.store.History(ctx, accountID, limit)
}

func (l *Ledger) notify(acct *Account) {
	if l.notifier == nil || acct == nil {
		return
	}
	l.notifier.BalanceChanged(acct.ID, balanceOf(acct))
}

func balanceOf(acct *Account) *Balance {
	limits := quota.LimitsFor(acct.PlanTier)
	return &Balance{
		AccountID:          acct.ID,
		CreditsRemaining:   acct.CreditsRemaining,
		PlanTier:           acct.PlanTier,
		MonthlyCredits:     limits.MonthlyCredits,
		MaxUploadBytes:     limits.MaxUploadBytes,
		BillingPeriodStart: acct.BillingPeriodStart,
		UpdatedAt:          acct.UpdatedAt,
	}
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 64 {
		return "", ErrInvalidAccount
	}
	return id, nil
}

// refundedBalance is the balance after returning amount credits, capped at
// the tier allotment and never lower than the current balance.
func refundedBalance(current, amount int, tier quota.Tier) int {
	limit := quota.LimitsFor(tier).MonthlyCredits
	next := current + amount
	if next > limit {
		next = max(limit, current)
	}
	return next
}
