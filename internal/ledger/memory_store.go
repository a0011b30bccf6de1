package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/idgen"
	"github.com/JojoDuke/papermind-ai/internal/quota"
)

// MemoryStore is an in-memory Store. A single mutex makes every operation
// atomic, which is what the Postgres store gets from conditional updates.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	entries      []*Entry
	events       map[string]string // billing event id -> account id
	consumptions map[string]*Entry // consumption id -> consume entry
	refunded     map[string]bool
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		entries:      make([]*Entry, 0),
		events:       make(map[string]string),
		consumptions: make(map[string]*Entry),
		refunded:     make(map[string]bool),
		now:          time.Now,
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) (*Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[acct.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	stored := *acct
	m.accounts[acct.ID] = &stored
	m.record(&stored, EntryOpen, stored.CreditsRemaining, "")

	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Consume(ctx context.Context, accountID string, amount int, consumptionID string) (*ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	if acct.CreditsRemaining < amount {
		return &ConsumeResult{Status: StatusDenied, Balance: acct.CreditsRemaining}, nil
	}

	acct.CreditsRemaining -= amount
	acct.UpdatedAt = m.now()
	m.consumptions[consumptionID] = m.record(acct, EntryConsume, -amount, consumptionID)

	cp := *acct
	return &ConsumeResult{
		Status:        StatusConsumed,
		Balance:       acct.CreditsRemaining,
		ConsumptionID: consumptionID,
		Account:       &cp,
	}, nil
}

func (m *MemoryStore) Refund(ctx context.Context, accountID, consumptionID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumed, ok := m.consumptions[consumptionID]
	if !ok || consumed.AccountID != accountID {
		return nil, ErrNotFound
	}
	if m.refunded[consumptionID] {
		return nil, ErrAlreadyRefunded
	}
	acct, ok := m.accounts[consumed.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	next := refundedBalance(acct.CreditsRemaining, -consumed.Amount, acct.PlanTier)
	delta := next - acct.CreditsRemaining
	acct.CreditsRemaining = next
	acct.UpdatedAt = m.now()
	m.refunded[consumptionID] = true
	m.record(acct, EntryRefund, delta, consumptionID)

	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, seen := m.events[eventID]; seen {
		return nil, ErrDuplicateEvent
	}
	m.events[eventID] = accountID

	credits := quota.LimitsFor(tier).MonthlyCredits
	delta := credits - acct.CreditsRemaining
	now := m.now()
	acct.PlanTier = tier
	acct.CreditsRemaining = credits
	acct.BillingPeriodStart = now
	acct.UpdatedAt = now
	m.record(acct, EntryReplenish, delta, eventID)

	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ResetPeriod(ctx context.Context, accountID string, dueBefore time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	if !dueBefore.IsZero() && acct.BillingPeriodStart.After(dueBefore) {
		return nil, ErrNotDue
	}

	credits := quota.LimitsFor(acct.PlanTier).MonthlyCredits
	delta := credits - acct.CreditsRemaining
	now := m.now()
	acct.CreditsRemaining = credits
	acct.BillingPeriodStart = now
	acct.UpdatedAt = now
	m.record(acct, EntryReset, delta, "")

	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, periodStartedBefore time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*Account, 0)
	for _, acct := range m.accounts {
		if !acct.BillingPeriodStart.After(periodStartedBefore) {
			due = append(due, acct)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].BillingPeriodStart.Before(due[j].BillingPeriodStart)
	})

	ids := make([]string, 0, len(due))
	for _, acct := range due {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, acct.ID)
	}
	return ids, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}

	result := make([]*Entry, 0)
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// record appends an audit entry. Caller must hold m.mu.
func (m *MemoryStore) record(acct *Account, kind EntryKind, amount int, reference string) *Entry {
	e := &Entry{
		ID:           idgen.New(),
		AccountID:    acct.ID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: acct.CreditsRemaining,
		PlanTier:     acct.PlanTier,
		Reference:    reference,
		CreatedAt:    m.now(),
	}
	m.entries = append(m.entries, e)
	return e
}
