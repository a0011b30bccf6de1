package uploads

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrHoldNotFound  = errors.New("upload ticket not found")
	ErrHoldCommitted = errors.New("upload already confirmed")
	ErrHoldReleased  = errors.New("upload ticket already released")
)

// HoldState tracks an upload ticket from authorization to settlement.
type HoldState string

const (
	HoldPending   HoldState = "pending"
	HoldCommitted HoldState = "committed"
	HoldReleased  HoldState = "released"
)

// Hold is the server-side record of an authorized upload. Its ID is the
// ledger consumption id, so a released hold refunds exactly that charge.
type Hold struct {
	ID         string     `json:"ticket"`
	AccountID  string     `json:"accountId"`
	SizeBytes  int64      `json:"sizeBytes"`
	FileName   string     `json:"fileName,omitempty"`
	State      HoldState  `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// HoldStore persists upload holds. Settle is the only state transition
// and must be atomic: of two concurrent settles, one sees the other's state.
type HoldStore interface {
	Create(ctx context.Context, h *Hold) error
	// Settle moves a pending hold owned by accountID to state. A settled
	// hold is returned unchanged with ErrHoldCommitted or ErrHoldReleased.
	Settle(ctx context.Context, id, accountID string, state HoldState) (*Hold, error)
	MarkRefunded(ctx context.Context, id string) error
	// ListOpen returns holds still pending since before cutoff and released
	// holds whose refund has not been recorded, oldest first.
	ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error)
}

func settledError(state HoldState) error {
	if state == HoldCommitted {
		return ErrHoldCommitted
	}
	return ErrHoldReleased
}

// MemoryHoldStore is an in-memory HoldStore.
type MemoryHoldStore struct {
	mu    sync.Mutex
	holds map[string]*Hold
	now   func() time.Time
}

// NewMemoryHoldStore creates an empty in-memory hold store.
func NewMemoryHoldStore() *MemoryHoldStore {
	return &MemoryHoldStore{holds: make(map[string]*Hold), now: time.Now}
}

func (m *MemoryHoldStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *h
	stored.State = HoldPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.holds[h.ID] = &stored
	return nil
}

func (m *MemoryHoldStore) Settle(ctx context.Context, id, accountID string, state HoldState) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok || h.AccountID != accountID {
		return nil, ErrHoldNotFound
	}
	if h.State != HoldPending {
		cp := *h
		return &cp, settledError(h.State)
	}
	now := m.now()
	h.State = state
	h.SettledAt = &now
	cp := *h
	return &cp, nil
}

func (m *MemoryHoldStore) MarkRefunded(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	if h.RefundedAt == nil {
		now := m.now()
		h.RefundedAt = &now
	}
	return nil
}

func (m *MemoryHoldStore) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []*Hold
	for _, h := range m.holds {
		stale := h.State == HoldPending && h.CreatedAt.Before(cutoff)
		unrefunded := h.State == HoldReleased && h.RefundedAt == nil
		if stale || unrefunded {
			cp := *h
			open = append(open, &cp)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}
