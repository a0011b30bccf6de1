package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/cache"
	"github.com/JojoDuke/papermind-ai/internal/quota"
)

// Cache is the key/value surface CachedStore needs. *cache.Redis satisfies it.
type Cache interface {
	GetVersioned(ctx context.Context, key string) (string, error)
	// SetIfNewer stores value unless the key holds an equal or newer version.
	SetIfNewer(ctx context.Context, key string, version int64, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// DefaultCacheTTL bounds how long a cached balance can outlive a lost
// invalidation.
const DefaultCacheTTL = 30 * time.Second

// CachedStore serves GetAccount from a read-through cache. Every mutation
// writes the committed row back, versioned by UpdatedAt, so a fill that read
// the row before the mutation cannot replace the newer entry. Mutations
// always go to the inner store, so consume decisions never see a cached
// balance.
type CachedStore struct {
	inner  Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner with cache.
func NewCachedStore(inner Store, c Cache, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, cache: c, ttl: ttl, logger: logger}
}

func accountKey(id string) string {
	return "account:" + id
}

func (s *CachedStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	key := accountKey(accountID)

	raw, err := s.cache.GetVersioned(ctx, key)
	switch {
	case err == nil:
		var acct Account
		if jsonErr := json.Unmarshal([]byte(raw), &acct); jsonErr == nil {
			cacheLookups.WithLabelValues("hit").Inc()
			return &acct, nil
		}
		_ = s.cache.Del(ctx, key)
	case errors.Is(err, cache.ErrMiss):
	default:
		s.logger.Debug("balance cache read failed", "error", err)
	}
	cacheLookups.WithLabelValues("miss").Inc()

	acct, err := s.inner.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, acct)
	return acct, nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, acct *Account) (*Account, bool, error) {
	stored, created, err := s.inner.CreateAccount(ctx, acct)
	s.refresh(ctx, acct.ID, stored, err)
	return stored, created, err
}

func (s *CachedStore) Consume(ctx context.Context, accountID string, amount int, consumptionID string) (*ConsumeResult, error) {
	res, err := s.inner.Consume(ctx, accountID, amount, consumptionID)
	switch {
	case err != nil:
		s.invalidate(ctx, accountID)
	case res.Consumed():
		s.refresh(ctx, accountID, res.Account, nil)
	}
	return res, err
}

func (s *CachedStore) Refund(ctx context.Context, accountID, consumptionID string) (*Account, error) {
	acct, err := s.inner.Refund(ctx, accountID, consumptionID)
	if err == nil {
		s.refresh(ctx, accountID, acct, nil)
	}
	return acct, err
}

func (s *CachedStore) Replenish(ctx context.Context, accountID string, tier quota.Tier, eventID string) (*Account, error) {
	acct, err := s.inner.Replenish(ctx, accountID, tier, eventID)
	if !errors.Is(err, ErrDuplicateEvent) {
		s.refresh(ctx, accountID, acct, err)
	}
	return acct, err
}

func (s *CachedStore) ResetPeriod(ctx context.Context, accountID string, dueBefore time.Time) (*Account, error) {
	acct, err := s.inner.ResetPeriod(ctx, accountID, dueBefore)
	if !errors.Is(err, ErrNotDue) {
		s.refresh(ctx, accountID, acct, err)
	}
	return acct, err
}

func (s *CachedStore) ListDue(ctx context.Context, periodStartedBefore time.Time, limit int) ([]string, error) {
	return s.inner.ListDue(ctx, periodStartedBefore, limit)
}

func (s *CachedStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	return s.inner.History(ctx, accountID, limit)
}

// refresh writes back the row a mutation committed. When the outcome is
// unknown the entry is dropped instead.
func (s *CachedStore) refresh(ctx context.Context, accountID string, acct *Account, err error) {
	if err != nil || acct == nil {
		s.invalidate(ctx, accountID)
		return
	}
	s.store(ctx, acct)
}

func (s *CachedStore) store(ctx context.Context, acct *Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		return
	}
	ok, err := s.cache.SetIfNewer(ctx, accountKey(acct.ID), acct.UpdatedAt.UnixNano(), string(data), s.ttl)
	if err != nil {
		s.logger.Debug("balance cache write failed", "error", err)
		s.invalidate(ctx, acct.ID)
		return
	}
	if !ok {
		cacheLookups.WithLabelValues("stale_fill").Inc()
	}
}

func (s *CachedStore) invalidate(ctx context.Context, accountID string) {
	if err := s.cache.Del(ctx, accountKey(accountID)); err != nil {
		s.logger.Warn("balance cache invalidation failed", "account_id", accountID, "error", err)
	}
}
