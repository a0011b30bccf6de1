//go:build integration

package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/quota"
	"github.com/JojoDuke/papermind-ai/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresLedger(t *testing.T) (*Ledger, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	return New(store), store
}

func TestPostgres_EnsureAndGetBalance(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()

	_, err := l.GetBalance(ctx, acctA)
	assert.ErrorIs(t, err, ErrNotFound)

	_, created, err := l.EnsureAccount(ctx, acctA)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = l.EnsureAccount(ctx, acctA)
	require.NoError(t, err)
	assert.False(t, created)

	bal, err := l.GetBalance(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, quota.TierFree, bal.PlanTier)
	assert.Equal(t, 10, bal.CreditsRemaining)
}

func TestPostgres_EleventhConsumeDenied(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	for i := 0; i < 10; i++ {
		res, err := l.TryConsume(ctx, acctA, 1)
		require.NoError(t, err)
		require.True(t, res.Consumed())
	}
	res, err := l.TryConsume(ctx, acctA, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, 0, res.Balance)

	_, err = l.TryConsume(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_ConcurrentConsumesNeverOverdraw(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	const n = 40
	var consumed, denied atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.TryConsume(ctx, acctA, 1)
			if !assert.NoError(t, err) {
				return
			}
			if res.Consumed() {
				consumed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(10), consumed.Load())
	assert.Equal(t, int32(n-10), denied.Load())

	bal, err := l.GetBalance(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.CreditsRemaining)
}

func TestPostgres_ReplenishIdempotent(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	res, err := l.Replenish(ctx, acctA, quota.TierPremium, "evt_pg_1")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 100, res.Balance.CreditsRemaining)

	_, err = l.TryConsume(ctx, acctA, 5)
	require.NoError(t, err)

	res, err = l.Replenish(ctx, acctA, quota.TierPremium, "evt_pg_1")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	bal, _ := l.GetBalance(ctx, acctA)
	assert.Equal(t, 95, bal.CreditsRemaining)
	assert.Equal(t, quota.TierPremium, bal.PlanTier)
}

func TestPostgres_ConcurrentReplaysApplyOnce(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Replenish(ctx, acctA, quota.TierPremium, "evt_pg_race")
			if assert.NoError(t, err) && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestPostgres_RefundOnceAndScoped(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)
	openAccount(t, l, "other-account")

	res, err := l.TryConsume(ctx, acctA, 2)
	require.NoError(t, err)

	_, err = l.Refund(ctx, "other-account", res.ConsumptionID)
	assert.ErrorIs(t, err, ErrNotFound)

	bal, err := l.Refund(ctx, acctA, res.ConsumptionID)
	require.NoError(t, err)
	assert.Equal(t, 10, bal.CreditsRemaining)

	_, err = l.Refund(ctx, acctA, res.ConsumptionID)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
}

func TestPostgres_PeriodicResetAndListDue(t *testing.T) {
	l, store := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	_, err := l.TryConsume(ctx, acctA, 7)
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx,
		`UPDATE accounts SET billing_period_start = $2 WHERE id = $1`,
		acctA, time.Now().Add(-BillingPeriod-time.Hour))
	require.NoError(t, err)

	n, err := l.ResetDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := l.GetBalance(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, 10, bal.CreditsRemaining)

	ids, err := store.ListDue(ctx, time.Now().Add(-BillingPeriod), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPostgres_ResetPeriodRechecksCutoff(t *testing.T) {
	l, store := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	_, err := store.db.ExecContext(ctx,
		`UPDATE accounts SET billing_period_start = $2 WHERE id = $1`,
		acctA, time.Now().Add(-BillingPeriod-time.Hour))
	require.NoError(t, err)
	cutoff := time.Now().Add(-BillingPeriod)
	ids, err := store.ListDue(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Equal(t, []string{acctA}, ids)

	// A replenish and a consume land after the listing.
	_, err = l.Replenish(ctx, acctA, quota.TierPremium, "evt_between")
	require.NoError(t, err)
	_, err = l.TryConsume(ctx, acctA, 60)
	require.NoError(t, err)

	_, err = store.ResetPeriod(ctx, acctA, cutoff)
	assert.ErrorIs(t, err, ErrNotDue)

	bal, err := l.GetBalance(ctx, acctA)
	require.NoError(t, err)
	assert.Equal(t, 40, bal.CreditsRemaining)

	entries, err := l.History(ctx, acctA, 10)
	require.NoError(t, err)
	assert.Equal(t, EntryConsume, entries[0].Kind)
}

func TestPostgres_HistoryNewestFirst(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	openAccount(t, l, acctA)

	_, err := l.TryConsume(ctx, acctA, 1)
	require.NoError(t, err)
	_, err = l.Replenish(ctx, acctA, quota.TierPremium, "evt_hist")
	require.NoError(t, err)

	entries, err := l.History(ctx, acctA, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryReplenish, entries[0].Kind)
	assert.Equal(t, EntryConsume, entries[1].Kind)
	assert.Equal(t, EntryOpen, entries[2].Kind)
	assert.Equal(t, 100, entries[0].BalanceAfter)
}

func TestPostgres_Ping(t *testing.T) {
	_, store := setupPostgresLedger(t)
	assert.NoError(t, store.Ping(context.Background()))
}
