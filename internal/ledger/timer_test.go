package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released []string
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if f.held {
		return "", false, nil
	}
	f.held = true
	return "tok-1", true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.released = append(f.released, token)
	return nil
}

func dueLedger(t *testing.T) *Ledger {
	t.Helper()
	l, store := newTestLedger(t)
	openAccount(t, l, acctA)
	setCredits(store, acctA, 2)
	store.mu.Lock()
	store.accounts[acctA].BillingPeriodStart = time.Now().Add(-BillingPeriod - time.Minute)
	store.mu.Unlock()
	return l
}

func TestTimer_SweepResetsDueAccounts(t *testing.T) {
	l := dueLedger(t)
	timer := NewTimer(l, time.Hour, slog.Default())

	assert.Equal(t, 1, timer.sweep(context.Background()))
	bal, err := l.GetBalance(context.Background(), acctA)
	require.NoError(t, err)
	assert.Equal(t, 10, bal.CreditsRemaining)

	assert.Equal(t, 0, timer.sweep(context.Background()), "period restarted")
}

func TestTimer_SweepTakesAndReleasesLock(t *testing.T) {
	l := dueLedger(t)
	locker := &fakeLocker{}
	timer := NewTimer(l, time.Hour, slog.Default()).WithLocker(locker)

	assert.Equal(t, 1, timer.sweep(context.Background()))
	assert.Equal(t, []string{"tok-1"}, locker.released)
	assert.False(t, locker.held)
}

func TestTimer_SweepSkipsWhenLockHeld(t *testing.T) {
	l := dueLedger(t)
	locker := &fakeLocker{held: true}
	timer := NewTimer(l, time.Hour, slog.Default()).WithLocker(locker)

	assert.Equal(t, 0, timer.sweep(context.Background()))
	bal, _ := l.GetBalance(context.Background(), acctA)
	assert.Equal(t, 2, bal.CreditsRemaining)
}

func TestTimer_SweepSkipsOnLockError(t *testing.T) {
	l := dueLedger(t)
	timer := NewTimer(l, time.Hour, slog.Default()).WithLocker(&fakeLocker{err: errors.New("redis down")})

	assert.Equal(t, 0, timer.sweep(context.Background()))
}

func TestTimer_StartStop(t *testing.T) {
	l := dueLedger(t)
	timer := NewTimer(l, 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		bal, err := l.GetBalance(context.Background(), acctA)
		return err == nil && bal.CreditsRemaining == 10
	}, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	l, _ := newTestLedger(t)
	timer := NewTimer(l, time.Hour, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer ignored context cancel")
	}
}
