package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, open)
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("supabase")
	b.RecordFailure("supabase")
	assert.True(t, b.Allow("supabase"), "below threshold")

	b.RecordFailure("supabase")
	assert.False(t, b.Allow("supabase"))
	assert.Equal(t, StateOpen, b.State("supabase"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	require.False(t, b.Allow("k"))

	clock.advance(time.Minute)
	assert.True(t, b.Allow("k"), "one probe after open duration")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe in flight")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.True(t, b.Allow("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	b.RecordFailure("k")
	clock.advance(time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	errClient := errors.New("bad request")
	errUpstream := errors.New("upstream down")
	countable := func(err error) bool { return !errors.Is(err, errClient) }

	err := b.Execute("k", func() error { return errClient }, countable)
	assert.ErrorIs(t, err, errClient)
	assert.Equal(t, StateClosed, b.State("k"), "caller errors do not trip")

	err = b.Execute("k", func() error { return errUpstream }, countable)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State("k"))

	called := false
	err = b.Execute("k", func() error { called = true; return nil }, countable)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan State, 1)
	b.OnTransition(func(key string, from, to State) { got <- to })
	b.RecordFailure("k")

	select {
	case to := <-got:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if b.Allow("k") {
					b.RecordFailure("k")
					b.RecordSuccess("k")
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
