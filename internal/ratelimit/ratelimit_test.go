package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock drives the limiter on simulated time. Sleeping advances the
// clock instead of blocking, so backoff waits resolve instantly in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewLimiter(zap.NewNop())
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestLimiter_AdmitPerSecondCap(t *testing.T) {
	tests := []struct {
		name   string
		class  Class
		perSec int
	}{
		{name: "REST", class: ClassREST, perSec: 10},
		{name: "Order", class: ClassOrder, perSec: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clock := newTestLimiter(t)

			for i := 0; i < tt.perSec; i++ {
				if !l.Admit(tt.class) {
					t.Fatalf("call %d denied below the per-second cap", i+1)
				}
				l.Record(tt.class)
			}

			if l.Admit(tt.class) {
				t.Error("expected denial at the per-second cap")
			}

			// Headroom returns once the trailing second rolls past.
			clock.Advance(1100 * time.Millisecond)
			if !l.Admit(tt.class) {
				t.Error("expected admission after the 1s window rolled")
			}
		})
	}
}

func TestLimiter_AdmitPerMinuteCap(t *testing.T) {
	l, clock := newTestLimiter(t)

	// Fill the order class to its per-minute cap, spaced so the per-second
	// cap never binds.
	for i := 0; i < 200; i++ {
		require.True(t, l.Admit(ClassOrder))
		l.Record(ClassOrder)
		clock.Advance(250 * time.Millisecond)
	}

	// 200 * 250ms = 50s elapsed: everything is still inside the minute.
	assert.False(t, l.Admit(ClassOrder), "expected denial at the per-minute cap")

	// REST is an independent class and must be unaffected.
	assert.True(t, l.Admit(ClassREST))

	clock.Advance(15 * time.Second)
	assert.True(t, l.Admit(ClassOrder), "expected admission after old records aged out")
}

func TestLimiter_AdmitIsDeterministic(t *testing.T) {
	l, _ := newTestLimiter(t)

	// Below the cap: true twice.
	first, second := l.Admit(ClassREST), l.Admit(ClassREST)
	if first != second {
		t.Errorf("Admit disagreed with itself: %v then %v", first, second)
	}

	for i := 0; i < 10; i++ {
		l.Record(ClassREST)
	}

	// At the cap: false twice. No Record in between, so no state change.
	first, second = l.Admit(ClassREST), l.Admit(ClassREST)
	if first || second {
		t.Errorf("expected denial both times, got %v then %v", first, second)
	}
}

func TestBackoff_ScheduleNonDecreasingAndCapped(t *testing.T) {
	tests := []struct {
		name  string
		b     backoff
		first time.Duration
		next  time.Duration
	}{
		{name: "REST", b: restBackoff, first: 200 * time.Millisecond, next: 240 * time.Millisecond},
		{name: "Order", b: orderBackoff, first: 300 * time.Millisecond, next: 450 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.next(1); got != tt.first {
				t.Errorf("first delay: expected %v, got %v", tt.first, got)
			}
			if got := tt.b.next(2); got != tt.next {
				t.Errorf("second delay: expected %v, got %v", tt.next, got)
			}

			prev := time.Duration(0)
			for n := 1; n <= 100; n++ {
				d := tt.b.next(n)
				if d < prev {
					t.Fatalf("delay decreased at denial %d: %v -> %v", n, prev, d)
				}
				if d > tt.b.max {
					t.Fatalf("delay %v exceeded cap %v at denial %d", d, tt.b.max, n)
				}
				prev = d
			}
			if tt.b.next(100) != tt.b.max {
				t.Errorf("expected schedule to reach cap %v, got %v", tt.b.max, tt.b.next(100))
			}
		})
	}
}

func TestLimiter_AwaitSlotFollowsOrderBackoff(t *testing.T) {
	l, clock := newTestLimiter(t)

	// Eight instantaneous order calls exhaust the per-second cap.
	for i := 0; i < 8; i++ {
		require.True(t, l.Admit(ClassOrder))
		l.Record(ClassOrder)
	}
	require.False(t, l.Admit(ClassOrder), "ninth call should be denied")

	var waits []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return clock.Sleep(ctx, d)
	}

	// The ninth call waits out the window on the order-class schedule.
	require.NoError(t, l.AwaitSlot(context.Background(), ClassOrder))
	require.NotEmpty(t, waits)

	assert.Equal(t, 300*time.Millisecond, waits[0])
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1], "backoff must not shrink")
		assert.LessOrEqual(t, waits[i], 10*time.Second)
	}
	assert.True(t, l.Admit(ClassOrder))
}

func TestLimiter_AwaitSlotHonorsContext(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		l.Record(ClassREST)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.AwaitSlot(ctx, ClassREST)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_ExecutePropagatesOpError(t *testing.T) {
	l, _ := newTestLimiter(t)

	wantErr := assert.AnError
	err := l.Execute(context.Background(), ClassREST, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The call was recorded even though op failed: the request went out.
	c := l.RemainingCapacity()
	assert.Equal(t, 9, c.RESTPerSecond)
	assert.Equal(t, 599, c.RESTPerMinute)
}

func TestLimiter_RemainingCapacity(t *testing.T) {
	l, clock := newTestLimiter(t)

	c := l.RemainingCapacity()
	assert.Equal(t, Capacity{RESTPerSecond: 10, RESTPerMinute: 600, OrderPerSecond: 8, OrderPerMinute: 200}, c)

	l.Record(ClassREST)
	l.Record(ClassOrder)
	l.Record(ClassOrder)

	c = l.RemainingCapacity()
	assert.Equal(t, 9, c.RESTPerSecond)
	assert.Equal(t, 599, c.RESTPerMinute)
	assert.Equal(t, 6, c.OrderPerSecond)
	assert.Equal(t, 198, c.OrderPerMinute)
	assert.Equal(t, 3, l.TotalCalls())

	// After the second rolls, per-second headroom recovers, per-minute not yet.
	clock.Advance(2 * time.Second)
	c = l.RemainingCapacity()
	assert.Equal(t, 10, c.RESTPerSecond)
	assert.Equal(t, 599, c.RESTPerMinute)
}

// Fifteen concurrent producers each issue one REST call per simulated 50ms
// for 2s. No rolling 1s window may ever hold more than 10 recorded calls.
func TestLimiter_ConcurrentProducersRespectWindows(t *testing.T) {
	l, clock := newTestLimiter(t)

	// onRecord fires under the class lock, so this capture is exact and
	// in admission order even while early stamps age out of the window.
	var recMu sync.Mutex
	var recorded []time.Time
	l.onRecord = func(c Class, at time.Time) {
		recMu.Lock()
		recorded = append(recorded, at)
		recMu.Unlock()
	}

	const producers = 15
	const callsEach = 40 // 2s at one call per 50ms

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < callsEach; i++ {
				err := l.Execute(context.Background(), ClassREST, func(ctx context.Context) error {
					return nil
				})
				if err != nil {
					t.Errorf("execute failed: %v", err)
					return
				}
				// Pacing between calls, on the simulated clock.
				clock.Advance(50 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Len(t, recorded, producers*callsEach)
	sort.Slice(recorded, func(i, j int) bool { return recorded[i].Before(recorded[j]) })

	// Slide a 1s window across every recorded call.
	for i := range recorded {
		j := i
		for j < len(recorded) && recorded[j].Sub(recorded[i]) < time.Second {
			j++
		}
		if n := j - i; n > 10 {
			t.Fatalf("found %d REST calls inside one second starting at %v", n, recorded[i])
		}
	}

	// And a 60s window.
	for i := range recorded {
		j := i
		for j < len(recorded) && recorded[j].Sub(recorded[i]) < time.Minute {
			j++
		}
		if n := j - i; n > 600 {
			t.Fatalf("found %d REST calls inside one minute starting at %v", n, recorded[i])
		}
	}
}
