package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Class identifies which Upbit rate ceiling a call falls under.
type Class int

const (
	// ClassREST covers read-only calls: ticker, candles, account queries.
	ClassREST Class = iota
	// ClassOrder covers order placement and cancellation.
	ClassOrder
)

// String returns the class name for logging.
func (c Class) String() string {
	if c == ClassOrder {
		return "order"
	}
	return "rest"
}

// Upbit per-account ceilings. REST and order calls are counted separately.
const (
	restPerSecond  = 10
	restPerMinute  = 600
	orderPerSecond = 8
	orderPerMinute = 200
)

// backoff describes the wait schedule applied while a class has no headroom.
type backoff struct {
	start     time.Duration
	factor    float64
	max       time.Duration
	warnAfter int
}

var (
	restBackoff  = backoff{start: 200 * time.Millisecond, factor: 1.2, max: 6 * time.Second, warnAfter: 20}
	orderBackoff = backoff{start: 300 * time.Millisecond, factor: 1.5, max: 10 * time.Second, warnAfter: 15}
)

// next returns the delay for the n-th consecutive denial (n starts at 1).
func (b backoff) next(n int) time.Duration {
	d := b.start
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * b.factor)
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// window holds timestamps of permitted calls, oldest first, under its own lock.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// prune drops entries older than the trailing minute. Caller holds mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}

// countLastSecond returns how many entries fall in the trailing second.
// Caller holds mu and has pruned already.
func (w *window) countLastSecond(now time.Time) int {
	cutoff := now.Add(-time.Second)
	n := 0
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if !w.stamps[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

// Capacity is a point-in-time view of remaining headroom, for observability.
type Capacity struct {
	RESTPerSecond  int `json:"rest_remaining_per_second"`
	RESTPerMinute  int `json:"rest_remaining_per_minute"`
	OrderPerSecond int `json:"order_remaining_per_second"`
	OrderPerMinute int `json:"order_remaining_per_minute"`
}

// Limiter gates Upbit API calls so the exchange's per-account ceilings are
// never exceeded. One Limiter per process: every session's trading engine
// shares it, modeling the account-wide limit. Denial is backpressure, not an
// error; callers wait via AwaitSlot until headroom appears.
type Limiter struct {
	rest  window
	order window
	// total tracks all calls account-wide, updated after each class record.
	total window

	log *zap.Logger

	// now and sleep are swapped out by tests to run on a simulated clock;
	// onRecord lets tests observe every recorded call in admission order.
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	onRecord func(c Class, at time.Time)
}

// NewLimiter creates a limiter with the fixed Upbit ceilings.
func NewLimiter(log *zap.Logger) *Limiter {
	return &Limiter{
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) class(c Class) (*window, int, int) {
	if c == ClassOrder {
		return &l.order, orderPerSecond, orderPerMinute
	}
	return &l.rest, restPerSecond, restPerMinute
}

// Admit reports whether a call of the given class may proceed right now
// without violating the 1s or 60s window. Its only side effect is pruning:
// calling it twice with no intervening Record yields the same answer.
func (l *Limiter) Admit(c Class) bool {
	w, perSec, perMin := l.class(c)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := l.now()
	w.prune(now)
	if w.countLastSecond(now) >= perSec {
		return false
	}
	return len(w.stamps) < perMin
}

// AwaitSlot blocks the calling goroutine until Admit allows the class,
// sleeping an increasing delay between checks. It returns an error only if
// ctx is canceled; rate-limit pressure itself never produces an error.
func (l *Limiter) AwaitSlot(ctx context.Context, c Class) error {
	return l.waitFor(ctx, c, func() bool { return l.Admit(c) })
}

func (l *Limiter) waitFor(ctx context.Context, c Class, admit func() bool) error {
	b := restBackoff
	if c == ClassOrder {
		b = orderBackoff
	}

	denials := 0
	for !admit() {
		denials++
		if denials > b.warnAfter {
			l.log.Warn("rate limit wait is unusually long",
				zap.Stringer("class", c),
				zap.Int("consecutive_denials", denials))
		}
		if err := l.sleep(ctx, b.next(denials)); err != nil {
			return err
		}
	}
	return nil
}

// tryAcquire admits and records in one critical section, so concurrent
// callers cannot slip past the cap between the check and the record.
func (l *Limiter) tryAcquire(c Class) bool {
	w, perSec, perMin := l.class(c)

	w.mu.Lock()
	now := l.now()
	w.prune(now)
	if w.countLastSecond(now) >= perSec || len(w.stamps) >= perMin {
		w.mu.Unlock()
		return false
	}
	w.stamps = append(w.stamps, now)
	if l.onRecord != nil {
		l.onRecord(c, now)
	}
	w.mu.Unlock()

	l.total.mu.Lock()
	l.total.prune(now)
	l.total.stamps = append(l.total.stamps, now)
	l.total.mu.Unlock()
	return true
}

// Record registers that a call of the given class has been issued. Call it
// only after the real network call goes out, never speculatively.
func (l *Limiter) Record(c Class) {
	w, _, _ := l.class(c)

	w.mu.Lock()
	now := l.now()
	w.stamps = append(w.stamps, now)
	if l.onRecord != nil {
		l.onRecord(c, now)
	}
	w.mu.Unlock()

	l.total.mu.Lock()
	l.total.prune(now)
	l.total.stamps = append(l.total.stamps, now)
	l.total.mu.Unlock()
}

// Execute waits for headroom, records the call, then invokes op, returning
// its error unchanged. Admission and record happen atomically here, which
// keeps the window caps intact under concurrent callers.
func (l *Limiter) Execute(ctx context.Context, c Class, op func(ctx context.Context) error) error {
	if err := l.waitFor(ctx, c, func() bool { return l.tryAcquire(c) }); err != nil {
		return err
	}
	return op(ctx)
}

// RemainingCapacity reports current headroom for both classes.
func (l *Limiter) RemainingCapacity() Capacity {
	now := l.now()
	var out Capacity

	l.rest.mu.Lock()
	l.rest.prune(now)
	out.RESTPerSecond = restPerSecond - l.rest.countLastSecond(now)
	out.RESTPerMinute = restPerMinute - len(l.rest.stamps)
	l.rest.mu.Unlock()

	l.order.mu.Lock()
	l.order.prune(now)
	out.OrderPerSecond = orderPerSecond - l.order.countLastSecond(now)
	out.OrderPerMinute = orderPerMinute - len(l.order.stamps)
	l.order.mu.Unlock()

	return out
}

// TotalCalls returns the account-wide call count over the trailing minute.
func (l *Limiter) TotalCalls() int {
	now := l.now()
	l.total.mu.Lock()
	defer l.total.mu.Unlock()
	l.total.prune(now)
	return len(l.total.stamps)
}
