package engine

import (
	"context"
	"sync"
	"time"

	"upbit-bot/internal/ratelimit"
	"upbit-bot/internal/upbit"

	"go.uber.org/zap"
)

// MarketClient is the slice of the exchange client the engine needs. The
// concrete client enforces rate-limit admission internally, so every call
// made here already passes through the shared limiter.
type MarketClient interface {
	Ticker(ctx context.Context, markets []string) ([]upbit.Ticker, error)
	MinuteCandles(ctx context.Context, market string, count int) ([]upbit.Candle, error)
	Accounts(ctx context.Context) ([]upbit.Account, error)
}

// TickFunc receives market snapshots. Signal and strategy logic live outside
// the engine; this hook is how an external strategy consumes the feed.
type TickFunc func(ctx context.Context, tick upbit.Ticker)

const (
	defaultSignalInterval   = 8 * time.Second
	defaultPositionInterval = 10 * time.Second
)

// Engine is the per-session trading loop binding. One engine belongs to
// exactly one session; it polls market data and the account through the
// shared limiter and stops cooperatively: cancellation is observed at
// iteration boundaries, never preemptively.
type Engine struct {
	log     *zap.Logger
	limiter *ratelimit.Limiter
	markets []string

	signalInterval   time.Duration
	positionInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	client  MarketClient
	onTick  TickFunc
}

// New creates a stopped engine watching the given markets.
func New(limiter *ratelimit.Limiter, log *zap.Logger, markets []string) *Engine {
	return &Engine{
		log:              log,
		limiter:          limiter,
		markets:          markets,
		signalInterval:   defaultSignalInterval,
		positionInterval: defaultPositionInterval,
	}
}

// SetTickFunc installs the strategy callback. Call before Start.
func (e *Engine) SetTickFunc(fn TickFunc) {
	e.mu.Lock()
	e.onTick = fn
	e.mu.Unlock()
}

// Running reports whether the loops are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the signal and position loops against the given client.
// Starting an already-running engine is a no-op.
func (e *Engine) Start(client MarketClient) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log.Warn("engine already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.client = client
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	e.log.Info("trading engine started", zap.Strings("markets", e.markets))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.signalLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.positionLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
}

// Stop flags the engine non-running and cancels the loop context. It does
// not wait: loops exit at their next iteration boundary. Callers needing a
// hard guarantee use StopAndWait.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.client = nil
	e.mu.Unlock()

	cancel()
	e.log.Info("trading engine stop requested")
}

// StopAndWait stops the engine and blocks until both loops have exited, so
// in-flight network operations have actually unwound. Returns ctx.Err() if
// the wait is abandoned first.
func (e *Engine) StopAndWait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	e.Stop()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) snapshot() (MarketClient, TickFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client, e.onTick, e.running
}

func (e *Engine) signalLoop(ctx context.Context) {
	ticker := time.NewTicker(e.signalInterval)
	defer ticker.Stop()

	for {
		client, onTick, running := e.snapshot()
		if !running {
			return
		}
		e.scanMarkets(ctx, client, onTick)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) scanMarkets(ctx context.Context, client MarketClient, onTick TickFunc) {
	tickers, err := client.Ticker(ctx, e.markets)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("market scan failed", zap.Error(err))
		}
		return
	}
	if onTick == nil {
		return
	}
	for _, tick := range tickers {
		onTick(ctx, tick)
	}
}

func (e *Engine) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.positionInterval)
	defer ticker.Stop()

	for {
		client, _, running := e.snapshot()
		if !running {
			return
		}

		accounts, err := client.Accounts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("position check failed", zap.Error(err))
			}
		} else {
			e.log.Debug("position check",
				zap.Int("holdings", len(accounts)),
				zap.Any("capacity", e.limiter.RemainingCapacity()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
