package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"upbit-bot/internal/engine"
	"upbit-bot/internal/ratelimit"
	"upbit-bot/internal/upbit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubMarketClient satisfies engine.MarketClient without touching the network.
type stubMarketClient struct{}

func (stubMarketClient) Ticker(ctx context.Context, markets []string) ([]upbit.Ticker, error) {
	return nil, nil
}

func (stubMarketClient) MinuteCandles(ctx context.Context, market string, count int) ([]upbit.Candle, error) {
	return nil, nil
}

func (stubMarketClient) Accounts(ctx context.Context) ([]upbit.Account, error) {
	return nil, nil
}

func newTestRegistry() *Registry {
	log := zap.NewNop()
	limiter := ratelimit.NewLimiter(log)
	return NewRegistry(log, func(userID int, username string) *engine.Engine {
		return engine.New(limiter, log, []string{"KRW-BTC"})
	})
}

func TestCredentials_NeverSerialized(t *testing.T) {
	creds := Credentials{AccessKey: "AK-test", SecretKey: "SK-test"}

	if got := creds.String(); got != "[redacted]" {
		t.Errorf("String leaked credentials: %q", got)
	}
	if got := fmt.Sprintf("%v", creds); got != "[redacted]" {
		t.Errorf("fmt leaked credentials: %q", got)
	}

	data, err := json.Marshal(struct {
		Creds Credentials `json:"creds"`
	}{creds})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"creds":"[redacted]"}` {
		t.Errorf("JSON leaked credentials: %s", data)
	}
}

func TestRegistry_CreateReplacesExisting(t *testing.T) {
	r := newTestRegistry()

	first := r.Create(42, "alice")
	r.UpdateCredentials(first, "AK-1", "SK-1")
	require.False(t, first.Credentials().Empty())

	second := r.Create(42, "alice")

	// The prior handle is torn down: credentials cleared, engine stopped.
	assert.True(t, first.Credentials().Empty(), "replaced session must have cleared credentials")
	assert.Nil(t, first.Client())
	assert.False(t, first.Engine.Running())
	assert.False(t, first.Status().LoggedIn)

	// Exactly one live session, and it is the second handle.
	assert.Equal(t, 1, r.Count())
	live, ok := r.Get(42)
	require.True(t, ok)
	assert.Same(t, second, live)
	assert.NotSame(t, first.Engine, second.Engine, "replacement must get a fresh engine")
}

func TestRegistry_GetAbsent(t *testing.T) {
	r := newTestRegistry()

	s, ok := r.Get(7)
	assert.False(t, ok)
	assert.Nil(t, s)
	// Lookup never creates implicitly.
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_GetTouchesLastAccess(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	s := r.Create(1, "alice")
	assert.Equal(t, base, s.LastAccess())

	r.now = func() time.Time { return base.Add(time.Hour) }
	_, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), s.LastAccess())
}

func TestRegistry_RemoveClearsSecrets(t *testing.T) {
	r := newTestRegistry()

	s := r.Create(42, "alice")
	r.UpdateCredentials(s, "AK-1", "SK-1")
	r.UpdateLoginStatus(s, true, nil)

	r.Remove(42)

	_, ok := r.Get(42)
	assert.False(t, ok)
	assert.True(t, s.Credentials().Empty())
	assert.Nil(t, s.Client())
	assert.False(t, s.Status().LoggedIn)
	assert.False(t, s.Engine.Running())
}

func TestRegistry_RemoveAndWait(t *testing.T) {
	r := newTestRegistry()

	s := r.Create(42, "alice")
	r.UpdateCredentials(s, "AK-1", "SK-1")
	s.Engine.Start(stubMarketClient{})
	require.True(t, s.Engine.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.RemoveAndWait(ctx, 42)

	_, ok := r.Get(42)
	assert.False(t, ok)
	assert.True(t, s.Credentials().Empty())
	assert.False(t, s.Engine.Running())
}

func TestRegistry_RemoveUnknownIsNoOp(t *testing.T) {
	r := newTestRegistry()

	// Must not panic or create anything, sync or async.
	r.Remove(999)
	r.RemoveAndWait(context.Background(), 999)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_EvictIdle(t *testing.T) {
	r := newTestRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	stale := r.Create(1, "alice")
	r.UpdateCredentials(stale, "AK-1", "SK-1")

	r.now = func() time.Time { return base.Add(30 * time.Hour) }
	fresh := r.Create(2, "bob")

	evicted := r.EvictIdle(24 * time.Hour)

	assert.Equal(t, 1, evicted)
	assert.True(t, stale.Credentials().Empty())
	_, ok := r.Get(1)
	assert.False(t, ok)
	_, ok = r.Get(2)
	assert.True(t, ok)
	_ = fresh
}

func TestRegistry_Shutdown(t *testing.T) {
	r := newTestRegistry()

	a := r.Create(1, "alice")
	b := r.Create(2, "bob")
	a.Engine.Start(stubMarketClient{})
	b.Engine.Start(stubMarketClient{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	assert.Equal(t, 0, r.Count())
	assert.False(t, a.Engine.Running())
	assert.False(t, b.Engine.Running())
	assert.True(t, a.Credentials().Empty())
	assert.True(t, b.Credentials().Empty())
}
