package session

import (
	"context"
	"sync"
	"time"

	"upbit-bot/internal/engine"
	"upbit-bot/internal/upbit"

	"go.uber.org/zap"
)

// EngineFactory builds the fresh trading engine a new session owns.
type EngineFactory func(userID int, username string) *engine.Engine

// Registry maps user ids to live sessions and enforces at most one session
// per user. Replacing a session always tears the old one down first, and
// teardown always completes the secret-clearing step, whatever the engine
// shutdown outcome.
type Registry struct {
	log       *zap.Logger
	newEngine EngineFactory
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[int]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger, newEngine EngineFactory) *Registry {
	return &Registry{
		log:       log,
		newEngine: newEngine,
		now:       time.Now,
		sessions:  make(map[int]*Session),
	}
}

// Create registers a fresh session for the user, with a fresh engine. An
// existing session for the same user is torn down synchronously first.
func (r *Registry) Create(userID int, username string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[userID]; ok {
		r.log.Info("replacing existing session",
			zap.Int("user_id", userID),
			zap.String("username", username))
		r.teardown(old)
	}

	now := r.now()
	s := &Session{
		UserID:     userID,
		Username:   username,
		Engine:     r.newEngine(userID, username),
		CreatedAt:  now,
		lastAccess: now,
	}
	r.sessions[userID] = s

	r.log.Info("session created",
		zap.Int("user_id", userID),
		zap.String("username", username),
		zap.Int("active_sessions", len(r.sessions)))
	return s
}

// Get looks up the session for a user, touching its last-access time on a
// hit. It never creates a session implicitly; an absent result means the
// caller should re-authenticate.
func (r *Registry) Get(userID int) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// Remove tears down and deletes the user's session synchronously: the engine
// is flagged non-running (loops exit at their next iteration) and secrets are
// cleared before the entry disappears. Removing an unknown user is a no-op.
func (r *Registry) Remove(userID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		r.log.Debug("no session to remove", zap.Int("user_id", userID))
		return
	}
	r.teardown(s)
	delete(r.sessions, userID)

	r.log.Info("session removed",
		zap.Int("user_id", userID),
		zap.String("username", s.Username),
		zap.Int("active_sessions", len(r.sessions)))
}

// RemoveAndWait asks the engine to stop and awaits its completion before
// clearing, so in-flight network operations have actually unwound. A shutdown
// error is logged, never returned: secret clearing happens regardless.
func (r *Registry) RemoveAndWait(ctx context.Context, userID int) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("no session to remove", zap.Int("user_id", userID))
		return
	}

	if err := s.Engine.StopAndWait(ctx); err != nil {
		r.log.Error("engine shutdown did not complete",
			zap.Int("user_id", userID),
			zap.Error(err))
	}
	s.clear()

	r.log.Info("session removed",
		zap.Int("user_id", userID),
		zap.String("username", s.Username))
}

// teardown stops the engine and clears secrets. Caller holds r.mu.
func (r *Registry) teardown(s *Session) {
	s.Engine.Stop()
	s.clear()
}

// UpdateCredentials overwrites the in-memory key pair. Keys are never
// persisted and never logged.
func (r *Registry) UpdateCredentials(s *Session, accessKey, secretKey string) {
	s.setCredentials(Credentials{AccessKey: accessKey, SecretKey: secretKey}, r.now())
	r.log.Info("credentials updated", zap.Int("user_id", s.UserID))
}

// SetClient binds the exchange client handle to the session.
func (r *Registry) SetClient(s *Session, client *upbit.Client) {
	s.setClient(client, r.now())
}

// UpdateLoginStatus records the connection snapshot shown to the user. It
// does not gate trading permission.
func (r *Registry) UpdateLoginStatus(s *Session, loggedIn bool, accounts []upbit.Account) {
	status := LoginStatus{LoggedIn: loggedIn, Accounts: accounts}
	if loggedIn {
		status.LoginTime = r.now()
	}
	s.setStatus(status, r.now())
	r.log.Info("login status updated",
		zap.Int("user_id", s.UserID),
		zap.Bool("logged_in", loggedIn))
}

// EvictIdle removes every session idle for longer than maxIdle via the sync
// teardown path and returns how many were evicted.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for userID, s := range r.sessions {
		if s.LastAccess().After(cutoff) {
			continue
		}
		r.teardown(s)
		delete(r.sessions, userID)
		evicted++
		r.log.Info("idle session evicted",
			zap.Int("user_id", userID),
			zap.String("username", s.Username))
	}
	return evicted
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown drains every session, awaiting each engine, for process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]int, 0, len(r.sessions))
	for userID := range r.sessions {
		ids = append(ids, userID)
	}
	r.mu.RUnlock()

	for _, userID := range ids {
		r.RemoveAndWait(ctx, userID)
	}
}
