package session

import (
	"sync"
	"time"

	"upbit-bot/internal/engine"
	"upbit-bot/internal/upbit"
)

// Credentials is an in-memory-only Upbit API key pair. It lives inside a
// session and nowhere else: String and MarshalJSON always redact, so the
// secret cannot leak through logging or serialization.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Empty reports whether no key pair is held.
func (c Credentials) Empty() bool {
	return c.AccessKey == "" && c.SecretKey == ""
}

// String implements fmt.Stringer and never exposes key material.
func (c Credentials) String() string {
	return "[redacted]"
}

// MarshalJSON never exposes key material.
func (c Credentials) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// LoginStatus is a display snapshot of the exchange connection. It does not
// gate trading permission by itself.
type LoginStatus struct {
	LoggedIn  bool            `json:"logged_in"`
	Accounts  []upbit.Account `json:"accounts,omitempty"`
	LoginTime time.Time       `json:"login_time"`
}

// Session is the isolated per-user context: credentials, exchange client
// handle, the trading engine owned 1:1 by this session, and the login
// snapshot. Nothing in a session is reachable from another session.
type Session struct {
	UserID    int
	Username  string
	Engine    *engine.Engine
	CreatedAt time.Time

	mu         sync.Mutex
	creds      Credentials
	client     *upbit.Client
	status     LoginStatus
	lastAccess time.Time
}

// Credentials returns the current key pair.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Client returns the exchange client handle, nil when not connected.
func (s *Session) Client() *upbit.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Status returns the login snapshot.
func (s *Session) Status() LoginStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastAccess returns when the session was last touched.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) setCredentials(creds Credentials, now time.Time) {
	s.mu.Lock()
	s.creds = creds
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) setClient(client *upbit.Client, now time.Time) {
	s.mu.Lock()
	s.client = client
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) setStatus(status LoginStatus, now time.Time) {
	s.mu.Lock()
	s.status = status
	s.lastAccess = now
	s.mu.Unlock()
}

// clear wipes everything security-sensitive. It runs unconditionally during
// teardown, whatever the engine shutdown outcome was.
func (s *Session) clear() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.client = nil
	s.status = LoginStatus{}
	s.mu.Unlock()
}
