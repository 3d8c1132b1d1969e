package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trust-service/internal/model"
)

// MemorySessionStore keeps sessions in process. Values are copied on the
// way in and out so callers never share a FactorSet backing array.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*model.Session)}
}

func (m *MemorySessionStore) Create(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	m.sessions[s.SessionID] = copySession(s)
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	return copySession(s), nil
}

func (m *MemorySessionStore) Save(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", s.SessionID, model.ErrNotFound)
	}
	m.sessions[s.SessionID] = copySession(s)
	return nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func copySession(s *model.Session) *model.Session {
	c := *s
	c.Factors = append(model.FactorSet(nil), s.Factors...)
	return &c
}

// MemoryOTPStore holds at most one code per session.
type MemoryOTPStore struct {
	mu      sync.Mutex
	records map[string]memoryOTP
	now     func() time.Time
}

type memoryOTP struct {
	rec      model.OTPRecord
	deadline time.Time
}

func NewMemoryOTPStore(now func() time.Time) *MemoryOTPStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryOTPStore{records: make(map[string]memoryOTP), now: now}
}

func (m *MemoryOTPStore) Put(ctx context.Context, rec *model.OTPRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = memoryOTP{rec: *rec, deadline: m.now().Add(ttl)}
	return nil
}

// Take removes the record whether or not it is still live; an entry past
// its storage deadline is reported as not found.
func (m *MemoryOTPStore) Take(ctx context.Context, sessionID string) (*model.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[sessionID]
	delete(m.records, sessionID)
	if !ok || m.now().After(e.deadline) {
		return nil, fmt.Errorf("otp for %s: %w", sessionID, model.ErrNotFound)
	}
	rec := e.rec
	return &rec, nil
}

func (m *MemoryOTPStore) Discard(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]model.Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]model.Credential)}
}

func (m *MemoryCredentialStore) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[userID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", userID, model.ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryCredentialStore) PutCredential(ctx context.Context, c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.UserID] = *c
	return nil
}

// KeyedLocker is a fail-fast per-session lock. Unlike a sharded mutex it
// never reports contention between two different sessions.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: make(map[string]struct{})}
}

func (k *KeyedLocker) TryLock(ctx context.Context, sessionID string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[sessionID]; busy {
		return nil, false, nil
	}
	k.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, sessionID)
			k.mu.Unlock()
		})
	}, true, nil
}
