// Package session remembers which booking a thread belongs to and a little
// conversational context between turns. Sessions are a cache: losing one
// never loses booking state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a thread has no live session.
var ErrNotFound = errors.New("session not found")

// DefaultTTL applies when a store is built without one.
const DefaultTTL = 24 * time.Hour

type Session struct {
	Tenant     string    `json:"tenant"`
	ThreadKey  string    `json:"thread_key"`
	BookingID  string    `json:"booking_id"`
	LastIntent string    `json:"last_intent,omitempty"`
	Turns      int       `json:"turns"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists sessions keyed by tenant and thread.
type Store interface {
	Get(ctx context.Context, tenant, thread string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, tenant, thread string) error
}

func key(tenant, thread string) string {
	return tenant + "/" + thread
}

type entry struct {
	session Session
	expires time.Time
}

// Memory is an in-process Store. Expired entries are dropped lazily.
type Memory struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{TTL: ttl, Now: time.Now, entries: map[string]entry{}}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) Get(_ context.Context, tenant, thread string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenant, thread)
	e, ok := m.entries[k]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, k)
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

func (m *Memory) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]entry{}
	}
	now := m.now()
	s.UpdatedAt = now
	m.entries[key(s.Tenant, s.ThreadKey)] = entry{session: s, expires: now.Add(m.TTL)}
	return nil
}

func (m *Memory) Delete(_ context.Context, tenant, thread string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(tenant, thread))
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Touch records one more turn on the thread's session, creating it if needed.
func Touch(ctx context.Context, st Store, tenant, thread, bookingID, intent string) (Session, error) {
	s, err := st.Get(ctx, tenant, thread)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	if errors.Is(err, ErrNotFound) || s.BookingID != bookingID {
		s = Session{Tenant: tenant, ThreadKey: thread, BookingID: bookingID}
	}
	s.Turns++
	if intent != "" {
		s.LastIntent = intent
	}
	if err := st.Put(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}
