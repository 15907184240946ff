package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity bounds a store created with a non-positive capacity.
const DefaultCapacity = 100

// Option configures a Store.
type Option func(*Store)

// WithNameCooldown sets the number of turns between uses of the user's name.
func WithNameCooldown(turns int) Option {
	return func(s *Store) {
		if turns > 0 {
			s.cooldown = turns
		}
	}
}

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is a fixed-capacity, recency-ordered set of sessions. Reads and
// creations both count as access; the least recently accessed session is
// dropped when a new key would exceed capacity.
type Store struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Session]
	capacity int
	cooldown int
	now      func() time.Time
}

// NewStore creates a session store. onEvict, when non-nil, is called with
// the key of every evicted session while the store lock is held, so it must
// not call back into the store.
func NewStore(capacity int, onEvict func(key string), opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	s := &Store{
		capacity: capacity,
		cooldown: NameCooldownTurns,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var cb simplelru.EvictCallback[string, *Session]
	if onEvict != nil {
		cb = func(key string, _ *Session) { onEvict(key) }
	}
	// NewLRU only fails for a non-positive size, which is ruled out above.
	s.lru, _ = simplelru.NewLRU[string, *Session](capacity, cb)
	return s
}

// GetOrCreate returns the session for key, marking it most recently used,
// or creates one.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.lru.Get(key); ok {
		return sess
	}
	sess := newSession(key, s.cooldown, s.now)
	s.lru.Add(key, sess)
	return sess
}

// Peek returns the session for key without updating its recency.
func (s *Store) Peek(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Peek(key)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Keys returns live session keys from least to most recently used.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// Capacity returns the maximum number of sessions held.
func (s *Store) Capacity() int {
	return s.capacity
}
