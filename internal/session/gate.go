package session

import "github.com/ashureev/quest-advisor/internal/domain"

// CachedContext returns the user context fetched earlier in this session.
// ok is false until CacheContext has been called; after that the cached
// values are authoritative for the rest of the session.
func (s *Session) CachedContext() (name string, uc *domain.UserContext, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.contextFetched {
		return "", nil, false
	}
	return s.cachedName, s.cachedContext.Clone(), true
}

// CacheContext stores the result of the session's single external context
// fetch. A failed fetch is cached too, as an empty name and nil context.
func (s *Session) CacheContext(name string, uc *domain.UserContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cachedName = name
	s.cachedContext = uc.Clone()
	s.contextFetched = true
}

// UpdateCachedName replaces the cached display name without reopening the
// gate. Used when the user introduces themselves mid-session.
func (s *Session) UpdateCachedName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedName = name
}

// ContextFetched reports whether the gate is closed.
func (s *Session) ContextFetched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextFetched
}
