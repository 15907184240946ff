// Package session holds per-conversation advisor state: a bounded,
// recency-ordered store of sessions, the turn policy that decides when the
// advisor addresses the user by name, and the gate that limits external
// context fetches to one per session.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// NameCooldownTurns is the number of turns that must pass after the user's
// name was used before it may be used again.
const NameCooldownTurns = 3

// Phase is the coarse conversational state of a session.
type Phase int

const (
	// PhaseNew is a session that has not processed any turn.
	PhaseNew Phase = iota
	// PhaseGreeted is a session whose opening greeting was its last turn.
	PhaseGreeted
	// PhaseActive is a session past its opening.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseGreeted:
		return "greeted"
	default:
		return "active"
	}
}

// Session is the mutable state of one conversation. All methods are safe for
// concurrent use.
type Session struct {
	mu  sync.Mutex
	key string

	cooldown int
	now      func() time.Time

	createdAt          time.Time
	turns              int
	turnsSinceNameUsed int
	nameUsedInGreeting bool
	greeted            bool
	phase              Phase
	lastTopic          string
	lastInteraction    time.Time

	cachedName     string
	cachedContext  *domain.UserContext
	contextFetched bool

	prefetchedTopic   string
	prefetchedContent string
	prefetchedTitles  []string

	lastSuggestedTopic string
	suggestions        []string
}

func newSession(key string, cooldown int, now func() time.Time) *Session {
	if cooldown <= 0 {
		cooldown = NameCooldownTurns
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Session{
		key:             key,
		cooldown:        cooldown,
		now:             now,
		createdAt:       t,
		lastInteraction: t,
	}
}

// Key returns the session identifier.
func (s *Session) Key() string {
	return s.key
}

// ShouldUseName reports whether the advisor should address the user by name
// this turn. The first greeting always may; otherwise the cooldown applies.
func (s *Session) ShouldUseName(isGreeting bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isGreeting && !s.nameUsedInGreeting {
		return true
	}
	return s.turnsSinceNameUsed >= s.cooldown
}

// MarkNameUsed resets the cooldown. A name used in the greeting also marks
// the session as greeted.
func (s *Session) MarkNameUsed(inGreeting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnsSinceNameUsed = 0
	if inGreeting {
		s.nameUsedInGreeting = true
		s.markGreetedLocked()
	}
}

func (s *Session) markGreetedLocked() {
	s.greeted = true
	s.lastInteraction = s.now()
}

// TryMarkGreeted claims the opening greeting for the caller. It returns false
// when the session was already greeted; greeted never resets. withName also resets the name
// cooldown as MarkNameUsed(true) does.
func (s *Session) TryMarkGreeted(withName bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.greeted {
		return false
	}
	if withName {
		s.turnsSinceNameUsed = 0
		s.nameUsedInGreeting = true
	}
	s.markGreetedLocked()
	return true
}

// Greeted reports whether the opening greeting was already emitted.
func (s *Session) Greeted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeted
}

// IncrementTurn advances the name cooldown by one turn.
func (s *Session) IncrementTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turnsSinceNameUsed++
	s.lastInteraction = s.now()
}

// Advance records that a turn was processed and moves the phase forward.
// A first greeting leaves the session greeted; any other turn makes it
// active. Nothing returns to new.
func (s *Session) Advance(greeting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns++
	s.lastInteraction = s.now()
	if s.phase == PhaseNew && greeting {
		s.phase = PhaseGreeted
		return
	}
	s.phase = PhaseActive
}

// Phase returns the session's conversational phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetLastTopic records the topic most recently discussed.
func (s *Session) SetLastTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTopic = topic
}

// LastTopic returns the topic most recently discussed.
func (s *Session) LastTopic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTopic
}

// SetLastSuggestion records a topic the advisor proposed, so a following
// affirmation can be resolved to it.
func (s *Session) SetLastSuggestion(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSuggestedTopic = topic
	s.suggestions = append(s.suggestions, topic)
}

// LastSuggestion returns the advisor's most recent proposal.
func (s *Session) LastSuggestion() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuggestedTopic, s.lastSuggestedTopic != ""
}

// Prefetch stores passages fetched ahead of a predicted follow-up.
func (s *Session) Prefetch(topic, content string, titles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prefetchedTopic = topic
	s.prefetchedContent = content
	s.prefetchedTitles = append([]string(nil), titles...)
}

// Prefetched returns prefetched passages when query names the prefetched topic.
func (s *Session) Prefetched(query string) (string, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	if s.prefetchedTopic == "" || q == "" || s.prefetchedContent == "" {
		return "", nil, false
	}
	if !strings.Contains(strings.ToLower(s.prefetchedTopic), q) {
		return "", nil, false
	}
	return s.prefetchedContent, append([]string(nil), s.prefetchedTitles...), true
}

// State is a point-in-time copy of a session, for logging and inspection.
type State struct {
	Key                 string              `json:"key"`
	Phase               string              `json:"phase"`
	Turns               int                 `json:"turns"`
	TurnsSinceNameUsed  int                 `json:"turns_since_name_used"`
	NameUsedInGreeting  bool                `json:"name_used_in_greeting"`
	GreetedThisSession  bool                `json:"greeted_this_session"`
	LastTopic           string              `json:"last_topic,omitempty"`
	LastInteractionTime time.Time           `json:"last_interaction_time"`
	CachedUserName      string              `json:"cached_user_name,omitempty"`
	CachedUserContext   *domain.UserContext `json:"cached_user_context,omitempty"`
	ContextFetched      bool                `json:"context_fetched"`
	PrefetchedTopic     string              `json:"prefetched_topic,omitempty"`
	PrefetchedTitles    []string            `json:"prefetched_titles,omitempty"`
	LastSuggestedTopic  string              `json:"last_suggested_topic,omitempty"`
	SuggestionsHistory  []string            `json:"suggestions_history,omitempty"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Key:                 s.key,
		Phase:               s.phase.String(),
		Turns:               s.turns,
		TurnsSinceNameUsed:  s.turnsSinceNameUsed,
		NameUsedInGreeting:  s.nameUsedInGreeting,
		GreetedThisSession:  s.greeted,
		LastTopic:           s.lastTopic,
		LastInteractionTime: s.lastInteraction,
		CachedUserName:      s.cachedName,
		CachedUserContext:   s.cachedContext.Clone(),
		ContextFetched:      s.contextFetched,
		PrefetchedTopic:     s.prefetchedTopic,
		PrefetchedTitles:    append([]string(nil), s.prefetchedTitles...),
		LastSuggestedTopic:  s.lastSuggestedTopic,
		SuggestionsHistory:  append([]string(nil), s.suggestions...),
	}
}
