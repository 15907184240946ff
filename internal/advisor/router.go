// Package advisor answers one conversational turn for a persona. It applies
// the session turn policy, the once-per-session context fetch and the fast
// path replies before falling back to retrieval and generation.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/identity"
	"github.com/ashureev/quest-advisor/internal/llm"
	"github.com/ashureev/quest-advisor/internal/memory"
	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/search"
	"github.com/ashureev/quest-advisor/internal/session"
)

// DefaultSessionKey is used when a transport supplies no session identity.
const DefaultSessionKey = "default"

// Defaults for Options.
const (
	DefaultContextTimeout    = 3 * time.Second
	DefaultSearchTimeout     = 5 * time.Second
	DefaultGenerationTimeout = 25 * time.Second
	DefaultMemoryTimeout     = 5 * time.Second
	DefaultSearchLimit       = 3
	passagesPerReply         = 2
	minRememberedChars       = 5
	maxRememberedReply       = 500
)

// Options tunes collaborator timeouts.
type Options struct {
	ContextTimeout    time.Duration
	SearchTimeout     time.Duration
	GenerationTimeout time.Duration
	MemoryTimeout     time.Duration
	SearchLimit       int
}

func (o Options) withDefaults() Options {
	if o.ContextTimeout <= 0 {
		o.ContextTimeout = DefaultContextTimeout
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = DefaultSearchTimeout
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = DefaultGenerationTimeout
	}
	if o.MemoryTimeout <= 0 {
		o.MemoryTimeout = DefaultMemoryTimeout
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = DefaultSearchLimit
	}
	return o
}

// PersonaSource resolves the current version of a persona. The registry
// implements it, so reloaded personas take effect on the next turn.
type PersonaSource interface {
	Get(id string) (*persona.Persona, error)
}

// Profiles is the relational profile collaborator.
type Profiles interface {
	GetPreferredName(ctx context.Context, userID string) (string, error)
	SetPreferredName(ctx context.Context, userID, name string) error
}

// Recorder receives turn metrics. *metrics.Recorder implements it.
type Recorder interface {
	Turn(persona, route string)
	ContextCache(persona string, hit bool)
	Failure(persona, collaborator string)
	Generation(persona, provider string, d time.Duration)
	LiveSessions(persona string, n int)
}

type noopRecorder struct{}

func (noopRecorder) Turn(string, string)                      {}
func (noopRecorder) ContextCache(string, bool)                {}
func (noopRecorder) Failure(string, string)                   {}
func (noopRecorder) Generation(string, string, time.Duration) {}
func (noopRecorder) LiveSessions(string, int)                 {}

// Deps are the router's collaborators. Sessions, Searcher and Generator are
// required; Memory and Profiles may be nil.
type Deps struct {
	Sessions  *session.Store
	Searcher  search.Searcher
	Generator llm.Generator
	Memory    memory.Store
	Profiles  Profiles
	Metrics   Recorder
}

// Turn is one inbound message with the identity the transport recovered.
type Turn struct {
	SessionKey string
	UserID     string
	// Name is a display name supplied by the client, if any.
	Name string
	// Hint is user context supplied by the client, used when long-term
	// memory has nothing.
	Hint    *domain.UserContext
	Message string
}

// Reply is the router's answer for one turn.
type Reply struct {
	Text           string   `json:"text"`
	Route          Route    `json:"route"`
	Query          string   `json:"query,omitempty"`
	SuggestedTopic string   `json:"suggested_topic,omitempty"`
	Generated      bool     `json:"generated"`
	Sources        []string `json:"sources,omitempty"`
	Phase          string   `json:"phase"`
}

// Router answers turns for one persona.
type Router struct {
	personaID string
	source    PersonaSource
	fallback  *persona.Persona

	sessions  *session.Store
	searcher  search.Searcher
	generator llm.Generator
	memory    memory.Store
	profiles  Profiles
	metrics   Recorder

	opts   Options
	logger *slog.Logger
	pick   func(n int) int

	background sync.WaitGroup
}

// NewRouter creates a router for personaID.
func NewRouter(personaID string, source PersonaSource, deps Deps, opts Options, logger *slog.Logger) (*Router, error) {
	if source == nil {
		return nil, errors.New("persona source is required")
	}
	p, err := source.Get(personaID)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", personaID, err)
	}
	if deps.Sessions == nil || deps.Searcher == nil || deps.Generator == nil {
		return nil, errors.New("sessions, searcher and generator are required")
	}
	if deps.Memory == nil {
		deps.Memory = memory.Disabled{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		personaID: p.ID,
		source:    source,
		fallback:  p,
		sessions:  deps.Sessions,
		searcher:  deps.Searcher,
		generator: deps.Generator,
		memory:    deps.Memory,
		profiles:  deps.Profiles,
		metrics:   deps.Metrics,
		opts:      opts.withDefaults(),
		logger:    logger.With("persona", p.ID),
		pick:      randomIndex,
	}, nil
}

// PersonaID returns the persona this router answers for.
func (r *Router) PersonaID() string {
	return r.personaID
}

// Persona returns the current persona data.
func (r *Router) Persona() *persona.Persona {
	p, err := r.source.Get(r.personaID)
	if err != nil {
		return r.fallback
	}
	return p
}

// Sessions returns the router's session store.
func (r *Router) Sessions() *session.Store {
	return r.sessions
}

// Wait blocks until background prefetches and memory writes finish.
func (r *Router) Wait() {
	r.background.Wait()
}

// Respond answers one turn. It always returns a reply; collaborator failures
// become the persona's fallback sentences.
func (r *Router) Respond(ctx context.Context, t Turn) Reply {
	p := r.Persona()

	key := strings.TrimSpace(t.SessionKey)
	if key == "" {
		key = DefaultSessionKey
	}
	sess := r.sessions.GetOrCreate(key)
	r.metrics.LiveSessions(p.ID, r.sessions.Len())

	log := r.logger.With("session_id", key, "user_id", t.UserID)
	if id, ok := identity.FromContext(ctx); ok {
		log = log.With("session_source", id.SessionSource)
	}
	uc := r.resolveContext(ctx, sess, p, t, log)

	normalized := p.Normalize(t.Message)
	route := Classify(p, t.Message, normalized)

	var reply Reply
	switch route {
	case RouteGreeting:
		reply = r.greet(ctx, sess, p, uc)
	case RouteNameQuestion:
		reply = r.answerName(sess, p, uc)
	case RouteNameIntroduction:
		reply = r.saveName(ctx, sess, p, t, normalized, log)
	case RouteIdentity:
		reply = Reply{Text: p.Fill(p.Replies.Identity, uc.name, "")}
	case RouteAffirmation:
		topic, ok := sess.LastSuggestion()
		if !ok {
			reply = Reply{Text: p.Fill(p.Replies.AffirmationFallback, uc.name, "")}
			break
		}
		log.Debug("affirmation resolved to suggestion", "topic", topic)
		reply = r.answer(ctx, sess, p, t, uc, topic, log)
	default:
		reply = r.answer(ctx, sess, p, t, uc, normalized, log)
	}

	reply.Route = route
	sess.Advance(route == RouteGreeting)
	reply.Phase = sess.Phase().String()
	r.metrics.Turn(p.ID, string(route))

	log.Info("turn answered",
		"route", route,
		"query", reply.Query,
		"generated", reply.Generated,
		"context_cached", uc.cached,
	)
	return reply
}

func (r *Router) answerName(sess *session.Session, p *persona.Persona, uc userContext) Reply {
	if uc.name == "" {
		return Reply{Text: p.Fill(p.Replies.NameUnknown, "", "")}
	}
	sess.MarkNameUsed(false)
	return Reply{Text: p.Fill(p.Replies.NameKnown, uc.name, "")}
}

func (r *Router) saveName(ctx context.Context, sess *session.Session, p *persona.Persona, t Turn, normalized string, log *slog.Logger) Reply {
	name := introducedName(p, persona.Canonical(normalized))
	sess.UpdateCachedName(name)
	sess.MarkNameUsed(false)

	if r.profiles != nil && t.UserID != "" {
		r.detach(ctx, func(ctx context.Context) {
			if err := r.profiles.SetPreferredName(ctx, t.UserID, name); err != nil {
				r.metrics.Failure(p.ID, "profile")
				log.Warn("failed to save preferred name", "error", err)
			}
		})
	}
	return Reply{Text: p.Fill(p.Replies.NameSaved, name, "")}
}

// answer runs the retrieval and generation path for query.
func (r *Router) answer(ctx context.Context, sess *session.Session, p *persona.Persona, t Turn, uc userContext, query string, log *slog.Logger) Reply {
	sess.IncrementTurn()
	if topic, ok := p.ResolveTopic(query); ok {
		sess.SetLastTopic(topic)
	}

	source, titles, err := r.sourceMaterial(ctx, sess, query)
	if err != nil {
		r.metrics.Failure(p.ID, "search")
		log.Warn("search failed", "query", query, "error", err)
		return Reply{Text: p.Replies.Apology, Query: query}
	}
	if source == "" {
		return Reply{Text: p.Replies.NotFound, Query: query}
	}

	useName := uc.name != "" && sess.ShouldUseName(false)
	req := llm.Request{
		System:    systemPrompt(p, uc, useName),
		Source:    source,
		Utterance: query,
	}

	gctx, cancel := context.WithTimeout(ctx, r.opts.GenerationTimeout)
	defer cancel()
	start := time.Now()
	text, err := r.generator.Generate(gctx, req)
	r.metrics.Generation(p.ID, r.generator.Name(), time.Since(start))
	if err != nil {
		r.metrics.Failure(p.ID, "generation")
		log.Warn("generation failed", "provider", r.generator.Name(), "error", err)
		return Reply{Text: p.Replies.Apology, Query: query, Sources: titles}
	}
	if useName && strings.Contains(text, uc.name) {
		sess.MarkNameUsed(false)
	}

	r.remember(ctx, p, t, text, log)
	return Reply{Text: text, Query: query, Generated: true, Sources: titles}
}

// sourceMaterial returns rendered passages for query, preferring content
// prefetched for the session's last suggestion.
func (r *Router) sourceMaterial(ctx context.Context, sess *session.Session, query string) (string, []string, error) {
	if content, titles, ok := sess.Prefetched(query); ok {
		return content, titles, nil
	}
	return r.search(ctx, query)
}

func (r *Router) search(ctx context.Context, query string) (string, []string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()

	res, err := r.searcher.Search(sctx, query, r.opts.SearchLimit)
	if err != nil {
		return "", nil, fmt.Errorf("search %q: %w", query, err)
	}
	articles := res.Articles
	if len(articles) > passagesPerReply {
		articles = articles[:passagesPerReply]
	}
	if len(articles) == 0 {
		return "", nil, nil
	}

	passages := make([]llm.Passage, 0, len(articles))
	titles := make([]string, 0, len(articles))
	for _, a := range articles {
		passages = append(passages, llm.Passage{Title: a.Title, Content: a.Content})
		titles = append(titles, a.Title)
	}
	return llm.SourceMaterial(passages), titles, nil
}

// prefetch loads passages for a suggested topic in the background so a
// following affirmation skips the search.
func (r *Router) prefetch(ctx context.Context, sess *session.Session, p *persona.Persona, topic string) {
	r.detach(ctx, func(ctx context.Context) {
		source, titles, err := r.search(ctx, topic)
		if err != nil {
			r.metrics.Failure(p.ID, "search")
			r.logger.Warn("prefetch failed", "session_id", sess.Key(), "topic", topic, "error", err)
			return
		}
		if source != "" {
			sess.Prefetch(topic, source, titles)
		}
	})
}

// remember stores the exchange in long-term memory without delaying the reply.
func (r *Router) remember(ctx context.Context, p *persona.Persona, t Turn, reply string, log *slog.Logger) {
	if t.UserID == "" || len(strings.TrimSpace(t.Message)) <= minRememberedChars {
		return
	}
	if len([]rune(reply)) > maxRememberedReply {
		reply = string([]rune(reply)[:maxRememberedReply])
	}
	r.detach(ctx, func(ctx context.Context) {
		if err := r.memory.Remember(ctx, t.UserID, t.Message, "user"); err != nil {
			r.metrics.Failure(p.ID, "memory")
			log.Warn("failed to store user message", "error", err)
			return
		}
		if err := r.memory.Remember(ctx, t.UserID, reply, "assistant"); err != nil {
			r.metrics.Failure(p.ID, "memory")
			log.Warn("failed to store reply", "error", err)
		}
	})
}

// detach runs fn after the request returns, bounded by the memory timeout.
func (r *Router) detach(ctx context.Context, fn func(context.Context)) {
	base := context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		dctx, cancel := context.WithTimeout(base, r.opts.MemoryTimeout)
		defer cancel()
		fn(dctx)
	}()
}

func systemPrompt(p *persona.Persona, uc userContext, useName bool) string {
	var b strings.Builder
	b.WriteString(p.SystemPrompt)

	if uc.context.Returning() {
		b.WriteString("\n\n## RETURNING USER CONTEXT\nThis user has spoken to you before. What you remember about them:\n")
		facts := uc.context.Facts
		if len(facts) > memory.MaxFacts {
			facts = facts[:memory.MaxFacts]
		}
		for _, fact := range facts {
			b.WriteString("- " + fact + "\n")
		}
		b.WriteString("Reference their past interests naturally and make them feel recognized.\n")
	}
	if useName {
		b.WriteString("\nThe user's name is " + uc.name + ". Address them by name once in this reply.\n")
	}
	return b.String()
}
