package advisor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/memory"
	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/session"
	"github.com/ashureev/quest-advisor/internal/store"
)

// userContext is what the router knows about the user this turn.
type userContext struct {
	name    string
	context *domain.UserContext
	cached  bool
}

// resolveContext returns the session's user context, fetching it from memory
// and the profile store on the first turn only. The result of that fetch,
// including a failure, is cached for the rest of the session.
func (r *Router) resolveContext(ctx context.Context, sess *session.Session, p *persona.Persona, t Turn, log *slog.Logger) userContext {
	if name, uc, ok := sess.CachedContext(); ok {
		r.metrics.ContextCache(p.ID, true)
		if t.Name != "" {
			name = t.Name
		}
		return userContext{name: name, context: uc, cached: true}
	}
	r.metrics.ContextCache(p.ID, false)

	name := t.Name
	var uc *domain.UserContext

	if t.UserID != "" {
		fetched, dbName := r.fetchContext(ctx, p, t.UserID, name == "", log)
		uc = fetched
		if name == "" && uc != nil {
			name = uc.DerivedName
		}
		if name == "" {
			name = dbName
		}
	}
	uc = mergeHint(uc, t.Hint)

	sess.CacheContext(name, uc)
	return userContext{name: name, context: uc}
}

// fetchContext runs the memory and profile lookups concurrently under the
// context timeout. Failures are logged and yield empty values.
func (r *Router) fetchContext(ctx context.Context, p *persona.Persona, userID string, needName bool, log *slog.Logger) (*domain.UserContext, string) {
	fctx, cancel := context.WithTimeout(ctx, r.opts.ContextTimeout)
	defer cancel()

	var (
		facts   memory.FetchResult
		profile store.NameResult
	)
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		facts = r.memory.Fetch(gctx, userID)
		return nil
	})
	if needName && r.profiles != nil {
		g.Go(func() error {
			profile = store.LookupName(gctx, r.profiles, userID)
			return nil
		})
	}
	_ = g.Wait()

	var uc *domain.UserContext
	switch facts.Outcome {
	case domain.OutcomeFound:
		uc = facts.Context
		log.Debug("user context loaded", "returning", uc.Returning(), "facts", uc.FactCount())
	case domain.OutcomeFailed:
		r.metrics.Failure(p.ID, "memory")
		log.Warn("memory lookup failed", "error", facts.Err)
	}

	var name string
	switch profile.Outcome {
	case domain.OutcomeFound:
		name = profile.Name
	case domain.OutcomeFailed:
		r.metrics.Failure(p.ID, "profile")
		log.Warn("profile lookup failed", "error", profile.Err)
	}
	return uc, name
}

// mergeHint fills gaps in remembered context with what the client sent.
func mergeHint(uc, hint *domain.UserContext) *domain.UserContext {
	if hint == nil {
		return uc
	}
	if uc == nil {
		return hint.Clone()
	}
	out := uc.Clone()
	out.IsReturning = out.IsReturning || hint.IsReturning
	if len(out.Interests) == 0 {
		out.Interests = append([]string(nil), hint.Interests...)
	}
	return out
}
