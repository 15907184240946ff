package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/quest-advisor/internal/advisor"
	"github.com/ashureev/quest-advisor/internal/agent"
	"github.com/ashureev/quest-advisor/internal/api"
	"github.com/ashureev/quest-advisor/internal/config"
	"github.com/ashureev/quest-advisor/internal/llm"
	"github.com/ashureev/quest-advisor/internal/memory"
	"github.com/ashureev/quest-advisor/internal/metrics"
	"github.com/ashureev/quest-advisor/internal/middleware"
	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/search"
	"github.com/ashureev/quest-advisor/internal/session"
	"github.com/ashureev/quest-advisor/internal/store"
)

// advisorStack is everything one persona needs to serve turns.
type advisorStack struct {
	id      string
	index   *search.BleveIndex
	cache   *search.Cached
	router  *advisor.Router
	handler *agent.Handler
	quotes  *api.QuoteHandler
}

func (s *advisorStack) close() {
	s.handler.Close()
	s.router.Wait()
	s.cache.Close()
	if err := s.index.Close(); err != nil {
		slog.Warn("Failed to close search index", "persona", s.id, "error", err)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "persona", cfg.Persona)

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	reg, err := persona.NewRegistry(cfg.Persona, cfg.PersonaDir)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	slog.Info("Personas loaded", "ids", reg.IDs(), "default", reg.DefaultID())

	gen, err := llm.New(ctx, llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		GroqAPIKey:      cfg.LLM.GroqAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.LLM.OpenAIBaseURL,
		GoogleAPIKey:    cfg.LLM.GoogleAPIKey,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		AgentAddr:       cfg.LLM.AgentAddr,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize generator: %w", err)
	}
	if c, ok := gen.(interface{ Close() }); ok {
		defer c.Close()
	}
	slog.Info("Generator ready", "provider", gen.Name())

	rec := metrics.New()

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		OnDrop:        rec.DroppedLogEvent,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	limiter := agent.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	stacks := make(map[string]*advisorStack)
	defer func() {
		for _, s := range stacks {
			s.close()
		}
	}()
	for _, id := range reg.IDs() {
		s, err := newAdvisorStack(id, reg, cfg, repo, gen, rec, limiter, convLog, logger)
		if err != nil {
			return err
		}
		stacks[id] = s
	}

	if cfg.PersonaDir != "" {
		w := persona.NewWatcher(reg, cfg.PersonaDir, func(ids []string) {
			reindex(reg, stacks, ids)
		}, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Error("Persona watcher stopped", "error", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	api.NewHealthHandler(repo, cfg.Timeout.HealthCheck).RegisterHealth(r)
	r.Handle("/metrics", rec.Handler())

	def := stacks[reg.DefaultID()]
	def.handler.RegisterRoutes(r)
	def.quotes.RegisterRoutes(r)
	for id, s := range stacks {
		r.Route("/"+id, func(sr chi.Router) {
			s.handler.RegisterRoutes(sr)
			s.quotes.RegisterRoutes(sr)
		})
	}

	// SSE responses are streamed, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.DatabaseURL != "" {
		repo, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		return repo, nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite: %w", err)
	}
	return repo, nil
}

func newAdvisorStack(
	id string,
	reg *persona.Registry,
	cfg *config.Config,
	repo store.Repository,
	gen llm.Generator,
	rec *metrics.Recorder,
	limiter *agent.RateLimiter,
	convLog agent.ConversationLogger,
	logger *slog.Logger,
) (*advisorStack, error) {
	p, err := reg.Get(id)
	if err != nil {
		return nil, err
	}

	index, err := search.NewBleveIndex(p.Articles)
	if err != nil {
		return nil, fmt.Errorf("index %s articles: %w", id, err)
	}
	cache, err := search.NewCached(index, cfg.SearchCacheTTL)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("search cache for %s: %w", id, err)
	}

	// Topics follow persona reloads; the memory user prefix and group are
	// fixed at startup so a user's history is not split mid-run.
	topics := func() []string {
		cur, err := reg.Get(id)
		if err != nil {
			return nil
		}
		return cur.Topics
	}

	var mem memory.Store
	if cfg.Zep.APIKey != "" {
		mem = memory.NewZep(memory.ZepConfig{
			APIKey:     cfg.Zep.APIKey,
			BaseURL:    cfg.Zep.BaseURL,
			UserPrefix: p.Memory.UserPrefix,
			GroupID:    p.Memory.GroupID,
			Topics:     topics,
		})
	} else {
		mem = memory.NewLocal(repo, p.Memory.UserPrefix, topics)
	}

	sessions := session.NewStore(cfg.SessionCapacity, func(string) { rec.Eviction(id) },
		session.WithNameCooldown(cfg.NameCooldownTurns))

	router, err := advisor.NewRouter(id, reg, advisor.Deps{
		Sessions:  sessions,
		Searcher:  cache,
		Generator: gen,
		Memory:    mem,
		Profiles:  repo,
		Metrics:   rec,
	}, advisor.Options{
		ContextTimeout:    cfg.Timeout.ContextFetch,
		SearchTimeout:     cfg.Timeout.Search,
		GenerationTimeout: cfg.Timeout.Generation,
		MemoryTimeout:     cfg.Timeout.MemoryStore,
	}, logger.With("persona", id))
	if err != nil {
		cache.Close()
		_ = index.Close()
		return nil, fmt.Errorf("router for %s: %w", id, err)
	}

	handler := agent.NewHandler(router, limiter, convLog, agent.HandlerConfig{
		OriginPatterns: originPatterns(cfg.CORSOrigins),
	})

	slog.Info("Advisor ready", "persona", id, "advisor", p.Advisor, "articles", len(p.Articles))
	return &advisorStack{
		id:      id,
		index:   index,
		cache:   cache,
		router:  router,
		handler: handler,
		quotes:  api.NewQuoteHandler(reg, id, repo),
	}, nil
}

// reindex rebuilds the search index of every reloaded persona that is being
// served. Personas added after startup are not routed until a restart.
func reindex(reg *persona.Registry, stacks map[string]*advisorStack, ids []string) {
	for _, id := range ids {
		s, ok := stacks[id]
		if !ok {
			slog.Warn("Reloaded persona is not served until restart", "persona", id)
			continue
		}
		p, err := reg.Get(id)
		if err != nil {
			slog.Error("Reloaded persona missing", "persona", id, "error", err)
			continue
		}
		if err := s.index.Rebuild(p.Articles); err != nil {
			slog.Error("Failed to rebuild search index", "persona", id, "error", err)
			continue
		}
		s.cache.Clear()
		slog.Info("Search index rebuilt", "persona", id, "articles", len(p.Articles))
	}
}

// originPatterns converts CORS origins to websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
