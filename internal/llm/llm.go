// Package llm turns grounding passages and a user utterance into a short
// spoken-style reply using a hosted language model, a remote agent runtime,
// or an offline extractive fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNoProvider is returned when no provider is configured.
	ErrNoProvider = errors.New("no generation provider configured")
	// ErrEmptyResponse is returned when a provider answers with no text.
	ErrEmptyResponse = errors.New("empty generation response")
)

// DefaultMaxTokens bounds reply length for voice-friendly answers.
const DefaultMaxTokens = 400

// MaxPassageChars is how much of each passage reaches the prompt.
const MaxPassageChars = 1500

// Passage is one piece of grounding text.
type Passage struct {
	Title   string
	Content string
}

// Request is everything a provider needs for one reply.
type Request struct {
	System   string
	Passages []Passage
	// Source is pre-rendered source material. When set it is used in place
	// of Passages.
	Source    string
	Utterance string
	MaxTokens int
}

// Generator produces a reply for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// SourceMaterial renders passages as markdown sections, truncating each body.
func SourceMaterial(passages []Passage) string {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, "## "+p.Title+"\n"+truncate(p.Content, MaxPassageChars))
	}
	return strings.Join(parts, "\n\n")
}

// BuildPrompt renders the user turn sent to the model.
func BuildPrompt(req Request) string {
	return fmt.Sprintf("SOURCE MATERIAL:\n%s\n\nUSER QUESTION: %s\n\nRespond in 2-3 sentences. Use ONLY the source material. Be engaging.",
		req.SourceText(), req.Utterance)
}

// SourceText returns the source material for the prompt.
func (req Request) SourceText() string {
	if req.Source != "" {
		return req.Source
	}
	return SourceMaterial(req.Passages)
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Config selects and configures a provider.
type Config struct {
	Provider        string
	Model           string
	GroqAPIKey      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GoogleAPIKey    string
	AnthropicAPIKey string
	AgentAddr       string
	ConnectTimeout  time.Duration
}

// Provider names accepted by Config.Provider.
const (
	ProviderAuto       = "auto"
	ProviderGroq       = "groq"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderAnthropic  = "anthropic"
	ProviderGRPC       = "grpc"
	ProviderExtractive = "extractive"
)

const (
	groqBaseURL    = "https://api.groq.com/openai/v1"
	groqModel      = "llama-3.1-8b-instant"
	openAIModel    = "gpt-4o-mini"
	geminiModel    = "gemini-2.0-flash"
	anthropicModel = "claude-3-5-haiku-latest"
)

// New builds the configured provider. In auto mode Groq is preferred for
// latency, then Gemini, OpenAI and Anthropic; with no keys at all the
// extractive fallback is used.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == ProviderAuto {
		provider = detect(cfg)
		logger.Info("Auto-detected generation provider", "provider", provider)
	}

	switch provider {
	case ProviderGroq:
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("%w: GROQ_API_KEY is not set", ErrNoProvider)
		}
		return NewOpenAI(ProviderGroq, cfg.GroqAPIKey, groqBaseURL, orDefault(cfg.Model, groqModel)), nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrNoProvider)
		}
		return NewOpenAI(ProviderOpenAI, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, orDefault(cfg.Model, openAIModel)), nil
	case ProviderGemini:
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("%w: GOOGLE_API_KEY is not set", ErrNoProvider)
		}
		return NewGemini(ctx, cfg.GoogleAPIKey, "", orDefault(cfg.Model, geminiModel))
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrNoProvider)
		}
		return NewAnthropic(cfg.AnthropicAPIKey, orDefault(cfg.Model, anthropicModel)), nil
	case ProviderGRPC:
		return NewGRPC(GRPCConfig{Address: cfg.AgentAddr, ConnectTimeout: cfg.ConnectTimeout}, logger)
	case ProviderExtractive:
		return NewExtractive(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, cfg.Provider)
	}
}

func detect(cfg Config) string {
	switch {
	case cfg.GroqAPIKey != "":
		return ProviderGroq
	case cfg.GoogleAPIKey != "":
		return ProviderGemini
	case cfg.OpenAIAPIKey != "":
		return ProviderOpenAI
	case cfg.AnthropicAPIKey != "":
		return ProviderAnthropic
	case cfg.AgentAddr != "":
		return ProviderGRPC
	default:
		return ProviderExtractive
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
