package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ashureev/quest-advisor/internal/advisor"
	"github.com/ashureev/quest-advisor/internal/api"
	"github.com/ashureev/quest-advisor/internal/identity"
	"github.com/ashureev/quest-advisor/internal/persona"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Channels recorded in the conversation log.
const (
	ChannelVoice     = "voice_sse"
	ChannelChat      = "chat_http"
	ChannelWebSocket = "chat_ws"
)

// HandlerConfig tunes the transports.
type HandlerConfig struct {
	MaxRequestBodySize int64
	// OriginPatterns are accepted websocket origins; empty allows any.
	OriginPatterns []string
}

// Handler serves one persona's advisor over the voice and chat transports.
type Handler struct {
	router  *advisor.Router
	limiter *RateLimiter
	log     ConversationLogger
	conns   *connRegistry
	cfg     HandlerConfig
	now     func() time.Time
}

// NewHandler creates a transport handler for router. limiter and convLog may
// be nil.
func NewHandler(router *advisor.Router, limiter *RateLimiter, convLog ConversationLogger, cfg HandlerConfig) *Handler {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	return &Handler{
		router:  router,
		limiter: limiter,
		log:     convLog,
		conns:   newConnRegistry(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// RegisterRoutes registers the transport routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/completions", h.HandleCompletions)
	r.Post("/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
	r.Post("/info", h.HandleInfo)
	r.Get("/debug/classify", h.HandleClassify)
	r.Get("/debug/session", h.HandleSession)
}

// Close terminates open websockets.
func (h *Handler) Close() {
	h.conns.closeAll()
}

// HandleCompletions handles POST /chat/completions, the OpenAI-compatible
// endpoint used by the voice client. The reply is streamed word by word.
// Malformed bodies still get a spoken apology.
func (h *Handler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	p := h.router.Persona()

	req, err := h.decode(w, r)
	id := identity.Resolve(r, req.identityBody())
	if err != nil {
		slog.Warn("invalid completions body", "persona", p.ID, "session_id", id.SessionKey, "error", err)
		h.streamText(w, p.ID, p.Replies.Apology)
		return
	}
	if !h.limiter.Allow(limitKey(id, r)) {
		// Voice clients only speak stream content, so the refusal is a sentence.
		slog.Warn("completions rate limited", "persona", p.ID, "session_id", id.SessionKey)
		busy := p.Replies.Busy
		if busy == "" {
			busy = p.Replies.Apology
		}
		h.streamText(w, p.ID, busy)
		return
	}

	reply := h.turn(r, id, req.LastUserMessage(), ChannelVoice)
	h.streamText(w, p.ID, reply.Text)
}

// HandleChat handles POST /chat and answers with a single assistant message.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message := req.LastUserMessage()
	if strings.TrimSpace(message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	id := identity.Resolve(r, req.identityBody())
	if !h.limiter.Allow(limitKey(id, r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	reply := h.turn(r, id, message, ChannelChat)
	api.JSON(w, http.StatusOK, h.chatReply(id, reply))
}

// wsFrame is one inbound websocket message.
type wsFrame struct {
	Type string `json:"type,omitempty"`
	ChatRequest
}

// HandleWebSocket handles GET /ws/chat. Each text frame carries a chat
// request and is answered with one assistant frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	base := identity.Resolve(r, identity.Body{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", base.SessionKey)
		return
	}
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", base.SessionKey)
		}
	}()

	h.conns.register(base.SessionKey, ws)
	defer h.conns.unregister(base.SessionKey, ws)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", base.SessionKey)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", base.SessionKey)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if err := writeJSON(ctx, ws, map[string]string{"error": "invalid message"}); err != nil {
				return
			}
			continue
		}
		if frame.Type == "ping" {
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				return
			}
			continue
		}

		id := identity.Resolve(r, frame.identityBody())
		if id.SessionSource == identity.SourceDefault || id.SessionSource == identity.SourceUser {
			id.SessionKey = base.SessionKey
		}
		if !h.limiter.Allow(limitKey(id, r)) {
			if err := writeJSON(ctx, ws, map[string]string{"error": "rate limit exceeded"}); err != nil {
				return
			}
			continue
		}

		reply := h.turn(r, id, frame.LastUserMessage(), ChannelWebSocket)
		if err := writeJSON(ctx, ws, h.chatReply(id, reply)); err != nil {
			slog.Warn("failed to write websocket reply", "error", err, "session_id", id.SessionKey)
			return
		}
	}
}

// HandleInfo handles POST /info for client agent discovery.
func (h *Handler) HandleInfo(w http.ResponseWriter, _ *http.Request) {
	p := h.router.Persona()
	api.JSON(w, http.StatusOK, Info{
		Actions: []any{},
		Agents: []AgentInfo{{
			Name:        "default",
			Description: fmt.Sprintf("%s - %s Agent", p.Advisor, p.Brand),
		}},
		SDKVersion: "0.8.1",
	})
}

// HandleClassify handles GET /debug/classify?q=, showing how a message
// would be routed without answering it.
func (h *Handler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	p := h.router.Persona()
	normalized := p.Normalize(q)
	topic, _ := p.ResolveTopic(normalized)

	api.JSON(w, http.StatusOK, ClassifyResult{
		Query:      q,
		Normalized: normalized,
		Canonical:  persona.Canonical(normalized),
		Route:      string(advisor.Classify(p, q, normalized)),
		Topic:      topic,
	})
}

// HandleSession handles GET /debug/session?id=, returning a session's state
// without touching its recency.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("id")
	sess, ok := h.router.Sessions().Peek(key)
	if !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	api.JSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ChatRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// turn runs one advisor turn and records both sides in the conversation log.
// The turn is not cancelled if the client goes away.
func (h *Handler) turn(r *http.Request, id identity.Identity, message, channel string) advisor.Reply {
	ctx := identity.NewContext(context.WithoutCancel(r.Context()), id)
	reqID := chiMiddleware.GetReqID(r.Context())
	personaID := h.router.PersonaID()

	h.log.Log(ConversationLogEvent{
		UserID:     id.UserID,
		SessionID:  id.SessionKey,
		Persona:    personaID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "user_message",
		ContentRaw: message,
		Meta: map[string]any{
			"request_id":     reqID,
			"session_source": id.SessionSource,
		},
	})

	start := h.now()
	reply := h.router.Respond(ctx, advisor.Turn{
		SessionKey: id.SessionKey,
		UserID:     id.UserID,
		Name:       id.Name,
		Hint:       id.Hint(),
		Message:    message,
	})

	h.log.Log(ConversationLogEvent{
		UserID:     id.UserID,
		SessionID:  id.SessionKey,
		Persona:    personaID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "assistant_message",
		ContentRaw: reply.Text,
		Meta: map[string]any{
			"request_id":  reqID,
			"route":       reply.Route,
			"generated":   reply.Generated,
			"query":       reply.Query,
			"duration_ms": h.now().Sub(start).Milliseconds(),
		},
	})
	return reply
}

func (h *Handler) chatReply(id identity.Identity, reply advisor.Reply) ChatReply {
	return ChatReply{
		ID:             uuid.NewString(),
		Persona:        h.router.PersonaID(),
		SessionID:      id.SessionKey,
		Message:        ChatMessage{Role: "assistant", Content: MessageContent(reply.Text)},
		Route:          string(reply.Route),
		SuggestedTopic: reply.SuggestedTopic,
		Sources:        reply.Sources,
	}
}

// streamText writes text as OpenAI-style chat.completion.chunk events, one
// word per chunk, then a stop chunk and the [DONE] sentinel.
func (h *Handler) streamText(w http.ResponseWriter, model, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	id := "chatcmpl-" + uuid.NewString()
	created := h.now().Unix()
	words := strings.Split(text, " ")
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		chunk := completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: word}}},
		}
		if i == 0 {
			chunk.Choices[0].Delta.Role = "assistant"
		}
		if err := writeData(w, chunk); err != nil {
			slog.Warn("failed to write completion chunk", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	stop := "stop"
	if err := writeData(w, completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chunkChoice{{Index: 0, FinishReason: &stop}},
	}); err != nil {
		slog.Warn("failed to write final completion chunk", "error", err)
		return
	}
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		slog.Warn("failed to write completion sentinel", "error", err)
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func writeData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// limitKey rate-limits by user id when known, otherwise by client IP.
func limitKey(id identity.Identity, r *http.Request) string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "ip:" + identity.IPFromRequest(r)
}
