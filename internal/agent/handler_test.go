package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/quest-advisor/internal/advisor"
	"github.com/ashureev/quest-advisor/internal/identity"
	"github.com/ashureev/quest-advisor/internal/llm"
	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/search"
	"github.com/ashureev/quest-advisor/internal/session"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (r *recordingLogger) Log(e ConversationLogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) snapshot() []ConversationLogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConversationLogEvent(nil), r.events...)
}

type testServer struct {
	mux     *chi.Mux
	handler *Handler
	router  *advisor.Router
	persona *persona.Persona
	log     *recordingLogger
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()

	reg, err := persona.NewRegistry("relocation", "")
	require.NoError(t, err)
	p, err := reg.Get("relocation")
	require.NoError(t, err)

	idx, err := search.NewBleveIndex(p.Articles)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	router, err := advisor.NewRouter("relocation", reg, advisor.Deps{
		Sessions:  session.NewStore(10, nil),
		Searcher:  idx,
		Generator: llm.NewExtractive(),
	}, advisor.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(router.Wait)

	log := &recordingLogger{}
	h := NewHandler(router, limiter, log, HandlerConfig{})
	t.Cleanup(h.Close)

	mux := chi.NewRouter()
	h.RegisterRoutes(mux)
	return &testServer{mux: mux, handler: h, router: router, persona: p, log: log}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	s.router.Wait()
	return w
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// readStream returns the concatenated delta content and the decoded chunks.
func readStream(t *testing.T, body string) (string, []completionChunk) {
	t.Helper()

	events := strings.Split(strings.TrimSpace(body), "\n\n")
	require.NotEmpty(t, events)
	require.Equal(t, "data: [DONE]", events[len(events)-1])

	var text strings.Builder
	chunks := make([]completionChunk, 0, len(events)-1)
	for _, ev := range events[:len(events)-1] {
		require.True(t, strings.HasPrefix(ev, "data: "), ev)
		var c completionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(ev, "data: ")), &c))
		require.Len(t, c.Choices, 1)
		text.WriteString(c.Choices[0].Delta.Content)
		chunks = append(chunks, c)
	}
	return text.String(), chunks
}

func TestCompletionsStreamsGreeting(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := postJSON("/chat/completions", `{"messages":[{"role":"system","content":"be nice"},{"role":"user","content":"speak your greeting"}]}`)
	req.Header.Set("X-Session-Id", "voice-1")
	w := s.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	text, chunks := readStream(t, w.Body.String())
	assert.Contains(t, text, "Cyprus")
	assert.Contains(t, text, "ATLAS")

	first, last := chunks[0], chunks[len(chunks)-1]
	assert.True(t, strings.HasPrefix(first.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "relocation", first.Model)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	for _, c := range chunks {
		assert.Equal(t, first.ID, c.ID)
	}
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)

	sess, ok := s.router.Sessions().Peek("voice-1")
	require.True(t, ok)
	assert.True(t, sess.Greeted())
}

func TestCompletionsMalformedBodyStreamsApology(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(postJSON("/chat/completions", `{"messages": [`))

	require.Equal(t, http.StatusOK, w.Code)
	text, _ := readStream(t, w.Body.String())
	assert.Equal(t, s.persona.Replies.Apology, text)
	assert.Empty(t, s.log.snapshot())
}

func TestCompletionsAcceptsContentParts(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	body := `{"custom_session_id":"parts-1","messages":[{"role":"user","content":[{"type":"text","text":"who are"},{"type":"text","text":"you"}]}]}`
	w := s.do(postJSON("/chat/completions", body))

	text, _ := readStream(t, w.Body.String())
	assert.Equal(t, s.persona.Replies.Identity, text)
}

func TestChatAnswersFromArticles(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(postJSON("/chat", `{"session_id":"chat-1","message":"tell me about Portugal"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reply ChatReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.NotEmpty(t, reply.ID)
	assert.Equal(t, "relocation", reply.Persona)
	assert.Equal(t, "chat-1", reply.SessionID)
	assert.Equal(t, "assistant", reply.Message.Role)
	assert.Equal(t, string(advisor.RouteGeneral), reply.Route)
	assert.Contains(t, reply.Sources, "Relocating to Portugal")
	assert.NotEmpty(t, reply.Message.Content)

	events := s.log.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "user_message", events[0].EventType)
	assert.Equal(t, "tell me about Portugal", events[0].ContentRaw)
	assert.Equal(t, "assistant_message", events[1].EventType)
	assert.Equal(t, string(reply.Message.Content), events[1].ContentRaw)
	for _, e := range events {
		assert.Equal(t, ChannelChat, e.Channel)
		assert.Equal(t, "chat-1", e.SessionID)
		assert.Equal(t, "relocation", e.Persona)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	w := s.do(postJSON("/chat", `not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request body"}`, w.Body.String())

	w = s.do(postJSON("/chat", `{"messages":[{"role":"user","content":"   "}]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"message is required"}`, w.Body.String())

	big := `{"message":"` + strings.Repeat("a", defaultMaxRequestBodySize) + `"}`
	w = s.do(postJSON("/chat", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChatRateLimitedPerUser(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	s := newTestServer(t, limiter)

	first := s.do(postJSON("/chat", `{"session_id":"Dan|u42_x","message":"who are you"}`))
	assert.Equal(t, http.StatusOK, first.Code)

	// A new session id for the same user is still throttled.
	second := s.do(postJSON("/chat", `{"session_id":"Dan|u42_y","message":"who are you"}`))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	other := s.do(postJSON("/chat", `{"session_id":"Ann|u7_x","message":"who are you"}`))
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestCompletionsRateLimitStreamsSentence(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	s := newTestServer(t, limiter)

	body := `{"custom_session_id":"Dan|u42_x","messages":[{"role":"user","content":"who are you"}]}`
	first := s.do(postJSON("/chat/completions", body))
	require.Equal(t, http.StatusOK, first.Code)
	text, _ := readStream(t, first.Body.String())
	assert.Equal(t, s.persona.Replies.Identity, text)

	second := s.do(postJSON("/chat/completions", body))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "text/event-stream", second.Header().Get("Content-Type"))
	text, chunks := readStream(t, second.Body.String())
	require.NotEmpty(t, s.persona.Replies.Busy)
	assert.Equal(t, s.persona.Replies.Busy, text)
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	// The refused turn never reached the router.
	assert.Len(t, s.log.snapshot(), 2)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	tests := []struct {
		q     string
		route advisor.Route
	}{
		{"hello there", advisor.RouteGreeting},
		{"what's my name", advisor.RouteNameQuestion},
		{"who are you", advisor.RouteIdentity},
		{"yes", advisor.RouteAffirmation},
		{"tell me about Portugal", advisor.RouteGeneral},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/debug/classify?q="+strings.ReplaceAll(tt.q, " ", "+"), nil)
		w := s.do(req)
		require.Equal(t, http.StatusOK, w.Code)

		var got ClassifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, tt.q, got.Query)
		assert.Equal(t, string(tt.route), got.Route, tt.q)
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/debug/classify?q=Portugal+visas", nil))
	var got ClassifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Portugal", got.Topic)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(httptest.NewRequest(http.MethodPost, "/info", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Len(t, info.Agents, 1)
	assert.Equal(t, "default", info.Agents[0].Name)
	assert.Equal(t, "ATLAS - Relocation Quest Agent", info.Agents[0].Description)
}

func TestSessionDebug(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	w := s.do(httptest.NewRequest(http.MethodGet, "/debug/session?id=nobody", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.do(postJSON("/chat", `{"session_id":"dbg-1","message":"hello"}`))
	w = s.do(httptest.NewRequest(http.MethodGet, "/debug/session?id=dbg-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Cyprus")
}

func TestWebSocketChat(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?custom_session_id=ws-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"invalid message"}`, string(data))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"who are you"}`)))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)

	var reply ChatReply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "ws-1", reply.SessionID)
	assert.Equal(t, string(advisor.RouteIdentity), reply.Route)
	assert.Equal(t, s.persona.Replies.Identity, string(reply.Message.Content))

	_, ok := s.router.Sessions().Peek("ws-1")
	assert.True(t, ok)
}

func TestLimitKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	assert.Equal(t, "ip:10.0.0.1", limitKey(identity.Identity{}, req))
	assert.Equal(t, "user:u1", limitKey(identity.Identity{UserID: "u1"}, req))
}
