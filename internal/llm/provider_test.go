package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider answers every request with body and records the last request.
type fakeProvider struct {
	mu     sync.Mutex
	path   string
	header http.Header
	got    map[string]interface{}
}

func (f *fakeProvider) serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.path = r.URL.Path
		f.header = r.Header.Clone()
		f.got = nil
		_ = json.Unmarshal(raw, &f.got)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeProvider) last() (string, http.Header, map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.header, f.got
}

func TestGeminiGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{}
	srv := fake.serve(t, `{"candidates":[{"content":{"role":"model","parts":[{"text":"  Malta is warm.  "}]},"finishReason":"STOP"}]}`)

	g, err := NewGemini(context.Background(), "g-key", srv.URL, "gemini-test")
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, g.Name())

	text, err := g.Generate(context.Background(), Request{System: "be ATLAS", Utterance: "Malta"})
	require.NoError(t, err)
	assert.Equal(t, "Malta is warm.", text)

	path, header, got := fake.last()
	assert.True(t, strings.HasSuffix(path, "models/gemini-test:generateContent"), path)
	assert.Equal(t, "g-key", header.Get("x-goog-api-key"))
	assert.Contains(t, got, "systemInstruction")
	contents, ok := got["contents"].([]interface{})
	require.True(t, ok)
	require.Len(t, contents, 1)
}

func TestGeminiGenerateEmpty(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{}
	srv := fake.serve(t, `{"candidates":[]}`)

	g, err := NewGemini(context.Background(), "g-key", srv.URL, "gemini-test")
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Utterance: "Malta"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicGenerate(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{}
	srv := fake.serve(t, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
		"content":[{"type":"text","text":"  Portugal has a mild climate. "}],
		"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)

	a := NewAnthropic("a-key", "claude-test",
		anthropicoption.WithBaseURL(srv.URL), anthropicoption.WithMaxRetries(0))
	assert.Equal(t, ProviderAnthropic, a.Name())

	text, err := a.Generate(context.Background(), Request{System: "be ATLAS", Utterance: "Portugal", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "Portugal has a mild climate.", text)

	path, header, got := fake.last()
	assert.Equal(t, "/v1/messages", path)
	assert.Equal(t, "a-key", header.Get("X-Api-Key"))
	assert.Equal(t, "claude-test", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
	system, ok := got["system"].([]interface{})
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "be ATLAS", system[0].(map[string]interface{})["text"])
}

func TestAnthropicGenerateEmpty(t *testing.T) {
	t.Parallel()

	fake := &fakeProvider{}
	srv := fake.serve(t, `{"id":"msg_2","type":"message","role":"assistant","model":"claude-test",
		"content":[],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":0}}`)

	a := NewAnthropic("a-key", "claude-test",
		anthropicoption.WithBaseURL(srv.URL), anthropicoption.WithMaxRetries(0))
	_, err := a.Generate(context.Background(), Request{Utterance: "Portugal"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
