package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/quest-advisor/internal/domain"
)

func TestNameFromFacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		facts []string
		want  string
	}{
		{"name is", []string{"Their name is dan and they like Malta"}, "Dan"},
		{"called", []string{"Prefers to be called mia"}, "Mia"},
		{"user prefix", []string{"user Sam is moving abroad"}, "Sam"},
		{"skips verbs", []string{"User asked about Cyprus", "The user wants sun", "name is Leo"}, "Leo"},
		{"first fact wins", []string{"called Ann", "name is Bob"}, "Ann"},
		{"none", []string{"Likes warm weather"}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NameFromFacts(tt.facts))
		})
	}
}

func TestInterestsFromFacts(t *testing.T) {
	t.Parallel()

	topics := []string{"Portugal", "Cyprus", "Malta"}
	facts := []string{
		"User asked about cyprus visas",
		"User compared Portugal and Cyprus",
		"User likes Maltese food",
	}
	assert.Equal(t, []string{"Cyprus", "Portugal"}, InterestsFromFacts(facts, topics))
	assert.Nil(t, InterestsFromFacts(facts, nil))
}

type zepSearch struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Scope  string `json:"scope"`
}

type zepAdd struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Data   string `json:"data"`
}

type zepFake struct {
	mu       sync.Mutex
	edges    []string
	users    map[string]bool
	metadata map[string]map[string]interface{}
	added    []zepAdd
	searches []zepSearch
	fail     bool
	getCalls int
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *zepFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/graph/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Authorization"), "secret")
		var req zepSearch
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.searches = append(f.searches, req)
		fail := f.fail
		edges := f.edges
		f.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "down"})
			return
		}
		list := make([]map[string]string, 0, len(edges))
		for _, e := range edges {
			list = append(list, map[string]string{"fact": e})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"edges": list})
	})
	mux.HandleFunc("GET /api/v2/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.getCalls++
		if !f.users[r.PathValue("id")] {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /api/v2/users", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string                 `json:"user_id"`
			Metadata map[string]interface{} `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.users[body.UserID] = true
		f.metadata[body.UserID] = body.Metadata
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"user_id": body.UserID})
	})
	mux.HandleFunc("POST /api/v2/graph", func(w http.ResponseWriter, r *http.Request) {
		var req zepAdd
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.added = append(f.added, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"uuid": "ep-1"})
	})
	return mux
}

func newZepFake(t *testing.T, topics TopicsFunc) (*zepFake, *Zep) {
	t.Helper()
	fake := &zepFake{users: map[string]bool{}, metadata: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	z := NewZep(ZepConfig{
		APIKey:     "secret",
		BaseURL:    srv.URL + "/api/v2/",
		UserPrefix: "relocation_",
		GroupID:    "relocation",
		Topics:     topics,
	})
	return fake, z
}

func TestZepFetchFound(t *testing.T) {
	t.Parallel()

	fake, z := newZepFake(t, StaticTopics("Portugal", "Cyprus"))
	fake.mu.Lock()
	fake.edges = []string{"User's name is dan", "User is interested in Cyprus", "", "User asked about Portugal"}
	for i := 0; i < 12; i++ {
		fake.edges = append(fake.edges, "filler fact")
	}
	fake.mu.Unlock()

	res := z.Fetch(context.Background(), "u1")
	require.Equal(t, domain.OutcomeFound, res.Outcome)
	assert.True(t, res.Context.IsReturning)
	assert.Len(t, res.Context.Facts, MaxFacts)
	assert.Equal(t, "Dan", res.Context.DerivedName)
	assert.Equal(t, []string{"Cyprus", "Portugal"}, res.Context.Interests)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.searches, 1)
	assert.Equal(t, "relocation_u1", fake.searches[0].UserID)
	assert.Equal(t, "edges", fake.searches[0].Scope)
	assert.Equal(t, 20, fake.searches[0].Limit)
	assert.NotEmpty(t, fake.searches[0].Query)
}

func TestZepFetchUsesCurrentTopics(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	topics := []string{"Portugal"}
	fake, z := newZepFake(t, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return topics
	})
	fake.mu.Lock()
	fake.edges = []string{"User asked about Malta"}
	fake.mu.Unlock()

	assert.Empty(t, z.Fetch(context.Background(), "u1").Context.Interests)

	mu.Lock()
	topics = []string{"Portugal", "Malta"}
	mu.Unlock()
	assert.Equal(t, []string{"Malta"}, z.Fetch(context.Background(), "u1").Context.Interests)
}

func TestZepFetchNotFoundAndFailed(t *testing.T) {
	t.Parallel()

	fake, z := newZepFake(t, nil)
	assert.Equal(t, domain.OutcomeNotFound, z.Fetch(context.Background(), "u1").Outcome)
	assert.Equal(t, domain.OutcomeNotFound, z.Fetch(context.Background(), "").Outcome)

	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()
	res := z.Fetch(context.Background(), "u1")
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Nil(t, res.Context)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.searches, 2, "failed searches are not retried")
}

func TestZepRememberCreatesUserOnce(t *testing.T) {
	t.Parallel()

	fake, z := newZepFake(t, nil)
	ctx := context.Background()

	require.NoError(t, z.Remember(ctx, "u1", "I want to move to Cyprus", "user"))
	require.NoError(t, z.Remember(ctx, "u1", "Cyprus is sunny.", "assistant"))
	require.NoError(t, z.Remember(ctx, "u1", "   ", "user"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.users["relocation_u1"])
	assert.Equal(t, "relocation", fake.metadata["relocation_u1"]["group_id"])
	assert.Equal(t, 1, fake.getCalls)
	require.Len(t, fake.added, 2)
	assert.Equal(t, "relocation_u1", fake.added[0].UserID)
	assert.Equal(t, "user: I want to move to Cyprus", fake.added[0].Data)
	assert.Equal(t, "message", fake.added[0].Type)
	assert.Equal(t, "assistant: Cyprus is sunny.", fake.added[1].Data)
}

func TestZepRememberExistingUser(t *testing.T) {
	t.Parallel()

	fake, z := newZepFake(t, nil)
	fake.mu.Lock()
	fake.users["relocation_u2"] = true
	fake.mu.Unlock()

	require.NoError(t, z.Remember(context.Background(), "relocation_u2", "hello there", "user"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Nil(t, fake.metadata["relocation_u2"])
	require.Len(t, fake.added, 1)
	assert.Equal(t, "relocation_u2", fake.added[0].UserID)
}

type fakeFacts struct {
	facts []domain.Fact
	err   error
}

func (f *fakeFacts) AddFact(_ context.Context, fact domain.Fact) error {
	f.facts = append(f.facts, fact)
	return nil
}

func (f *fakeFacts) RecentFacts(_ context.Context, userID string, limit int) ([]domain.Fact, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Fact
	for i := len(f.facts) - 1; i >= 0 && len(out) < limit; i-- {
		if f.facts[i].UserID == userID {
			out = append(out, f.facts[i])
		}
	}
	return out, nil
}

func TestLocalMemory(t *testing.T) {
	t.Parallel()

	repo := &fakeFacts{}
	m := NewLocal(repo, "pet_", StaticTopics("Labrador", "Pug"))
	ctx := context.Background()

	assert.Equal(t, domain.OutcomeNotFound, m.Fetch(ctx, "u1").Outcome)

	require.NoError(t, m.Remember(ctx, "u1", "my name is jo and I have a pug", "user"))
	require.NoError(t, m.Remember(ctx, "u1", "Pugs need cover.", "assistant"))

	res := m.Fetch(ctx, "u1")
	require.Equal(t, domain.OutcomeFound, res.Outcome)
	assert.Equal(t, "Jo", res.Context.DerivedName)
	assert.Equal(t, []string{"Pug"}, res.Context.Interests)
	assert.Len(t, res.Context.Facts, 1)
	assert.Equal(t, "pet_u1", repo.facts[0].UserID)

	repo.err = errors.New("db down")
	assert.Equal(t, domain.OutcomeFailed, m.Fetch(ctx, "u1").Outcome)
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	var s Store = Disabled{}
	assert.Equal(t, domain.OutcomeNotFound, s.Fetch(context.Background(), "u").Outcome)
	assert.NoError(t, s.Remember(context.Background(), "u", "x", "user"))
}
