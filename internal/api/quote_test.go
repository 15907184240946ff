package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/persona"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []*domain.Quote
	err   error
}

func (f *fakeSaver) SaveQuote(_ context.Context, q *domain.Quote) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.saved = append(f.saved, q)
	return int64(len(f.saved)), nil
}

func newQuoteServer(t *testing.T, saver *fakeSaver) (*chi.Mux, time.Time) {
	t.Helper()

	reg, err := persona.NewRegistry("relocation", "")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewQuoteHandler(reg, "pet", saver)
	h.now = func() time.Time { return now }

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	r.Route("/{persona}", h.RegisterRoutes)
	return r, now
}

func TestQuoteCreate(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{}
	srv, now := newQuoteServer(t, saver)

	body := `{"subject":"labrador","age_years":3,"plan_type":"standard","user_id":"u1","session_id":"s1"}`
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pet/api/quote", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got struct {
		ID             int64     `json:"id"`
		Persona        string    `json:"persona"`
		Subject        string    `json:"subject"`
		MonthlyPremium float64   `json:"monthly_premium"`
		AnnualPremium  float64   `json:"annual_premium"`
		ValidUntil     time.Time `json:"valid_until"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "pet", got.Persona)
	assert.Equal(t, "Labrador", got.Subject)
	assert.InDelta(t, 35.0, got.MonthlyPremium, 0.001)
	assert.InDelta(t, 420.0, got.AnnualPremium, 0.001)
	assert.True(t, now.Add(30*24*time.Hour).Equal(got.ValidUntil))

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "u1", saver.saved[0].UserID)
	assert.Equal(t, "s1", saver.saved[0].SessionID)
}

func TestQuoteCreateUsesDefaultPersonaAndSessionHeader(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{}
	srv, _ := newQuoteServer(t, saver)

	req := httptest.NewRequest(http.MethodPost, "/api/quote", strings.NewReader(`{"subject":"Labrador","age_years":2}`))
	req.Header.Set("X-Session-Id", "hdr-1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, saver.saved, 1)
	assert.Equal(t, "hdr-1", saver.saved[0].SessionID)
	assert.Equal(t, "standard", saver.saved[0].PlanType)
}

func TestQuoteCreateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		body   string
		saver  *fakeSaver
		status int
	}{
		{"malformed", "/pet/api/quote", `{`, &fakeSaver{}, http.StatusBadRequest},
		{"missing subject", "/pet/api/quote", `{"age_years":2}`, &fakeSaver{}, http.StatusBadRequest},
		{"negative age", "/pet/api/quote", `{"subject":"Labrador","age_years":-1}`, &fakeSaver{}, http.StatusBadRequest},
		{"unknown subject", "/pet/api/quote", `{"subject":"Dragon","age_years":2}`, &fakeSaver{}, http.StatusNotFound},
		{"no plans", "/relocation/api/quote", `{"subject":"Labrador","age_years":2}`, &fakeSaver{}, http.StatusNotFound},
		{"unknown persona", "/unicorn/api/quote", `{"subject":"Labrador","age_years":2}`, &fakeSaver{}, http.StatusNotFound},
		{"save failure", "/pet/api/quote", `{"subject":"Labrador","age_years":2}`, &fakeSaver{err: errors.New("disk full")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newQuoteServer(t, tt.saver)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestQuotePlans(t *testing.T) {
	t.Parallel()

	srv, _ := newQuoteServer(t, &fakeSaver{})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pet/api/quote", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Persona string         `json:"persona"`
		Plans   []persona.Plan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "pet", got.Persona)
	assert.NotEmpty(t, got.Plans)
}
