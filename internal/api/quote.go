package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/identity"
	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/quote"
)

const (
	maxQuoteBodySize = 64 << 10
	maxQuoteAge      = 40
)

// PersonaSource looks personas up by id.
type PersonaSource interface {
	Get(id string) (*persona.Persona, error)
}

// QuoteHandler prices and stores insurance quotes for personas that carry a
// plan table.
type QuoteHandler struct {
	personas  PersonaSource
	defaultID string
	saver     quote.Saver
	now       func() time.Time
}

// NewQuoteHandler creates a quote handler. Requests outside a /{persona}
// route use defaultID.
func NewQuoteHandler(personas PersonaSource, defaultID string, saver quote.Saver) *QuoteHandler {
	return &QuoteHandler{personas: personas, defaultID: defaultID, saver: saver, now: time.Now}
}

// RegisterRoutes registers the quote routes.
func (h *QuoteHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/quote", h.Plans)
	r.Post("/api/quote", h.Create)
}

// QuoteRequest is the body of POST /api/quote.
type QuoteRequest struct {
	Subject     string `json:"subject"`
	AgeYears    int    `json:"age_years"`
	PlanType    string `json:"plan_type"`
	Preexisting bool   `json:"preexisting_conditions"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
}

// QuoteResponse is a priced and stored quote.
type QuoteResponse struct {
	ID         int64     `json:"id,omitempty"`
	Persona    string    `json:"persona"`
	ValidUntil time.Time `json:"valid_until"`
	quote.Result
}

// Plans handles GET /api/quote.
func (h *QuoteHandler) Plans(w http.ResponseWriter, r *http.Request) {
	p, ok := h.persona(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"persona": p.ID,
		"plans":   p.Plans,
		"risks":   p.Risks,
	})
}

// Create handles POST /api/quote.
func (h *QuoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := h.persona(w, r)
	if !ok {
		return
	}

	var req QuoteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxQuoteBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		Error(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.AgeYears < 0 || req.AgeYears > maxQuoteAge {
		Error(w, http.StatusBadRequest, "age_years out of range")
		return
	}

	res := quote.Calculate(p, req.Subject, req.AgeYears, req.PlanType, req.Preexisting)
	if res.Outcome != domain.OutcomeFound {
		Error(w, http.StatusNotFound, "no pricing available for "+res.Subject)
		return
	}

	if req.SessionID == "" {
		req.SessionID = identity.Resolve(r, identity.Body{}).SessionKey
	}

	now := h.now()
	resp := QuoteResponse{Persona: p.ID, ValidUntil: now.Add(quote.ValidFor), Result: res}
	if h.saver != nil {
		saved, err := quote.Save(r.Context(), h.saver, p.ID, req.UserID, req.SessionID, res, now)
		if err != nil {
			slog.Error("Failed to save quote", "error", err, "persona", p.ID, "session_id", req.SessionID)
			Error(w, http.StatusInternalServerError, "failed to save quote")
			return
		}
		resp.ID = saved.ID
		resp.ValidUntil = saved.ValidUntil
	}

	JSON(w, http.StatusCreated, resp)
}

func (h *QuoteHandler) persona(w http.ResponseWriter, r *http.Request) (*persona.Persona, bool) {
	id := chi.URLParam(r, "persona")
	if id == "" {
		id = h.defaultID
	}
	p, err := h.personas.Get(id)
	if err != nil {
		if errors.Is(err, persona.ErrUnknownPersona) {
			Error(w, http.StatusNotFound, "unknown persona")
			return nil, false
		}
		Error(w, http.StatusInternalServerError, "failed to load persona")
		return nil, false
	}
	if len(p.Plans) == 0 {
		Error(w, http.StatusNotFound, "quotes are not offered by "+p.ID)
		return nil, false
	}
	return p, true
}
