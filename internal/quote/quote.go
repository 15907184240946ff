// Package quote prices insurance plans from a persona's plan and risk tables.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ashureev/quest-advisor/internal/domain"
	"github.com/ashureev/quest-advisor/internal/persona"
)

// ValidFor is how long a quote stays valid after it is issued.
const ValidFor = 30 * 24 * time.Hour

// DefaultPlan is used when the requested plan type is unknown.
const DefaultPlan = "standard"

// Age bands.
const (
	AgeYoung  = "young"
	AgeAdult  = "adult"
	AgeSenior = "senior"
)

// Factors records what moved the premium away from the plan's base price.
type Factors struct {
	RiskMultiplier float64 `json:"risk_multiplier"`
	RiskCategory   string  `json:"risk_category"`
	AgeAdjustment  string  `json:"age_adjustment"`
	AgeMultiplier  float64 `json:"age_multiplier"`
	Preexisting    bool    `json:"preexisting_adjustment"`
}

// Result is the tagged outcome of a price calculation. Outcome is NotFound
// when the subject is not in the persona's risk table.
type Result struct {
	Outcome        domain.Outcome `json:"-"`
	Subject        string         `json:"subject"`
	AgeYears       int            `json:"age_years"`
	Plan           persona.Plan   `json:"plan"`
	MonthlyPremium float64        `json:"monthly_premium"`
	AnnualPremium  float64        `json:"annual_premium"`
	Factors        Factors        `json:"factors"`
}

// Calculate prices planType for subject. Unknown plans fall back to the
// standard plan; an unknown subject yields OutcomeNotFound.
func Calculate(p *persona.Persona, subject string, ageYears int, planType string, preexisting bool) Result {
	risk, ok := p.Risk(p.Normalize(subject))
	if !ok {
		return Result{Outcome: domain.OutcomeNotFound, Subject: strings.TrimSpace(subject), AgeYears: ageYears}
	}

	plan, ok := p.Plan(planType)
	if !ok {
		plan, ok = p.Plan(DefaultPlan)
		if !ok {
			return Result{Outcome: domain.OutcomeNotFound, Subject: risk.Subject, AgeYears: ageYears}
		}
	}

	premium := plan.BaseMonthlyPremium * risk.Multiplier

	ageBand, ageMult := ageAdjustment(ageYears)
	premium *= ageMult

	surcharge := preexisting && (strings.EqualFold(plan.Type, "premium") || strings.EqualFold(plan.Type, "comprehensive"))
	if surcharge {
		premium *= 1.25
	}

	monthly := round2(premium)
	return Result{
		Outcome:        domain.OutcomeFound,
		Subject:        risk.Subject,
		AgeYears:       ageYears,
		Plan:           plan,
		MonthlyPremium: monthly,
		AnnualPremium:  round2(monthly * 12),
		Factors: Factors{
			RiskMultiplier: risk.Multiplier,
			RiskCategory:   risk.Category,
			AgeAdjustment:  ageBand,
			AgeMultiplier:  ageMult,
			Preexisting:    surcharge,
		},
	}
}

// ageAdjustment checks the 10+ band before 7+ so very old subjects get the
// larger multiplier.
func ageAdjustment(ageYears int) (string, float64) {
	switch {
	case ageYears < 1:
		return AgeYoung, 1.1
	case ageYears >= 10:
		return AgeSenior, 1.5
	case ageYears >= 7:
		return AgeSenior, 1.3
	default:
		return AgeAdult, 1.0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Saver persists quotes.
type Saver interface {
	SaveQuote(ctx context.Context, q *domain.Quote) (int64, error)
}

// Save stores a found result and returns the persisted quote.
func Save(ctx context.Context, s Saver, personaID, userID, sessionID string, r Result, now time.Time) (*domain.Quote, error) {
	if r.Outcome != domain.OutcomeFound {
		return nil, fmt.Errorf("save quote for %q: %s", r.Subject, r.Outcome)
	}
	details, err := json.Marshal(struct {
		Plan    persona.Plan `json:"plan"`
		Factors Factors      `json:"factors"`
	}{r.Plan, r.Factors})
	if err != nil {
		return nil, fmt.Errorf("encode quote details: %w", err)
	}

	q := &domain.Quote{
		Persona:        personaID,
		UserID:         userID,
		SessionID:      sessionID,
		Subject:        r.Subject,
		AgeYears:       r.AgeYears,
		PlanType:       r.Plan.Type,
		MonthlyPremium: r.MonthlyPremium,
		AnnualPremium:  r.AnnualPremium,
		DetailsJSON:    string(details),
		ValidUntil:     now.Add(ValidFor),
		CreatedAt:      now,
	}
	id, err := s.SaveQuote(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("save quote: %w", err)
	}
	q.ID = id
	return q, nil
}
