package domain

import "time"

// Quote is a persisted insurance quote.
type Quote struct {
	ID             int64
	Persona        string
	UserID         string
	SessionID      string
	Subject        string
	AgeYears       int
	PlanType       string
	MonthlyPremium float64
	AnnualPremium  float64
	DetailsJSON    string
	ValidUntil     time.Time
	CreatedAt      time.Time
}
