// Package domain contains core domain types shared by the advisor packages.
package domain

import "time"

// UserContext is the structured result of the one-time context fetch for a
// session: what long-term memory knows about the user.
type UserContext struct {
	IsReturning bool     `json:"is_returning"`
	Facts       []string `json:"facts,omitempty"`
	DerivedName string   `json:"derived_name,omitempty"`
	Interests   []string `json:"interests,omitempty"`
}

// FactCount returns the number of facts, tolerating a nil receiver.
func (c *UserContext) FactCount() int {
	if c == nil {
		return 0
	}
	return len(c.Facts)
}

// Returning reports whether the user has spoken to the advisor before.
func (c *UserContext) Returning() bool {
	return c != nil && c.IsReturning
}

// FirstInterest returns the most recent interest, if any.
func (c *UserContext) FirstInterest() (string, bool) {
	if c == nil || len(c.Interests) == 0 {
		return "", false
	}
	return c.Interests[0], true
}

// Clone returns a deep copy so cached values cannot be mutated by callers.
func (c *UserContext) Clone() *UserContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Facts = append([]string(nil), c.Facts...)
	out.Interests = append([]string(nil), c.Interests...)
	return &out
}

// Fact is one remembered statement about a user.
type Fact struct {
	UserID    string
	Role      string
	Text      string
	CreatedAt time.Time
}
