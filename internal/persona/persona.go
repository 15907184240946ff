// Package persona loads the data that distinguishes one advisor from
// another: prompts, canned replies, vocabularies, phonetic corrections,
// reference articles and insurance tables. The advisor logic itself is
// shared and parameterized by a *Persona.
package persona

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownPersona is returned when a persona id is not loaded.
var ErrUnknownPersona = errors.New("unknown persona")

// Persona is one advisor's configuration.
type Persona struct {
	ID           string `yaml:"id" json:"id"`
	Advisor      string `yaml:"advisor" json:"advisor"`
	Brand        string `yaml:"brand" json:"brand"`
	Description  string `yaml:"description" json:"description"`
	SystemPrompt string `yaml:"system_prompt" json:"-"`

	Greetings     Greetings     `yaml:"greetings" json:"-"`
	Replies       Replies       `yaml:"replies" json:"-"`
	DefaultTopics DefaultTopics `yaml:"default_topics" json:"default_topics"`
	Topics        []string      `yaml:"topics" json:"topics"`
	Corrections   []Correction  `yaml:"corrections" json:"corrections,omitempty"`
	Vocabulary    Vocabulary    `yaml:"vocabulary" json:"-"`
	Memory        MemoryConfig  `yaml:"memory" json:"-"`

	Articles []Article `yaml:"articles" json:"-"`
	Plans    []Plan    `yaml:"plans" json:"plans,omitempty"`
	Risks    []Risk    `yaml:"risks" json:"risks,omitempty"`

	corrections []compiledCorrection
	topics      []compiledTopic
}

// Greetings holds the opening-line variants for each personalization branch.
// Templates may reference {name}, {topic}, {advisor} and {brand}.
type Greetings struct {
	ReturningWithTopic []string `yaml:"returning_with_topic"`
	ReturningWithName  []string `yaml:"returning_with_name"`
	NewWithName        []string `yaml:"new_with_name"`
	Anonymous          []string `yaml:"anonymous"`
	Redirect           string   `yaml:"redirect"`
}

// Replies holds the fixed replies used outside generation.
type Replies struct {
	NameKnown           string `yaml:"name_known"`
	NameUnknown         string `yaml:"name_unknown"`
	NameSaved           string `yaml:"name_saved"`
	Identity            string `yaml:"identity"`
	AffirmationFallback string `yaml:"affirmation_fallback"`
	NotFound            string `yaml:"not_found"`
	Apology             string `yaml:"apology"`
	Busy                string `yaml:"busy"`
}

// DefaultTopics are suggested in greetings when the user has no interests on
// record.
type DefaultTopics struct {
	Named     string `yaml:"named" json:"named"`
	Anonymous string `yaml:"anonymous" json:"anonymous"`
}

// Correction maps mis-transcriptions to the intended word.
type Correction struct {
	From []string `yaml:"from" json:"from"`
	To   string   `yaml:"to" json:"to"`
}

// Vocabulary holds the fixed phrase sets used by the turn classifier.
type Vocabulary struct {
	GreetingTriggers   []string `yaml:"greeting_triggers"`
	GreetingWords      []string `yaml:"greeting_words"`
	GreetingPrefixes   []string `yaml:"greeting_prefixes"`
	NameQuestions      []string `yaml:"name_questions"`
	NameIntroductions  []string `yaml:"name_introductions"`
	IdentityQuestions  []string `yaml:"identity_questions"`
	AffirmationWords   []string `yaml:"affirmation_words"`
	AffirmationPhrases []string `yaml:"affirmation_phrases"`
}

// MemoryConfig scopes long-term memory for the persona.
type MemoryConfig struct {
	UserPrefix string `yaml:"user_prefix"`
	GroupID    string `yaml:"group_id"`
}

// Article is a reference passage the advisor may ground replies in.
type Article struct {
	ID      string   `yaml:"id" json:"id"`
	Title   string   `yaml:"title" json:"title"`
	Topic   string   `yaml:"topic" json:"topic"`
	Tags    []string `yaml:"tags" json:"tags,omitempty"`
	Content string   `yaml:"content" json:"content"`
}

// Plan is an insurance plan offered by the persona.
type Plan struct {
	Type                string   `yaml:"type" json:"type"`
	Name                string   `yaml:"name" json:"name"`
	BaseMonthlyPremium  float64  `yaml:"base_monthly_premium" json:"base_monthly_premium"`
	AnnualCoverageLimit float64  `yaml:"annual_coverage_limit" json:"annual_coverage_limit"`
	Deductible          float64  `yaml:"deductible" json:"deductible"`
	Features            []string `yaml:"features" json:"features,omitempty"`
}

// Risk is the premium multiplier for one insured subject (breed, tractor type).
type Risk struct {
	Subject    string  `yaml:"subject" json:"subject"`
	Category   string  `yaml:"category" json:"category"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

type compiledCorrection struct {
	re *regexp.Regexp
	to string
}

type compiledTopic struct {
	re   *regexp.Regexp
	name string
}

// prepare validates the persona and compiles its patterns.
func (p *Persona) prepare() error {
	if p.ID == "" {
		return errors.New("persona id is required")
	}
	if p.Advisor == "" {
		return fmt.Errorf("persona %s: advisor name is required", p.ID)
	}
	if len(p.Greetings.Anonymous) == 0 || p.Greetings.Redirect == "" {
		return fmt.Errorf("persona %s: anonymous greeting and redirect are required", p.ID)
	}

	p.corrections = p.corrections[:0]
	for _, c := range p.Corrections {
		for _, from := range c.From {
			from = strings.TrimSpace(from)
			if from == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`)
			if err != nil {
				return fmt.Errorf("persona %s: correction %q: %w", p.ID, from, err)
			}
			p.corrections = append(p.corrections, compiledCorrection{re: re, to: c.To})
		}
	}

	p.topics = p.topics[:0]
	for _, t := range p.Topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(t) + `\b`)
		if err != nil {
			return fmt.Errorf("persona %s: topic %q: %w", p.ID, t, err)
		}
		p.topics = append(p.topics, compiledTopic{re: re, name: t})
	}
	return nil
}

// Fill expands {name}, {topic}, {advisor} and {brand} in a template.
func (p *Persona) Fill(template, name, topic string) string {
	return strings.NewReplacer(
		"{name}", name,
		"{topic}", topic,
		"{advisor}", p.Advisor,
		"{brand}", p.Brand,
	).Replace(template)
}

// Plan returns the plan of the given type.
func (p *Persona) Plan(planType string) (Plan, bool) {
	for _, pl := range p.Plans {
		if strings.EqualFold(pl.Type, planType) {
			return pl, true
		}
	}
	return Plan{}, false
}

// Risk returns the risk entry for subject, matched case-insensitively.
func (p *Persona) Risk(subject string) (Risk, bool) {
	subject = strings.TrimSpace(subject)
	for _, r := range p.Risks {
		if strings.EqualFold(r.Subject, subject) {
			return r, true
		}
	}
	return Risk{}, false
}

// MemoryUserID scopes a user id to this persona's memory namespace.
func (p *Persona) MemoryUserID(userID string) string {
	if p.Memory.UserPrefix == "" || strings.HasPrefix(userID, p.Memory.UserPrefix) {
		return userID
	}
	return p.Memory.UserPrefix + userID
}
