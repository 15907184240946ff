package advisor

import (
	"context"
	"math/rand/v2"

	"github.com/ashureev/quest-advisor/internal/persona"
	"github.com/ashureev/quest-advisor/internal/session"
)

func randomIndex(n int) int {
	return rand.IntN(n)
}

// greet composes the opening line. Greetings are emitted once per session;
// later greetings get the redirect.
func (r *Router) greet(ctx context.Context, sess *session.Session, p *persona.Persona, uc userContext) Reply {
	redirect := Reply{Text: p.Fill(p.Greetings.Redirect, uc.name, "")}
	if sess.Greeted() {
		return redirect
	}

	name := ""
	if uc.name != "" && sess.ShouldUseName(true) {
		name = uc.name
	}
	interest, hasInterest := uc.context.FirstInterest()
	returning := uc.context.Returning()

	var (
		variants []string
		topic    string
	)
	switch {
	case returning && name != "" && hasInterest:
		variants, topic = p.Greetings.ReturningWithTopic, interest
	case returning && name != "":
		variants = p.Greetings.ReturningWithName
	case name != "":
		variants, topic = p.Greetings.NewWithName, p.DefaultTopics.Named
	default:
		variants, topic = p.Greetings.Anonymous, p.DefaultTopics.Anonymous
	}
	if len(variants) == 0 {
		variants, topic = p.Greetings.Anonymous, p.DefaultTopics.Anonymous
		name = ""
	}

	// Concurrent turns on one session race here; only one wins the greeting.
	if !sess.TryMarkGreeted(name != "") {
		return redirect
	}

	text := p.Fill(variants[r.pick(len(variants))], name, topic)
	if topic != "" {
		sess.SetLastSuggestion(topic)
		r.prefetch(ctx, sess, p, topic)
	}
	return Reply{Text: text, SuggestedTopic: topic}
}
