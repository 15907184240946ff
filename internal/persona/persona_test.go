package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadBuiltin(t *testing.T, id string) *Persona {
	t.Helper()
	reg, err := NewRegistry("relocation", "")
	require.NoError(t, err)
	p, err := reg.Get(id)
	require.NoError(t, err)
	return p
}

func TestBuiltinPersonasLoad(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry("", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pet", "relocation", "tractor"}, reg.IDs())
	assert.Equal(t, "relocation", reg.DefaultID())
	assert.Equal(t, "ATLAS", reg.Default().Advisor)

	for _, id := range reg.IDs() {
		p, err := reg.Get(id)
		require.NoError(t, err)
		assert.NotEmpty(t, p.Articles, id)
		assert.NotEmpty(t, p.Greetings.Anonymous, id)
		assert.NotEmpty(t, p.Vocabulary.AffirmationWords, id)
	}

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownPersona)
}

func TestNormalizePhoneticCorrections(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "relocation")
	tests := map[string]string{
		"tell me about sigh prus": "tell me about Cyprus",
		"Sigh Pruss please":       "Cyprus please",
		"moving to port of gal":   "moving to Portugal",
		"what about dew by":       "what about Dubai",
		"is molta nice":           "is Malta nice",
		"  nothing to fix here  ": "nothing to fix here",
		"transport of galleons":   "transport of galleons",
	}
	for in, want := range tests {
		assert.Equal(t, want, p.Normalize(in), in)
	}
}

func TestResolveTopicRoundTrip(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "relocation")

	spoken, ok := p.ResolveTopic("sigh prus")
	require.True(t, ok)
	typed, ok := p.ResolveTopic("Cyprus")
	require.True(t, ok)
	assert.Equal(t, typed, spoken)
	assert.Equal(t, "Cyprus", spoken)

	_, ok = p.ResolveTopic("tell me about the moon")
	assert.False(t, ok)
}

func TestTopicsIn(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "relocation")
	got := p.TopicsIn("User asked about Malta and then porta gal")
	assert.Equal(t, []string{"Portugal", "Malta"}, got)
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", Canonical("  Hello! "))
	assert.Equal(t, "what's my name", Canonical("What's my   name?"))
	assert.Equal(t, "yes please", Canonical("Yes please."))
	assert.Equal(t, "", Canonical("?!"))
	assert.Equal(t, "yes please", Canonical("Yes, please."))
	assert.Equal(t, "hello atlas", Canonical("Hello,Atlas"))
	assert.Equal(t, "let's do it", Canonical("‘Let’s do it’"))
}

func TestFill(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "relocation")
	got := p.Fill("{advisor} at {brand} says hi {name} about {topic}", "Dan", "Malta")
	assert.Equal(t, "ATLAS at Relocation Quest says hi Dan about Malta", got)
}

func TestPlanAndRiskLookup(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "pet")
	plan, ok := p.Plan("Premium")
	require.True(t, ok)
	assert.Equal(t, 55.0, plan.BaseMonthlyPremium)

	risk, ok := p.Risk(" french bulldog ")
	require.True(t, ok)
	assert.Equal(t, 1.4, risk.Multiplier)

	_, ok = p.Risk("Dragon")
	assert.False(t, ok)
}

func TestMemoryUserID(t *testing.T) {
	t.Parallel()

	p := loadBuiltin(t, "relocation")
	assert.Equal(t, "relocation_u1", p.MemoryUserID("u1"))
	assert.Equal(t, "relocation_u1", p.MemoryUserID("relocation_u1"))
}

func TestDirectoryOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `
id: relocation
advisor: NOVA
brand: Test Brand
greetings:
  anonymous: ["Hi, I'm NOVA. Shall I tell you about {topic}?"]
  redirect: "Where next?"
default_topics:
  anonymous: Iceland
topics: [Iceland]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relocation.yaml"), []byte(doc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	reg, err := NewRegistry("relocation", dir)
	require.NoError(t, err)
	assert.Equal(t, "NOVA", reg.Default().Advisor)

	// Other built-ins are still present.
	_, err = reg.Get("pet")
	assert.NoError(t, err)
}

func TestReloadKeepsPreviousSetOnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg, err := NewRegistry("relocation", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unterminated"), 0o600))
	assert.Error(t, reg.Reload(dir))
	assert.Equal(t, "ATLAS", reg.Default().Advisor)
}

func TestParseRequiresCoreFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("advisor: X"))
	assert.Error(t, err)
	_, err = Parse([]byte("id: x\nadvisor: X"))
	assert.Error(t, err)
}
