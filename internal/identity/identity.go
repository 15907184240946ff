// Package identity recovers who is talking from the places voice and chat
// clients put it: query parameters, headers, body fields, composite session
// ids and text embedded in system messages.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/quest-advisor/internal/domain"
)

// DefaultSessionKey is used when no session id and no user id is known.
const DefaultSessionKey = "default"

// Sources a session id can come from.
const (
	SourceQuery           = "query"
	SourceHeader          = "header"
	SourceBody            = "body"
	SourceMetadata        = "metadata"
	SourceSessionSettings = "session_settings"
	SourceUser            = "user"
	SourceDefault         = "default"
)

// QueryParam is the query parameter carrying the session id.
const QueryParam = "custom_session_id"

// SessionHeaders are checked in order.
var SessionHeaders = []string{
	"X-Custom-Session-Id",
	"X-Session-Id",
	"Custom-Session-Id",
	"X-Hume-Session-Id",
	"X-Hume-Custom-Session-Id",
}

var (
	sessionIDPattern = regexp.MustCompile(`^[^\s\x00-\x1f]{1,256}$`)

	nameFieldPattern   = regexp.MustCompile(`(?i)\bname:\s*(\w+)`)
	legacyNamePattern  = regexp.MustCompile(`(?i)USER'S NAME:\s*(\w+)`)
	greetingPattern    = regexp.MustCompile(`(?:Hello|Welcome back),?\s+(\w+)`)
	instructionName    = regexp.MustCompile(`User Name:\s*([^\n]+)`)
	instructionUserID  = regexp.MustCompile(`User ID:\s*([^\n]+)`)
	instructionTopics  = regexp.MustCompile(`Recent interests:\s*([^\n]+)`)
	placeholderStrings = map[string]bool{"unknown": true, "undefined": true, "null": true, "none": true}
)

// Message is the part of a chat message identity extraction reads.
type Message struct {
	Role    string
	Content string
}

// Body holds the request-body fields that may carry identity. Transports
// decode it alongside their own fields and fill Messages themselves.
type Body struct {
	CustomSessionID      string         `json:"custom_session_id,omitempty"`
	SessionID            string         `json:"session_id,omitempty"`
	CustomSessionIDCamel string         `json:"customSessionId,omitempty"`
	ThreadID             string         `json:"threadId,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	SessionSettings      map[string]any `json:"session_settings,omitempty"`

	Messages []Message `json:"-"`
}

// Identity is what was recovered for one request.
type Identity struct {
	SessionKey    string
	SessionSource string
	UserID        string
	Name          string
	Returning     bool
	Interests     []string
}

// Hint returns the client-supplied user context, or nil when the client
// sent none.
func (id Identity) Hint() *domain.UserContext {
	if !id.Returning && len(id.Interests) == 0 {
		return nil
	}
	return &domain.UserContext{
		IsReturning: id.Returning,
		Interests:   append([]string(nil), id.Interests...),
	}
}

// Resolve extracts identity from a request. Each attribute is taken from the
// first source that has it.
func Resolve(r *http.Request, body Body) Identity {
	var id Identity

	raw, source := sessionID(r, body)
	id.SessionSource = source

	compositeName, compositeUser := splitComposite(raw)
	systemTexts := systemContents(body.Messages)

	id.Name = compositeName
	if id.Name == "" {
		id.Name = nameFromSystem(systemTexts)
	}

	id.UserID = compositeUser
	for _, text := range systemTexts {
		if id.UserID == "" {
			id.UserID = firstValue(instructionUserID, text)
		}
		if len(id.Interests) == 0 {
			if v := firstValue(instructionTopics, text); v != "" {
				id.Interests = splitList(v)
			}
		}
		if strings.Contains(strings.ToLower(text), "returning user") {
			id.Returning = true
		}
	}

	switch {
	case raw != "":
		id.SessionKey = raw
	case id.UserID != "":
		id.SessionKey = "user:" + id.UserID
		id.SessionSource = SourceUser
	default:
		id.SessionKey = DefaultSessionKey
		id.SessionSource = SourceDefault
	}
	return id
}

// sessionID returns the first valid session id and where it was found.
func sessionID(r *http.Request, body Body) (string, string) {
	if r != nil {
		if v := clean(r.URL.Query().Get(QueryParam)); v != "" {
			return v, SourceQuery
		}
		for _, h := range SessionHeaders {
			if v := clean(r.Header.Get(h)); v != "" {
				return v, SourceHeader
			}
		}
	}
	for _, v := range []string{body.CustomSessionID, body.SessionID, body.CustomSessionIDCamel, body.ThreadID} {
		if v = clean(v); v != "" {
			return v, SourceBody
		}
	}
	if v := mapValue(body.Metadata, "custom_session_id", "session_id", "customSessionId"); v != "" {
		return v, SourceMetadata
	}
	if v := mapValue(body.SessionSettings, "customSessionId", "custom_session_id"); v != "" {
		return v, SourceSessionSettings
	}
	return "", ""
}

func clean(v string) string {
	v = strings.TrimSpace(v)
	if !sessionIDPattern.MatchString(v) {
		return ""
	}
	return v
}

func mapValue(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if v := clean(s); v != "" {
				return v
			}
		}
	}
	return ""
}

// splitComposite parses "name|userId_suffix". Single-letter names and
// "anon" are not names.
func splitComposite(sessionID string) (name, userID string) {
	before, after, ok := strings.Cut(sessionID, "|")
	if !ok {
		return "", ""
	}
	if len([]rune(before)) > 1 && !strings.EqualFold(before, "anon") {
		name = before
	}
	userID, _, _ = strings.Cut(after, "_")
	return name, userID
}

func systemContents(messages []Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == "system" && strings.TrimSpace(m.Content) != "" {
			out = append(out, m.Content)
		}
	}
	return out
}

// nameFromSystem tries, per system message, "name: X", "USER'S NAME: X",
// "Hello X" / "Welcome back X", then an instruction block "User Name: X".
func nameFromSystem(texts []string) string {
	for _, text := range texts {
		for _, re := range []*regexp.Regexp{nameFieldPattern, legacyNamePattern, greetingPattern} {
			if m := re.FindStringSubmatch(text); m != nil && !placeholderStrings[strings.ToLower(m[1])] {
				return m[1]
			}
		}
		if v := firstValue(instructionName, text); v != "" {
			return v
		}
	}
	return ""
}

func firstValue(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	v := strings.TrimSpace(m[1])
	if placeholderStrings[strings.ToLower(v)] {
		return ""
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type contextKey int

const identityKey contextKey = iota

// NewContext returns a context carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by NewContext.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// IPFromRequest returns the remote IP without its port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
