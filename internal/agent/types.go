// Package agent exposes the advisor over the voice and chat transports:
// an OpenAI-compatible streaming completions endpoint, a JSON chat endpoint
// and a websocket.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/quest-advisor/internal/identity"
)

// MessageContent is message text. Clients send either a plain string or an
// array of typed parts; only text parts are kept.
type MessageContent string

// UnmarshalJSON accepts a string, null, or an array of {"type","text"} parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent(s)
		return nil
	}
	if data[0] == '[' {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if (p.Type == "" || p.Type == "text") && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		*c = MessageContent(strings.Join(texts, " "))
		return nil
	}
	return fmt.Errorf("unsupported message content: %s", truncateForError(data))
}

func truncateForError(data []byte) string {
	if len(data) > 32 {
		return string(data[:32]) + "..."
	}
	return string(data)
}

// ChatMessage is one message in a conversation transcript.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatRequest is the body accepted by the completions, chat and websocket
// transports. Identity fields are decoded alongside the messages.
type ChatRequest struct {
	identity.Body

	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	// Message is a shorthand for a single user message.
	Message string `json:"message,omitempty"`
}

// LastUserMessage returns the newest user message text.
func (r ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return string(r.Messages[i].Content)
		}
	}
	return r.Message
}

// identityBody returns the identity fields with the system messages filled in.
func (r ChatRequest) identityBody() identity.Body {
	body := r.Body
	body.Messages = make([]identity.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		body.Messages = append(body.Messages, identity.Message{Role: m.Role, Content: string(m.Content)})
	}
	return body
}

// ChatReply is the single assistant message returned by the chat transports.
type ChatReply struct {
	ID             string      `json:"id"`
	Persona        string      `json:"persona"`
	SessionID      string      `json:"session_id"`
	Message        ChatMessage `json:"message"`
	Route          string      `json:"route"`
	SuggestedTopic string      `json:"suggested_topic,omitempty"`
	Sources        []string    `json:"sources,omitempty"`
}

// completionChunk is one streamed chat.completion.chunk.
type completionChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ClassifyResult is returned by the debug classification endpoint.
type ClassifyResult struct {
	Query      string `json:"query"`
	Normalized string `json:"normalized"`
	Canonical  string `json:"canonical"`
	Route      string `json:"route"`
	Topic      string `json:"topic,omitempty"`
}

// Info describes the agent for client discovery.
type Info struct {
	Actions    []any       `json:"actions"`
	Agents     []AgentInfo `json:"agents"`
	SDKVersion string      `json:"sdkVersion"`
}

// AgentInfo names one agent.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
