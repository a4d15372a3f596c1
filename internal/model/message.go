package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the roles a client may send.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ContentKind distinguishes plain text from structured message content.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentStructured
)

// ErrInvalidContent is returned when content is neither a string nor an object.
var ErrInvalidContent = errors.New("content must be a string or an object")

// Content is message content as sent by the client: either text or a
// structured JSON object. The variant is fixed when the JSON is decoded.
type Content struct {
	Kind       ContentKind
	Text       string
	Structured map[string]any
}

// TextContent returns text content.
func TextContent(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

// StructuredContent returns structured content.
func StructuredContent(m map[string]any) Content {
	return Content{Kind: ContentStructured, Structured: m}
}

// String returns the canonical text form. Structured content is encoded as
// JSON with object keys sorted.
func (c Content) String() string {
	if c.Kind == ContentText {
		return c.Text
	}
	data, err := json.Marshal(c.Structured)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrInvalidContent
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case '{':
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*c = StructuredContent(m)
		return nil
	default:
		return ErrInvalidContent
	}
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Kind == ContentText {
		return json.Marshal(c.Text)
	}
	if c.Structured == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Structured)
}

// Message is one entry of a client-supplied conversation.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []Message `json:"messages"`
}

// ErrorResponse is the JSON body of non-streaming error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RateLimitResponse is the JSON body of a 429 response.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetTime  string `json:"resetTime"`
	RetryAfter int    `json:"retryAfter"`
}
