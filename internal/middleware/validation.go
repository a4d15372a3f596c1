package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/capitalize-ai/tool-gateway/internal/model"
)

const (
	// MaxBodyBytes bounds a chat request body.
	MaxBodyBytes = 1 << 20
	// MaxContentLength bounds a single text message.
	MaxContentLength = 100000
	// MaxMessages bounds the conversation length a client may send.
	MaxMessages = 200
)

// ErrInvalidRequest is the sentinel all request validation errors match.
var ErrInvalidRequest = errors.New("Invalid request")

// RequestError describes why a request body was rejected.
type RequestError struct {
	Details string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, e.Details)
}

// Is lets errors.Is match ErrInvalidRequest.
func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalid(format string, args ...any) error {
	return &RequestError{Details: fmt.Sprintf(format, args...)}
}

const chatRequestSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "maxItems": %d,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant", "system", "tool"]},
          "content": {"type": ["string", "object"]}
        }
      }
    }
  }
}`

var chatSchema = jsonschema.MustCompileString("chat-request.schema.json", fmt.Sprintf(chatRequestSchema, MaxMessages))

// ValidateChatRequest decodes and validates a chat request body.
func ValidateChatRequest(body []byte) (*model.ChatRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, invalid("request body is empty")
	}
	if len(body) > MaxBodyBytes {
		return nil, invalid("request body exceeds maximum size")
	}
	if !utf8.Valid(body) {
		return nil, invalid("request body must be valid UTF-8")
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if err := chatSchema.Validate(doc); err != nil {
		return nil, invalid("%s", describeViolation(err))
	}

	var req model.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalid("%v", err)
	}
	for i, msg := range req.Messages {
		if err := ValidateMessageContent(msg.Content); err != nil {
			return nil, invalid("/messages/%d/content: %v", i, err)
		}
	}
	return &req, nil
}

// ValidateMessageContent validates message content.
func ValidateMessageContent(c model.Content) error {
	if c.Kind != model.ContentText {
		return nil
	}
	if len(c.Text) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(c.Text) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

func describeViolation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
