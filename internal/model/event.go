// Package model defines the wire types shared by the gateway packages.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCategory is the client-facing classification of a tool result.
type ToolCategory string

const (
	CategoryWeather ToolCategory = "weather"
	CategoryF1      ToolCategory = "f1"
	CategoryStock   ToolCategory = "stock"
)

// StreamEventType names an event on the chat stream.
type StreamEventType string

const (
	EventTextDelta  StreamEventType = "text-delta"
	EventToolResult StreamEventType = "tool-result"
	EventDone       StreamEventType = "done"
	EventError      StreamEventType = "error"
)

// ToolResultEntry is one element of the done event's aggregate.
type ToolResultEntry struct {
	Type ToolCategory `json:"type"`
	Data any          `json:"data"`
}

// StreamEvent is a single frame of the chat stream. Only the fields that
// belong to Type are encoded.
type StreamEvent struct {
	Type        StreamEventType
	Delta       string
	ToolType    ToolCategory
	Data        any
	ToolResults []ToolResultEntry
	Error       string
}

// TextDeltaEvent returns a text-delta frame.
func TextDeltaEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Delta: delta}
}

// ToolResultEvent returns a tool-result frame.
func ToolResultEvent(category ToolCategory, data any) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolType: category, Data: data}
}

// DoneEvent returns the terminal summary frame.
func DoneEvent(results []ToolResultEntry) StreamEvent {
	return StreamEvent{Type: EventDone, ToolResults: results}
}

// ErrorEvent returns a terminal error frame.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: message}
}

// MarshalJSON implements json.Marshaler.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventTextDelta:
		return json.Marshal(struct {
			Type  StreamEventType `json:"type"`
			Delta string          `json:"delta"`
		}{e.Type, e.Delta})
	case EventToolResult:
		return json.Marshal(struct {
			Type     StreamEventType `json:"type"`
			ToolType ToolCategory    `json:"toolType"`
			Data     any             `json:"data"`
		}{e.Type, e.ToolType, e.Data})
	case EventDone:
		results := e.ToolResults
		if results == nil {
			results = []ToolResultEntry{}
		}
		return json.Marshal(struct {
			Type        StreamEventType   `json:"type"`
			ToolResults []ToolResultEntry `json:"toolResults"`
		}{e.Type, results})
	case EventError:
		return json.Marshal(struct {
			Type  StreamEventType `json:"type"`
			Error string          `json:"error"`
		}{e.Type, e.Error})
	default:
		return nil, fmt.Errorf("unknown stream event type %q", e.Type)
	}
}

// TurnStatus is how a streamed turn ended.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// TurnEvent summarizes one streamed chat turn for downstream consumers.
type TurnEvent struct {
	ID          string            `json:"id"`
	Identity    string            `json:"identity"`
	Status      TurnStatus        `json:"status"`
	ToolResults []ToolResultEntry `json:"tool_results"`
	TextBytes   int               `json:"text_bytes"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
}
