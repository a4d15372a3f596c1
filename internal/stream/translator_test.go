package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/runtime"
	"github.com/capitalize-ai/tool-gateway/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.StreamEvent
	failOn model.StreamEventType
}

func (s *recordingSink) Send(_ context.Context, ev model.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && ev.Type == s.failOn {
		s.failOn = ""
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) wire(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		out[i] = string(data)
	}
	return out
}

type categories map[string]model.ToolCategory

func (c categories) Category(name string) (model.ToolCategory, bool) {
	cat, ok := c[name]
	return cat, ok
}

var catalog = categories{
	tools.GetWeather:          model.CategoryWeather,
	tools.GetF1SessionResults: model.CategoryF1,
	tools.GetStockPrice:       model.CategoryStock,
}

func feed(events ...runtime.Event) <-chan runtime.Event {
	ch := make(chan runtime.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func textEvent(s string) runtime.Event {
	return runtime.Event{Type: runtime.EventTextDelta, Text: s}
}

func resultEvent(tool string, res tools.Result) runtime.Event {
	return runtime.Event{Type: runtime.EventToolResult, ToolName: tool, Result: res}
}

func TestTextOnlyStream(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(catalog, nil)

	sum := tr.Run(context.Background(), feed(
		textEvent("Hel"),
		textEvent(""),
		textEvent("lo"),
		runtime.Event{Type: runtime.EventFinish},
	), sink)

	assert.Equal(t, []string{
		`{"type":"text-delta","delta":"Hel"}`,
		`{"type":"text-delta","delta":"lo"}`,
		`{"type":"done","toolResults":[]}`,
	}, sink.wire(t))
	assert.Equal(t, OutcomeDone, sum.Outcome)
	assert.Equal(t, StateClosed, sum.State)
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, 5, sum.TextBytes)
}

func TestToolFailureDoesNotStopStream(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(catalog, nil)

	sum := tr.Run(context.Background(), feed(
		runtime.Event{Type: runtime.EventToolCall, ToolName: tools.GetWeather},
		resultEvent(tools.GetWeather, tools.Failure("network timeout")),
		textEvent("Sorry, I could not reach the weather service."),
		runtime.Event{Type: runtime.EventFinish},
	), sink)

	wire := sink.wire(t)
	require.Len(t, wire, 3)
	assert.JSONEq(t, `{"type":"tool-result","toolType":"weather","data":{"error":"network timeout"}}`, wire[0])
	assert.JSONEq(t, `{"type":"done","toolResults":[{"type":"weather","data":{"error":"network timeout"}}]}`, wire[2])
	assert.Equal(t, OutcomeDone, sum.Outcome)
}

func TestAggregateMatchesToolResultsInOrder(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(catalog, nil)

	sum := tr.Run(context.Background(), feed(
		resultEvent(tools.GetStockPrice, tools.Success(map[string]any{"symbol": "AAPL"})),
		resultEvent("getHoroscope", tools.Success("ignored")),
		resultEvent(tools.GetWeather, tools.Success(map[string]any{"tempC": 21})),
		resultEvent(tools.GetF1SessionResults, tools.Success([]any{1, 2})),
	), sink)

	require.Len(t, sum.ToolResults, 3)
	assert.Equal(t, model.CategoryStock, sum.ToolResults[0].Type)
	assert.Equal(t, model.CategoryWeather, sum.ToolResults[1].Type)
	assert.Equal(t, model.CategoryF1, sum.ToolResults[2].Type)

	var toolFrames int
	for _, ev := range sink.events {
		if ev.Type == model.EventToolResult {
			toolFrames++
		}
	}
	assert.Equal(t, 3, toolFrames)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, model.EventDone, last.Type)
	assert.Len(t, last.ToolResults, 3)
}

func TestUpstreamErrorEmitsGenericError(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(catalog, nil)

	sum := tr.Run(context.Background(), feed(
		textEvent("partial"),
		runtime.Event{Type: runtime.EventError, Err: errors.New("model overloaded: secret detail")},
		textEvent("never sent"),
	), sink)

	assert.Equal(t, []string{
		`{"type":"text-delta","delta":"partial"}`,
		`{"type":"error","error":"Something went wrong processing your request"}`,
	}, sink.wire(t))
	assert.Equal(t, OutcomeError, sum.Outcome)
	assert.ErrorIs(t, sum.Err, ErrUpstream)
}

func TestSinkFailureTerminates(t *testing.T) {
	sink := &recordingSink{failOn: model.EventTextDelta}
	tr := NewTranslator(catalog, nil)

	sum := tr.Run(context.Background(), feed(
		textEvent("a"),
		textEvent("b"),
		runtime.Event{Type: runtime.EventFinish},
	), sink)

	assert.Equal(t, OutcomeError, sum.Outcome)
	assert.ErrorIs(t, sum.Err, ErrSink)
	wire := sink.wire(t)
	require.Len(t, wire, 1)
	assert.Contains(t, wire[0], `"type":"error"`)
}

type panickingClassifier struct{}

func (panickingClassifier) Category(string) (model.ToolCategory, bool) {
	panic("classifier bug")
}

func TestPanicWhileHandlingBecomesError(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTranslator(panickingClassifier{}, nil)

	sum := tr.Run(context.Background(), feed(
		resultEvent(tools.GetWeather, tools.Success(nil)),
	), sink)

	assert.ErrorIs(t, sum.Err, ErrPanic)
	wire := sink.wire(t)
	require.Len(t, wire, 1)
	assert.Contains(t, wire[0], GenericErrorMessage)
}

func TestClosedChannelWithoutFinishStillEmitsDone(t *testing.T) {
	sink := &recordingSink{}
	sum := NewTranslator(catalog, nil).Run(context.Background(), feed(textEvent("x")), sink)

	assert.Equal(t, OutcomeDone, sum.Outcome)
	wire := sink.wire(t)
	assert.Equal(t, `{"type":"done","toolResults":[]}`, wire[len(wire)-1])
}

func TestCancelledContextStopsWriting(t *testing.T) {
	sink := &recordingSink{}
	events := make(chan runtime.Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Summary, 1)
	go func() {
		done <- NewTranslator(catalog, nil).Run(ctx, events, sink)
	}()

	events <- textEvent("first")
	cancel()

	select {
	case sum := <-done:
		assert.Equal(t, OutcomeCancelled, sum.Outcome)
		assert.Equal(t, StateClosed, sum.State)
	case <-time.After(time.Second):
		t.Fatal("translator did not stop after cancel")
	}
	assert.Equal(t, []string{`{"type":"text-delta","delta":"first"}`}, sink.wire(t))
}

func TestTranslatorIsSingleUse(t *testing.T) {
	tr := NewTranslator(catalog, nil)
	tr.Run(context.Background(), feed(), &recordingSink{})

	sink := &recordingSink{}
	sum := tr.Run(context.Background(), feed(textEvent("again")), sink)
	assert.Equal(t, OutcomeError, sum.Outcome)
	assert.Empty(t, sink.events)
}
