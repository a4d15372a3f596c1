// Package stream translates runtime events into the chat stream protocol.
package stream

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/runtime"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
)

// GenericErrorMessage is the only error text clients ever see on the stream.
const GenericErrorMessage = "Something went wrong processing your request"

// State is the translator's lifecycle state.
type State int

const (
	StateStreaming State = iota
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrUpstream wraps an error reported by the runtime.
	ErrUpstream = errors.New("upstream error")
	// ErrSink wraps a failure to write to the client.
	ErrSink = errors.New("sink write failed")
	// ErrPanic reports a panic while handling an event.
	ErrPanic = errors.New("panic while translating event")
)

// Sink receives protocol events. The SSE writer implements it.
type Sink interface {
	Send(ctx context.Context, ev model.StreamEvent) error
}

// Classifier maps a tool name to the category of its results.
type Classifier interface {
	Category(name string) (model.ToolCategory, bool)
}

// Outcome is how a stream ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Summary describes a finished stream.
type Summary struct {
	State       State
	Outcome     Outcome
	ToolResults []model.ToolResultEntry
	TextBytes   int
	Err         error
}

// Translator consumes one runtime event stream. It is single use and not
// safe for concurrent use.
type Translator struct {
	classifier Classifier
	logger     *logger.Logger

	state     State
	results   []model.ToolResultEntry
	textBytes int
}

// NewTranslator creates a Translator.
func NewTranslator(classifier Classifier, log *logger.Logger) *Translator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Translator{
		classifier: classifier,
		logger:     log,
		state:      StateStreaming,
	}
}

// State returns the current state.
func (t *Translator) State() State {
	return t.state
}

// Run forwards events to sink until the runtime finishes, fails, or ctx is
// done. It emits exactly one terminal event (done or error) unless the
// client went away, and never writes after it.
func (t *Translator) Run(ctx context.Context, events <-chan runtime.Event, sink Sink) Summary {
	for t.state == StateStreaming {
		select {
		case <-ctx.Done():
			t.state = StateClosed
			return t.summary(OutcomeCancelled, ctx.Err())

		case ev, ok := <-events:
			if !ok {
				return t.finish(ctx, sink)
			}

			finished, err := t.handle(ctx, ev, sink)
			if err != nil {
				return t.fail(ctx, sink, err)
			}
			if finished {
				return t.finish(ctx, sink)
			}
		}
	}
	return t.summary(OutcomeError, errors.New("translator reused"))
}

func (t *Translator) handle(ctx context.Context, ev runtime.Event, sink Sink) (finished bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			finished = false
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()

	switch ev.Type {
	case runtime.EventTextDelta:
		if ev.Text == "" {
			return false, nil
		}
		t.textBytes += len(ev.Text)
		return false, t.send(ctx, sink, model.TextDeltaEvent(ev.Text))

	case runtime.EventToolCall:
		t.logger.Debug("tool call", zap.String("tool", ev.ToolName), zap.String("call_id", ev.CallID))
		return false, nil

	case runtime.EventToolResult:
		category, ok := t.classifier.Category(ev.ToolName)
		if !ok {
			t.logger.Warn("dropping result of undeclared tool", zap.String("tool", ev.ToolName))
			return false, nil
		}
		data := ev.Result.Data()
		t.results = append(t.results, model.ToolResultEntry{Type: category, Data: data})
		return false, t.send(ctx, sink, model.ToolResultEvent(category, data))

	case runtime.EventFinish:
		t.logger.Debug("runtime finished",
			zap.Int("steps", ev.Usage.Steps),
			zap.Int("tokens_in", ev.Usage.TokensIn),
			zap.Int("tokens_out", ev.Usage.TokensOut),
			zap.String("stop_reason", ev.StopReason),
		)
		return true, nil

	case runtime.EventError:
		return false, fmt.Errorf("%w: %w", ErrUpstream, ev.Err)

	default:
		t.logger.Debug("ignoring runtime event", zap.Stringer("type", ev.Type))
		return false, nil
	}
}

func (t *Translator) send(ctx context.Context, sink Sink, ev model.StreamEvent) error {
	if err := sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("%w: %w", ErrSink, err)
	}
	return nil
}

func (t *Translator) finish(ctx context.Context, sink Sink) Summary {
	t.state = StateTerminating
	err := sink.Send(ctx, model.DoneEvent(t.results))
	t.state = StateClosed
	if err != nil {
		t.logger.Warn("failed to write done event", zap.Error(err))
		return t.summary(OutcomeError, fmt.Errorf("%w: %w", ErrSink, err))
	}
	return t.summary(OutcomeDone, nil)
}

func (t *Translator) fail(ctx context.Context, sink Sink, cause error) Summary {
	t.state = StateTerminating

	if ctx.Err() != nil {
		t.state = StateClosed
		return t.summary(OutcomeCancelled, ctx.Err())
	}

	t.logger.Error("stream failed", zap.Error(cause))
	if err := sink.Send(ctx, model.ErrorEvent(GenericErrorMessage)); err != nil {
		t.logger.Warn("failed to write error event", zap.Error(err))
	}
	t.state = StateClosed
	return t.summary(OutcomeError, cause)
}

func (t *Translator) summary(outcome Outcome, err error) Summary {
	return Summary{
		State:       t.state,
		Outcome:     outcome,
		ToolResults: t.results,
		TextBytes:   t.textBytes,
		Err:         err,
	}
}
