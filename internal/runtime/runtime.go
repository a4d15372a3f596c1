// Package runtime drives the model through a conversation turn, executing the
// tools it asks for and feeding their results back until it answers.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/tool-gateway/internal/llm"
	"github.com/capitalize-ai/tool-gateway/internal/tools"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
)

// EventType identifies a runtime event.
type EventType int

const (
	EventTextDelta EventType = iota + 1
	EventToolCall
	EventToolResult
	EventFinish
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text-delta"
	case EventToolCall:
		return "tool-call"
	case EventToolResult:
		return "tool-result"
	case EventFinish:
		return "finish"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one item of the runtime's output stream.
type Event struct {
	Type EventType

	// EventTextDelta
	Text string

	// EventToolCall and EventToolResult
	CallID   string
	ToolName string
	Input    json.RawMessage
	Result   tools.Result

	// EventFinish
	Usage      Usage
	StopReason string

	// EventError
	Err error
}

// Usage accumulates token counts over every step of a turn.
type Usage struct {
	TokensIn  int
	TokensOut int
	Steps     int
}

// StopMaxSteps is the finish reason when the step budget runs out.
const StopMaxSteps = "max_steps"

// ErrNoClient is returned by Run when no model client is configured.
var ErrNoClient = errors.New("no model client configured")

// Invoker executes declared tools.
type Invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) tools.Result
	Declarations() []tools.Declaration
}

// Config holds runtime settings.
type Config struct {
	Model            string
	MaxTokens        int
	MaxSteps         int
	MaxParallelTools int
}

// Runtime runs model turns with tool execution.
type Runtime struct {
	client llm.Client
	tools  Invoker
	cfg    Config
	logger *logger.Logger
}

// New creates a Runtime.
func New(client llm.Client, invoker Invoker, cfg Config, log *logger.Logger) *Runtime {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 1
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 4
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runtime{
		client: client,
		tools:  invoker,
		cfg:    cfg,
		logger: log,
	}
}

// Ready reports whether a model client is configured.
func (r *Runtime) Ready() bool {
	return r != nil && r.client != nil
}

// Run starts a turn over messages. It returns once the model has produced
// its first output, so failures to reach the model surface here as an error
// rather than on the channel. The channel is closed after EventFinish or
// EventError, or when ctx is done.
func (r *Runtime) Run(ctx context.Context, messages []llm.Message) (<-chan Event, error) {
	if !r.Ready() {
		return nil, ErrNoClient
	}

	req := &llm.TurnRequest{
		Model:     r.cfg.Model,
		Messages:  append([]llm.Message(nil), messages...),
		Tools:     toolSpecs(r.tools),
		MaxTokens: r.cfg.MaxTokens,
	}

	events := make(chan Event)
	started := make(chan error, 1)
	go r.loop(ctx, req, events, started)

	select {
	case err := <-started:
		if err != nil {
			return nil, fmt.Errorf("start model turn: %w", err)
		}
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) loop(ctx context.Context, req *llm.TurnRequest, events chan<- Event, started chan<- error) {
	defer close(events)

	var (
		once  sync.Once
		begun bool
	)
	signal := func(err error) {
		once.Do(func() {
			begun = err == nil
			started <- err
		})
	}

	var usage Usage
	for step := 1; ; step++ {
		resp, err := r.client.StreamTurn(ctx, req, func(delta string) error {
			signal(nil)
			if !r.emit(ctx, events, Event{Type: EventTextDelta, Text: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			signal(err)
			if !begun || ctx.Err() != nil {
				return
			}
			r.emit(ctx, events, Event{Type: EventError, Err: fmt.Errorf("model step %d: %w", step, err)})
			return
		}
		signal(nil)

		usage.Steps = step
		usage.TokensIn += resp.TokensIn
		usage.TokensOut += resp.TokensOut

		if len(resp.ToolCalls) == 0 {
			r.emit(ctx, events, Event{Type: EventFinish, Usage: usage, StopReason: resp.StopReason})
			return
		}

		for _, call := range resp.ToolCalls {
			r.logger.Debug("model requested tool",
				zap.Int("step", step),
				zap.String("tool", call.Name),
				zap.String("call_id", call.ID),
			)
			if !r.emit(ctx, events, Event{Type: EventToolCall, CallID: call.ID, ToolName: call.Name, Input: call.Input}) {
				return
			}
		}

		results := r.execute(ctx, resp.ToolCalls)
		for i, call := range resp.ToolCalls {
			if !r.emit(ctx, events, Event{Type: EventToolResult, CallID: call.ID, ToolName: call.Name, Result: results[i]}) {
				return
			}
		}

		if step >= r.cfg.MaxSteps {
			r.emit(ctx, events, Event{Type: EventFinish, Usage: usage, StopReason: StopMaxSteps})
			return
		}

		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls},
			llm.Message{Role: llm.RoleTool, ToolResults: toolResults(resp.ToolCalls, results)},
		)
	}
}

// execute runs calls concurrently and returns results in call order.
func (r *Runtime) execute(ctx context.Context, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallelTools)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = r.tools.Invoke(gctx, call.Name, call.Input)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runtime) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func toolSpecs(invoker Invoker) []llm.ToolSpec {
	if invoker == nil {
		return nil
	}
	decls := invoker.Declarations()
	specs := make([]llm.ToolSpec, 0, len(decls))
	for _, d := range decls {
		specs = append(specs, llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return specs
}

func toolResults(calls []llm.ToolCall, results []tools.Result) []llm.ToolResult {
	out := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		content, err := json.Marshal(results[i].Data())
		if err != nil {
			content = []byte(`{"error":"unencodable tool result"}`)
		}
		out[i] = llm.ToolResult{
			CallID:  call.ID,
			Content: string(content),
			IsError: results[i].Failed(),
		}
	}
	return out
}
