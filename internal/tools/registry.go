// Package tools holds the registry of model-callable tools and the catalog
// of data tools the gateway exposes.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
	"github.com/capitalize-ai/tool-gateway/pkg/metrics"
	"github.com/capitalize-ai/tool-gateway/pkg/tracing"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 15 * time.Second

var (
	// ErrDuplicateTool is returned when a name is declared twice.
	ErrDuplicateTool = errors.New("tool already declared")
	// ErrInvalidDeclaration is returned for empty names, nil executors or
	// schemas that do not compile.
	ErrInvalidDeclaration = errors.New("invalid tool declaration")
	// ErrTimeout is the failure reported when an executor overruns its deadline.
	ErrTimeout = errors.New("tool execution timed out")
	// ErrPanic is the failure reported when an executor panics.
	ErrPanic = errors.New("internal tool error")
)

// Executor runs a tool against schema-valid JSON input.
type Executor func(ctx context.Context, input json.RawMessage) (any, error)

// Declaration describes a tool as advertised to the model.
type Declaration struct {
	Name        string
	Description string
	Category    model.ToolCategory
	Schema      map[string]any
}

type tool struct {
	decl   Declaration
	schema *jsonschema.Schema
	exec   Executor
}

// Registry maps tool names to validated executors. Declarations happen at
// startup; Invoke is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*tool
	timeout time.Duration
	logger  *logger.Logger
	tracer  trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-invocation deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*tool),
		timeout: DefaultTimeout,
		logger:  logger.NewNop(),
		tracer:  tracing.Tracer("github.com/capitalize-ai/tool-gateway/internal/tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declare registers a tool. The schema is compiled once here.
func (r *Registry) Declare(name, description string, category model.ToolCategory, schema map[string]any, exec Executor) error {
	if name == "" || exec == nil {
		return fmt.Errorf("%w: name and executor are required", ErrInvalidDeclaration)
	}
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: encode schema for %s: %v", ErrInvalidDeclaration, name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("%w: compile schema for %s: %v", ErrInvalidDeclaration, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &tool{
		decl: Declaration{
			Name:        name,
			Description: description,
			Category:    category,
			Schema:      schema,
		},
		schema: compiled,
		exec:   exec,
	}
	return nil
}

// Declarations returns every declared tool sorted by name.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Declaration, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Category returns the result category of a declared tool.
func (r *Registry) Category(name string) (model.ToolCategory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return t.decl.Category, true
}

// Len returns the number of declared tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates input and runs the named tool. Every problem, including
// unknown names, bad input, executor errors, panics and timeouts, comes back
// as a failure Result.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	res := r.invoke(ctx, name, input)

	metrics.RecordToolInvocation(name, string(res.Kind), time.Since(start).Seconds())
	if res.Failed() {
		span.SetStatus(codes.Error, res.Message)
		r.logger.Warn("tool invocation failed",
			zap.String("tool", name),
			zap.String("reason", res.Message),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, input json.RawMessage) Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(fmt.Sprintf("unknown tool %q", name))
	}

	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return Failure("invalid tool input: " + err.Error())
	}
	if err := t.schema.Validate(decoded); err != nil {
		return Failure("invalid tool input: " + describeViolation(err))
	}

	return r.execute(ctx, t, input)
}

type outcome struct {
	payload any
	err     error
}

func (r *Registry) execute(ctx context.Context, t *tool, input json.RawMessage) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked",
					zap.String("tool", t.decl.Name),
					zap.Any("panic", p),
					zap.Stack("stack"),
				)
				done <- outcome{err: ErrPanic}
			}
		}()
		payload, err := t.exec(ctx, input)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Failure(ErrTimeout.Error())
			}
			return Failure(out.err.Error())
		}
		return Success(out.payload)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failure(ErrTimeout.Error())
		}
		return Failure(ctx.Err().Error())
	}
}

// describeViolation reduces a schema validation error to its first leaf,
// e.g. "/location: expected string, but got number".
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
