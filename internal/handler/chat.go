// Package handler provides the HTTP handlers of the gateway.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/tool-gateway/internal/conversation"
	"github.com/capitalize-ai/tool-gateway/internal/llm"
	"github.com/capitalize-ai/tool-gateway/internal/middleware"
	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/ratelimit"
	"github.com/capitalize-ai/tool-gateway/internal/runtime"
	"github.com/capitalize-ai/tool-gateway/internal/stream"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
	"github.com/capitalize-ai/tool-gateway/pkg/metrics"
	"github.com/capitalize-ai/tool-gateway/pkg/tracing"
)

// resetTimeLayout matches JavaScript's Date.toISOString.
const resetTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Authorizer resolves the caller's identity.
type Authorizer interface {
	Authorize(r *http.Request) (string, error)
}

// Admitter decides whether an identity may start another turn.
type Admitter interface {
	Check(identity string) ratelimit.Result
}

// Normalizer converts a client conversation into model input.
type Normalizer interface {
	Normalize(raw []model.Message) ([]llm.Message, error)
}

// Runner starts a model turn.
type Runner interface {
	Run(ctx context.Context, messages []llm.Message) (<-chan runtime.Event, error)
}

// TurnRecorder receives a summary of every streamed turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, ev model.TurnEvent)
}

// ChatDeps are the collaborators of ChatHandler. Recorder and Logger are
// optional.
type ChatDeps struct {
	Authorizer Authorizer
	Limiter    Admitter
	Adapter    Normalizer
	Runner     Runner
	Classifier stream.Classifier
	Recorder   TurnRecorder
	Logger     *logger.Logger
}

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	auth       Authorizer
	limiter    Admitter
	adapter    Normalizer
	runner     Runner
	classifier stream.Classifier
	recorder   TurnRecorder
	logger     *logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewChatHandler creates a chat handler.
func NewChatHandler(deps ChatDeps) *ChatHandler {
	h := &ChatHandler{
		auth:       deps.Authorizer,
		limiter:    deps.Limiter,
		adapter:    deps.Adapter,
		runner:     deps.Runner,
		classifier: deps.Classifier,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
		tracer:     tracing.Tracer("github.com/capitalize-ai/tool-gateway/internal/handler"),
		now:        time.Now,
	}
	if h.logger == nil {
		h.logger = logger.NewNop()
	}
	return h
}

// Preflight handles OPTIONS /api/chat.
func (h *ChatHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	setAllowHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
}

// Chat handles POST /api/chat. Rejections are plain HTTP responses; once
// the model turn has started the response is an SSE stream that always
// ends in a done or error event unless the client goes away.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	log := h.logger.WithContext(middleware.GetCorrelationID(r.Context()), "")
	streaming := false

	defer func() {
		if p := recover(); p != nil {
			log.Error("chat handler panicked", zap.Any("panic", p), zap.Stack("stack"))
			if !streaming {
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}
	}()

	identity, err := h.auth.Authorize(r)
	if err != nil {
		log.Debug("unauthorized chat request", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	log = log.WithContext("", identity)
	r = r.WithContext(middleware.WithIdentity(r.Context(), identity))

	now := h.now()
	res := h.limiter.Check(identity)
	metrics.RecordRateLimit(res.Allowed)
	if !res.Allowed {
		h.rejectRateLimited(w, res, now)
		log.Info("rate limit exceeded", zap.Time("reset_time", res.ResetTime))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error:   middleware.ErrInvalidRequest.Error(),
			Details: "request body could not be read",
		})
		return
	}

	req, err := middleware.ValidateChatRequest(body)
	if err != nil {
		var re *middleware.RequestError
		details := err.Error()
		if errors.As(err, &re) {
			details = re.Details
		}
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error:   middleware.ErrInvalidRequest.Error(),
			Details: details,
		})
		return
	}

	messages, err := h.adapter.Normalize(req.Messages)
	switch {
	case errors.Is(err, conversation.ErrLastMessageNotUser):
		writeText(w, http.StatusBadRequest, conversation.ErrLastMessageNotUser.Error())
		return
	case errors.Is(err, conversation.ErrEmptyConversation), errors.Is(err, conversation.ErrUnknownRole):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error:   middleware.ErrInvalidRequest.Error(),
			Details: err.Error(),
		})
		return
	case err != nil:
		log.Error("failed to normalize conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok || h.runner == nil {
		log.Error("streaming unavailable", zap.Bool("flusher", ok))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.Int("chat.messages", len(req.Messages)),
	))
	defer span.End()

	startedAt := h.now()
	events, err := h.runner.Run(ctx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model turn failed to start")
		log.Error("failed to start model turn", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// A turn may outlive the server's WriteTimeout; streams are bounded by
	// the request context instead.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("could not clear write deadline", zap.Error(err))
	}

	setStreamHeaders(w.Header())
	setAllowHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	streaming = true

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	summary := stream.NewTranslator(h.classifier, log).Run(ctx, events, newSSESink(w, flusher))
	// Unblocks the runtime if the translator stopped reading early.
	cancel()

	metrics.RecordStream(string(summary.Outcome))
	span.SetAttributes(
		attribute.String("chat.outcome", string(summary.Outcome)),
		attribute.Int("chat.tool_results", len(summary.ToolResults)),
	)
	if summary.Outcome == stream.OutcomeError {
		span.SetStatus(codes.Error, "stream failed")
	}

	log.Info("chat turn finished",
		zap.String("outcome", string(summary.Outcome)),
		zap.Int("tool_results", len(summary.ToolResults)),
		zap.Int("text_bytes", summary.TextBytes),
		zap.Duration("duration", h.now().Sub(startedAt)),
	)

	if h.recorder != nil {
		h.recorder.RecordTurn(context.WithoutCancel(ctx), model.TurnEvent{
			ID:          uuid.New().String(),
			Identity:    identity,
			Status:      turnStatus(summary.Outcome),
			ToolResults: summary.ToolResults,
			TextBytes:   summary.TextBytes,
			StartedAt:   startedAt.UTC(),
			EndedAt:     h.now().UTC(),
		})
	}
}

func (h *ChatHandler) rejectRateLimited(w http.ResponseWriter, res ratelimit.Result, now time.Time) {
	resetTime := res.ResetTime.UTC().Format(resetTimeLayout)
	retryAfter := res.RetryAfter(now)

	hdr := w.Header()
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	hdr.Set("X-RateLimit-Reset", resetTime)
	hdr.Set("Retry-After", strconv.Itoa(retryAfter))

	writeJSON(w, http.StatusTooManyRequests, model.RateLimitResponse{
		Error:      "Rate limit exceeded",
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetTime:  resetTime,
		RetryAfter: retryAfter,
	})
}

func setAllowHeaders(h http.Header) {
	if h.Get("Access-Control-Allow-Origin") == "" {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func turnStatus(o stream.Outcome) model.TurnStatus {
	switch o {
	case stream.OutcomeDone:
		return model.TurnCompleted
	case stream.OutcomeCancelled:
		return model.TurnCancelled
	default:
		return model.TurnFailed
	}
}
