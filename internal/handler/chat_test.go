package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/tool-gateway/internal/conversation"
	"github.com/capitalize-ai/tool-gateway/internal/llm"
	"github.com/capitalize-ai/tool-gateway/internal/middleware"
	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/ratelimit"
	"github.com/capitalize-ai/tool-gateway/internal/runtime"
	"github.com/capitalize-ai/tool-gateway/internal/tools"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
)

const secret = "handler-test-secret"

type fakeRunner struct {
	mu     sync.Mutex
	events []runtime.Event
	err    error
	calls  int
	got    []llm.Message
}

func (f *fakeRunner) Run(_ context.Context, messages []llm.Message) (<-chan runtime.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = messages
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan runtime.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type turnLog struct {
	mu    sync.Mutex
	turns []model.TurnEvent
}

func (l *turnLog) RecordTurn(_ context.Context, ev model.TurnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, ev)
}

type classifier map[string]model.ToolCategory

func (c classifier) Category(name string) (model.ToolCategory, bool) {
	cat, ok := c[name]
	return cat, ok
}

type fixture struct {
	handler  *ChatHandler
	runner   *fakeRunner
	recorder *turnLog
	now      time.Time
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	f := &fixture{
		runner:   &fakeRunner{},
		recorder: &turnLog{},
		now:      now,
	}
	f.handler = NewChatHandler(ChatDeps{
		Authorizer: middleware.NewJWTAuthorizer(secret),
		Limiter:    ratelimit.New(ratelimit.Config{Limit: limit, Window: time.Minute}, ratelimit.WithClock(clock)),
		Adapter:    conversation.NewAdapter(nil),
		Runner:     f.runner,
		Classifier: classifier{tools.GetWeather: model.CategoryWeather},
		Recorder:   f.recorder,
	})
	f.handler.now = clock
	return f
}

func (f *fixture) post(t *testing.T, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.Chat(rec, f.request(t, identity, body))
	return rec
}

func (f *fixture) request(t *testing.T, identity, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		token, err := middleware.MintToken(secret, identity, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// deadlineRecorder records write deadline changes made through
// http.ResponseController.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines []time.Time
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

const userBody = `{"messages":[{"role":"user","content":"weather in Pune"}]}`

func frames(body string) []string {
	var out []string
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		out = append(out, strings.TrimPrefix(chunk, "data: "))
	}
	return out
}

func TestChatUnauthorized(t *testing.T) {
	f := newFixture(t, 5)

	rec := f.post(t, "", userBody)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
	assert.Zero(t, f.runner.calls)
}

func TestChatRateLimited(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.events = []runtime.Event{{Type: runtime.EventFinish}}

	for i := 0; i < 5; i++ {
		rec := f.post(t, "u1", userBody)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := f.post(t, "u1", userBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2025-03-14T12:01:00.000Z", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body model.RateLimitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body.Error)
	assert.Equal(t, 5, body.Limit)
	assert.Equal(t, "2025-03-14T12:01:00.000Z", body.ResetTime)
	assert.Equal(t, 60, body.RetryAfter)
	assert.Equal(t, 5, f.runner.calls)

	// Other identities are unaffected.
	assert.Equal(t, http.StatusOK, f.post(t, "u2", userBody).Code)
}

func TestChatInvalidBody(t *testing.T) {
	f := newFixture(t, 5)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"messages":`},
		{"empty messages", `{"messages":[]}`},
		{"bad role", `{"messages":[{"role":"bot","content":"hi"}]}`},
		{"bad content", `{"messages":[{"role":"user","content":7}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, "u1", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body model.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "Invalid request", body.Error)
			assert.NotEmpty(t, body.Details)
		})
	}
	assert.Zero(t, f.runner.calls)
}

func TestChatLastMessageNotUser(t *testing.T) {
	f := newFixture(t, 5)

	rec := f.post(t, "u1", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Last message must be from user", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Zero(t, f.runner.calls)
}

func TestChatRunnerStartFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.err = errors.New("model unavailable")

	rec := f.post(t, "u1", userBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Empty(t, f.recorder.turns)
}

func TestChatStreamsWeatherTurn(t *testing.T) {
	f := newFixture(t, 5)
	weather := map[string]any{"location": "Pune", "tempC": 31}
	f.runner.events = []runtime.Event{
		{Type: runtime.EventTextDelta, Text: "Let me check. "},
		{Type: runtime.EventToolCall, CallID: "c1", ToolName: tools.GetWeather, Input: json.RawMessage(`{"location":"Pune"}`)},
		{Type: runtime.EventToolResult, CallID: "c1", ToolName: tools.GetWeather, Result: tools.Success(weather)},
		{Type: runtime.EventTextDelta, Text: "It is 31°C in Pune."},
		{Type: runtime.EventFinish, StopReason: "end_turn"},
	}

	rec := f.post(t, "u1", userBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	assert.Equal(t, []string{
		`{"type":"text-delta","delta":"Let me check. "}`,
		`{"type":"tool-result","toolType":"weather","data":{"location":"Pune","tempC":31}}`,
		`{"type":"text-delta","delta":"It is 31°C in Pune."}`,
		`{"type":"done","toolResults":[{"type":"weather","data":{"location":"Pune","tempC":31}}]}`,
	}, frames(rec.Body.String()))

	require.Len(t, f.runner.got, 2)
	assert.Equal(t, llm.RoleSystem, f.runner.got[0].Role)
	assert.Equal(t, "weather in Pune", f.runner.got[1].Content)

	require.Len(t, f.recorder.turns, 1)
	turn := f.recorder.turns[0]
	assert.Equal(t, "u1", turn.Identity)
	assert.Equal(t, model.TurnCompleted, turn.Status)
	assert.Len(t, turn.ToolResults, 1)
	assert.NotEmpty(t, turn.ID)
}

func TestChatStreamsToolFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.events = []runtime.Event{
		{Type: runtime.EventToolResult, ToolName: tools.GetWeather, Result: tools.Failure(`Location "Atlantis" not found`)},
		{Type: runtime.EventTextDelta, Text: "I could not find Atlantis."},
		{Type: runtime.EventFinish},
	}

	rec := f.post(t, "u1", `{"messages":[{"role":"user","content":"weather in Atlantis"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{
		`{"type":"tool-result","toolType":"weather","data":{"error":"Location \"Atlantis\" not found"}}`,
		`{"type":"text-delta","delta":"I could not find Atlantis."}`,
		`{"type":"done","toolResults":[{"type":"weather","data":{"error":"Location \"Atlantis\" not found"}}]}`,
	}, frames(rec.Body.String()))
}

func TestChatStreamsUpstreamError(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.events = []runtime.Event{
		{Type: runtime.EventTextDelta, Text: "partial"},
		{Type: runtime.EventError, Err: errors.New("connection reset by model provider")},
	}

	rec := f.post(t, "u1", userBody)

	require.Equal(t, http.StatusOK, rec.Code)
	got := frames(rec.Body.String())
	assert.Equal(t, []string{
		`{"type":"text-delta","delta":"partial"}`,
		`{"type":"error","error":"Something went wrong processing your request"}`,
	}, got)
	assert.NotContains(t, rec.Body.String(), "connection reset")

	require.Len(t, f.recorder.turns, 1)
	assert.Equal(t, model.TurnFailed, f.recorder.turns[0].Status)
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, 5)
	rec := httptest.NewRecorder()

	f.handler.Preflight(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestHealthAndReady(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler().Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	ready := NewHealthHandler(func() (bool, string) { return true, "" })
	rec = httptest.NewRecorder()
	ready.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	notReady := NewHealthHandler(
		func() (bool, string) { return true, "" },
		func() (bool, string) { return false, "NATS not connected" },
	)
	rec = httptest.NewRecorder()
	notReady.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready","reason":"NATS not connected"}`, rec.Body.String())
}

func TestChatClearsWriteDeadlineForStream(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.events = []runtime.Event{{Type: runtime.EventFinish}}

	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	f.handler.Chat(rec, f.request(t, "u1", userBody))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.deadlines, 1)
	assert.True(t, rec.deadlines[0].IsZero())
}

func TestChatRejectedRequestKeepsWriteDeadline(t *testing.T) {
	f := newFixture(t, 5)

	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	f.handler.Chat(rec, f.request(t, "", userBody))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.deadlines)
}

func TestChatRequestLogCarriesIdentity(t *testing.T) {
	f := newFixture(t, 5)
	f.runner.events = []runtime.Event{{Type: runtime.EventFinish}}

	core, logs := observer.New(zapcore.InfoLevel)
	h := middleware.Logging(&logger.Logger{Logger: zap.New(core)})(http.HandlerFunc(f.handler.Chat))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, f.request(t, "u1", userBody))

	require.Equal(t, http.StatusOK, rec.Code)
	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].ContextMap()["identity"])
}
