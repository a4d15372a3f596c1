package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/pkg/logger"
	"github.com/capitalize-ai/tool-gateway/pkg/metrics"
)

const (
	// StreamName is the name of the turn summary stream.
	StreamName = "CHAT_TURNS"

	// SubjectPrefix is the prefix for all turn subjects.
	SubjectPrefix = "turns"

	defaultPublishTimeout = 5 * time.Second
)

// publisher is the subset of jetstream.JetStream the recorder needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// TurnPublisher records turn summaries in JetStream.
type TurnPublisher struct {
	js      publisher
	timeout time.Duration
	logger  *logger.Logger
}

// NewTurnPublisher creates a publisher on client's JetStream context.
func NewTurnPublisher(client *Client, log *logger.Logger) *TurnPublisher {
	return newTurnPublisher(client.JetStream(), log)
}

func newTurnPublisher(js publisher, log *logger.Logger) *TurnPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &TurnPublisher{
		js:      js,
		timeout: defaultPublishTimeout,
		logger:  log,
	}
}

// EnsureStream ensures the turns stream exists with proper configuration.
func EnsureStream(ctx context.Context, client *Client) error {
	js := client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Summaries of streamed chat turns",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// TurnSubject returns the subject for an identity's turns.
func TurnSubject(identity string) string {
	return SubjectPrefix + "." + subjectToken(identity)
}

// subjectToken maps identity onto a single subject token. Wildcards,
// separators and whitespace are not allowed inside a token.
func subjectToken(s string) string {
	if s == "" {
		return "anonymous"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case r <= ' ' || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, s)
}

// RecordTurn publishes ev. Failures are logged; they never reach the caller.
func (p *TurnPublisher) RecordTurn(ctx context.Context, ev model.TurnEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if _, err := p.publish(ctx, ev); err != nil {
		metrics.TurnEventsPublished.WithLabelValues("error").Inc()
		p.logger.Warn("failed to publish turn event",
			zap.String("turn_id", ev.ID),
			zap.String("identity", ev.Identity),
			zap.Error(err),
		)
		return
	}
	metrics.TurnEventsPublished.WithLabelValues("ok").Inc()
}

func (p *TurnPublisher) publish(ctx context.Context, ev model.TurnEvent) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal turn event: %w", err)
	}

	ack, err := p.js.Publish(ctx, TurnSubject(ev.Identity), data, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish turn event: %w", err)
	}

	return ack.Sequence, nil
}

// NoopRecorder discards turn summaries. It is used when turn events are
// disabled.
type NoopRecorder struct{}

// RecordTurn implements the handler's TurnRecorder.
func (NoopRecorder) RecordTurn(context.Context, model.TurnEvent) {}
