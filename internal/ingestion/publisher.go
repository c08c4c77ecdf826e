package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
)

const outboundStream = "VAMM_EVENTS"

// OutboundPublisher publishes engine events to NATS for downstream
// consumers. Subjects follow vamm.events.{event_type}.{exchange}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan clearing.Output
	log       zerolog.Logger
}

// outboundEnvelopeJSON is the wire form of an event envelope. Hashes are
// hex-encoded; the payload is carried verbatim.
type outboundEnvelopeJSON struct {
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Exchange       *string         `json:"exchange,omitempty"`
	BlockHeight    int64           `json:"block_height"`
	BlockTime      int64           `json:"block_time"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan clearing.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				op.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out clearing.Output) error {
	env := out.Envelope
	wire := outboundEnvelopeJSON{
		Sequence:       env.Sequence,
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType.Subject(),
		Exchange:       env.Exchange,
		BlockHeight:    env.BlockHeight,
		BlockTime:      env.BlockTime,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("vamm.events.%s", env.EventType.Subject())
	if env.Exchange != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.Exchange)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      outboundStream,
		Subjects:  []string{"vamm.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
