package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Command type tokens. Each maps to one NATS subject under vamm.cmd.*
// and to one clearing house operation.
const (
	CmdOpenPosition     = "open_position"
	CmdClosePosition    = "close_position"
	CmdAddMargin        = "add_margin"
	CmdRemoveMargin     = "remove_margin"
	CmdLiquidate        = "liquidate"
	CmdPayFunding       = "pay_funding"
	CmdPayOvernightFee  = "pay_overnight_fee"
	CmdMigrateLiquidity = "migrate_liquidity"
	CmdAdjustPosition   = "adjust_position"
	CmdShutdownExchange = "shutdown_exchange"
	CmdSettlePosition   = "settle_position"
	CmdDeposit          = "deposit"
	CmdWithdraw         = "withdraw"
)

const (
	commandStream        = "VAMM_CMDS"
	commandSubjectPrefix = "vamm.cmd."
)

// CommandTypes lists every accepted command token.
var CommandTypes = []string{
	CmdOpenPosition,
	CmdClosePosition,
	CmdAddMargin,
	CmdRemoveMargin,
	CmdLiquidate,
	CmdPayFunding,
	CmdPayOvernightFee,
	CmdMigrateLiquidity,
	CmdAdjustPosition,
	CmdShutdownExchange,
	CmdSettlePosition,
	CmdDeposit,
	CmdWithdraw,
}

// NATSSubscriber subscribes to the command subjects and feeds raw commands
// into the dispatcher via cmdChan. The dispatcher goroutine serializes
// application, so any number of consumers can feed the channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	cmdChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawCommand is the received-but-unparsed command from NATS, ready for the
// dispatcher to validate and convert into a typed Command.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per command type, all on the
// VAMM_CMDS stream. Subjects carry an optional trailing exchange token,
// e.g. vamm.cmd.open_position.ETH-USDC.
func DefaultSubjects() []SubjectConfig {
	configs := make([]SubjectConfig, 0, len(CommandTypes))
	for _, ct := range CommandTypes {
		configs = append(configs, SubjectConfig{
			Subject:      commandSubjectPrefix + ct + ".>",
			CommandType:  ct,
			ConsumerName: "vamm-" + strings.ReplaceAll(ct, "_", "-"),
			StreamName:   commandStream,
		})
	}
	return configs
}

// CommandTypeFromSubject extracts the command token from a subject like
// vamm.cmd.open_position.ETH-USDC.
func CommandTypeFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, commandSubjectPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return rest, nil
}

func NewNATSSubscriber(js jetstream.JetStream, cmdChan chan<- RawCommand, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		cmdChan: cmdChan,
		log:     log.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.cmdChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      commandStream,
		Subjects:  []string{"vamm.cmd.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", commandStream, err)
	}
	log.Info().Str("stream", commandStream).Msg("ensured command stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
