package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/observability"
	"PerpVamm/internal/vault"
)

// Dispatcher drains raw commands from NATS and admin-injected commands,
// deduplicates them, and applies them to the clearing house. It is the
// single writer: everything that mutates engine state goes through its
// one goroutine, which is what keeps the event log deterministic.
type Dispatcher struct {
	house   *clearing.ClearingHouse
	vault   *vault.Vault
	checker *clearing.IdempotencyChecker

	rawChan   <-chan RawCommand
	adminChan <-chan Command

	// Deposit and withdrawal batches bypass the emitter (they produce no
	// engine event) and go straight to persistence.
	batchChan chan<- *ledger.Batch

	// Snapshot and inspect requests are served on the dispatch goroutine so
	// the state they see is never mid-command.
	snapshotChan chan chan<- clearing.Snapshot
	inspectChan  chan inspectRequest

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(
	house *clearing.ClearingHouse,
	v *vault.Vault,
	checker *clearing.IdempotencyChecker,
	rawChan <-chan RawCommand,
	adminChan <-chan Command,
	batchChan chan<- *ledger.Batch,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		house:        house,
		vault:        v,
		checker:      checker,
		rawChan:      rawChan,
		adminChan:    adminChan,
		batchChan:    batchChan,
		snapshotChan: make(chan chan<- clearing.Snapshot),
		inspectChan:  make(chan inspectRequest),
		metrics:      metrics,
		log:          log.With().Str("component", "dispatcher").Logger(),
	}
}

// Snapshot captures engine state between commands. It blocks until the
// dispatch goroutine picks up the request, so it must not be called after
// Run has returned.
func (d *Dispatcher) Snapshot(ctx context.Context) (clearing.Snapshot, error) {
	reply := make(chan clearing.Snapshot, 1)
	select {
	case d.snapshotChan <- reply:
	case <-ctx.Done():
		return clearing.Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return clearing.Snapshot{}, ctx.Err()
	}
}

type inspectRequest struct {
	fn   func(*clearing.ClearingHouse)
	done chan struct{}
}

// Inspect runs fn against the clearing house on the dispatch goroutine,
// between commands. fn must not retain any engine state past its return.
// Serves the live read endpoints that cannot go through the projections.
func (d *Dispatcher) Inspect(ctx context.Context, fn func(*clearing.ClearingHouse)) error {
	req := inspectRequest{fn: fn, done: make(chan struct{})}
	select {
	case d.inspectChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands until the context is cancelled or both input
// channels are closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	rawChan, adminChan := d.rawChan, d.adminChan
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-rawChan:
			if !ok {
				rawChan = nil
				if adminChan == nil {
					return nil
				}
				continue
			}
			d.processRaw(raw)

		case c, ok := <-adminChan:
			if !ok {
				adminChan = nil
				if rawChan == nil {
					return nil
				}
				continue
			}
			d.processCommand(c, time.Now())

		case reply := <-d.snapshotChan:
			reply <- d.house.CreateSnapshot()

		case req := <-d.inspectChan:
			req.fn(d.house)
			close(req.done)
		}
	}
}

func (d *Dispatcher) processRaw(raw RawCommand) {
	commandType, err := CommandTypeFromSubject(raw.Subject)
	if err != nil {
		// Not redeliverable: the subject itself is wrong.
		d.log.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping message on unknown subject")
		d.reject("unknown", "bad_subject")
		raw.AckFunc()
		return
	}

	c, err := ParseRawCommand(raw, commandType)
	if err != nil {
		// Poison message: redelivery cannot fix a malformed payload.
		d.log.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping malformed command")
		d.reject(commandType, "parse_error")
		raw.AckFunc()
		return
	}

	d.processCommand(c, raw.Timestamp)
	raw.AckFunc()
}

func (d *Dispatcher) processCommand(c Command, receivedAt time.Time) {
	commandType := c.Type()
	key := c.Cmd().Key

	if d.checker != nil && d.checker.IsDuplicate(commandType, key) {
		d.log.Debug().Str("command", commandType).Str("key", key).Msg("duplicate command skipped")
		return
	}

	start := time.Now()
	if err := d.apply(c); err != nil {
		// Deterministic rejection: the command was consumed, it just
		// failed validation inside the engine. Redelivery cannot help.
		d.log.Warn().
			Str("command", commandType).
			Str("key", key).
			Str("caller", c.Cmd().Caller).
			Err(err).
			Msg("command rejected")
		d.reject(commandType, "engine_reject")
	} else if d.metrics != nil {
		d.metrics.CoreEventDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		d.metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(receivedAt).Seconds())
	}

	if d.checker != nil {
		d.checker.MarkProcessed(commandType, key)
	}
}

func (d *Dispatcher) apply(c Command) error {
	switch c := c.(type) {
	case *OpenPosition:
		_, err := d.house.OpenPosition(c.Base, c.ExchangeID, c.Side, c.QuoteAmount, c.Leverage, c.BaseLimit)
		return err

	case *ClosePosition:
		_, err := d.house.ClosePosition(c.Base, c.ExchangeID, c.QuoteLimit)
		return err

	case *AddMargin:
		_, err := d.house.AddMargin(c.Base, c.ExchangeID, c.Amount)
		return err

	case *RemoveMargin:
		_, err := d.house.RemoveMargin(c.Base, c.ExchangeID, c.Amount)
		return err

	case *Liquidate:
		_, err := d.house.Liquidate(c.Base, c.ExchangeID, c.Trader)
		return err

	case *MigrateLiquidity:
		_, err := d.house.MigrateLiquidity(c.Base, c.ExchangeID, c.BaseMultiplier, c.QuoteMultiplier)
		return err

	case *ExchangeOp:
		return d.applyExchangeOp(c)

	case *BalanceOp:
		return d.applyBalanceOp(c)

	default:
		return fmt.Errorf("unhandled command type %T", c)
	}
}

func (d *Dispatcher) applyExchangeOp(c *ExchangeOp) error {
	switch c.Type() {
	case CmdPayFunding:
		_, err := d.house.PayFunding(c.Base, c.ExchangeID)
		return err
	case CmdPayOvernightFee:
		_, err := d.house.PayOvernightFee(c.Base, c.ExchangeID)
		return err
	case CmdAdjustPosition:
		_, err := d.house.AdjustPosition(c.Base, c.ExchangeID)
		return err
	case CmdShutdownExchange:
		_, err := d.house.ShutdownExchange(c.Base, c.ExchangeID)
		return err
	case CmdSettlePosition:
		_, err := d.house.SettlePosition(c.Base, c.ExchangeID)
		return err
	default:
		return fmt.Errorf("unhandled exchange op %q", c.Type())
	}
}

func (d *Dispatcher) applyBalanceOp(c *BalanceOp) error {
	tx := vault.Tx{
		EventRef:  c.Type() + ":" + c.Base.Key,
		Timestamp: c.Base.Block.Time,
	}

	var (
		batch *ledger.Batch
		err   error
	)
	switch c.Type() {
	case CmdDeposit:
		batch, err = d.vault.Deposit(tx, c.Base.Caller, c.Asset, c.Amount)
	case CmdWithdraw:
		batch, err = d.vault.Withdraw(tx, c.Base.Caller, c.Asset, c.Amount)
	default:
		return fmt.Errorf("unhandled balance op %q", c.Type())
	}
	if err != nil {
		return err
	}

	if d.batchChan != nil && batch != nil {
		d.batchChan <- batch
	}
	return nil
}

func (d *Dispatcher) reject(commandType, reason string) {
	if d.metrics != nil {
		d.metrics.CoreEventsRejected.WithLabelValues(commandType, reason).Inc()
	}
}
