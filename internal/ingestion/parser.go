package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/event"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/vamm"
)

// Command is a fully validated instruction ready for the clearing house.
type Command interface {
	Type() string
	Cmd() clearing.Cmd
}

// ParseRawCommand converts a RawCommand (JSON bytes + command type token)
// into a typed Command. The shell validates and parses before anything
// touches the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (Command, error) {
	switch commandType {
	case CmdOpenPosition:
		return parseOpenPosition(raw.Data)
	case CmdClosePosition:
		return parseClosePosition(raw.Data)
	case CmdAddMargin:
		return parseAddMargin(raw.Data)
	case CmdRemoveMargin:
		return parseRemoveMargin(raw.Data)
	case CmdLiquidate:
		return parseLiquidate(raw.Data)
	case CmdPayFunding:
		return parseExchangeOnly(raw.Data, CmdPayFunding)
	case CmdPayOvernightFee:
		return parseExchangeOnly(raw.Data, CmdPayOvernightFee)
	case CmdMigrateLiquidity:
		return parseMigrateLiquidity(raw.Data)
	case CmdAdjustPosition:
		return parseExchangeOnly(raw.Data, CmdAdjustPosition)
	case CmdShutdownExchange:
		return parseExchangeOnly(raw.Data, CmdShutdownExchange)
	case CmdSettlePosition:
		return parseExchangeOnly(raw.Data, CmdSettlePosition)
	case CmdDeposit:
		return parseBalanceOp(raw.Data, CmdDeposit)
	case CmdWithdraw:
		return parseBalanceOp(raw.Data, CmdWithdraw)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- Typed commands ---

// OpenPosition opens or extends a position at the given leverage.
type OpenPosition struct {
	Base        clearing.Cmd
	ExchangeID  string
	Side        event.Side
	QuoteAmount fixed.Decimal
	Leverage    fixed.Decimal
	BaseLimit   fixed.Decimal
}

func (c *OpenPosition) Type() string      { return CmdOpenPosition }
func (c *OpenPosition) Cmd() clearing.Cmd { return c.Base }

// ClosePosition fully closes the caller's position.
type ClosePosition struct {
	Base       clearing.Cmd
	ExchangeID string
	QuoteLimit fixed.Decimal
}

func (c *ClosePosition) Type() string      { return CmdClosePosition }
func (c *ClosePosition) Cmd() clearing.Cmd { return c.Base }

// AddMargin tops up the caller's position margin.
type AddMargin struct {
	Base       clearing.Cmd
	ExchangeID string
	Amount     fixed.Decimal
}

func (c *AddMargin) Type() string      { return CmdAddMargin }
func (c *AddMargin) Cmd() clearing.Cmd { return c.Base }

// RemoveMargin withdraws free margin from the caller's position.
type RemoveMargin struct {
	Base       clearing.Cmd
	ExchangeID string
	Amount     fixed.Decimal
}

func (c *RemoveMargin) Type() string      { return CmdRemoveMargin }
func (c *RemoveMargin) Cmd() clearing.Cmd { return c.Base }

// Liquidate closes an underwater position on behalf of the caller.
type Liquidate struct {
	Base       clearing.Cmd
	ExchangeID string
	Trader     string
}

func (c *Liquidate) Type() string      { return CmdLiquidate }
func (c *Liquidate) Cmd() clearing.Cmd { return c.Base }

// MigrateLiquidity rescales the exchange reserves by the given multipliers.
type MigrateLiquidity struct {
	Base            clearing.Cmd
	ExchangeID      string
	BaseMultiplier  fixed.Decimal
	QuoteMultiplier fixed.Decimal
}

func (c *MigrateLiquidity) Type() string      { return CmdMigrateLiquidity }
func (c *MigrateLiquidity) Cmd() clearing.Cmd { return c.Base }

// ExchangeOp covers the commands that carry no parameters beyond the
// exchange: pay_funding, pay_overnight_fee, adjust_position,
// shutdown_exchange and settle_position.
type ExchangeOp struct {
	Base        clearing.Cmd
	ExchangeID  string
	commandType string
}

func (c *ExchangeOp) Type() string      { return c.commandType }
func (c *ExchangeOp) Cmd() clearing.Cmd { return c.Base }

// BalanceOp covers deposit and withdraw. The caller is the trader.
type BalanceOp struct {
	Base        clearing.Cmd
	Asset       string
	Amount      fixed.Decimal
	commandType string
}

func (c *BalanceOp) Type() string      { return c.commandType }
func (c *BalanceOp) Cmd() clearing.Cmd { return c.Base }

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel
// as canonical decimal strings.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	ExchangeID     string `json:"exchange_id,omitempty"`
	BlockHeight    int64  `json:"block_height"`
	BlockTime      int64  `json:"block_time"`
}

func (h headerJSON) validate(wantExchange bool) error {
	if h.IdempotencyKey == "" {
		return fmt.Errorf("missing idempotency_key")
	}
	if h.Caller == "" {
		return fmt.Errorf("missing caller")
	}
	if wantExchange && h.ExchangeID == "" {
		return fmt.Errorf("missing exchange_id")
	}
	return nil
}

func (h headerJSON) cmd() clearing.Cmd {
	return clearing.Cmd{
		Key:    h.IdempotencyKey,
		Caller: h.Caller,
		Block:  vamm.Block{Height: h.BlockHeight, Time: h.BlockTime},
	}
}

func parseAmount(field, s string) (fixed.Decimal, error) {
	if s == "" {
		return fixed.Zero(), fmt.Errorf("missing %s", field)
	}
	d, err := fixed.FromString(s)
	if err != nil {
		return fixed.Zero(), fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

// Limit fields default to zero, which the clearing house treats as "no limit".
func parseLimit(field, s string) (fixed.Decimal, error) {
	if s == "" {
		return fixed.Zero(), nil
	}
	return parseAmount(field, s)
}

func parseSide(s string) (event.Side, error) {
	switch s {
	case "long":
		return event.SideLong, nil
	case "short":
		return event.SideShort, nil
	default:
		return event.SideFlat, fmt.Errorf("invalid side %q", s)
	}
}

type openPositionJSON struct {
	headerJSON
	Side        string `json:"side"` // "long" or "short"
	QuoteAmount string `json:"quote_amount"`
	Leverage    string `json:"leverage"`
	BaseLimit   string `json:"base_limit,omitempty"`
}

func parseOpenPosition(data []byte) (*OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse open_position: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("open_position: %w", err)
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	quote, err := parseAmount("quote_amount", j.QuoteAmount)
	if err != nil {
		return nil, err
	}
	leverage, err := parseAmount("leverage", j.Leverage)
	if err != nil {
		return nil, err
	}
	baseLimit, err := parseLimit("base_limit", j.BaseLimit)
	if err != nil {
		return nil, err
	}
	return &OpenPosition{
		Base:        j.cmd(),
		ExchangeID:  j.ExchangeID,
		Side:        side,
		QuoteAmount: quote,
		Leverage:    leverage,
		BaseLimit:   baseLimit,
	}, nil
}

type closePositionJSON struct {
	headerJSON
	QuoteLimit string `json:"quote_limit,omitempty"`
}

func parseClosePosition(data []byte) (*ClosePosition, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse close_position: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("close_position: %w", err)
	}
	quoteLimit, err := parseLimit("quote_limit", j.QuoteLimit)
	if err != nil {
		return nil, err
	}
	return &ClosePosition{
		Base:       j.cmd(),
		ExchangeID: j.ExchangeID,
		QuoteLimit: quoteLimit,
	}, nil
}

type marginJSON struct {
	headerJSON
	Amount string `json:"amount"`
}

func parseAddMargin(data []byte) (*AddMargin, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse add_margin: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("add_margin: %w", err)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &AddMargin{Base: j.cmd(), ExchangeID: j.ExchangeID, Amount: amount}, nil
}

func parseRemoveMargin(data []byte) (*RemoveMargin, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse remove_margin: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("remove_margin: %w", err)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &RemoveMargin{Base: j.cmd(), ExchangeID: j.ExchangeID, Amount: amount}, nil
}

type liquidateJSON struct {
	headerJSON
	Trader string `json:"trader"`
}

func parseLiquidate(data []byte) (*Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("liquidate: %w", err)
	}
	if j.Trader == "" {
		return nil, fmt.Errorf("liquidate: missing trader")
	}
	return &Liquidate{Base: j.cmd(), ExchangeID: j.ExchangeID, Trader: j.Trader}, nil
}

type migrateLiquidityJSON struct {
	headerJSON
	BaseMultiplier  string `json:"base_multiplier"`
	QuoteMultiplier string `json:"quote_multiplier"`
}

func parseMigrateLiquidity(data []byte) (*MigrateLiquidity, error) {
	var j migrateLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse migrate_liquidity: %w", err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("migrate_liquidity: %w", err)
	}
	baseMul, err := parseAmount("base_multiplier", j.BaseMultiplier)
	if err != nil {
		return nil, err
	}
	quoteMul, err := parseAmount("quote_multiplier", j.QuoteMultiplier)
	if err != nil {
		return nil, err
	}
	return &MigrateLiquidity{
		Base:            j.cmd(),
		ExchangeID:      j.ExchangeID,
		BaseMultiplier:  baseMul,
		QuoteMultiplier: quoteMul,
	}, nil
}

func parseExchangeOnly(data []byte, commandType string) (*ExchangeOp, error) {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", commandType, err)
	}
	if err := j.validate(true); err != nil {
		return nil, fmt.Errorf("%s: %w", commandType, err)
	}
	return &ExchangeOp{Base: j.cmd(), ExchangeID: j.ExchangeID, commandType: commandType}, nil
}

type balanceOpJSON struct {
	headerJSON
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func parseBalanceOp(data []byte, commandType string) (*BalanceOp, error) {
	var j balanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", commandType, err)
	}
	if err := j.validate(false); err != nil {
		return nil, fmt.Errorf("%s: %w", commandType, err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("%s: missing asset", commandType)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive", commandType)
	}
	return &BalanceOp{Base: j.cmd(), Asset: j.Asset, Amount: amount, commandType: commandType}, nil
}
