package event

// EventType discriminates event payloads.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionChanged
	EventTypePositionLiquidated
	EventTypeMarginChanged
	EventTypeFundingSettled
	EventTypeOvernightFeeSettled
	EventTypePositionSettled
	EventTypeLiquidityMigrated
	EventTypeExchangeShutdown
	EventTypePositionAdjusted
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine.
	Sequence int64

	// Stable idempotency key from the source command.
	IdempotencyKey string

	EventType EventType

	// Exchange context (nil for global events).
	Exchange *string

	// Versioned input block, not wall clock.
	BlockHeight int64
	BlockTime   int64

	// JSON-encoded event payload.
	Payload []byte

	// SHA-256 of engine state AFTER applying this event.
	StateHash [32]byte

	// Previous event's state hash (chain integrity).
	PrevHash [32]byte
}

// Event is implemented by all payloads.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	ExchangeID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionChanged:
		return "PositionChanged"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeMarginChanged:
		return "MarginChanged"
	case EventTypeFundingSettled:
		return "FundingSettled"
	case EventTypeOvernightFeeSettled:
		return "OvernightFeeSettled"
	case EventTypePositionSettled:
		return "PositionSettled"
	case EventTypeLiquidityMigrated:
		return "LiquidityMigrated"
	case EventTypeExchangeShutdown:
		return "ExchangeShutdown"
	case EventTypePositionAdjusted:
		return "PositionAdjusted"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject token for the event type.
func (et EventType) Subject() string {
	switch et {
	case EventTypePositionChanged:
		return "position_changed"
	case EventTypePositionLiquidated:
		return "position_liquidated"
	case EventTypeMarginChanged:
		return "margin_changed"
	case EventTypeFundingSettled:
		return "funding_settled"
	case EventTypeOvernightFeeSettled:
		return "overnight_fee_settled"
	case EventTypePositionSettled:
		return "position_settled"
	case EventTypeLiquidityMigrated:
		return "liquidity_migrated"
	case EventTypeExchangeShutdown:
		return "exchange_shutdown"
	case EventTypePositionAdjusted:
		return "position_adjusted"
	default:
		return "unknown"
	}
}
