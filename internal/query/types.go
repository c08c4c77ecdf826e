package query

import "encoding/json"

// All decimal values are canonical 18-fraction-digit strings.

// PositionResponse is one trader position on one exchange.
type PositionResponse struct {
	Exchange      string `json:"exchange"`
	Trader        string `json:"trader"`
	Size          string `json:"size"`
	Margin        string `json:"margin"`
	Notional      string `json:"notional"`
	UnrealizedPnl string `json:"unrealized_pnl"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// FundingHistoryEntry is one funding or overnight-fee settlement on an
// exchange. Twap fields are set for funding rows, notional and fee fields
// for overnight-fee rows.
type FundingHistoryEntry struct {
	Exchange      string  `json:"exchange"`
	Kind          string  `json:"kind"`
	Rate          string  `json:"rate"`
	MarkTwap      *string `json:"mark_twap,omitempty"`
	IndexTwap     *string `json:"index_twap,omitempty"`
	TotalNotional *string `json:"total_notional,omitempty"`
	TotalFee      *string `json:"total_fee,omitempty"`
	SettledAt     int64   `json:"settled_at"`
	Sequence      int64   `json:"sequence"`
}

// JournalHistoryEntry is one double-entry ledger row.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// EventHistoryEntry is one sealed envelope from the event log. Hashes are
// hex-encoded.
type EventHistoryEntry struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Exchange       *string         `json:"exchange,omitempty"`
	BlockHeight    int64           `json:"block_height"`
	BlockTime      int64           `json:"block_time"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

// IntegrityReport is the result of an integrity verification pass.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose balances do not sum to zero across the
// whole book.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
