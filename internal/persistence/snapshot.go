package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/state"
)

// SnapshotManager persists and loads engine snapshots for warm restarts:
// load the latest verified snapshot, then replay events from
// snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of clearing.Snapshot. Account and
// position maps are flattened into sorted slices so the stored JSON is
// byte-stable for a given state.
type SnapshotData struct {
	Sequence     int64                      `json:"sequence"`
	StateHash    []byte                     `json:"state_hash"`
	Balances     []BalanceSnap              `json:"balances"`
	Positions    []PositionSnap             `json:"positions"`
	OpenInterest map[string]fixed.Decimal   `json:"open_interest"`
	Markets      []clearing.MarketSnapshot  `json:"markets"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// BalanceSnap is one account balance.
type BalanceSnap struct {
	Scope   uint8         `json:"scope"`
	Entity  string        `json:"entity"`
	SubType uint8         `json:"sub_type"`
	Asset   string        `json:"asset"`
	Balance fixed.Decimal `json:"balance"`
}

// PositionSnap is one trader's position on one exchange.
type PositionSnap struct {
	Exchange string         `json:"exchange"`
	Trader   string         `json:"trader"`
	Position state.Position `json:"position"`
}

// NewSnapshotData flattens an engine snapshot for storage.
func NewSnapshotData(s clearing.Snapshot, createdAt time.Time) *SnapshotData {
	sd := &SnapshotData{
		Sequence:     s.Sequence,
		StateHash:    s.StateHash[:],
		OpenInterest: s.OpenInterest,
		Markets:      s.Markets,
		CreatedAt:    createdAt,
	}

	for key, bal := range s.Balances {
		sd.Balances = append(sd.Balances, BalanceSnap{
			Scope:   uint8(key.Scope),
			Entity:  key.Entity,
			SubType: uint8(key.SubType),
			Asset:   key.Asset,
			Balance: bal,
		})
	}
	sort.Slice(sd.Balances, func(i, j int) bool {
		a, b := sd.Balances[i], sd.Balances[j]
		return accountKeyOf(a).AccountPath() < accountKeyOf(b).AccountPath()
	})

	for key, pos := range s.Positions {
		sd.Positions = append(sd.Positions, PositionSnap{
			Exchange: key.Exchange,
			Trader:   key.Trader,
			Position: pos,
		})
	}
	sort.Slice(sd.Positions, func(i, j int) bool {
		a, b := sd.Positions[i], sd.Positions[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Trader < b.Trader
	})

	return sd
}

// ToSnapshot rebuilds the engine snapshot form.
func (sd *SnapshotData) ToSnapshot() clearing.Snapshot {
	s := clearing.Snapshot{
		Sequence:     sd.Sequence,
		Balances:     make(map[ledger.AccountKey]fixed.Decimal, len(sd.Balances)),
		Positions:    make(map[state.PositionKey]state.Position, len(sd.Positions)),
		OpenInterest: sd.OpenInterest,
		Markets:      sd.Markets,
	}
	copy(s.StateHash[:], sd.StateHash)

	for _, b := range sd.Balances {
		s.Balances[accountKeyOf(b)] = b.Balance
	}
	for _, p := range sd.Positions {
		s.Positions[state.PositionKey{Exchange: p.Exchange, Trader: p.Trader}] = p.Position
	}
	return s
}

// EncodedSize reports the stored JSON size of the snapshot.
func (sd *SnapshotData) EncodedSize() int {
	data, err := json.Marshal(sd)
	if err != nil {
		return 0
	}
	return len(data)
}

func accountKeyOf(b BalanceSnap) ledger.AccountKey {
	return ledger.AccountKey{
		Scope:   ledger.Scope(b.Scope),
		Entity:  b.Entity,
		SubType: ledger.SubType(b.SubType),
		Asset:   b.Asset,
	}
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, one row per sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, exchange, payload,
		       state_hash, prev_hash, block_height, block_time
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Exchange,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.BlockHeight, &e.BlockTime,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
