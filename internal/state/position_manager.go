package state

import (
	"sort"
)

// PositionKey identifies a position by exchange and trader address.
type PositionKey struct {
	Exchange string
	Trader   string
}

// PositionManager holds every position ever opened. Closed positions stay in
// the map as zeroed entries so their block stamps and cumulative stamps
// survive for guard checks and settlement.
type PositionManager struct {
	positions map[PositionKey]Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{positions: make(map[PositionKey]Position)}
}

// Get returns the position and whether an entry exists. Absent entries read
// as an empty position.
func (pm *PositionManager) Get(exchange, trader string) (Position, bool) {
	pos, ok := pm.positions[PositionKey{Exchange: exchange, Trader: trader}]
	return pos, ok
}

// Set stores a position snapshot.
func (pm *PositionManager) Set(exchange, trader string, pos Position) {
	pm.positions[PositionKey{Exchange: exchange, Trader: trader}] = pos
}

// Clear zeroes the position in place, stamping the clearing block. The entry
// is kept.
func (pm *PositionManager) Clear(exchange, trader string, blockHeight int64) {
	key := PositionKey{Exchange: exchange, Trader: trader}
	pos := pm.positions[key]
	pos.Size = zero
	pos.Margin = zero
	pos.OpenNotional = zero
	pos.LastUpdatedCumulativePremiumFraction = zero
	pos.LastUpdatedCumulativeOvernightFeeRate = zero
	pos.BlockNumber = blockHeight
	pm.positions[key] = pos
}

// SortedKeys returns every key in deterministic order, for state hashing and
// snapshots.
func (pm *PositionManager) SortedKeys() []PositionKey {
	keys := make([]PositionKey, 0, len(pm.positions))
	for k := range pm.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Exchange != keys[j].Exchange {
			return keys[i].Exchange < keys[j].Exchange
		}
		return keys[i].Trader < keys[j].Trader
	})
	return keys
}

// ForExchange returns the keys of all non-empty positions on an exchange.
func (pm *PositionManager) ForExchange(exchange string) []PositionKey {
	var keys []PositionKey
	for _, k := range pm.SortedKeys() {
		if k.Exchange == exchange && !pm.positions[k].IsEmpty() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of stored entries, zeroed ones included.
func (pm *PositionManager) Len() int {
	return len(pm.positions)
}

// Snapshot copies every entry, zeroed ones included.
func (pm *PositionManager) Snapshot() map[PositionKey]Position {
	out := make(map[PositionKey]Position, len(pm.positions))
	for k, v := range pm.positions {
		out[k] = v
	}
	return out
}

// RestoreSnapshot replaces all entries with the given set.
func (pm *PositionManager) RestoreSnapshot(positions map[PositionKey]Position) {
	pm.positions = make(map[PositionKey]Position, len(positions))
	for k, v := range positions {
		pm.positions[k] = v
	}
}
