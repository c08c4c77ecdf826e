package state

import "errors"

// ErrOnlyOneAction is returned when an address tries a second guarded action
// in a block where a liquidation flagged the exchange.
var ErrOnlyOneAction = errors.New("only one action allowed")

type guardKey struct {
	Exchange string
	Addr     string
}

// ActionGuard is the single-block front-run guard. A liquidation flags its
// exchange for the current block; while the flag is live, any address
// already marked in that block is limited to that one action, no matter
// which sender issued it.
type ActionGuard struct {
	lastRestrictionBlock map[string]int64
	marks                map[guardKey]int64
}

func NewActionGuard() *ActionGuard {
	return &ActionGuard{
		lastRestrictionBlock: make(map[string]int64),
		marks:                make(map[guardKey]int64),
	}
}

// FlagRestriction marks the exchange as restricted for the given block.
func (g *ActionGuard) FlagRestriction(exchange string, height int64) {
	g.lastRestrictionBlock[exchange] = height
}

// IsRestricted reports whether the exchange is restricted at this height.
func (g *ActionGuard) IsRestricted(exchange string, height int64) bool {
	h, ok := g.lastRestrictionBlock[exchange]
	return ok && h == height
}

// Mark records that an address acted on the exchange in this block.
func (g *ActionGuard) Mark(exchange, addr string, height int64) {
	g.marks[guardKey{Exchange: exchange, Addr: addr}] = height
}

// MarkedAt reports whether the address already acted in this block.
func (g *ActionGuard) MarkedAt(exchange, addr string, height int64) bool {
	h, ok := g.marks[guardKey{Exchange: exchange, Addr: addr}]
	return ok && h == height
}
