package insurance

import (
	"errors"
	"fmt"
	"sync"

	"PerpVamm/internal/fixed"
)

// ErrInsufficientOutput is returned when a swap cannot meet minAmountOut.
var ErrInsufficientOutput = errors.New("insufficient output amount")

type pair struct {
	from string
	to   string
}

// StaticRouter is a fixed-rate SwapRouter for tests and local runs.
type StaticRouter struct {
	mu    sync.RWMutex
	rates map[pair]fixed.Decimal
}

func NewStaticRouter() *StaticRouter {
	return &StaticRouter{rates: make(map[pair]fixed.Decimal)}
}

// SetRate fixes the output-per-input rate for one direction.
func (r *StaticRouter) SetRate(from, to string, rate fixed.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[pair{from: from, to: to}] = rate
}

func (r *StaticRouter) Swap(fromAsset, toAsset string, amountIn, minAmountOut fixed.Decimal) (fixed.Decimal, error) {
	r.mu.RLock()
	rate, ok := r.rates[pair{from: fromAsset, to: toAsset}]
	r.mu.RUnlock()
	if !ok {
		return fixed.Decimal{}, fmt.Errorf("no route %s -> %s", fromAsset, toAsset)
	}
	out := amountIn.MulD(rate)
	if minAmountOut.Sign() > 0 && out.LT(minAmountOut) {
		return fixed.Decimal{}, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, minAmountOut)
	}
	return out, nil
}
