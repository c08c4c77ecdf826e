// Package fixed implements signed fixed-point arithmetic with 18 decimal
// places. Every monetary amount, price, and ratio in the engine is a Decimal;
// division truncates toward zero unless a caller applies directional rounding
// explicitly.
package fixed

import (
	"fmt"
	"math/big"
	"strings"
)

// Precision is the number of decimal places carried by every Decimal.
const Precision = 18

var (
	unit   = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)
	bigTen = big.NewInt(10)
)

// Decimal is an arbitrary-precision signed number scaled by 10^18.
// The zero value is usable and equals 0.
type Decimal struct {
	i *big.Int
}

// Zero returns the Decimal 0.
func Zero() Decimal {
	return Decimal{i: new(big.Int)}
}

// One returns the Decimal 1.
func One() Decimal {
	return Decimal{i: new(big.Int).Set(unit)}
}

// OneWei returns the smallest positive Decimal (10^-18).
func OneWei() Decimal {
	return Decimal{i: big.NewInt(1)}
}

// New returns v as a Decimal (v * 10^18).
func New(v int64) Decimal {
	return Decimal{i: new(big.Int).Mul(big.NewInt(v), unit)}
}

// FromBigInt wraps a raw scaled integer (wei) as a Decimal. The value is
// copied; the caller keeps ownership of raw.
func FromBigInt(raw *big.Int) Decimal {
	return Decimal{i: new(big.Int).Set(raw)}
}

// FromString parses a decimal string such as "37.5" or "-0.000000000000000001".
// At most 18 fractional digits are accepted.
func FromString(s string) (Decimal, error) {
	if s == "" {
		return Decimal{}, fmt.Errorf("empty decimal string")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return Decimal{}, fmt.Errorf("invalid decimal string")
	}

	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart = s[:dot]
		fracPart = s[dot+1:]
	}
	if len(fracPart) > Precision {
		return Decimal{}, fmt.Errorf("too many fractional digits in %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}

	// Pad the fraction to exactly 18 digits and parse as one integer.
	padded := fracPart + strings.Repeat("0", Precision-len(fracPart))
	raw, ok := new(big.Int).SetString(intPart+padded, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("invalid decimal string %q", s)
	}
	if neg {
		raw.Neg(raw)
	}
	return Decimal{i: raw}, nil
}

// MustFromString parses s and panics on malformed input. For constants and tests.
func MustFromString(s string) Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) raw() *big.Int {
	if d.i == nil {
		return new(big.Int)
	}
	return d.i
}

// BigInt returns a copy of the underlying scaled integer.
func (d Decimal) BigInt() *big.Int {
	return new(big.Int).Set(d.raw())
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{i: new(big.Int).Add(d.raw(), o.raw())}
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) Decimal {
	return Decimal{i: new(big.Int).Sub(d.raw(), o.raw())}
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return Decimal{i: new(big.Int).Neg(d.raw())}
}

// Abs returns |d|.
func (d Decimal) Abs() Decimal {
	return Decimal{i: new(big.Int).Abs(d.raw())}
}

// MulD returns d * o truncated toward zero at 18 decimals.
func (d Decimal) MulD(o Decimal) Decimal {
	p := new(big.Int).Mul(d.raw(), o.raw())
	return Decimal{i: p.Quo(p, unit)}
}

// DivD returns d / o truncated toward zero at 18 decimals.
// Panics on division by zero; callers guard reserves and ratios beforehand.
func (d Decimal) DivD(o Decimal) Decimal {
	n := new(big.Int).Mul(d.raw(), unit)
	return Decimal{i: n.Quo(n, o.raw())}
}

// ModD returns the remainder of the scaled division (d * 10^18) mod o,
// computed on magnitudes. A non-zero result means DivD truncated.
func (d Decimal) ModD(o Decimal) Decimal {
	n := new(big.Int).Mul(new(big.Int).Abs(d.raw()), unit)
	return Decimal{i: n.Rem(n, new(big.Int).Abs(o.raw()))}
}

// MulScalar returns d * v.
func (d Decimal) MulScalar(v int64) Decimal {
	return Decimal{i: new(big.Int).Mul(d.raw(), big.NewInt(v))}
}

// DivScalar returns d / v truncated toward zero.
func (d Decimal) DivScalar(v int64) Decimal {
	return Decimal{i: new(big.Int).Quo(d.raw(), big.NewInt(v))}
}

// Cmp returns -1, 0, or +1 comparing d to o.
func (d Decimal) Cmp(o Decimal) int {
	return d.raw().Cmp(o.raw())
}

// Sign returns -1, 0, or +1.
func (d Decimal) Sign() int {
	return d.raw().Sign()
}

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool {
	return d.raw().Sign() == 0
}

// Equal reports whether d == o.
func (d Decimal) Equal(o Decimal) bool {
	return d.Cmp(o) == 0
}

// GT reports d > o.
func (d Decimal) GT(o Decimal) bool { return d.Cmp(o) > 0 }

// GTE reports d >= o.
func (d Decimal) GTE(o Decimal) bool { return d.Cmp(o) >= 0 }

// LT reports d < o.
func (d Decimal) LT(o Decimal) bool { return d.Cmp(o) < 0 }

// LTE reports d <= o.
func (d Decimal) LTE(o Decimal) bool { return d.Cmp(o) <= 0 }

// AddWei returns d shifted by n wei. Used for the AMM's 1-wei rounding
// adjustments on indivisible swap quotients.
func (d Decimal) AddWei(n int64) Decimal {
	return Decimal{i: new(big.Int).Add(d.raw(), big.NewInt(n))}
}

// String renders the canonical form: integer part, '.', exactly 18 fractional
// digits. Tests compare against these strings, so the format never varies.
func (d Decimal) String() string {
	raw := d.raw()
	neg := raw.Sign() < 0

	abs := new(big.Int).Abs(raw)
	q, r := new(big.Int).QuoRem(abs, unit, new(big.Int))

	frac := r.String()
	if len(frac) < Precision {
		frac = strings.Repeat("0", Precision-len(frac)) + frac
	}

	s := q.String() + "." + frac
	if neg {
		s = "-" + s
	}
	return s
}

// MarshalJSON renders the Decimal as its canonical string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	d.i = parsed.i
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
