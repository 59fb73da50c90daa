// Package currency implements Balance<C>, a non-negative fixed-point amount
// denominated in the smallest unit ("wei") of some Currency, per spec §3.2.
//
// Grounded on original_source/common/primitive-types/src/balance.rs: the
// same saturating-arithmetic and dual-format (base/wei) parsing semantics,
// reimplemented with shopspring/decimal standing in for the Rust bigdecimal
// crate.
package currency

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// Currency names a token with a fixed decimal scale.
type Currency interface {
	Name() string
	Scale() int
}

// HOPRToken is the off-chain mix network token, scale 18 ("wei" prefix).
type HOPRToken struct{}

func (HOPRToken) Name() string { return "wxHOPR" }
func (HOPRToken) Scale() int   { return 18 }

// NativeCoin is the chain's native gas/settlement coin, scale 18.
type NativeCoin struct{}

func (NativeCoin) Name() string { return "xDai" }
func (NativeCoin) Scale() int   { return 18 }

var maxWei = func() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}()

// Balance is a non-negative fixed-point amount of currency C, stored
// internally in wei. Arithmetic saturates at zero and at the maximum
// representable 256-bit value.
type Balance[C Currency] struct {
	wei *big.Int
}

// Zero returns the zero balance of C.
func Zero[C Currency]() Balance[C] {
	return Balance[C]{wei: big.NewInt(0)}
}

// FromWei constructs a balance directly from a wei amount (clamped to [0, max]).
func FromWei[C Currency](wei *big.Int) Balance[C] {
	return Balance[C]{wei: clamp(new(big.Int).Set(wei))}
}

// FromUint64 constructs a balance from a plain wei amount.
func FromUint64[C Currency](wei uint64) Balance[C] {
	return Balance[C]{wei: new(big.Int).SetUint64(wei)}
}

func clamp(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	if v.Cmp(maxWei) > 0 {
		return new(big.Int).Set(maxWei)
	}
	return v
}

// Amount returns the balance in wei.
func (b Balance[C]) Amount() *big.Int { return new(big.Int).Set(b.wei) }

// IsZero reports whether the balance is zero.
func (b Balance[C]) IsZero() bool { return b.wei.Sign() == 0 }

// Cmp compares two balances of the same currency.
func (b Balance[C]) Cmp(o Balance[C]) int { return b.wei.Cmp(o.wei) }

// Add returns a saturating sum.
func (b Balance[C]) Add(o Balance[C]) Balance[C] {
	return Balance[C]{wei: clamp(new(big.Int).Add(b.wei, o.wei))}
}

// Sub returns a saturating difference (never below zero).
func (b Balance[C]) Sub(o Balance[C]) Balance[C] {
	return Balance[C]{wei: clamp(new(big.Int).Sub(b.wei, o.wei))}
}

// MulUint64 returns a saturating product with a plain scalar.
func (b Balance[C]) MulUint64(n uint64) Balance[C] {
	return Balance[C]{wei: clamp(new(big.Int).Mul(b.wei, new(big.Int).SetUint64(n)))}
}

// DivUint64 performs integer division; dividing by zero returns the maximum balance.
func (b Balance[C]) DivUint64(n uint64) Balance[C] {
	if n == 0 {
		return Balance[C]{wei: new(big.Int).Set(maxWei)}
	}
	return Balance[C]{wei: new(big.Int).Div(b.wei, new(big.Int).SetUint64(n))}
}

// String renders the balance in wei with a unit suffix, e.g. "500 weiwxHOPR".
func (b Balance[C]) String() string {
	var c C
	return fmt.Sprintf("%s wei%s", b.wei.String(), c.Name())
}

// ToFormattedString renders the balance in human-readable base units, e.g. "1.23 wxHOPR".
func (b Balance[C]) ToFormattedString() string {
	var c C
	d := decimal.NewFromBigInt(b.wei, -int32(c.Scale()))
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return fmt.Sprintf("%s %s", s, c.Name())
}

// MarshalCBOR encodes the balance as its wei bytes, for use by persistence
// layers (kvstore) and chain-view caches that CBOR-encode whole records.
// Balance's only field is unexported, so the default reflection-based
// codec would see an empty struct; this opts into fxamacker/cbor's
// cbor.Marshaler interface instead.
func (b Balance[C]) MarshalCBOR() ([]byte, error) {
	if b.wei == nil {
		b.wei = big.NewInt(0)
	}
	return cbor.Marshal(b.wei.Bytes())
}

// UnmarshalCBOR decodes the wei bytes produced by MarshalCBOR.
func (b *Balance[C]) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.wei = new(big.Int).SetBytes(raw)
	return nil
}

var balanceRe = regexp.MustCompile(`^\s*([\d\s.]*\d)\s+(wei[_\s]?)?([A-Za-z]+)\s*$`)

// Parse accepts both base-unit ("5 wxHOPR") and wei ("5 weiwxHOPR") forms,
// matching original_source's Balance::from_str. It is the inverse of
// String/ToFormattedString: Parse(b.String()) == b and, when b's wei amount
// is scale-representable, Parse(b.ToFormattedString()) == b.
func Parse[C Currency](s string) (Balance[C], error) {
	var zero Balance[C]
	var c C

	m := balanceRe.FindStringSubmatch(s)
	if m == nil {
		return zero, fmt.Errorf("currency: cannot parse balance %q", s)
	}
	if !strings.EqualFold(m[3], c.Name()) {
		return zero, fmt.Errorf("currency: unit %q does not match currency %q", m[3], c.Name())
	}

	numeric := strings.ReplaceAll(m[1], " ", "")
	d, err := decimal.NewFromString(numeric)
	if err != nil {
		return zero, fmt.Errorf("currency: invalid numeric value %q: %w", m[1], err)
	}

	isWei := m[2] != ""
	if !isWei {
		d = d.Shift(int32(c.Scale()))
	}
	if !d.Equal(d.Truncate(0)) {
		return zero, fmt.Errorf("currency: value %q is not an integral wei amount", s)
	}

	return Balance[C]{wei: clamp(d.BigInt())}, nil
}
