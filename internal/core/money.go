package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseMoney reads a positive amount in reais such as "5.50" or "5,50".
// Extra fraction digits are rounded half-up to the cent.
func ParseMoney(s string) (Money, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || strings.ContainsAny(s, "+-eE") {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if !cents.IsPositive() || !cents.LessThanOrEqual(decimal.NewFromInt(1<<62)) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: cents.IntPart()}, nil
}

// Decimal returns the amount in reais.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount the way the dashboard shows it, e.g. "R$ 165.00".
func (m Money) String() string {
	if m.Cents < 0 {
		return "-R$ " + m.Decimal().Neg().StringFixed(2)
	}
	return "R$ " + m.Decimal().StringFixed(2)
}
