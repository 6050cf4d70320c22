// Package nanousd provides integer arithmetic on nano-dollar amounts.
//
// One US dollar equals 1,000,000,000 nano-dollars. Every cost and balance in
// the ledger is an int64 in this unit; no floating-point currency arithmetic
// happens past the configuration boundary. Costs always round up, never down,
// so the ledger can never under-charge.
package nanousd

import (
	"fmt"
	"math"
	"strings"
)

const (
	// NanosPerUSD is the number of nano-dollars in one US dollar.
	NanosPerUSD = 1_000_000_000

	// TokensPerMtok is the token denominator for per-million-token rates.
	TokensPerMtok = 1_000_000
)

// FromUSD converts a dollar amount to nano-dollars, rounding half away from
// zero. Only used at configuration and API boundaries where amounts arrive as
// decimal dollars; everything downstream stays integer.
func FromUSD(usd float64) int64 {
	return int64(math.Round(usd * NanosPerUSD))
}

// ToUSD converts nano-dollars to a float dollar amount. Display only.
func ToUSD(nanos int64) float64 {
	return float64(nanos) / NanosPerUSD
}

// CeilDiv divides num by den, rounding the quotient up. den must be positive;
// num must be non-negative.
func CeilDiv(num, den int64) int64 {
	if num <= 0 {
		return 0
	}
	return (num + den - 1) / den
}

// TokenCost prices a token count against a nano-USD-per-million-token rate,
// rounding up to the next nano-dollar.
func TokenCost(tokens int, nanoPerMtok int64) int64 {
	if tokens <= 0 || nanoPerMtok <= 0 {
		return 0
	}
	return CeilDiv(int64(tokens)*nanoPerMtok, TokensPerMtok)
}

// ApplyMarkupBasisPoints adds a pass-through fee of bps basis points to an
// amount, rounding up. 550 bps = 5.5%.
func ApplyMarkupBasisPoints(nanos int64, bps int64) int64 {
	if nanos <= 0 {
		return 0
	}
	if bps <= 0 {
		return nanos
	}
	return CeilDiv(nanos*(10_000+bps), 10_000)
}

// FormatUSD renders a nano-dollar amount as a signed decimal dollar string
// with trailing zeros trimmed, e.g. -1250000000 -> "-1.25". Used for ledger
// descriptions and logs.
func FormatUSD(nanos int64) string {
	sign := ""
	if nanos < 0 {
		sign = "-"
		nanos = -nanos
	}
	dollars := nanos / NanosPerUSD
	frac := nanos % NanosPerUSD
	if frac == 0 {
		return fmt.Sprintf("%s%d.00", sign, dollars)
	}
	s := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	if len(s) < 2 {
		s += "0"
	}
	return fmt.Sprintf("%s%d.%s", sign, dollars, s)
}
