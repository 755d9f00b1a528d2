// Package types provides shared type definitions for the solvency analysis.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CaveatKind classifies a condition attached to a computed result.
type CaveatKind string

const (
	// CaveatDegenerateDistribution means the sample has no wins or no losses,
	// so ratio-based figures are undefined.
	CaveatDegenerateDistribution CaveatKind = "degenerate_distribution"
	// CaveatInsufficientSample means the sample is below the usability floor.
	CaveatInsufficientSample CaveatKind = "insufficient_sample"
	// CaveatNoSafeBankroll means calibration exhausted its bracket.
	CaveatNoSafeBankroll CaveatKind = "no_safe_bankroll"
	// CaveatNegativeEdge means expectancy is zero or negative.
	CaveatNegativeEdge CaveatKind = "negative_edge"
)

// MinUsableSample is the sample size below which results are low-confidence.
const MinUsableSample = 10

// Caveat is a reportable condition carried with a result.
type Caveat struct {
	Kind    CaveatKind `json:"kind"`
	Message string     `json:"message"`
}

// Caveats is an ordered, de-duplicated list of caveats.
type Caveats []Caveat

// Add appends a caveat unless one of the same kind is already present.
func (c Caveats) Add(kind CaveatKind, message string) Caveats {
	if c.Has(kind) {
		return c
	}
	return append(c, Caveat{Kind: kind, Message: message})
}

// Merge appends every caveat of other not already present.
func (c Caveats) Merge(other Caveats) Caveats {
	for _, cv := range other {
		c = c.Add(cv.Kind, cv.Message)
	}
	return c
}

// Has reports whether a caveat of the given kind is present.
func (c Caveats) Has(kind CaveatKind) bool {
	for _, cv := range c {
		if cv.Kind == kind {
			return true
		}
	}
	return false
}

func (c Caveats) String() string {
	parts := make([]string, len(c))
	for i, cv := range c {
		parts[i] = string(cv.Kind) + ": " + cv.Message
	}
	return strings.Join(parts, "; ")
}

// Trade is one closed position from the trade ledger.
type Trade struct {
	ID         int64           `json:"id"`
	OpenedAt   time.Time       `json:"openedAt"`
	PnL        decimal.Decimal `json:"pnl"`
	Invested   decimal.Decimal `json:"invested"`
	ExitReason string          `json:"exitReason"`
	BotVersion string          `json:"botVersion"`
}

// HasCapital reports whether the trade committed capital, which is required
// for its return to be defined.
func (t Trade) HasCapital() bool {
	return t.Invested.IsPositive()
}

// Return is PnL as a fraction of invested capital. Zero when no capital
// was committed.
func (t Trade) Return() float64 {
	if !t.HasCapital() {
		return 0
	}
	return t.PnL.Div(t.Invested).InexactFloat64()
}

// TradePredicate selects trades, e.g. for exclusion from an ablated
// computation.
type TradePredicate func(Trade) bool

// ExitReasonIs matches trades closed with any of the given exit reasons.
func ExitReasonIs(reasons ...string) TradePredicate {
	set := make(map[string]struct{}, len(reasons))
	for _, r := range reasons {
		set[r] = struct{}{}
	}
	return func(t Trade) bool {
		_, ok := set[t.ExitReason]
		return ok
	}
}

// InvestedBelow matches trades whose invested capital is below min.
func InvestedBelow(min decimal.Decimal) TradePredicate {
	return func(t Trade) bool {
		return t.Invested.LessThan(min)
	}
}

// AnyOf matches a trade when any predicate matches.
func AnyOf(preds ...TradePredicate) TradePredicate {
	return func(t Trade) bool {
		for _, p := range preds {
			if p != nil && p(t) {
				return true
			}
		}
		return false
	}
}
