// Package model defines the value types that flow through the ingestion
// pipeline: the wire-parsed Trade and the helpers used to validate it.
package model

import "math"

// Trade is an immutable, normalized trade event parsed from the upstream
// feed. It is never mutated after construction.
type Trade struct {
	Symbol         string // upstream form, verbatim; the aggregator keys on it without case-folding (see SPEC_FULL.md §9)
	Price          float64
	Quantity       float64
	TimestampMs    uint64
	BuyerInitiated bool
}

// Valid reports whether t satisfies the constraints required before it may
// contribute to aggregation: a non-empty symbol, finite strictly-positive
// price and quantity, and a strictly-positive timestamp.
func (t Trade) Valid() bool {
	return t.Symbol != "" &&
		t.Price > 0 && math.IsInf(t.Price, 0) == false && !math.IsNaN(t.Price) &&
		t.Quantity > 0 && math.IsInf(t.Quantity, 0) == false && !math.IsNaN(t.Quantity) &&
		t.TimestampMs > 0
}
