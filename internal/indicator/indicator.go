// Package indicator implements the streaming technical-indicator engine.
// Every family keeps per-key state and is deterministic: replaying the same
// bar sequence yields bit-identical values.
package indicator

import (
	"github.com/marketdna/dna-pipeline/internal/types"
)

// Output is one field emitted by a streaming indicator for one bar.
// Single-output families use the field name "value".
type Output struct {
	Field string
	Value float64
	// Valid is false while the indicator is warming up.
	Valid bool
}

// Streaming is a technical indicator advanced one bar at a time.
type Streaming interface {
	// Family returns the indicator family.
	Family() types.IndicatorFamily
	// Update advances the state with the next bar and returns the emitted
	// fields. Bars must arrive in strict timestamp order.
	Update(bar types.Bar) []Output
	// WarmupBars returns the number of bars before values become valid.
	WarmupBars() int
	// Reset clears the streaming state.
	Reset()
}

// value wraps a single "value" output.
func value(v float64, valid bool) []Output {
	return []Output{{Field: "value", Value: v, Valid: valid}}
}
