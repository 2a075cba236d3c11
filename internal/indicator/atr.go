package indicator

import (
	"fmt"
	"math"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// ATR implements the streaming Average True Range with Wilder smoothing.
type ATR struct {
	period    int
	count     int
	prevClose float64
	atr       float64
}

// NewATR creates an ATR indicator. Parameters: period (default 14).
func NewATR(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 14)
	if period <= 0 {
		return nil, fmt.Errorf("period must be a positive integer, got %d", period)
	}

	return &ATR{
		period:    period,
		count:     0,
		prevClose: 0,
		atr:       0,
	}, nil
}

// Family returns the indicator family.
func (a *ATR) Family() types.IndicatorFamily {
	return types.IndicatorATR
}

// WarmupBars returns the bars required before values are valid.
func (a *ATR) WarmupBars() int {
	return a.period + 1
}

// Update advances the ATR with the next bar.
func (a *ATR) Update(bar types.Bar) []Output {
	a.count++

	tr := bar.High - bar.Low
	if a.count > 1 {
		tr = math.Max(tr, math.Max(
			math.Abs(bar.High-a.prevClose),
			math.Abs(bar.Low-a.prevClose),
		))
	}

	a.prevClose = bar.Close

	if a.count <= a.period {
		// Simple mean over the first period true ranges.
		a.atr += (tr - a.atr) / float64(a.count)

		return value(a.atr, false)
	}

	a.atr = (a.atr*float64(a.period-1) + tr) / float64(a.period)

	return value(a.atr, true)
}

// Reset clears the streaming state.
func (a *ATR) Reset() {
	a.count = 0
	a.prevClose = 0
	a.atr = 0
}
