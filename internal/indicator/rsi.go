package indicator

import (
	"fmt"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// RSI implements the streaming Relative Strength Index with Wilder
// smoothing. The first average gain/loss is the simple mean of the first
// period changes.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
}

// NewRSI creates an RSI indicator. Parameters: period (default 14).
func NewRSI(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 14)
	if period <= 0 {
		return nil, fmt.Errorf("period must be a positive integer, got %d", period)
	}

	return &RSI{
		period:    period,
		count:     0,
		prevClose: 0,
		avgGain:   0,
		avgLoss:   0,
	}, nil
}

// Family returns the indicator family.
func (r *RSI) Family() types.IndicatorFamily {
	return types.IndicatorRSI
}

// WarmupBars returns the bars required before values are valid.
func (r *RSI) WarmupBars() int {
	return r.period + 1
}

// Update advances the RSI with the next close.
func (r *RSI) Update(bar types.Bar) []Output {
	r.count++

	if r.count == 1 {
		r.prevClose = bar.Close

		return value(0, false)
	}

	change := bar.Close - r.prevClose
	r.prevClose = bar.Close

	gain := 0.0
	loss := 0.0

	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	changes := r.count - 1

	if changes <= r.period {
		// Accumulate the simple mean over the first period changes.
		r.avgGain += (gain - r.avgGain) / float64(changes)
		r.avgLoss += (loss - r.avgLoss) / float64(changes)
	} else {
		r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
		r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	}

	valid := changes >= r.period

	if r.avgLoss == 0 {
		return value(100, valid)
	}

	rs := r.avgGain / r.avgLoss
	rsi := 100 - 100/(1+rs)

	return value(rsi, valid)
}

// Reset clears the streaming state.
func (r *RSI) Reset() {
	r.count = 0
	r.prevClose = 0
	r.avgGain = 0
	r.avgLoss = 0
}
