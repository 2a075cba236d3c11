package indicator

import (
	"fmt"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// EMA implements a streaming Exponential Moving Average over closes.
// Uses alpha = 2/(period+1) seeded with the SMA of the first period bars,
// matching the pandas ewm(adjust=False) convention.
type EMA struct {
	period int
	count  int
	seed   float64
	ema    float64
}

// NewEMA creates an EMA indicator. Parameters: period (default 20).
func NewEMA(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 20)
	if period <= 0 {
		return nil, fmt.Errorf("period must be a positive integer, got %d", period)
	}

	return &EMA{
		period: period,
		count:  0,
		seed:   0,
		ema:    0,
	}, nil
}

// Family returns the indicator family.
func (e *EMA) Family() types.IndicatorFamily {
	return types.IndicatorEMA
}

// WarmupBars returns the bars required before values are valid.
func (e *EMA) WarmupBars() int {
	return e.period
}

// Update advances the EMA with the next close.
func (e *EMA) Update(bar types.Bar) []Output {
	e.count++

	if e.count <= e.period {
		e.seed += bar.Close
		e.ema = e.seed / float64(e.count)

		return value(e.ema, e.count == e.period)
	}

	alpha := 2.0 / float64(e.period+1)
	e.ema = bar.Close*alpha + e.ema*(1-alpha)

	return value(e.ema, true)
}

// Reset clears the streaming state.
func (e *EMA) Reset() {
	e.count = 0
	e.seed = 0
	e.ema = 0
}

// emaState is the bare EMA recurrence reused by composite families.
type emaState struct {
	period int
	count  int
	seed   float64
	ema    float64
}

func newEMAState(period int) emaState {
	return emaState{period: period, count: 0, seed: 0, ema: 0}
}

func (e *emaState) update(v float64) (float64, bool) {
	e.count++

	if e.count <= e.period {
		e.seed += v
		e.ema = e.seed / float64(e.count)

		return e.ema, e.count == e.period
	}

	alpha := 2.0 / float64(e.period+1)
	e.ema = v*alpha + e.ema*(1-alpha)

	return e.ema, true
}

func (e *emaState) reset() {
	e.count = 0
	e.seed = 0
	e.ema = 0
}
