package indicator

import (
	"fmt"
	"math"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// BollingerBands implements streaming Bollinger Bands over closes.
// Emits upper, middle and lower fields.
type BollingerBands struct {
	period int
	stdDev float64
	window []float64
}

// NewBollingerBands creates a Bollinger Bands indicator. Parameters:
// period (20), std_dev (2).
func NewBollingerBands(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 20)
	stdDev := params.Param("std_dev", 2)

	if period <= 1 {
		return nil, fmt.Errorf("period must be greater than 1, got %d", period)
	}

	if stdDev <= 0 {
		return nil, fmt.Errorf("std_dev must be positive, got %g", stdDev)
	}

	return &BollingerBands{
		period: period,
		stdDev: stdDev,
		window: make([]float64, 0, period),
	}, nil
}

// Family returns the indicator family.
func (b *BollingerBands) Family() types.IndicatorFamily {
	return types.IndicatorBollingerBands
}

// WarmupBars returns the bars required before values are valid.
func (b *BollingerBands) WarmupBars() int {
	return b.period
}

// Update advances the bands with the next close.
func (b *BollingerBands) Update(bar types.Bar) []Output {
	b.window = append(b.window, bar.Close)
	if len(b.window) > b.period {
		b.window = b.window[1:]
	}

	mean := 0.0
	for _, v := range b.window {
		mean += v
	}

	mean /= float64(len(b.window))

	variance := 0.0
	for _, v := range b.window {
		variance += (v - mean) * (v - mean)
	}

	variance /= float64(len(b.window))
	sd := math.Sqrt(variance)

	valid := len(b.window) == b.period

	return []Output{
		{Field: "upper", Value: mean + b.stdDev*sd, Valid: valid},
		{Field: "middle", Value: mean, Valid: valid},
		{Field: "lower", Value: mean - b.stdDev*sd, Valid: valid},
	}
}

// Reset clears the streaming state.
func (b *BollingerBands) Reset() {
	b.window = b.window[:0]
}
