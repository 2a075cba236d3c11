package indicator

import (
	"fmt"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// SMA implements a streaming Simple Moving Average over closes.
type SMA struct {
	period int
	window []float64
	sum    float64
}

// NewSMA creates an SMA indicator. Parameters: period (default 20).
func NewSMA(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 20)
	if period <= 0 {
		return nil, fmt.Errorf("period must be a positive integer, got %d", period)
	}

	return &SMA{
		period: period,
		window: make([]float64, 0, period),
		sum:    0,
	}, nil
}

// Family returns the indicator family.
func (s *SMA) Family() types.IndicatorFamily {
	return types.IndicatorSMA
}

// WarmupBars returns the bars required before values are valid.
func (s *SMA) WarmupBars() int {
	return s.period
}

// Update advances the moving window with the next close.
func (s *SMA) Update(bar types.Bar) []Output {
	s.window = append(s.window, bar.Close)
	s.sum += bar.Close

	if len(s.window) > s.period {
		s.sum -= s.window[0]
		s.window = s.window[1:]
	}

	if len(s.window) < s.period {
		return value(s.sum/float64(len(s.window)), false)
	}

	return value(s.sum/float64(s.period), true)
}

// Reset clears the streaming state.
func (s *SMA) Reset() {
	s.window = s.window[:0]
	s.sum = 0
}
