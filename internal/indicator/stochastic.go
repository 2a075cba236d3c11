package indicator

import (
	"fmt"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// Stochastic implements the streaming Stochastic Oscillator. Raw %K over
// k_period highs/lows is smoothed by the slowing window; %D is the SMA of
// the smoothed %K over d_period. Emits k and d fields.
type Stochastic struct {
	kPeriod int
	dPeriod int
	slowing int

	highs   []float64
	lows    []float64
	rawK    []float64
	slowedK []float64
}

// NewStochastic creates a Stochastic indicator. Parameters: k_period (14),
// d_period (3), slowing (3).
func NewStochastic(params types.IndicatorParams) (Streaming, error) {
	kPeriod := params.IntParam("k_period", 14)
	dPeriod := params.IntParam("d_period", 3)
	slowing := params.IntParam("slowing", 3)

	if kPeriod <= 0 || dPeriod <= 0 || slowing <= 0 {
		return nil, fmt.Errorf("k_period, d_period and slowing must be positive, got %d/%d/%d", kPeriod, dPeriod, slowing)
	}

	return &Stochastic{
		kPeriod: kPeriod,
		dPeriod: dPeriod,
		slowing: slowing,
		highs:   make([]float64, 0, kPeriod),
		lows:    make([]float64, 0, kPeriod),
		rawK:    make([]float64, 0, slowing),
		slowedK: make([]float64, 0, dPeriod),
	}, nil
}

// Family returns the indicator family.
func (s *Stochastic) Family() types.IndicatorFamily {
	return types.IndicatorStochastic
}

// WarmupBars returns the bars required before values are valid.
func (s *Stochastic) WarmupBars() int {
	return s.kPeriod + s.slowing + s.dPeriod - 2
}

// Update advances the oscillator with the next bar. The slowing window
// starts once k_period bars are in, and %D once the slowing window is full.
func (s *Stochastic) Update(bar types.Bar) []Output {
	s.highs = appendWindow(s.highs, bar.High, s.kPeriod)
	s.lows = appendWindow(s.lows, bar.Low, s.kPeriod)

	highest := s.highs[0]
	lowest := s.lows[0]

	for _, h := range s.highs {
		if h > highest {
			highest = h
		}
	}

	for _, l := range s.lows {
		if l < lowest {
			lowest = l
		}
	}

	raw := 50.0
	if highest > lowest {
		raw = (bar.Close - lowest) / (highest - lowest) * 100
	}

	if len(s.highs) == s.kPeriod {
		s.rawK = appendWindow(s.rawK, raw, s.slowing)
	}

	k := meanOf(s.rawK)

	if len(s.rawK) == s.slowing {
		s.slowedK = appendWindow(s.slowedK, k, s.dPeriod)
	}

	d := meanOf(s.slowedK)

	valid := len(s.highs) == s.kPeriod && len(s.rawK) == s.slowing && len(s.slowedK) == s.dPeriod

	return []Output{
		{Field: "k", Value: k, Valid: valid},
		{Field: "d", Value: d, Valid: valid},
	}
}

// Reset clears the streaming state.
func (s *Stochastic) Reset() {
	s.highs = s.highs[:0]
	s.lows = s.lows[:0]
	s.rawK = s.rawK[:0]
	s.slowedK = s.slowedK[:0]
}

func appendWindow(window []float64, v float64, limit int) []float64 {
	window = append(window, v)
	if len(window) > limit {
		window = window[1:]
	}

	return window
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}
