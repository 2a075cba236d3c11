package indicator

import (
	"fmt"
	"math"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// ADX implements the streaming Average Directional Index with Wilder
// smoothing. Emits adx, plus_di and minus_di fields.
type ADX struct {
	period int
	count  int

	prevHigh  float64
	prevLow   float64
	prevClose float64

	smoothTR      float64
	smoothPlusDM  float64
	smoothMinusDM float64

	dxCount int
	adx     float64
}

// NewADX creates an ADX indicator. Parameters: period (default 14).
func NewADX(params types.IndicatorParams) (Streaming, error) {
	period := params.IntParam("period", 14)
	if period <= 0 {
		return nil, fmt.Errorf("period must be a positive integer, got %d", period)
	}

	return &ADX{
		period:        period,
		count:         0,
		prevHigh:      0,
		prevLow:       0,
		prevClose:     0,
		smoothTR:      0,
		smoothPlusDM:  0,
		smoothMinusDM: 0,
		dxCount:       0,
		adx:           0,
	}, nil
}

// Family returns the indicator family.
func (a *ADX) Family() types.IndicatorFamily {
	return types.IndicatorADX
}

// WarmupBars returns the bars required before values are valid.
func (a *ADX) WarmupBars() int {
	return 2 * a.period
}

// Update advances the index with the next bar.
func (a *ADX) Update(bar types.Bar) []Output {
	a.count++

	if a.count == 1 {
		a.prevHigh = bar.High
		a.prevLow = bar.Low
		a.prevClose = bar.Close

		return a.outputs(0, 0, 0, false)
	}

	upMove := bar.High - a.prevHigh
	downMove := a.prevLow - bar.Low

	plusDM := 0.0
	minusDM := 0.0

	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}

	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}

	tr := math.Max(bar.High-bar.Low, math.Max(
		math.Abs(bar.High-a.prevClose),
		math.Abs(bar.Low-a.prevClose),
	))

	a.prevHigh = bar.High
	a.prevLow = bar.Low
	a.prevClose = bar.Close

	moves := a.count - 1

	if moves <= a.period {
		a.smoothTR += tr
		a.smoothPlusDM += plusDM
		a.smoothMinusDM += minusDM
	} else {
		a.smoothTR = a.smoothTR - a.smoothTR/float64(a.period) + tr
		a.smoothPlusDM = a.smoothPlusDM - a.smoothPlusDM/float64(a.period) + plusDM
		a.smoothMinusDM = a.smoothMinusDM - a.smoothMinusDM/float64(a.period) + minusDM
	}

	if moves < a.period || a.smoothTR == 0 {
		return a.outputs(0, 0, 0, false)
	}

	plusDI := 100 * a.smoothPlusDM / a.smoothTR
	minusDI := 100 * a.smoothMinusDM / a.smoothTR

	dx := 0.0
	if plusDI+minusDI > 0 {
		dx = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}

	a.dxCount++

	if a.dxCount <= a.period {
		a.adx += (dx - a.adx) / float64(a.dxCount)
	} else {
		a.adx = (a.adx*float64(a.period-1) + dx) / float64(a.period)
	}

	valid := a.dxCount >= a.period

	return a.outputs(a.adx, plusDI, minusDI, valid)
}

// Reset clears the streaming state.
func (a *ADX) Reset() {
	a.count = 0
	a.prevHigh = 0
	a.prevLow = 0
	a.prevClose = 0
	a.smoothTR = 0
	a.smoothPlusDM = 0
	a.smoothMinusDM = 0
	a.dxCount = 0
	a.adx = 0
}

func (a *ADX) outputs(adx, plusDI, minusDI float64, valid bool) []Output {
	return []Output{
		{Field: "adx", Value: adx, Valid: valid},
		{Field: "plus_di", Value: plusDI, Valid: valid},
		{Field: "minus_di", Value: minusDI, Valid: valid},
	}
}
