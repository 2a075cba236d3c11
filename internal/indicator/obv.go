package indicator

import (
	"github.com/marketdna/dna-pipeline/internal/types"
)

// OBV implements the streaming On-Balance Volume. Volume is added when the
// close rises, subtracted when it falls and ignored when flat.
type OBV struct {
	count     int
	prevClose float64
	obv       float64
}

// NewOBV creates an OBV indicator. OBV takes no parameters.
func NewOBV(_ types.IndicatorParams) (Streaming, error) {
	return &OBV{
		count:     0,
		prevClose: 0,
		obv:       0,
	}, nil
}

// Family returns the indicator family.
func (o *OBV) Family() types.IndicatorFamily {
	return types.IndicatorOBV
}

// WarmupBars returns the bars required before values are valid.
func (o *OBV) WarmupBars() int {
	return 1
}

// Update advances the cumulative volume with the next bar.
func (o *OBV) Update(bar types.Bar) []Output {
	o.count++

	if o.count > 1 {
		switch {
		case bar.Close > o.prevClose:
			o.obv += bar.Volume
		case bar.Close < o.prevClose:
			o.obv -= bar.Volume
		}
	}

	o.prevClose = bar.Close

	return value(o.obv, true)
}

// Reset clears the streaming state.
func (o *OBV) Reset() {
	o.count = 0
	o.prevClose = 0
	o.obv = 0
}
