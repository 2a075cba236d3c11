package indicator

import (
	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/types"
)

// VWAP implements the streaming Volume Weighted Average Price. The
// accumulator resets on each new exchange-local day; with the
// session_reset parameter set it also resets on every session change, so
// pre-market volume never skews the regular-hours VWAP.
type VWAP struct {
	sessionReset bool
	calendar     *calendar.Calendar

	havePrev    bool
	prevDay     int
	prevSession types.TradingSession
	cumPV       float64
	cumVolume   float64
}

// vwapFactory binds the calendar into the registry factory.
func vwapFactory(cal *calendar.Calendar) Factory {
	return func(params types.IndicatorParams) (Streaming, error) {
		return &VWAP{
			sessionReset: params.Param("session_reset", 0) != 0,
			calendar:     cal,
			havePrev:     false,
			prevDay:      0,
			prevSession:  types.SessionClosed,
			cumPV:        0,
			cumVolume:    0,
		}, nil
	}
}

// NewVWAP creates a VWAP indicator against the default exchange calendar.
// Parameters: session_reset (0 or 1).
func NewVWAP(params types.IndicatorParams) (Streaming, error) {
	return vwapFactory(calendar.MustDefault())(params)
}

// Family returns the indicator family.
func (v *VWAP) Family() types.IndicatorFamily {
	return types.IndicatorVWAP
}

// WarmupBars returns the bars required before values are valid.
func (v *VWAP) WarmupBars() int {
	return 1
}

// Update advances the accumulator with the next bar.
func (v *VWAP) Update(bar types.Bar) []Output {
	local := bar.Timestamp.In(v.calendar.Location())
	day := local.Year()*1000 + local.YearDay()
	session := v.calendar.Session(bar.Timestamp)

	if v.havePrev {
		if day != v.prevDay {
			v.resetAccumulator()
		} else if v.sessionReset && session != v.prevSession {
			v.resetAccumulator()
		}
	}

	v.havePrev = true
	v.prevDay = day
	v.prevSession = session

	typical := (bar.High + bar.Low + bar.Close) / 3
	v.cumPV += typical * bar.Volume
	v.cumVolume += bar.Volume

	if v.cumVolume == 0 {
		return value(typical, false)
	}

	return value(v.cumPV/v.cumVolume, true)
}

// Reset clears the streaming state.
func (v *VWAP) Reset() {
	v.havePrev = false
	v.prevDay = 0
	v.prevSession = types.SessionClosed
	v.resetAccumulator()
}

func (v *VWAP) resetAccumulator() {
	v.cumPV = 0
	v.cumVolume = 0
}
