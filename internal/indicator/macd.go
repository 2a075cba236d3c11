package indicator

import (
	"fmt"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// MACD implements the streaming Moving Average Convergence Divergence.
// Emits macd, signal and histogram fields.
type MACD struct {
	fast   emaState
	slow   emaState
	signal emaState
}

// NewMACD creates a MACD indicator. Parameters: fast (12), slow (26),
// signal (9).
func NewMACD(params types.IndicatorParams) (Streaming, error) {
	fast := params.IntParam("fast", 12)
	slow := params.IntParam("slow", 26)
	signal := params.IntParam("signal", 9)

	if fast <= 0 || slow <= 0 || signal <= 0 {
		return nil, fmt.Errorf("fast, slow and signal must be positive, got %d/%d/%d", fast, slow, signal)
	}

	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", fast, slow)
	}

	return &MACD{
		fast:   newEMAState(fast),
		slow:   newEMAState(slow),
		signal: newEMAState(signal),
	}, nil
}

// Family returns the indicator family.
func (m *MACD) Family() types.IndicatorFamily {
	return types.IndicatorMACD
}

// WarmupBars returns the bars required before values are valid.
func (m *MACD) WarmupBars() int {
	return m.slow.period + m.signal.period - 1
}

// Update advances the MACD with the next close. The signal line starts
// once the slow EMA is valid, so it never averages warm-up MACD values.
func (m *MACD) Update(bar types.Bar) []Output {
	fastValue, _ := m.fast.update(bar.Close)
	slowValue, slowValid := m.slow.update(bar.Close)

	macdLine := fastValue - slowValue

	if !slowValid {
		return []Output{
			{Field: "macd", Value: macdLine, Valid: false},
			{Field: "signal", Value: 0, Valid: false},
			{Field: "histogram", Value: 0, Valid: false},
		}
	}

	signalLine, valid := m.signal.update(macdLine)

	return []Output{
		{Field: "macd", Value: macdLine, Valid: valid},
		{Field: "signal", Value: signalLine, Valid: valid},
		{Field: "histogram", Value: macdLine - signalLine, Valid: valid},
	}
}

// Reset clears the streaming state.
func (m *MACD) Reset() {
	m.fast.reset()
	m.slow.reset()
	m.signal.reset()
}
