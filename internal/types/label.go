package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason is the terminal event of a simulated trade.
type ExitReason string

const (
	ExitTakeProfit       ExitReason = "TAKE_PROFIT"
	ExitStopLoss         ExitReason = "STOP_LOSS"
	ExitForcedClose      ExitReason = "FORCED_CLOSE"
	ExitOpenAtSessionEnd ExitReason = "OPEN_AT_SESSION_END"
)

// TradeOutcome classifies a label by realized P&L.
type TradeOutcome string

const (
	OutcomeSuccess TradeOutcome = "SUCCESS"
	OutcomeFailure TradeOutcome = "FAILURE"
)

// TieBreakPolicy resolves a bar that touches both stop and take.
type TieBreakPolicy string

const (
	TieBreakStopLoss      TieBreakPolicy = "STOP_LOSS"
	TieBreakTakeProfit    TieBreakPolicy = "TAKE_PROFIT"
	TieBreakIndeterminate TieBreakPolicy = "INDETERMINATE"
)

// SimulationLabel is the deterministic outcome of the fixed LONG entry
// anchored at EntryTimestamp. One label exists for every REGULAR-hours
// minute bar once simulation has covered the bar's forward window.
type SimulationLabel struct {
	Symbol         string       `yaml:"symbol" json:"symbol" csv:"symbol"`
	Timeframe      Timeframe    `yaml:"timeframe" json:"timeframe" csv:"timeframe"`
	EntryTimestamp time.Time    `yaml:"entry_timestamp" json:"entry_timestamp" csv:"entry_timestamp"`
	EntryPrice     float64      `yaml:"entry_price" json:"entry_price" csv:"entry_price"`
	StopPrice      float64      `yaml:"stop_price" json:"stop_price" csv:"stop_price"`
	TakePrice      float64      `yaml:"take_price" json:"take_price" csv:"take_price"`
	Shares         int          `yaml:"shares" json:"shares" csv:"shares"`
	ExitTimestamp  time.Time    `yaml:"exit_timestamp" json:"exit_timestamp" csv:"exit_timestamp"`
	ExitPrice      float64      `yaml:"exit_price" json:"exit_price" csv:"exit_price"`
	ExitReason     ExitReason   `yaml:"exit_reason" json:"exit_reason" csv:"exit_reason"`
	BarsToExit     int          `yaml:"bars_to_exit" json:"bars_to_exit" csv:"bars_to_exit"`
	PnL            float64      `yaml:"pnl" json:"pnl" csv:"pnl"`
	Outcome        TradeOutcome `yaml:"outcome" json:"outcome" csv:"outcome"`
	// MaxFavorable and MaxAdverse record the best and worst close-to-entry
	// excursion observed while the trade was open.
	MaxFavorable float64 `yaml:"max_favorable" json:"max_favorable" csv:"max_favorable"`
	MaxAdverse   float64 `yaml:"max_adverse" json:"max_adverse" csv:"max_adverse"`
}

// ComputePnL returns (exitPrice - entryPrice) * shares using decimal
// arithmetic so repeated runs produce byte-identical values.
func ComputePnL(entryPrice, exitPrice float64, shares int) float64 {
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromInt(int64(shares))

	pnl, _ := exit.Sub(entry).Mul(qty).Float64()

	return pnl
}

// OutcomeForPnL maps realized P&L to SUCCESS / FAILURE. A flat trade is a
// failure: it paid risk without return.
func OutcomeForPnL(pnl float64) TradeOutcome {
	if pnl > 0 {
		return OutcomeSuccess
	}

	return OutcomeFailure
}
