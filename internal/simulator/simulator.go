// Package simulator implements the deterministic per-minute forward
// simulation that labels every regular-hours bar with its fixed-LONG
// outcome.
package simulator

import (
	"fmt"
	"sort"
	"time"

	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OffsetMode selects how stop and take distances are derived from entry.
type OffsetMode string

const (
	OffsetAbsolute OffsetMode = "ABSOLUTE"
	OffsetPercent  OffsetMode = "PERCENT"
)

// FillModel selects the exit price for TP/SL triggers.
type FillModel string

const (
	// FillNextBarOpen exits at the open of the bar after the trigger,
	// modeling a realistic fill. Falls back to the trigger price when no
	// next bar exists.
	FillNextBarOpen FillModel = "NEXT_BAR_OPEN"
	// FillTriggerPrice exits exactly at the stop/take price.
	FillTriggerPrice FillModel = "TRIGGER_PRICE"
)

// Config parameterizes the fixed LONG policy.
type Config struct {
	Mode         OffsetMode `yaml:"mode" validate:"oneof=ABSOLUTE PERCENT"`
	StopAbsolute float64    `yaml:"stop_absolute" validate:"gt=0"`
	TakeAbsolute float64    `yaml:"take_absolute" validate:"gt=0"`
	StopPercent  float64    `yaml:"stop_percent" validate:"gt=0"`
	TakePercent  float64    `yaml:"take_percent" validate:"gt=0"`
	Quantity     int        `yaml:"quantity" validate:"gt=0"`
	// EntryWindow bounds entry minutes in the exchange-local day,
	// start-inclusive, end-exclusive.
	EntryWindow calendar.SessionWindow `yaml:"entry_window"`
	// ForceCloseOffset is how long before the after-hours close every open
	// trade is force-closed.
	ForceCloseOffset types.Duration `yaml:"force_close_offset"`
	TieBreak         types.TieBreakPolicy `yaml:"tie_break" validate:"oneof=STOP_LOSS TAKE_PROFIT INDETERMINATE"`
	Fill             FillModel            `yaml:"fill" validate:"oneof=NEXT_BAR_OPEN TRIGGER_PRICE"`
}

// DefaultConfig returns the production policy: stop -$2.80, take +$3.20,
// 50 shares, entries 09:45-16:00, force-close 30 minutes before the
// after-hours close, conservative tie-break, next-bar-open fills.
func DefaultConfig() Config {
	return Config{
		Mode:             OffsetAbsolute,
		StopAbsolute:     2.80,
		TakeAbsolute:     3.20,
		StopPercent:      0.004,
		TakePercent:      0.005,
		Quantity:         50,
		EntryWindow:      calendar.SessionWindow{Start: 9*60 + 45, End: 16 * 60},
		ForceCloseOffset: types.Duration(30 * time.Minute),
		TieBreak:         types.TieBreakStopLoss,
		Fill:             FillNextBarOpen,
	}
}

// Diagnostic records a minute whose label was omitted.
type Diagnostic struct {
	Symbol         string
	EntryTimestamp time.Time
	Message        string
}

// Result is the outcome of one simulation pass.
type Result struct {
	Labels      []types.SimulationLabel
	Diagnostics []Diagnostic
}

// tradeState is the per-trade machine: OPEN transitions terminally in one
// step once a trigger is detected.
type tradeState string

const (
	tradeOpen   tradeState = "OPEN"
	tradeTPHit  tradeState = "TP_HIT"
	tradeSLHit  tradeState = "SL_HIT"
	tradeForced tradeState = "FORCED"
	tradeOrphan tradeState = "ORPHAN"
)

// Simulator runs the fixed LONG policy over stored bars.
type Simulator struct {
	config   Config
	calendar *calendar.Calendar
	logger   *logger.Logger
}

// New creates a simulator.
func New(config Config, cal *calendar.Calendar, log *logger.Logger) *Simulator {
	return &Simulator{
		config:   config,
		calendar: cal,
		logger:   log,
	}
}

// Simulate labels every entry-window bar of one (symbol, timeframe)
// sequence. Bars are sorted defensively; the same input always produces
// byte-identical labels.
func (s *Simulator) Simulate(bars []types.Bar) Result {
	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	result := Result{
		Labels:      nil,
		Diagnostics: nil,
	}

	for i, bar := range sorted {
		if !s.isEntryBar(bar) {
			continue
		}

		label, diag := s.simulateTrade(sorted, i)
		if diag != nil {
			result.Diagnostics = append(result.Diagnostics, *diag)

			continue
		}

		result.Labels = append(result.Labels, label)
	}

	s.logger.Debug("simulation pass complete",
		zap.Int("bars", len(sorted)),
		zap.Int("labels", len(result.Labels)),
		zap.Int("omitted", len(result.Diagnostics)),
	)

	return result
}

// isEntryBar reports whether the bar anchors a trade: regular session and
// inside the configured entry window.
func (s *Simulator) isEntryBar(bar types.Bar) bool {
	if s.calendar.Session(bar.Timestamp) != types.SessionRegular {
		return false
	}

	local := bar.Timestamp.In(s.calendar.Location())
	minute := calendar.MinuteOfDay(local.Hour()*60 + local.Minute())

	return s.config.EntryWindow.Contains(minute)
}

// simulateTrade advances forward from the entry bar until a terminal event.
func (s *Simulator) simulateTrade(bars []types.Bar, entryIdx int) (types.SimulationLabel, *Diagnostic) {
	entry := bars[entryIdx]
	entryPrice := entry.Open
	stopPrice, takePrice := s.offsets(entryPrice)
	forceCloseAt := s.calendar.AfterHoursEnd(entry.Timestamp).Add(-s.config.ForceCloseOffset.Std())

	label := types.SimulationLabel{
		Symbol:         entry.Symbol,
		Timeframe:      entry.Timeframe,
		EntryTimestamp: entry.Timestamp,
		EntryPrice:     entryPrice,
		StopPrice:      stopPrice,
		TakePrice:      takePrice,
		Shares:         s.config.Quantity,
		ExitTimestamp:  time.Time{},
		ExitPrice:      0,
		ExitReason:     "",
		BarsToExit:     0,
		PnL:            0,
		Outcome:        "",
		MaxFavorable:   0,
		MaxAdverse:     0,
	}

	state := tradeOpen

	for j := entryIdx + 1; j < len(bars) && state == tradeOpen; j++ {
		bar := bars[j]

		if !bar.Timestamp.Before(forceCloseAt) {
			state = tradeForced

			s.finish(&label, bar, bar.Close, types.ExitForcedClose, j-entryIdx)

			break
		}

		stopHit := bar.Low <= stopPrice
		takeHit := bar.High >= takePrice

		if stopHit && takeHit {
			switch s.config.TieBreak {
			case types.TieBreakIndeterminate:
				return label, &Diagnostic{
					Symbol:         entry.Symbol,
					EntryTimestamp: entry.Timestamp,
					Message:        fmt.Sprintf("stop and take both touched at %s, tie-break is INDETERMINATE", bar.Timestamp.Format(time.RFC3339)),
				}
			case types.TieBreakTakeProfit:
				stopHit = false
			default:
				takeHit = false
			}
		}

		if takeHit {
			state = tradeTPHit

			s.finish(&label, bar, s.fillPrice(bars, j, takePrice), types.ExitTakeProfit, j-entryIdx)

			break
		}

		if stopHit {
			state = tradeSLHit

			s.finish(&label, bar, s.fillPrice(bars, j, stopPrice), types.ExitStopLoss, j-entryIdx)

			break
		}

		s.trackExcursion(&label, bar)
	}

	if state == tradeOpen {
		last := bars[len(bars)-1]

		s.finish(&label, last, last.Close, types.ExitOpenAtSessionEnd, len(bars)-1-entryIdx)
	}

	return label, nil
}

// offsets derives stop and take prices from the entry per the configured
// mode. Decimal arithmetic keeps repeated runs bit-identical.
func (s *Simulator) offsets(entryPrice float64) (float64, float64) {
	entry := decimal.NewFromFloat(entryPrice)

	var stopDelta, takeDelta decimal.Decimal

	if s.config.Mode == OffsetPercent {
		stopDelta = entry.Mul(decimal.NewFromFloat(s.config.StopPercent))
		takeDelta = entry.Mul(decimal.NewFromFloat(s.config.TakePercent))
	} else {
		stopDelta = decimal.NewFromFloat(s.config.StopAbsolute)
		takeDelta = decimal.NewFromFloat(s.config.TakeAbsolute)
	}

	stop, _ := entry.Sub(stopDelta).Float64()
	take, _ := entry.Add(takeDelta).Float64()

	return stop, take
}

// fillPrice applies the configured fill model for the trigger at index j.
func (s *Simulator) fillPrice(bars []types.Bar, j int, triggerPrice float64) float64 {
	if s.config.Fill == FillNextBarOpen && j+1 < len(bars) {
		return bars[j+1].Open
	}

	return triggerPrice
}

func (s *Simulator) finish(label *types.SimulationLabel, bar types.Bar, exitPrice float64, reason types.ExitReason, barsToExit int) {
	label.ExitTimestamp = bar.Timestamp
	label.ExitPrice = exitPrice
	label.ExitReason = reason
	label.BarsToExit = barsToExit
	label.PnL = types.ComputePnL(label.EntryPrice, exitPrice, label.Shares)
	label.Outcome = types.OutcomeForPnL(label.PnL)
}

// trackExcursion updates the best and worst close-to-entry P&L while open.
func (s *Simulator) trackExcursion(label *types.SimulationLabel, bar types.Bar) {
	current := types.ComputePnL(label.EntryPrice, bar.Close, label.Shares)

	if current > label.MaxFavorable {
		label.MaxFavorable = current
	}

	if current < label.MaxAdverse {
		label.MaxAdverse = current
	}
}
