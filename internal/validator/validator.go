// Package validator implements the four-layer bar quality engine and the
// cross-timeframe consistency checks.
package validator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"go.uber.org/zap"
)

// PenaltyWeights maps issue codes to score deductions. An ERROR issue also
// caps the final score below the acceptance threshold regardless of weight.
type PenaltyWeights struct {
	OHLCLogic          float64 `yaml:"ohlc_logic"`
	OffGrid            float64 `yaml:"off_grid"`
	DuplicateTimestamp float64 `yaml:"duplicate_timestamp"`
	NonMonotonic       float64 `yaml:"non_monotonic"`
	ExcessiveMovement  float64 `yaml:"excessive_movement"`
	PriceOutlier       float64 `yaml:"price_outlier"`
	ZeroVolume         float64 `yaml:"zero_volume"`
	VolumeOutlier      float64 `yaml:"volume_outlier"`
}

// DefaultPenaltyWeights returns the standard deduction table.
func DefaultPenaltyWeights() PenaltyWeights {
	return PenaltyWeights{
		OHLCLogic:          100,
		OffGrid:            100,
		DuplicateTimestamp: 100,
		NonMonotonic:       10,
		ExcessiveMovement:  5,
		PriceOutlier:       3,
		ZeroVolume:         2,
		VolumeOutlier:      0,
	}
}

// Config parameterizes the bar validator.
type Config struct {
	// AcceptanceThreshold is the minimum score for a bar to be accepted.
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" validate:"gte=0,lte=100"`
	// MovementTolerance is the maximum inter-bar fractional change per
	// session. Regular hours are stricter than pre/after market.
	MovementTolerance map[types.TradingSession]float64 `yaml:"movement_tolerance"`
	// OutlierWindow is the rolling window used for the sigma test.
	OutlierWindow int `yaml:"outlier_window" validate:"gt=1"`
	// OutlierSigma is the number of standard deviations beyond which an
	// inter-bar move raises PRICE_OUTLIER.
	OutlierSigma float64 `yaml:"outlier_sigma" validate:"gt=0"`
	// VolumeOutlierMultiplier flags volume above rolling median times this.
	VolumeOutlierMultiplier float64 `yaml:"volume_outlier_multiplier" validate:"gt=0"`
	// Penalties is the score deduction table.
	Penalties PenaltyWeights `yaml:"penalties"`
}

// DefaultConfig returns the validator defaults.
func DefaultConfig() Config {
	return Config{
		AcceptanceThreshold: 95,
		MovementTolerance: map[types.TradingSession]float64{
			types.SessionRegular:    0.20,
			types.SessionPreMarket:  0.30,
			types.SessionAfterHours: 0.30,
		},
		OutlierWindow:           50,
		OutlierSigma:            8,
		VolumeOutlierMultiplier: 20,
		Penalties:               DefaultPenaltyWeights(),
	}
}

// Result is the validation outcome for one bar.
type Result struct {
	Bar      types.Bar
	Session  types.TradingSession
	Report   types.QualityReport
	Accepted bool
}

// BatchResult is the validation outcome for an ordered batch.
type BatchResult struct {
	Results   []Result
	Aggregate types.QualityAggregate
}

// Accepted returns only the accepted bars, in input order.
func (b BatchResult) Accepted() []types.Bar {
	bars := make([]types.Bar, 0, len(b.Results))

	for _, r := range b.Results {
		if r.Accepted {
			bars = append(bars, r.Bar)
		}
	}

	return bars
}

// BarValidator applies the four validation layers to batches of bars.
type BarValidator struct {
	config   Config
	calendar *calendar.Calendar
	logger   *logger.Logger
}

// NewBarValidator creates a validator with the given config and calendar.
func NewBarValidator(config Config, cal *calendar.Calendar, log *logger.Logger) *BarValidator {
	return &BarValidator{
		config:   config,
		calendar: cal,
		logger:   log,
	}
}

// ValidateBatch scores every bar of one (symbol, timeframe) batch in order.
// Layers: OHLC logic, time series, price movement, volume correlation.
// A bar is accepted iff score >= threshold and it has no ERROR issue.
func (v *BarValidator) ValidateBatch(bars []types.Bar) BatchResult {
	results := make([]Result, 0, len(bars))
	aggregate := types.NewQualityAggregate()

	seen := make(map[time.Time]struct{}, len(bars))

	var (
		prevClose  float64
		prevTime   time.Time
		havePrev   bool
		moveWindow []float64
		volWindow  []float64
	)

	for _, bar := range bars {
		session := v.calendar.Session(bar.Timestamp)
		issues := make([]types.Issue, 0, 2)

		issues = append(issues, v.checkOHLCLogic(bar)...)
		issues = append(issues, v.checkTimeSeries(bar, seen, prevTime, havePrev)...)

		if havePrev {
			issues = append(issues, v.checkPriceMovement(bar, session, prevClose, moveWindow)...)
		}

		issues = append(issues, v.checkVolume(bar, session, volWindow)...)

		report := types.QualityReport{
			Score:  v.score(issues),
			Issues: issues,
		}
		accepted := report.Accepted(v.config.AcceptanceThreshold)

		results = append(results, Result{
			Bar:      bar,
			Session:  session,
			Report:   report,
			Accepted: accepted,
		})
		aggregate.Add(report, accepted)

		if !accepted {
			v.logger.Debug("bar rejected",
				zap.String("symbol", bar.Symbol),
				zap.String("timeframe", string(bar.Timeframe)),
				zap.Time("timestamp", bar.Timestamp),
				zap.Float64("score", report.Score),
			)
		}

		// Rejected bars still advance the duplicate set but not the price
		// baseline: a corrupted close must not poison the movement check.
		seen[bar.Timestamp.UTC()] = struct{}{}

		if accepted {
			if havePrev && prevClose > 0 {
				moveWindow = appendBounded(moveWindow, (bar.Close-prevClose)/prevClose, v.config.OutlierWindow)
			}

			volWindow = appendBounded(volWindow, bar.Volume, v.config.OutlierWindow)
			prevClose = bar.Close
			prevTime = bar.Timestamp
			havePrev = true
		}
	}

	return BatchResult{
		Results:   results,
		Aggregate: aggregate,
	}
}

// checkOHLCLogic is layer 1: internal bar consistency. Any violation is an
// ERROR and rejects the bar.
func (v *BarValidator) checkOHLCLogic(bar types.Bar) []types.Issue {
	var issues []types.Issue

	if err := bar.CheckOHLC(); err != nil {
		code := types.IssueOHLCLogic
		if bar.Volume < 0 {
			code = types.IssueNegativeVolume
		}

		issues = append(issues, types.Issue{
			Code:     code,
			Severity: types.SeverityError,
			Message:  err.Error(),
		})
	}

	return issues
}

// checkTimeSeries is layer 2: grid alignment, duplicates and monotonicity.
func (v *BarValidator) checkTimeSeries(bar types.Bar, seen map[time.Time]struct{}, prevTime time.Time, havePrev bool) []types.Issue {
	var issues []types.Issue

	if !v.calendar.IsAligned(bar.Timestamp, bar.Timeframe) {
		issues = append(issues, types.Issue{
			Code:     types.IssueOffGrid,
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("timestamp %s not on %s grid", bar.Timestamp.Format(time.RFC3339), bar.Timeframe),
		})
	}

	if _, dup := seen[bar.Timestamp.UTC()]; dup {
		issues = append(issues, types.Issue{
			Code:     types.IssueDuplicateTimestamp,
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("duplicate timestamp %s in batch", bar.Timestamp.Format(time.RFC3339)),
		})
	}

	if havePrev && !bar.Timestamp.After(prevTime) {
		issues = append(issues, types.Issue{
			Code:     types.IssueNonMonotonic,
			Severity: types.SeverityWarn,
			Message:  fmt.Sprintf("timestamp %s not after previous %s", bar.Timestamp.Format(time.RFC3339), prevTime.Format(time.RFC3339)),
		})
	}

	return issues
}

// checkPriceMovement is layer 3: inter-bar change against the session
// tolerance table, plus the rolling sigma test.
func (v *BarValidator) checkPriceMovement(bar types.Bar, session types.TradingSession, prevClose float64, window []float64) []types.Issue {
	var issues []types.Issue

	if prevClose <= 0 {
		return issues
	}

	change := (bar.Close - prevClose) / prevClose

	if session != types.SessionClosed {
		tolerance, ok := v.config.MovementTolerance[session]
		if ok && math.Abs(change) > tolerance {
			issues = append(issues, types.Issue{
				Code:     types.IssueExcessiveMovement,
				Severity: types.SeverityWarn,
				Message:  fmt.Sprintf("price moved %.2f%% in %s, tolerance %.2f%%", change*100, session, tolerance*100),
			})
		}
	}

	if len(window) >= v.config.OutlierWindow {
		mean, stddev := meanStddev(window)
		if stddev > 0 && math.Abs(change-mean) > v.config.OutlierSigma*stddev {
			issues = append(issues, types.Issue{
				Code:     types.IssuePriceOutlier,
				Severity: types.SeverityWarn,
				Message:  fmt.Sprintf("move %.4f beyond %.0f sigma of rolling window", change, v.config.OutlierSigma),
			})
		}
	}

	return issues
}

// checkVolume is layer 4: zero-volume and volume-outlier heuristics.
func (v *BarValidator) checkVolume(bar types.Bar, session types.TradingSession, volWindow []float64) []types.Issue {
	var issues []types.Issue

	if bar.Volume == 0 && session != types.SessionClosed && session != types.SessionPreMarket {
		issues = append(issues, types.Issue{
			Code:     types.IssueZeroVolume,
			Severity: types.SeverityWarn,
			Message:  fmt.Sprintf("zero volume during %s", session),
		})
	}

	if len(volWindow) >= 2 {
		med := median(volWindow)
		if med > 0 && bar.Volume > med*v.config.VolumeOutlierMultiplier {
			issues = append(issues, types.Issue{
				Code:     types.IssueVolumeOutlier,
				Severity: types.SeverityInfo,
				Message:  fmt.Sprintf("volume %.0f exceeds %.0fx rolling median %.0f", bar.Volume, v.config.VolumeOutlierMultiplier, med),
			})
		}
	}

	return issues
}

// score applies penalty weights and the ERROR cap.
func (v *BarValidator) score(issues []types.Issue) float64 {
	score := 100.0
	hasError := false

	for _, issue := range issues {
		score -= v.penalty(issue.Code)

		if issue.Severity == types.SeverityError {
			hasError = true
		}
	}

	if score < 0 {
		score = 0
	}

	if hasError && score >= v.config.AcceptanceThreshold {
		score = v.config.AcceptanceThreshold - 1
	}

	return score
}

func (v *BarValidator) penalty(code types.IssueCode) float64 {
	switch code {
	case types.IssueOHLCLogic, types.IssueNegativeVolume:
		return v.config.Penalties.OHLCLogic
	case types.IssueOffGrid:
		return v.config.Penalties.OffGrid
	case types.IssueDuplicateTimestamp:
		return v.config.Penalties.DuplicateTimestamp
	case types.IssueNonMonotonic:
		return v.config.Penalties.NonMonotonic
	case types.IssueExcessiveMovement:
		return v.config.Penalties.ExcessiveMovement
	case types.IssuePriceOutlier:
		return v.config.Penalties.PriceOutlier
	case types.IssueZeroVolume:
		return v.config.Penalties.ZeroVolume
	case types.IssueVolumeOutlier:
		return v.config.Penalties.VolumeOutlier
	default:
		return 0
	}
}

// appendBounded appends keeping at most limit trailing elements.
func appendBounded(window []float64, value float64, limit int) []float64 {
	window = append(window, value)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}

	return window
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}

	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}

	return sorted[mid]
}
