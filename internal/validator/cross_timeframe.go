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

// RefetchPolicy selects which side of a cross-timeframe mismatch to re-fetch.
type RefetchPolicy string

const (
	RefetchCoarser RefetchPolicy = "REFETCH_COARSER"
	RefetchFiner   RefetchPolicy = "REFETCH_FINER"
)

// Mismatch describes one coarser bar that disagrees with its covering set.
type Mismatch struct {
	Symbol    string
	Coarser   types.Bar
	Finer     types.Timeframe
	Field     string
	Expected  float64
	Actual    float64
	Issue     types.Issue
}

// CrossResult is the outcome of one cross-timeframe pass.
type CrossResult struct {
	Checked    int
	Mismatches []Mismatch
	// Refetch lists the (timeframe, range) pairs the caller should re-fetch
	// per the configured policy.
	Refetch []RefetchTarget
}

// RefetchTarget identifies a re-fetch the mismatch policy demands.
type RefetchTarget struct {
	Symbol    string
	Timeframe types.Timeframe
	Range     types.TimeRange
}

// CrossTimeframeValidator verifies the aggregation identity between aligned
// timeframes of the same symbol: coarser open = first finer open, close =
// last finer close, high = max, low = min, volume = sum.
type CrossTimeframeValidator struct {
	policy    RefetchPolicy
	tolerance float64
	calendar  *calendar.Calendar
	logger    *logger.Logger
}

// NewCrossTimeframeValidator creates the validator. tolerance is the
// absolute price slack allowed before a field counts as mismatched; volume
// must match exactly.
func NewCrossTimeframeValidator(policy RefetchPolicy, tolerance float64, cal *calendar.Calendar, log *logger.Logger) *CrossTimeframeValidator {
	return &CrossTimeframeValidator{
		policy:    policy,
		tolerance: tolerance,
		calendar:  cal,
		logger:    log,
	}
}

// Validate checks every coarser bar that is exactly covered by finer bars.
// Coarser bars with an incomplete covering set are skipped: a gap is the
// missing-bar detector's finding, not a consistency violation.
func (v *CrossTimeframeValidator) Validate(symbol string, coarser []types.Bar, coarserTF types.Timeframe, finer []types.Bar, finerTF types.Timeframe) CrossResult {
	result := CrossResult{
		Checked:    0,
		Mismatches: nil,
		Refetch:    nil,
	}

	if !finerTF.FinerThan(coarserTF) {
		return result
	}

	perWindow := int(coarserTF.Duration() / finerTF.Duration())
	if perWindow <= 1 {
		return result
	}

	finerSorted := make([]types.Bar, len(finer))
	copy(finerSorted, finer)
	sort.Slice(finerSorted, func(i, j int) bool {
		return finerSorted[i].Timestamp.Before(finerSorted[j].Timestamp)
	})

	byWindow := make(map[time.Time][]types.Bar)

	for _, fb := range finerSorted {
		windowStart := v.calendar.AlignDown(fb.Timestamp, coarserTF)
		byWindow[windowStart.UTC()] = append(byWindow[windowStart.UTC()], fb)
	}

	for _, cb := range coarser {
		covering := byWindow[cb.Timestamp.UTC()]
		expected := v.expectedCover(cb.Timestamp, coarserTF, finerTF)

		if len(covering) != expected || expected == 0 {
			continue
		}

		result.Checked++

		mismatches := v.compare(symbol, cb, finerTF, covering)
		if len(mismatches) == 0 {
			continue
		}

		result.Mismatches = append(result.Mismatches, mismatches...)
		result.Refetch = append(result.Refetch, v.refetchTarget(symbol, cb, coarserTF, finerTF))

		v.logger.Warn("cross-timeframe inconsistency",
			zap.String("symbol", symbol),
			zap.String("coarser", string(coarserTF)),
			zap.String("finer", string(finerTF)),
			zap.Time("window", cb.Timestamp),
			zap.Int("fields", len(mismatches)),
		)
	}

	return result
}

// expectedCover returns how many finer grid slots fall inside the coarser
// bar's window, per the session calendar.
func (v *CrossTimeframeValidator) expectedCover(windowStart time.Time, coarserTF, finerTF types.Timeframe) int {
	rng := types.TimeRange{
		Start: windowStart,
		End:   windowStart.Add(coarserTF.Duration()),
	}

	return len(v.calendar.ExpectedTimestamps(finerTF, rng))
}

func (v *CrossTimeframeValidator) compare(symbol string, cb types.Bar, finerTF types.Timeframe, covering []types.Bar) []Mismatch {
	first := covering[0]
	last := covering[len(covering)-1]

	high := covering[0].High
	low := covering[0].Low
	volume := 0.0

	for _, fb := range covering {
		high = math.Max(high, fb.High)
		low = math.Min(low, fb.Low)
		volume += fb.Volume
	}

	checks := []struct {
		field    string
		expected float64
		actual   float64
		exact    bool
	}{
		{field: "open", expected: first.Open, actual: cb.Open, exact: false},
		{field: "close", expected: last.Close, actual: cb.Close, exact: false},
		{field: "high", expected: high, actual: cb.High, exact: false},
		{field: "low", expected: low, actual: cb.Low, exact: false},
		{field: "volume", expected: volume, actual: cb.Volume, exact: true},
	}

	var mismatches []Mismatch

	for _, check := range checks {
		diff := math.Abs(check.expected - check.actual)
		if (check.exact && diff != 0) || (!check.exact && diff > v.tolerance) {
			mismatches = append(mismatches, Mismatch{
				Symbol:   symbol,
				Coarser:  cb,
				Finer:    finerTF,
				Field:    check.field,
				Expected: check.expected,
				Actual:   check.actual,
				Issue: types.Issue{
					Code:     types.IssueCrossTFInconsistent,
					Severity: types.SeverityWarn,
					Message:  fmt.Sprintf("%s mismatch at %s: coarser %.6f, aggregated %.6f", check.field, cb.Timestamp.Format(time.RFC3339), check.actual, check.expected),
				},
			})
		}
	}

	return mismatches
}

func (v *CrossTimeframeValidator) refetchTarget(symbol string, cb types.Bar, coarserTF, finerTF types.Timeframe) RefetchTarget {
	rng := types.TimeRange{
		Start: cb.Timestamp,
		End:   cb.Timestamp.Add(coarserTF.Duration()),
	}

	if v.policy == RefetchFiner {
		return RefetchTarget{Symbol: symbol, Timeframe: finerTF, Range: rng}
	}

	return RefetchTarget{Symbol: symbol, Timeframe: coarserTF, Range: rng}
}
