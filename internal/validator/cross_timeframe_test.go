package validator

import (
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

type CrossTimeframeTestSuite struct {
	suite.Suite
	cal *calendar.Calendar
	loc *time.Location
}

func TestCrossTimeframeSuite(t *testing.T) {
	suite.Run(t, new(CrossTimeframeTestSuite))
}

func (suite *CrossTimeframeTestSuite) SetupTest() {
	cal, err := calendar.New(calendar.DefaultConfig())
	suite.Require().NoError(err)
	suite.cal = cal
	suite.loc = cal.Location()
}

// coveredWindow builds fifteen 1m bars starting 10:00 and the 15m bar that
// aggregates them exactly.
func (suite *CrossTimeframeTestSuite) coveredWindow() ([]types.Bar, types.Bar) {
	start := time.Date(2025, 3, 3, 10, 0, 0, 0, suite.loc)

	var (
		finer  []types.Bar
		volume float64
		high   = 0.0
		low    = 1e12
	)

	for i := 0; i < 15; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		bar := types.Bar{
			Symbol:     "AAPL",
			Timeframe:  types.Timeframe1m,
			Timestamp:  ts.UTC(),
			Open:       100 + float64(i)*0.1,
			High:       100.6 + float64(i)*0.1,
			Low:        99.6 + float64(i)*0.1,
			Close:      100.3 + float64(i)*0.1,
			Volume:     1000,
			Source:     "broker",
			IngestedAt: ts.UTC(),
		}
		finer = append(finer, bar)
		volume += bar.Volume

		if bar.High > high {
			high = bar.High
		}

		if bar.Low < low {
			low = bar.Low
		}
	}

	coarser := types.Bar{
		Symbol:     "AAPL",
		Timeframe:  types.Timeframe15m,
		Timestamp:  start.UTC(),
		Open:       finer[0].Open,
		High:       high,
		Low:        low,
		Close:      finer[len(finer)-1].Close,
		Volume:     volume,
		Source:     "broker",
		IngestedAt: start.UTC(),
	}

	return finer, coarser
}

func (suite *CrossTimeframeTestSuite) TestAggregationIdentityHolds() {
	finer, coarser := suite.coveredWindow()

	v := NewCrossTimeframeValidator(RefetchCoarser, 1e-9, suite.cal, logger.NewNopLogger())
	result := v.Validate("AAPL", []types.Bar{coarser}, types.Timeframe15m, finer, types.Timeframe1m)

	suite.Equal(1, result.Checked)
	suite.Empty(result.Mismatches)
	suite.Empty(result.Refetch)
}

func (suite *CrossTimeframeTestSuite) TestMismatchEmitsWarnAndRefetch() {
	finer, coarser := suite.coveredWindow()
	coarser.High += 5

	v := NewCrossTimeframeValidator(RefetchCoarser, 1e-9, suite.cal, logger.NewNopLogger())
	result := v.Validate("AAPL", []types.Bar{coarser}, types.Timeframe15m, finer, types.Timeframe1m)

	suite.Require().Len(result.Mismatches, 1)
	suite.Equal("high", result.Mismatches[0].Field)
	suite.Equal(types.IssueCrossTFInconsistent, result.Mismatches[0].Issue.Code)
	suite.Equal(types.SeverityWarn, result.Mismatches[0].Issue.Severity)

	suite.Require().Len(result.Refetch, 1)
	suite.Equal(types.Timeframe15m, result.Refetch[0].Timeframe)
	suite.Equal(coarser.Timestamp, result.Refetch[0].Range.Start)
}

func (suite *CrossTimeframeTestSuite) TestRefetchFinerPolicy() {
	finer, coarser := suite.coveredWindow()
	coarser.Volume += 1

	v := NewCrossTimeframeValidator(RefetchFiner, 1e-9, suite.cal, logger.NewNopLogger())
	result := v.Validate("AAPL", []types.Bar{coarser}, types.Timeframe15m, finer, types.Timeframe1m)

	suite.Require().Len(result.Refetch, 1)
	suite.Equal(types.Timeframe1m, result.Refetch[0].Timeframe)
}

func (suite *CrossTimeframeTestSuite) TestIncompleteCoverSkipped() {
	finer, coarser := suite.coveredWindow()

	v := NewCrossTimeframeValidator(RefetchCoarser, 1e-9, suite.cal, logger.NewNopLogger())
	result := v.Validate("AAPL", []types.Bar{coarser}, types.Timeframe15m, finer[:10], types.Timeframe1m)

	suite.Equal(0, result.Checked)
	suite.Empty(result.Mismatches)
}
