package planner

import (
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

type PlannerTestSuite struct {
	suite.Suite
	planner *Planner
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerTestSuite))
}

func (suite *PlannerTestSuite) SetupTest() {
	suite.planner = New(DefaultConfig(), logger.NewNopLogger())
}

func (suite *PlannerTestSuite) dayRange() types.TimeRange {
	return types.TimeRange{
		Start: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
	}
}

func (suite *PlannerTestSuite) targets(symbols []string, timeframes []types.Timeframe) []Target {
	var targets []Target

	for _, symbol := range symbols {
		for _, tf := range timeframes {
			targets = append(targets, Target{Symbol: symbol, Timeframe: tf, Range: suite.dayRange()})
		}
	}

	return targets
}

func (suite *PlannerTestSuite) TestSequentialSymbolMajor() {
	targets := suite.targets([]string{"MSFT", "AAPL"}, []types.Timeframe{types.Timeframe1h, types.Timeframe1m})

	plan, err := suite.planner.BuildPlan(targets, StrategySequential)
	suite.Require().NoError(err)

	var order []string

	for _, planned := range plan.Requests {
		order = append(order, planned.Symbol+"/"+string(planned.Timeframe))
	}

	// Symbol-major, timeframe-minor, one shard each (the day fits the
	// 2000-bar allowance for both timeframes).
	suite.Equal([]string{"AAPL/1m", "AAPL/1h", "MSFT/1m", "MSFT/1h"}, order)
}

func (suite *PlannerTestSuite) TestShardingAdjacencyNoOverlap() {
	config := DefaultConfig()
	config.MaxBarsPerRequest = 100
	planner := New(config, logger.NewNopLogger())

	targets := []Target{{
		Symbol:    "AAPL",
		Timeframe: types.Timeframe1m,
		Range:     suite.dayRange(),
	}}

	plan, err := planner.BuildPlan(targets, StrategySequential)
	suite.Require().NoError(err)

	// 1440 minutes at 100 bars per shard.
	suite.Len(plan.Requests, 15)

	for i, planned := range plan.Requests {
		suite.True(planned.Range.End.After(planned.Range.Start))

		if i > 0 {
			suite.Equal(plan.Requests[i-1].Range.End, planned.Range.Start, "shards must stitch")
		}
	}

	suite.Equal(suite.dayRange().Start, plan.Requests[0].Range.Start)
	suite.Equal(suite.dayRange().End, plan.Requests[len(plan.Requests)-1].Range.End)
}

func (suite *PlannerTestSuite) TestShardPayloadMatchesRange() {
	config := DefaultConfig()
	config.MaxBarsPerRequest = 500
	planner := New(config, logger.NewNopLogger())

	plan, err := planner.BuildPlan(suite.targets([]string{"AAPL"}, []types.Timeframe{types.Timeframe1m}), StrategySequential)
	suite.Require().NoError(err)

	for _, planned := range plan.Requests {
		payload, ok := planned.Request.Payload.(types.HistoricalBarsPayload)
		suite.Require().True(ok)
		suite.Equal(planned.Range, payload.Range)
		suite.Equal(planned.Symbol, payload.Symbol)
		suite.Equal(types.RequestKindHistorical, planned.Request.Kind)
	}
}

func (suite *PlannerTestSuite) TestParallelBySymbolGroupsByTimeframeSlot() {
	targets := suite.targets([]string{"C", "A", "B"}, []types.Timeframe{types.Timeframe1h, types.Timeframe1m})

	plan, err := suite.planner.BuildPlan(targets, StrategyParallelBySymbol)
	suite.Require().NoError(err)

	var order []string

	for _, planned := range plan.Requests {
		order = append(order, planned.Symbol+"/"+string(planned.Timeframe))
	}

	// All 1m requests come before any 1h request.
	suite.Equal([]string{"A/1m", "B/1m", "C/1m", "A/1h", "B/1h", "C/1h"}, order)
}

func (suite *PlannerTestSuite) TestParallelByTimeframeKeepsSymbolTogether() {
	targets := suite.targets([]string{"B", "A"}, []types.Timeframe{types.Timeframe1h, types.Timeframe1m})

	plan, err := suite.planner.BuildPlan(targets, StrategyParallelByTimeframe)
	suite.Require().NoError(err)

	var order []string

	for _, planned := range plan.Requests {
		order = append(order, planned.Symbol+"/"+string(planned.Timeframe))
	}

	suite.Equal([]string{"A/1m", "A/1h", "B/1m", "B/1h"}, order)
}

func (suite *PlannerTestSuite) TestMixedRoundRobinFinerFirst() {
	targets := suite.targets([]string{"A", "B"}, []types.Timeframe{types.Timeframe1h, types.Timeframe1m})

	plan, err := suite.planner.BuildPlan(targets, StrategyMixed)
	suite.Require().NoError(err)

	suite.Require().NotEmpty(plan.Requests)

	// The first request is a 1m lane and carries the highest priority.
	suite.Equal(types.Timeframe1m, plan.Requests[0].Timeframe)
	suite.Equal(types.PriorityCritical, plan.Requests[0].Request.Priority)

	for _, planned := range plan.Requests {
		if planned.Timeframe == types.Timeframe1h {
			suite.Equal(types.PriorityNormal, planned.Request.Priority)
		}
	}
}

func (suite *PlannerTestSuite) TestEmptyTargetsRejected() {
	_, err := suite.planner.BuildPlan(nil, StrategySequential)
	suite.Error(err)
}

func (suite *PlannerTestSuite) TestInvalidTimeframeRejected() {
	targets := []Target{{Symbol: "AAPL", Timeframe: "2m", Range: suite.dayRange()}}

	_, err := suite.planner.BuildPlan(targets, StrategySequential)
	suite.Error(err)
}

func (suite *PlannerTestSuite) TestParseStrategy() {
	for _, valid := range []string{"SEQUENTIAL", "PARALLEL_BY_SYMBOL", "PARALLEL_BY_TIMEFRAME", "MIXED"} {
		_, err := ParseStrategy(valid)
		suite.NoError(err)
	}

	_, err := ParseStrategy("ROUND_ROBIN")
	suite.Error(err)
}
