package indicator

import (
	"testing"

	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

type EngineTestSuite struct {
	suite.Suite
	registry Registry
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) SetupTest() {
	suite.registry = NewRegistry(calendar.MustDefault())
}

func (suite *EngineTestSuite) catalog() []types.IndicatorParams {
	return []types.IndicatorParams{
		{Family: types.IndicatorSMA, Values: map[string]float64{"period": 3}},
		{Family: types.IndicatorMACD, Values: map[string]float64{"fast": 3, "slow": 5, "signal": 2}},
	}
}

func (suite *EngineTestSuite) TestAdvanceEmitsAllConfiguredFields() {
	engine, err := NewEngine(suite.catalog(), suite.registry, logger.NewNopLogger())
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 12})

	values, err := engine.Advance(bars[0])
	suite.Require().NoError(err)
	// SMA emits one field, MACD emits three.
	suite.Len(values, 4)

	for _, value := range values {
		suite.Equal("AAPL", value.Symbol)
		suite.Equal(types.Timeframe1m, value.Timeframe)
		suite.NotEmpty(value.Fingerprint)
	}
}

func (suite *EngineTestSuite) TestDeterministicReplayAfterReset() {
	engine, err := NewEngine(suite.catalog(), suite.registry, logger.NewNopLogger())
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 12, 11, 15, 14, 16, 13, 17})

	var first []types.IndicatorValue

	for _, bar := range bars {
		values, err := engine.Advance(bar)
		suite.Require().NoError(err)

		first = append(first, values...)
	}

	engine.ResetKey("AAPL", types.Timeframe1m)

	var second []types.IndicatorValue

	for _, bar := range bars {
		values, err := engine.Advance(bar)
		suite.Require().NoError(err)

		second = append(second, values...)
	}

	suite.Equal(first, second)
}

func (suite *EngineTestSuite) TestInvalidateFingerprintClearsState() {
	catalog := suite.catalog()

	engine, err := NewEngine(catalog, suite.registry, logger.NewNopLogger())
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 12, 13})

	for _, bar := range bars[:3] {
		_, err := engine.Advance(bar)
		suite.Require().NoError(err)
	}

	engine.InvalidateFingerprint(catalog[0].Fingerprint())

	// After invalidation the SMA warms up again from scratch.
	values, err := engine.Advance(bars[3])
	suite.Require().NoError(err)

	for _, value := range values {
		if value.Family == types.IndicatorSMA {
			suite.False(value.Valid)
		}
	}
}

func (suite *EngineTestSuite) TestDuplicateParameterizationRejected() {
	catalog := []types.IndicatorParams{
		{Family: types.IndicatorSMA, Values: map[string]float64{"period": 20}},
		{Family: types.IndicatorSMA, Values: map[string]float64{"period": 20}},
	}

	_, err := NewEngine(catalog, suite.registry, logger.NewNopLogger())
	suite.Error(err)
}

func (suite *EngineTestSuite) TestInvalidParameterizationRejected() {
	catalog := []types.IndicatorParams{
		{Family: types.IndicatorSMA, Values: map[string]float64{"period": -1}},
	}

	_, err := NewEngine(catalog, suite.registry, logger.NewNopLogger())
	suite.Error(err)
}

type RegistryTestSuite struct {
	suite.Suite
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) TestAllFamiliesRegistered() {
	registry := NewRegistry(calendar.MustDefault())

	for _, family := range types.AllIndicatorFamilies() {
		state, err := registry.NewStreaming(types.IndicatorParams{Family: family, Values: nil})
		suite.NoError(err, "family %s", family)
		suite.Equal(family, state.Family())
	}
}

func (suite *RegistryTestSuite) TestUnknownFamily() {
	registry := NewRegistry(calendar.MustDefault())

	_, err := registry.NewStreaming(types.IndicatorParams{Family: "UNKNOWN", Values: nil})
	suite.Error(err)
}

func (suite *RegistryTestSuite) TestRemoveAndReRegister() {
	registry := NewRegistry(calendar.MustDefault())

	suite.NoError(registry.RemoveFamily(types.IndicatorOBV))
	suite.Error(registry.RemoveFamily(types.IndicatorOBV))
	suite.NoError(registry.RegisterFamily(types.IndicatorOBV, NewOBV))
	suite.Error(registry.RegisterFamily(types.IndicatorOBV, NewOBV))
}
