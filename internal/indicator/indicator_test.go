package indicator

import (
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

// closeBars builds 1m bars with the given closes.
func closeBars(closes []float64) []types.Bar {
	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, len(closes))

	for i, c := range closes {
		bars = append(bars, types.Bar{
			Symbol:     "AAPL",
			Timeframe:  types.Timeframe1m,
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			Open:       c,
			High:       c + 0.5,
			Low:        c - 0.5,
			Close:      c,
			Volume:     1000,
			Source:     "broker",
			IngestedAt: start,
		})
	}

	return bars
}

// single pulls the lone "value" output.
func single(outputs []Output) Output {
	return outputs[0]
}

type SMATestSuite struct {
	suite.Suite
}

func TestSMASuite(t *testing.T) {
	suite.Run(t, new(SMATestSuite))
}

func (suite *SMATestSuite) TestWarmupAndValue() {
	sma, err := NewSMA(types.IndicatorParams{Family: types.IndicatorSMA, Values: map[string]float64{"period": 3}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 20, 30, 40})

	out := single(sma.Update(bars[0]))
	suite.False(out.Valid)

	out = single(sma.Update(bars[1]))
	suite.False(out.Valid)

	out = single(sma.Update(bars[2]))
	suite.True(out.Valid)
	suite.InDelta(20.0, out.Value, 1e-9)

	out = single(sma.Update(bars[3]))
	suite.True(out.Valid)
	suite.InDelta(30.0, out.Value, 1e-9)
}

func (suite *SMATestSuite) TestInvalidPeriod() {
	_, err := NewSMA(types.IndicatorParams{Family: types.IndicatorSMA, Values: map[string]float64{"period": 0}})
	suite.Error(err)
}

type EMATestSuite struct {
	suite.Suite
}

func TestEMASuite(t *testing.T) {
	suite.Run(t, new(EMATestSuite))
}

func (suite *EMATestSuite) TestSeedsWithSMA() {
	ema, err := NewEMA(types.IndicatorParams{Family: types.IndicatorEMA, Values: map[string]float64{"period": 3}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 20, 30, 40})

	single(ema.Update(bars[0]))
	single(ema.Update(bars[1]))

	out := single(ema.Update(bars[2]))
	suite.True(out.Valid)
	suite.InDelta(20.0, out.Value, 1e-9)

	// alpha = 0.5: 40*0.5 + 20*0.5 = 30
	out = single(ema.Update(bars[3]))
	suite.InDelta(30.0, out.Value, 1e-9)
}

func (suite *EMATestSuite) TestResetClearsState() {
	ema, err := NewEMA(types.IndicatorParams{Family: types.IndicatorEMA, Values: map[string]float64{"period": 2}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 20, 10, 20})

	first := []float64{
		single(ema.Update(bars[0])).Value,
		single(ema.Update(bars[1])).Value,
	}

	ema.Reset()

	second := []float64{
		single(ema.Update(bars[2])).Value,
		single(ema.Update(bars[3])).Value,
	}

	suite.Equal(first, second)
}

type RSITestSuite struct {
	suite.Suite
}

func TestRSISuite(t *testing.T) {
	suite.Run(t, new(RSITestSuite))
}

func (suite *RSITestSuite) TestAllGainsIsHundred() {
	rsi, err := NewRSI(types.IndicatorParams{Family: types.IndicatorRSI, Values: map[string]float64{"period": 3}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 12, 13, 14})

	var out Output
	for _, bar := range bars {
		out = single(rsi.Update(bar))
	}

	suite.True(out.Valid)
	suite.InDelta(100.0, out.Value, 1e-9)
}

func (suite *RSITestSuite) TestBalancedMovesNearFifty() {
	rsi, err := NewRSI(types.IndicatorParams{Family: types.IndicatorRSI, Values: map[string]float64{"period": 2}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 10, 11, 10})

	var out Output
	for _, bar := range bars {
		out = single(rsi.Update(bar))
	}

	suite.True(out.Valid)
	suite.Greater(out.Value, 0.0)
	suite.Less(out.Value, 100.0)
}

func (suite *RSITestSuite) TestWarmupFlag() {
	rsi, err := NewRSI(types.IndicatorParams{Family: types.IndicatorRSI, Values: map[string]float64{"period": 14}})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 12})

	for _, bar := range bars {
		suite.False(single(rsi.Update(bar)).Valid)
	}
}

type MACDTestSuite struct {
	suite.Suite
}

func TestMACDSuite(t *testing.T) {
	suite.Run(t, new(MACDTestSuite))
}

func (suite *MACDTestSuite) TestFieldsAndHistogram() {
	macd, err := NewMACD(types.IndicatorParams{Family: types.IndicatorMACD, Values: map[string]float64{"fast": 3, "slow": 5, "signal": 2}})
	suite.Require().NoError(err)

	closes := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}

	var outputs []Output
	for _, bar := range closeBars(closes) {
		outputs = macd.Update(bar)
	}

	suite.Require().Len(outputs, 3)

	byField := make(map[string]Output, 3)
	for _, out := range outputs {
		byField[out.Field] = out
	}

	suite.True(byField["macd"].Valid)
	suite.InDelta(byField["macd"].Value-byField["signal"].Value, byField["histogram"].Value, 1e-9)
}

func (suite *MACDTestSuite) TestFastMustBeBelowSlow() {
	_, err := NewMACD(types.IndicatorParams{Family: types.IndicatorMACD, Values: map[string]float64{"fast": 26, "slow": 12, "signal": 9}})
	suite.Error(err)
}

type OBVTestSuite struct {
	suite.Suite
}

func TestOBVSuite(t *testing.T) {
	suite.Run(t, new(OBVTestSuite))
}

func (suite *OBVTestSuite) TestAccumulation() {
	obv, err := NewOBV(types.IndicatorParams{Family: types.IndicatorOBV, Values: nil})
	suite.Require().NoError(err)

	bars := closeBars([]float64{10, 11, 11, 9})

	suite.InDelta(0.0, single(obv.Update(bars[0])).Value, 1e-9)
	suite.InDelta(1000.0, single(obv.Update(bars[1])).Value, 1e-9)
	// Flat close leaves OBV unchanged.
	suite.InDelta(1000.0, single(obv.Update(bars[2])).Value, 1e-9)
	suite.InDelta(0.0, single(obv.Update(bars[3])).Value, 1e-9)
}
