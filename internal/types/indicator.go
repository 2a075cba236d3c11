package types

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// IndicatorFamily enumerates the supported technical indicator families.
type IndicatorFamily string

const (
	IndicatorSMA            IndicatorFamily = "SMA"
	IndicatorEMA            IndicatorFamily = "EMA"
	IndicatorRSI            IndicatorFamily = "RSI"
	IndicatorMACD           IndicatorFamily = "MACD"
	IndicatorBollingerBands IndicatorFamily = "BOLLINGER_BANDS"
	IndicatorATR            IndicatorFamily = "ATR"
	IndicatorStochastic     IndicatorFamily = "STOCHASTIC"
	IndicatorVWAP           IndicatorFamily = "VWAP"
	IndicatorOBV            IndicatorFamily = "OBV"
	IndicatorADX            IndicatorFamily = "ADX"
)

// AllIndicatorFamilies lists every supported family.
func AllIndicatorFamilies() []IndicatorFamily {
	return []IndicatorFamily{
		IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorMACD,
		IndicatorBollingerBands, IndicatorATR, IndicatorStochastic,
		IndicatorVWAP, IndicatorOBV, IndicatorADX,
	}
}

// IndicatorParams holds one parameterization of a family. Multiple
// parameterizations of the same family coexist, keyed by fingerprint.
type IndicatorParams struct {
	Family IndicatorFamily `yaml:"family" json:"family" validate:"required"`
	// Values maps parameter names (period, fast, slow, signal, std_dev,
	// k_period, d_period, slowing, session_reset) to their settings.
	Values map[string]float64 `yaml:"values" json:"values"`
}

// Fingerprint returns a stable hash of the parameterization. Equal
// configurations always hash identically, independent of map order.
func (p IndicatorParams) Fingerprint() string {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s", p.Family)

	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%g", k, p.Values[k])
	}

	return fmt.Sprintf("%s_%016x", p.Family, h.Sum64())
}

// Param returns the named parameter or the fallback when unset.
func (p IndicatorParams) Param(name string, fallback float64) float64 {
	if v, ok := p.Values[name]; ok {
		return v
	}

	return fallback
}

// IntParam returns the named parameter as int or the fallback when unset.
func (p IndicatorParams) IntParam(name string, fallback int) int {
	if v, ok := p.Values[name]; ok {
		return int(v)
	}

	return fallback
}

// IndicatorValue is one emitted value of a parameterized indicator for one
// bar. Valid is false while the streaming state is warming up.
type IndicatorValue struct {
	Symbol      string          `yaml:"symbol" json:"symbol"`
	Timeframe   Timeframe       `yaml:"timeframe" json:"timeframe"`
	Timestamp   time.Time       `yaml:"timestamp" json:"timestamp"`
	Family      IndicatorFamily `yaml:"family" json:"family"`
	Fingerprint string          `yaml:"fingerprint" json:"fingerprint"`
	// Field distinguishes multi-output families (macd/signal/histogram,
	// upper/middle/lower, k/d, plus_di/minus_di/adx). Single-output
	// families use "value".
	Field string  `yaml:"field" json:"field"`
	Value float64 `yaml:"value" json:"value"`
	Valid bool    `yaml:"valid" json:"valid"`
}
