package types

import (
	"fmt"
	"time"
)

// Bar is one OHLCV sample over a timeframe-aligned interval for one symbol.
// Timestamps are UTC; display time zones are a read-side concern.
type Bar struct {
	Symbol     string    `yaml:"symbol" json:"symbol" csv:"symbol" validate:"required"`
	Timeframe  Timeframe `yaml:"timeframe" json:"timeframe" csv:"timeframe" validate:"required"`
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp" csv:"timestamp" validate:"required"`
	Open       float64   `yaml:"open" json:"open" csv:"open"`
	High       float64   `yaml:"high" json:"high" csv:"high"`
	Low        float64   `yaml:"low" json:"low" csv:"low"`
	Close      float64   `yaml:"close" json:"close" csv:"close"`
	Volume     float64   `yaml:"volume" json:"volume" csv:"volume"`
	Source     string    `yaml:"source" json:"source" csv:"source"`
	IngestedAt time.Time `yaml:"ingested_at" json:"ingested_at" csv:"ingested_at"`
}

// BarKey identifies a bar's primary key (symbol, timeframe, timestamp).
type BarKey struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp time.Time
}

// Key returns the bar's primary key.
func (b Bar) Key() BarKey {
	return BarKey{
		Symbol:    b.Symbol,
		Timeframe: b.Timeframe,
		Timestamp: b.Timestamp,
	}
}

// CheckOHLC verifies low <= min(open, close) <= max(open, close) <= high,
// non-negative prices and volume. Returns nil when the bar is internally
// consistent.
func (b Bar) CheckOHLC() error {
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
		return fmt.Errorf("negative price in bar %s/%s@%s", b.Symbol, b.Timeframe, b.Timestamp.Format(time.RFC3339))
	}

	if b.Volume < 0 {
		return fmt.Errorf("negative volume in bar %s/%s@%s", b.Symbol, b.Timeframe, b.Timestamp.Format(time.RFC3339))
	}

	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("low %.6f above open/close in bar %s@%s", b.Low, b.Symbol, b.Timestamp.Format(time.RFC3339))
	}

	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("high %.6f below open/close in bar %s@%s", b.High, b.Symbol, b.Timestamp.Format(time.RFC3339))
	}

	return nil
}

// Equal reports whether two bars carry identical market content. IngestedAt
// is excluded: it records arrival, not market state.
func (b Bar) Equal(other Bar) bool {
	return b.Symbol == other.Symbol &&
		b.Timeframe == other.Timeframe &&
		b.Timestamp.Equal(other.Timestamp) &&
		b.Open == other.Open &&
		b.High == other.High &&
		b.Low == other.Low &&
		b.Close == other.Close &&
		b.Volume == other.Volume &&
		b.Source == other.Source
}
