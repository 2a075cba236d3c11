// Package calendar models the exchange trading day: session membership,
// timeframe grids and expected-bar enumeration for gap detection.
//
// All boundaries are start-inclusive, end-exclusive. A timestamp exactly on
// 09:30 local is REGULAR; exactly on 16:00 is AFTER_HOURS.
package calendar

import (
	"fmt"
	"time"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// MinuteOfDay is minutes since local midnight.
type MinuteOfDay int

// SessionWindow is a [Start, End) window in minutes of the local day.
type SessionWindow struct {
	Start MinuteOfDay
	End   MinuteOfDay
}

// Contains reports whether m falls inside the window.
func (w SessionWindow) Contains(m MinuteOfDay) bool {
	return m >= w.Start && m < w.End
}

// Minutes returns the window length in minutes.
func (w SessionWindow) Minutes() int {
	return int(w.End - w.Start)
}

// Config describes one exchange's session layout.
type Config struct {
	// Location is the exchange time zone, e.g. "America/New_York".
	Location string `yaml:"location" validate:"required"`
	// PreMarket, Regular and AfterHours partition the trading day.
	PreMarket  SessionWindow `yaml:"pre_market"`
	Regular    SessionWindow `yaml:"regular"`
	AfterHours SessionWindow `yaml:"after_hours"`
}

// DefaultConfig returns the US equity session layout: pre-market
// 04:00-09:30, regular 09:30-16:00, after-hours 16:00-20:00 Eastern.
func DefaultConfig() Config {
	return Config{
		Location:   "America/New_York",
		PreMarket:  SessionWindow{Start: 4 * 60, End: 9*60 + 30},
		Regular:    SessionWindow{Start: 9*60 + 30, End: 16 * 60},
		AfterHours: SessionWindow{Start: 16 * 60, End: 20 * 60},
	}
}

// Calendar answers session and grid questions for one exchange.
type Calendar struct {
	config   Config
	location *time.Location
}

// New builds a Calendar from the config, resolving its time zone.
func New(config Config) (*Calendar, error) {
	loc, err := time.LoadLocation(config.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange location %q: %w", config.Location, err)
	}

	if config.PreMarket.End > config.Regular.Start ||
		config.Regular.End > config.AfterHours.Start {
		return nil, fmt.Errorf("session windows overlap or are out of order")
	}

	return &Calendar{
		config:   config,
		location: loc,
	}, nil
}

// MustDefault returns a Calendar for DefaultConfig. Panics only if the tz
// database is missing America/New_York.
func MustDefault() *Calendar {
	cal, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}

	return cal
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.location
}

// Session classifies a timestamp into the trading-day partition.
// Weekends are always CLOSED.
func (c *Calendar) Session(ts time.Time) types.TradingSession {
	local := ts.In(c.location)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return types.SessionClosed
	}

	minute := MinuteOfDay(local.Hour()*60 + local.Minute())

	switch {
	case c.config.PreMarket.Contains(minute):
		return types.SessionPreMarket
	case c.config.Regular.Contains(minute):
		return types.SessionRegular
	case c.config.AfterHours.Contains(minute):
		return types.SessionAfterHours
	default:
		return types.SessionClosed
	}
}

// IsRegular reports whether the timestamp falls in regular hours.
func (c *Calendar) IsRegular(ts time.Time) bool {
	return c.Session(ts) == types.SessionRegular
}

// AfterHoursEnd returns the after-hours close on the timestamp's local day.
func (c *Calendar) AfterHoursEnd(ts time.Time) time.Time {
	local := ts.In(c.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)

	return midnight.Add(time.Duration(c.config.AfterHours.End) * time.Minute)
}

// IsAligned reports whether the timestamp sits on the timeframe's canonical
// grid. Intraday grids anchor at local midnight; the daily grid anchors at
// the regular session open.
func (c *Calendar) IsAligned(ts time.Time, tf types.Timeframe) bool {
	return c.AlignDown(ts, tf).Equal(ts)
}

// AlignDown returns the greatest grid timestamp not after ts.
func (c *Calendar) AlignDown(ts time.Time, tf types.Timeframe) time.Time {
	local := ts.In(c.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)

	if tf == types.Timeframe1d {
		open := midnight.Add(time.Duration(c.config.Regular.Start) * time.Minute)
		if local.Before(open) {
			prev := midnight.AddDate(0, 0, -1)

			return prev.Add(time.Duration(c.config.Regular.Start) * time.Minute).In(ts.Location())
		}

		return open.In(ts.Location())
	}

	step := tf.Duration()
	offset := local.Sub(midnight)
	aligned := midnight.Add(offset - (offset % step))

	return aligned.In(ts.Location())
}

// ExpectedBarsPerSession returns the number of grid slots of the timeframe
// inside the given session on a weekday.
func (c *Calendar) ExpectedBarsPerSession(tf types.Timeframe, session types.TradingSession) int {
	var window SessionWindow

	switch session {
	case types.SessionPreMarket:
		window = c.config.PreMarket
	case types.SessionRegular:
		window = c.config.Regular
	case types.SessionAfterHours:
		window = c.config.AfterHours
	default:
		return 0
	}

	if tf == types.Timeframe1d {
		if session == types.SessionRegular {
			return 1
		}

		return 0
	}

	stepMinutes := int(tf.Duration() / time.Minute)
	if stepMinutes == 0 {
		return 0
	}

	return (window.Minutes() + stepMinutes - 1) / stepMinutes
}

// ExpectedTimestamps enumerates, in order, every grid timestamp of the
// timeframe inside [rng.Start, rng.End) whose session is not CLOSED. This
// is the exact expectation used by missing-bar detection.
func (c *Calendar) ExpectedTimestamps(tf types.Timeframe, rng types.TimeRange) []time.Time {
	var expected []time.Time

	cursor := c.AlignDown(rng.Start, tf)
	if cursor.Before(rng.Start) {
		cursor = c.next(cursor, tf)
	}

	for cursor.Before(rng.End) {
		if c.Session(cursor) != types.SessionClosed {
			expected = append(expected, cursor)
		}

		cursor = c.next(cursor, tf)
	}

	return expected
}

// next advances one grid step, keeping daily bars anchored on session opens.
func (c *Calendar) next(ts time.Time, tf types.Timeframe) time.Time {
	if tf == types.Timeframe1d {
		local := ts.In(c.location)
		nextDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location).AddDate(0, 0, 1)

		return nextDay.Add(time.Duration(c.config.Regular.Start) * time.Minute).In(ts.Location())
	}

	return ts.Add(tf.Duration())
}
