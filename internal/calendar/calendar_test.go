package calendar

import (
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

type CalendarTestSuite struct {
	suite.Suite
	cal *Calendar
	loc *time.Location
}

func TestCalendarSuite(t *testing.T) {
	suite.Run(t, new(CalendarTestSuite))
}

func (suite *CalendarTestSuite) SetupTest() {
	cal, err := New(DefaultConfig())
	suite.Require().NoError(err)
	suite.cal = cal
	suite.loc = cal.Location()
}

// eastern builds a timestamp on Monday 2025-03-03 in exchange-local time.
func (suite *CalendarTestSuite) eastern(hour, minute int) time.Time {
	return time.Date(2025, 3, 3, hour, minute, 0, 0, suite.loc)
}

func (suite *CalendarTestSuite) TestSessionPartition() {
	suite.Equal(types.SessionClosed, suite.cal.Session(suite.eastern(3, 59)))
	suite.Equal(types.SessionPreMarket, suite.cal.Session(suite.eastern(4, 0)))
	suite.Equal(types.SessionPreMarket, suite.cal.Session(suite.eastern(9, 29)))
	suite.Equal(types.SessionRegular, suite.cal.Session(suite.eastern(9, 30)))
	suite.Equal(types.SessionRegular, suite.cal.Session(suite.eastern(15, 59)))
	suite.Equal(types.SessionAfterHours, suite.cal.Session(suite.eastern(16, 0)))
	suite.Equal(types.SessionAfterHours, suite.cal.Session(suite.eastern(19, 59)))
	suite.Equal(types.SessionClosed, suite.cal.Session(suite.eastern(20, 0)))
}

func (suite *CalendarTestSuite) TestBoundaryStartInclusiveEndExclusive() {
	// 09:30 exactly is the first REGULAR minute; 16:00 exactly is AFTER_HOURS.
	suite.True(suite.cal.IsRegular(suite.eastern(9, 30)))
	suite.False(suite.cal.IsRegular(suite.eastern(16, 0)))
}

func (suite *CalendarTestSuite) TestWeekendClosed() {
	saturday := time.Date(2025, 3, 1, 12, 0, 0, 0, suite.loc)
	suite.Equal(types.SessionClosed, suite.cal.Session(saturday))
}

func (suite *CalendarTestSuite) TestAlignmentMinute() {
	aligned := suite.eastern(10, 13)
	suite.True(suite.cal.IsAligned(aligned, types.Timeframe1m))

	offGrid := aligned.Add(30 * time.Second)
	suite.False(suite.cal.IsAligned(offGrid, types.Timeframe1m))
}

func (suite *CalendarTestSuite) TestAlignDown15m() {
	ts := suite.eastern(10, 13)
	suite.Equal(suite.eastern(10, 0), suite.cal.AlignDown(ts, types.Timeframe15m).In(suite.loc))
}

func (suite *CalendarTestSuite) TestDailyAnchorsAtSessionOpen() {
	ts := suite.eastern(14, 0)
	suite.Equal(suite.eastern(9, 30), suite.cal.AlignDown(ts, types.Timeframe1d).In(suite.loc))
}

func (suite *CalendarTestSuite) TestExpectedBarsPerSession() {
	suite.Equal(390, suite.cal.ExpectedBarsPerSession(types.Timeframe1m, types.SessionRegular))
	suite.Equal(330, suite.cal.ExpectedBarsPerSession(types.Timeframe1m, types.SessionPreMarket))
	suite.Equal(240, suite.cal.ExpectedBarsPerSession(types.Timeframe1m, types.SessionAfterHours))
	suite.Equal(26, suite.cal.ExpectedBarsPerSession(types.Timeframe15m, types.SessionRegular))
	suite.Equal(1, suite.cal.ExpectedBarsPerSession(types.Timeframe1d, types.SessionRegular))
}

func (suite *CalendarTestSuite) TestExpectedTimestampsRegularDay() {
	rng := types.TimeRange{
		Start: suite.eastern(9, 30),
		End:   suite.eastern(16, 0),
	}

	expected := suite.cal.ExpectedTimestamps(types.Timeframe1m, rng)
	suite.Len(expected, 390)
	suite.Equal(suite.eastern(9, 30).UTC(), expected[0].UTC())
	suite.Equal(suite.eastern(15, 59).UTC(), expected[len(expected)-1].UTC())
}

func (suite *CalendarTestSuite) TestExpectedTimestampsSkipClosed() {
	// Friday 19:58 through Monday 04:02: only pre-close Friday minutes and
	// Monday pre-market minutes are expected.
	friday := time.Date(2025, 2, 28, 19, 58, 0, 0, suite.loc)
	monday := time.Date(2025, 3, 3, 4, 2, 0, 0, suite.loc)

	expected := suite.cal.ExpectedTimestamps(types.Timeframe1m, types.TimeRange{Start: friday, End: monday})
	suite.Len(expected, 4)
}

func (suite *CalendarTestSuite) TestAfterHoursEnd() {
	suite.Equal(suite.eastern(20, 0).UTC(), suite.cal.AfterHoursEnd(suite.eastern(10, 0)).UTC())
}

func (suite *CalendarTestSuite) TestOverlappingWindowsRejected() {
	config := DefaultConfig()
	config.Regular.Start = config.PreMarket.End - 10

	_, err := New(config)
	suite.Error(err)
}
