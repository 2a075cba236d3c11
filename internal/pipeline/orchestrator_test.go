package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/broker"
	"github.com/marketdna/dna-pipeline/internal/config"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/planner"
	"github.com/marketdna/dna-pipeline/internal/storage"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/stretchr/testify/suite"
)

// fakeFeedConn emulates the broker: it answers the handshake, account
// probes and historical requests with synthetic minute bars. mutate hooks
// let tests drop or corrupt individual bars.
type fakeFeedConn struct {
	mu      sync.Mutex
	inbound chan broker.Frame
	closed  bool
	// skip drops bars at these UTC timestamps from responses.
	skip map[time.Time]bool
	// corrupt rewrites a generated bar before sending.
	corrupt func(bar *broker.BarMessage)
}

func newFakeFeedConn() *fakeFeedConn {
	return &fakeFeedConn{
		mu:      sync.Mutex{},
		inbound: make(chan broker.Frame, 4096),
		closed:  false,
		skip:    make(map[time.Time]bool),
		corrupt: nil,
	}
}

func (c *fakeFeedConn) ReadFrame() (broker.Frame, error) {
	frame, ok := <-c.inbound
	if !ok {
		return broker.Frame{}, io.EOF
	}

	return frame, nil
}

func (c *fakeFeedConn) WriteFrame(frame broker.Frame) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return io.ErrClosedPipe
	}
	c.mu.Unlock()

	for _, response := range c.respond(frame) {
		c.inbound <- response
	}

	return nil
}

func (c *fakeFeedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.inbound)
	}

	return nil
}

func (c *fakeFeedConn) respond(frame broker.Frame) []broker.Frame {
	switch {
	case frame.Type == broker.FrameAuth:
		payload, _ := json.Marshal(broker.AuthAckPayload{ServerVersion: broker.ProtocolVersion, SessionID: "sess-1"})

		return []broker.Frame{{Type: broker.FrameAuthAck, Payload: payload}}
	case frame.Type == broker.FrameRequest && frame.Verb == broker.VerbAccountInfo:
		payload, _ := json.Marshal(broker.AccountInfo{AccountID: "DU12345", NetValue: 100000, BuyingPower: 400000})

		return []broker.Frame{
			{Type: broker.FrameData, CorrelationID: frame.CorrelationID, Payload: payload},
			{Type: broker.FrameEnd, CorrelationID: frame.CorrelationID},
		}
	case frame.Type == broker.FrameRequest && frame.Verb == broker.VerbHistoricalBars:
		var request broker.HistoricalBarsRequest
		if err := json.Unmarshal(frame.Payload, &request); err != nil {
			return []broker.Frame{{Type: broker.FrameError, CorrelationID: frame.CorrelationID, ErrorCode: "MALFORMED"}}
		}

		return c.historicalFrames(frame.CorrelationID, request)
	default:
		return nil
	}
}

func (c *fakeFeedConn) historicalFrames(correlationID uint64, request broker.HistoricalBarsRequest) []broker.Frame {
	start, _ := time.Parse(time.RFC3339, request.Start)
	end, _ := time.Parse(time.RFC3339, request.End)
	step, _ := types.ParseTimeframe(request.BarSize)

	var frames []broker.Frame

	for cursor := start; cursor.Before(end); cursor = cursor.Add(step.Duration()) {
		if c.skip[cursor.UTC()] {
			continue
		}

		bar := broker.BarMessage{
			Symbol:    request.Symbol,
			BarSize:   request.BarSize,
			Timestamp: cursor.Unix(),
			Open:      100.00,
			High:      100.10,
			Low:       99.90,
			Close:     100.00,
			Volume:    1000,
		}

		if c.corrupt != nil {
			c.corrupt(&bar)
		}

		payload, _ := json.Marshal(bar)
		frames = append(frames, broker.Frame{Type: broker.FrameData, CorrelationID: correlationID, Payload: payload})
	}

	return append(frames, broker.Frame{Type: broker.FrameEnd, CorrelationID: correlationID})
}

// fakeFeedDialer always hands out the same conn.
type fakeFeedDialer struct {
	conn *fakeFeedConn
}

func (d *fakeFeedDialer) Dial(ctx context.Context, endpoint string) (broker.Conn, error) {
	return d.conn, nil
}

type OrchestratorTestSuite struct {
	suite.Suite
	loc *time.Location
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (suite *OrchestratorTestSuite) SetupTest() {
	loc, err := time.LoadLocation("America/New_York")
	suite.Require().NoError(err)
	suite.loc = loc
}

func (suite *OrchestratorTestSuite) testConfig() config.Config {
	cfg := config.Default()
	cfg.Broker.Endpoint = "ws://broker.test/feed"
	cfg.Broker.ClientID = "client-7"
	cfg.Broker.KeepaliveInterval = types.Duration(time.Hour)
	cfg.Storage.Path = ""
	cfg.WorkerBudget = 2
	cfg.Indicators = []config.IndicatorSpec{
		{Family: string(types.IndicatorSMA), Params: map[string]float64{"period": 5}},
	}

	for kind, kc := range cfg.Governor.Kinds {
		kc.RatePerSecond = 1000
		kc.Burst = 1000
		cfg.Governor.Kinds[kind] = kc
	}

	return cfg
}

func (suite *OrchestratorTestSuite) newOrchestrator(conn *fakeFeedConn) *Orchestrator {
	orchestrator, err := NewWithDialer(suite.testConfig(), &fakeFeedDialer{conn: conn}, logger.NewNopLogger())
	suite.Require().NoError(err)

	return orchestrator
}

// sessionRange is one regular session: 09:30-16:00 Eastern on a Monday.
func (suite *OrchestratorTestSuite) sessionRange() types.TimeRange {
	return types.TimeRange{
		Start: time.Date(2025, 3, 3, 9, 30, 0, 0, suite.loc).UTC(),
		End:   time.Date(2025, 3, 3, 16, 0, 0, 0, suite.loc).UTC(),
	}
}

func (suite *OrchestratorTestSuite) runSpec() RunSpec {
	return RunSpec{
		Symbols:    []string{"AAPL"},
		Timeframes: []types.Timeframe{types.Timeframe1m},
		Range:      suite.sessionRange(),
		Strategy:   planner.StrategySequential,
	}
}

func (suite *OrchestratorTestSuite) TestHappyPathFullSession() {
	conn := newFakeFeedConn()
	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	report, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)

	suite.Equal(390, report.BarsFetched)
	suite.Equal(390, report.BarsStored)
	suite.Equal(0, report.BarsRejected)
	// Entries 09:45 through 15:59 inclusive.
	suite.Equal(375, report.LabelsProduced)
	suite.InDelta(100.0, report.Quality.ScoreMean, 1e-9)
	suite.True(report.Succeeded())

	missing, err := orchestrator.Store().DetectMissing("AAPL", types.Timeframe1m, suite.sessionRange())
	suite.Require().NoError(err)
	suite.Empty(missing.Missing)

	labels, err := orchestrator.Store().GetLabels("AAPL", suite.sessionRange())
	suite.Require().NoError(err)
	suite.Len(labels, 375)
}

func (suite *OrchestratorTestSuite) TestMissingMinuteDetected() {
	missingTS := time.Date(2025, 3, 3, 10, 13, 0, 0, suite.loc).UTC()

	conn := newFakeFeedConn()
	conn.skip[missingTS] = true

	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	report, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)

	suite.Equal(389, report.BarsStored)

	missing, err := orchestrator.Store().DetectMissing("AAPL", types.Timeframe1m, suite.sessionRange())
	suite.Require().NoError(err)
	suite.Require().Len(missing.Missing, 1)
	suite.Equal(missingTS, missing.Missing[0])

	// The 10:12 label exists; 10:13 has no bar so no label.
	labels, err := orchestrator.Store().GetLabels("AAPL", types.TimeRange{
		Start: missingTS.Add(-time.Minute),
		End:   missingTS.Add(time.Minute),
	})
	suite.Require().NoError(err)
	suite.Require().Len(labels, 1)
	suite.True(labels[0].EntryTimestamp.Equal(missingTS.Add(-time.Minute)))
}

func (suite *OrchestratorTestSuite) TestOHLCViolationRejectedNotStored() {
	badTS := time.Date(2025, 3, 3, 11, 0, 0, 0, suite.loc).UTC()

	conn := newFakeFeedConn()
	conn.corrupt = func(bar *broker.BarMessage) {
		if time.Unix(bar.Timestamp, 0).UTC().Equal(badTS) {
			bar.Low = 100
			bar.High = 99
			bar.Open = 99.5
			bar.Close = 99.5
		}
	}

	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	report, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)

	suite.Equal(390, report.BarsFetched)
	suite.Equal(389, report.BarsStored)
	suite.Equal(1, report.BarsRejected)
	suite.Equal(1, report.Quality.CountByCode[types.IssueOHLCLogic])

	bars, err := orchestrator.Store().Query("AAPL", types.Timeframe1m, types.TimeRange{
		Start: badTS,
		End:   badTS.Add(time.Minute),
	}, storage.QueryFilter{})
	suite.Require().NoError(err)
	suite.Empty(bars)
}

func (suite *OrchestratorTestSuite) TestRunReportsIdempotentReRun() {
	conn := newFakeFeedConn()
	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	first, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)
	suite.Equal(390, first.BarsStored)

	// A second run over the same range resumes from the last committed
	// timestamp and fetches nothing new.
	second, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)
	suite.Equal(0, second.BarsFetched)

	labels, err := orchestrator.Store().GetLabels("AAPL", suite.sessionRange())
	suite.Require().NoError(err)
	suite.Len(labels, 375)
}

func (suite *OrchestratorTestSuite) TestRecomputeIndicator() {
	conn := newFakeFeedConn()
	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	_, err := orchestrator.Run(context.Background(), suite.runSpec())
	suite.Require().NoError(err)

	params := types.IndicatorParams{Family: types.IndicatorSMA, Values: map[string]float64{"period": 5}}
	fingerprint := params.Fingerprint()

	err = orchestrator.RecomputeIndicator(context.Background(), params, []string{"AAPL"}, []types.Timeframe{types.Timeframe1m}, suite.sessionRange())
	suite.Require().NoError(err)

	// The 10th bar is well past warmup, so the cell holds the flat price.
	ts := time.Date(2025, 3, 3, 9, 39, 0, 0, suite.loc).UTC()

	value, err := orchestrator.Store().ReadIndicator("AAPL", types.Timeframe1m, ts, fingerprint, "value")
	suite.Require().NoError(err)
	suite.Require().True(value.IsSome())
	suite.InDelta(100.0, value.Unwrap(), 1e-9)

	// An unconfigured parameterization is refused.
	err = orchestrator.RecomputeIndicator(context.Background(), types.IndicatorParams{
		Family: types.IndicatorSMA,
		Values: map[string]float64{"period": 99},
	}, []string{"AAPL"}, []types.Timeframe{types.Timeframe1m}, suite.sessionRange())
	suite.Error(err)
}

func (suite *OrchestratorTestSuite) TestStatusSnapshot() {
	conn := newFakeFeedConn()
	orchestrator := suite.newOrchestrator(conn)
	defer orchestrator.Shutdown()

	status := orchestrator.Status()
	suite.Equal(types.PipelineIdle, status.State)
	suite.Equal(broker.StateDisconnected, status.SessionState)
	suite.NotEmpty(status.Governor)
}
