package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"github.com/stretchr/testify/suite"
)

// fakeDispatcher scripts dispatch outcomes per request id.
type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []string
	failTimes map[string]int
	failWith  error
	delay     time.Duration
	block     chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		mu:        sync.Mutex{},
		calls:     nil,
		failTimes: make(map[string]int),
		failWith:  nil,
		delay:     0,
		block:     nil,
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, request types.Request) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, request.ID)
	remaining := f.failTimes[request.ID]

	if remaining > 0 {
		f.failTimes[request.ID] = remaining - 1
	}

	failWith := f.failWith
	delay := f.delay
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "dispatch aborted", ctx.Err())
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "dispatch aborted", ctx.Err())
		}
	}

	if remaining > 0 {
		return nil, failWith
	}

	return "ok:" + request.ID, nil
}

func (f *fakeDispatcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)

	return out
}

type GovernorTestSuite struct {
	suite.Suite
}

func TestGovernorSuite(t *testing.T) {
	suite.Run(t, new(GovernorTestSuite))
}

// fastConfig is a config with generous buckets so tests run quickly.
func (suite *GovernorTestSuite) fastConfig() Config {
	config := DefaultConfig()
	config.BackoffBase = types.Duration(5 * time.Millisecond)
	config.BackoffCap = types.Duration(20 * time.Millisecond)

	for kind, kc := range config.Kinds {
		kc.RatePerSecond = 1000
		kc.Burst = 1000
		kc.Deadline = types.Duration(time.Second)
		config.Kinds[kind] = kc
	}

	return config
}

func (suite *GovernorTestSuite) request(id string, priority types.RequestPriority) types.Request {
	return types.Request{
		ID:           id,
		Kind:         types.RequestKindHistorical,
		Priority:     priority,
		Payload:      types.HistoricalBarsPayload{},
		AttemptCount: 0,
		FirstSeenAt:  time.Time{},
		Status:       types.RequestStatusPending,
	}
}

func (suite *GovernorTestSuite) TestSubmitAwaitCompletes() {
	dispatcher := newFakeDispatcher()
	g := New(suite.fastConfig(), dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	ticket, err := g.Submit(suite.request("r1", types.PriorityNormal))
	suite.Require().NoError(err)

	result, err := g.Await(context.Background(), ticket)
	suite.NoError(err)
	suite.Equal("ok:r1", result)

	stats := g.Stats()[types.RequestKindHistorical]
	suite.Equal(1, stats.Completed)
	suite.InDelta(1.0, stats.SuccessRatio, 1e-9)
}

func (suite *GovernorTestSuite) TestPriorityOrdering() {
	// A slow bucket (one token per 100ms, burst 1) keeps later submissions
	// queued long enough for the priority order to decide the pops.
	config := suite.fastConfig()
	kc := config.Kinds[types.RequestKindHistorical]
	kc.RatePerSecond = 10
	kc.Burst = 1
	config.Kinds[types.RequestKindHistorical] = kc

	dispatcher := newFakeDispatcher()
	g := New(config, dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	// "warm" is CRITICAL with the earliest first-seen time, so it always
	// pops first; the rest sort by priority while waiting for tokens.
	warm, err := g.Submit(suite.request("warm", types.PriorityCritical))
	suite.Require().NoError(err)
	low, err := g.Submit(suite.request("low", types.PriorityLowest))
	suite.Require().NoError(err)
	normal, err := g.Submit(suite.request("normal", types.PriorityNormal))
	suite.Require().NoError(err)
	high, err := g.Submit(suite.request("high", types.PriorityCritical))
	suite.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ticket := range []Ticket{warm, low, normal, high} {
		_, err := g.Await(ctx, ticket)
		suite.NoError(err)
	}

	order := dispatcher.callOrder()
	suite.Require().Len(order, 4)
	suite.Equal("warm", order[0])
	suite.Equal([]string{"high", "normal", "low"}, order[1:])
}

func (suite *GovernorTestSuite) TestTransientRetrySucceeds() {
	dispatcher := newFakeDispatcher()
	dispatcher.failTimes["flaky"] = 2
	dispatcher.failWith = pkgerrors.New(pkgerrors.ErrCodeThrottled, "broker throttled")

	g := New(suite.fastConfig(), dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	ticket, err := g.Submit(suite.request("flaky", types.PriorityNormal))
	suite.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := g.Await(ctx, ticket)
	suite.NoError(err)
	suite.Equal("ok:flaky", result)

	stats := g.Stats()[types.RequestKindHistorical]
	suite.Equal(2, stats.Retries)
}

func (suite *GovernorTestSuite) TestTransientRetriesExhausted() {
	config := suite.fastConfig()
	kc := config.Kinds[types.RequestKindHistorical]
	kc.MaxAttempts = 2
	config.Kinds[types.RequestKindHistorical] = kc

	dispatcher := newFakeDispatcher()
	dispatcher.failTimes["dead"] = 10
	dispatcher.failWith = pkgerrors.New(pkgerrors.ErrCodeThrottled, "broker throttled")

	g := New(config, dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	ticket, err := g.Submit(suite.request("dead", types.PriorityNormal))
	suite.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = g.Await(ctx, ticket)
	suite.Require().Error(err)
	suite.Equal(pkgerrors.ErrCodeRetriesExhausted, pkgerrors.GetCode(err))
}

func (suite *GovernorTestSuite) TestFatalFailureNoRetry() {
	dispatcher := newFakeDispatcher()
	dispatcher.failTimes["bad"] = 1
	dispatcher.failWith = pkgerrors.New(pkgerrors.ErrCodeUnknownSymbol, "no such symbol")

	g := New(suite.fastConfig(), dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	ticket, err := g.Submit(suite.request("bad", types.PriorityNormal))
	suite.Require().NoError(err)

	_, err = g.Await(context.Background(), ticket)
	suite.Require().Error(err)
	suite.Equal(pkgerrors.ErrCodeUnknownSymbol, pkgerrors.GetCode(err))

	suite.Len(dispatcher.callOrder(), 1)
}

func (suite *GovernorTestSuite) TestCancelQueued() {
	// Burst 1 keeps the second request waiting on a token so the cancel
	// lands while it is still queued.
	config := suite.fastConfig()
	kc := config.Kinds[types.RequestKindHistorical]
	kc.RatePerSecond = 2
	kc.Burst = 1
	config.Kinds[types.RequestKindHistorical] = kc

	dispatcher := newFakeDispatcher()
	g := New(config, dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	warm, err := g.Submit(suite.request("warm", types.PriorityCritical))
	suite.Require().NoError(err)

	queued, err := g.Submit(suite.request("queued", types.PriorityLowest))
	suite.Require().NoError(err)

	suite.NoError(g.Cancel(queued))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = g.Await(ctx, queued)
	suite.Require().Error(err)
	suite.Equal(pkgerrors.ErrCodeCancelled, pkgerrors.GetCode(err))

	_, err = g.Await(ctx, warm)
	suite.NoError(err)

	// The cancelled request never reached the dispatcher.
	suite.Equal([]string{"warm"}, dispatcher.callOrder())
}

func (suite *GovernorTestSuite) TestUnknownTicket() {
	g := New(suite.fastConfig(), newFakeDispatcher(), logger.NewNopLogger())
	defer g.Shutdown()

	_, err := g.Await(context.Background(), Ticket("missing"))
	suite.Require().Error(err)
	suite.Equal(pkgerrors.ErrCodeTicketNotFound, pkgerrors.GetCode(err))
}

func (suite *GovernorTestSuite) TestRateLimitHoldsBackBurst() {
	config := suite.fastConfig()
	kc := config.Kinds[types.RequestKindHistorical]
	kc.RatePerSecond = 10
	kc.Burst = 2
	config.Kinds[types.RequestKindHistorical] = kc

	dispatcher := newFakeDispatcher()
	g := New(config, dispatcher, logger.NewNopLogger())
	defer g.Shutdown()

	started := time.Now()

	var tickets []Ticket

	for _, id := range []string{"a", "b", "c", "d"} {
		ticket, err := g.Submit(suite.request(id, types.PriorityNormal))
		suite.Require().NoError(err)

		tickets = append(tickets, ticket)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ticket := range tickets {
		_, err := g.Await(ctx, ticket)
		suite.NoError(err)
	}

	// Burst of 2 is immediate; the remaining two wait for tokens at 10/s.
	suite.GreaterOrEqual(time.Since(started), 150*time.Millisecond)
}

func (suite *GovernorTestSuite) TestSubmitAfterShutdown() {
	g := New(suite.fastConfig(), newFakeDispatcher(), logger.NewNopLogger())
	g.Shutdown()

	_, err := g.Submit(suite.request("late", types.PriorityNormal))
	suite.Require().Error(err)
	suite.Equal(pkgerrors.ErrCodeGovernorClosed, pkgerrors.GetCode(err))
}
