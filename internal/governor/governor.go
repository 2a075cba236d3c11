// Package governor implements the rate-limited, priority-queued request
// pipeline in front of the broker session. It is the only component that
// retries broker requests.
package governor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher executes one request against the broker. The governor owns
// retry; the dispatcher must not retry internally.
type Dispatcher interface {
	Dispatch(ctx context.Context, request types.Request) (any, error)
}

// KindConfig is the per-kind rate policy.
type KindConfig struct {
	// RatePerSecond is the sustained token refill rate.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst" validate:"gt=0"`
	// MaxConcurrent bounds simultaneous in-flight requests; 0 is unlimited.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`
	// MaxAttempts caps attempts per request including the first.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`
	// Deadline bounds each attempt.
	Deadline types.Duration `yaml:"deadline" validate:"gt=0"`
}

// Config maps request kinds to their policies.
type Config struct {
	Kinds map[types.RequestKind]KindConfig `yaml:"kinds"`
	// BackoffBase, BackoffFactor, BackoffCap and BackoffJitter shape the
	// transient-retry schedule.
	BackoffBase   types.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffFactor float64        `yaml:"backoff_factor" validate:"gt=1"`
	BackoffCap    types.Duration `yaml:"backoff_cap" validate:"gt=0"`
	BackoffJitter float64        `yaml:"backoff_jitter" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the broker-documented limits: historical 6/min
// with burst 3, market data up to 100 concurrent streams, account 1/s,
// orders 5/s.
func DefaultConfig() Config {
	return Config{
		Kinds: map[types.RequestKind]KindConfig{
			types.RequestKindHistorical: {
				RatePerSecond: 0.1,
				Burst:         3,
				MaxConcurrent: 0,
				MaxAttempts:   5,
				Deadline:      types.Duration(30 * time.Second),
			},
			types.RequestKindMarket: {
				RatePerSecond: 10,
				Burst:         50,
				MaxConcurrent: 100,
				MaxAttempts:   5,
				Deadline:      types.Duration(30 * time.Second),
			},
			types.RequestKindAccount: {
				RatePerSecond: 1,
				Burst:         5,
				MaxConcurrent: 0,
				MaxAttempts:   5,
				Deadline:      types.Duration(10 * time.Second),
			},
			types.RequestKindOrder: {
				RatePerSecond: 5,
				Burst:         10,
				MaxConcurrent: 0,
				MaxAttempts:   2,
				Deadline:      types.Duration(10 * time.Second),
			},
		},
		BackoffBase:   types.Duration(time.Second),
		BackoffFactor: 2,
		BackoffCap:    types.Duration(30 * time.Second),
		BackoffJitter: 0.1,
	}
}

// Ticket identifies a submitted request.
type Ticket string

// tracked is the governor-owned state of one request.
type tracked struct {
	request   types.Request
	result    any
	err       error
	done      chan struct{}
	cancelRun context.CancelFunc
	heapIndex int
	queuedAt  time.Time
}

// Governor schedules requests through per-kind token buckets.
type Governor struct {
	config     Config
	dispatcher Dispatcher
	logger     *logger.Logger

	mu       sync.Mutex
	queues   map[types.RequestKind]*requestHeap
	tickets  map[Ticket]*tracked
	limiters map[types.RequestKind]*rate.Limiter
	slots    map[types.RequestKind]chan struct{}
	wake     map[types.RequestKind]chan struct{}
	stats    map[types.RequestKind]*kindStats
	closed   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a governor and starts one scheduler per request kind.
func New(config Config, dispatcher Dispatcher, log *logger.Logger) *Governor {
	ctx, cancel := context.WithCancel(context.Background())

	g := &Governor{
		config:     config,
		dispatcher: dispatcher,
		logger:     log,
		mu:         sync.Mutex{},
		queues:     make(map[types.RequestKind]*requestHeap),
		tickets:    make(map[Ticket]*tracked),
		limiters:   make(map[types.RequestKind]*rate.Limiter),
		slots:      make(map[types.RequestKind]chan struct{}),
		wake:       make(map[types.RequestKind]chan struct{}),
		stats:      make(map[types.RequestKind]*kindStats),
		closed:     false,
		rootCtx:    ctx,
		rootCancel: cancel,
		wg:         sync.WaitGroup{},
	}

	for kind, kc := range config.Kinds {
		queue := make(requestHeap, 0)
		g.queues[kind] = &queue
		g.limiters[kind] = rate.NewLimiter(rate.Limit(kc.RatePerSecond), kc.Burst)
		g.wake[kind] = make(chan struct{}, 1)
		g.stats[kind] = &kindStats{}

		if kc.MaxConcurrent > 0 {
			g.slots[kind] = make(chan struct{}, kc.MaxConcurrent)
		}

		g.wg.Add(1)

		go g.schedule(kind)
	}

	return g
}

// Submit enqueues a request and returns its ticket. The request moves
// PENDING -> QUEUED immediately; the scheduler promotes it to IN_FLIGHT
// when its bucket has capacity.
func (g *Governor) Submit(request types.Request) (Ticket, error) {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}

	if request.FirstSeenAt.IsZero() {
		request.FirstSeenAt = time.Now().UTC()
	}

	request.Status = types.RequestStatusPending

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return "", pkgerrors.New(pkgerrors.ErrCodeGovernorClosed, "governor is shut down")
	}

	queue, ok := g.queues[request.Kind]
	if !ok {
		return "", pkgerrors.Newf(pkgerrors.ErrCodeInvalidParameter, "unknown request kind %s", request.Kind)
	}

	item := &tracked{
		request:   request,
		result:    nil,
		err:       nil,
		done:      make(chan struct{}),
		cancelRun: nil,
		heapIndex: -1,
		queuedAt:  time.Now().UTC(),
	}
	item.request.Status = types.RequestStatusQueued

	ticket := Ticket(request.ID)
	g.tickets[ticket] = item
	heap.Push(queue, item)
	g.notify(request.Kind)

	return ticket, nil
}

// Await blocks until the request reaches a terminal status or ctx ends.
func (g *Governor) Await(ctx context.Context, ticket Ticket) (any, error) {
	g.mu.Lock()
	item, ok := g.tickets[ticket]
	g.mu.Unlock()

	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeTicketNotFound, "ticket %s not found", ticket)
	}

	select {
	case <-item.done:
		return item.result, item.err
	case <-ctx.Done():
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "await cancelled", ctx.Err())
	}
}

// Cancel cancels a request. QUEUED requests are removed without consuming
// a token; IN_FLIGHT requests get a best-effort broker abort and settle as
// CANCELLED once the dispatch returns.
func (g *Governor) Cancel(ticket Ticket) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.tickets[ticket]
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeTicketNotFound, "ticket %s not found", ticket)
	}

	switch item.request.Status {
	case types.RequestStatusPending, types.RequestStatusQueued:
		g.queues[item.request.Kind].remove(item)
		g.settleLocked(item, nil, pkgerrors.New(pkgerrors.ErrCodeCancelled, "request cancelled"), types.RequestStatusCancelled)

		return nil
	case types.RequestStatusInFlight:
		if item.cancelRun != nil {
			item.cancelRun()
		}

		return nil
	default:
		return nil
	}
}

// Shutdown stops accepting requests, cancels everything outstanding and
// waits for the schedulers to drain.
func (g *Governor) Shutdown() {
	g.mu.Lock()
	g.closed = true

	for _, queue := range g.queues {
		for queue.Len() > 0 {
			item := heap.Pop(queue).(*tracked)
			g.settleLocked(item, nil, pkgerrors.New(pkgerrors.ErrCodeCancelled, "governor shut down"), types.RequestStatusCancelled)
		}
	}
	g.mu.Unlock()

	g.rootCancel()
	g.wg.Wait()
}

// schedule is the per-kind loop: pop the head request, wait for a token,
// then dispatch asynchronously so the next request can be promoted.
func (g *Governor) schedule(kind types.RequestKind) {
	defer g.wg.Done()

	for {
		item := g.pop(kind)
		if item == nil {
			select {
			case <-g.wake[kind]:
				continue
			case <-g.rootCtx.Done():
				return
			}
		}

		if err := g.limiters[kind].Wait(g.rootCtx); err != nil {
			g.settle(item, nil, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "governor shut down", err), types.RequestStatusCancelled)

			return
		}

		if slots, ok := g.slots[kind]; ok {
			select {
			case slots <- struct{}{}:
			case <-g.rootCtx.Done():
				g.settle(item, nil, pkgerrors.New(pkgerrors.ErrCodeCancelled, "governor shut down"), types.RequestStatusCancelled)

				return
			}
		}

		g.wg.Add(1)

		go g.run(kind, item)
	}
}

// run executes one attempt and either settles or re-enqueues for retry.
func (g *Governor) run(kind types.RequestKind, item *tracked) {
	defer g.wg.Done()

	kc := g.config.Kinds[kind]

	attemptCtx, cancel := context.WithTimeout(g.rootCtx, kc.Deadline.Std())
	defer cancel()

	g.mu.Lock()

	// The request may have been cancelled between pop and dispatch.
	if item.request.Status.IsTerminal() {
		g.mu.Unlock()

		if slots, ok := g.slots[kind]; ok {
			<-slots
		}

		return
	}

	item.request.Status = types.RequestStatusInFlight
	item.request.AttemptCount++
	item.cancelRun = cancel
	g.stats[kind].recordStart(time.Since(item.queuedAt))
	g.mu.Unlock()

	result, err := g.dispatcher.Dispatch(attemptCtx, item.request)

	if slots, ok := g.slots[kind]; ok {
		<-slots
	}

	userCancelled := attemptCtx.Err() == context.Canceled && g.rootCtx.Err() == nil
	deadlineHit := attemptCtx.Err() == context.DeadlineExceeded

	switch {
	case err == nil:
		g.settle(item, result, nil, types.RequestStatusCompleted)
	case userCancelled:
		g.settle(item, nil, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "request cancelled in flight", err), types.RequestStatusCancelled)
	case deadlineHit && item.request.AttemptCount < kc.MaxAttempts:
		g.retryLater(kind, item, pkgerrors.Wrap(pkgerrors.ErrCodeRequestTimeout, "attempt deadline exceeded", err))
	case pkgerrors.IsTransient(err) && item.request.AttemptCount < kc.MaxAttempts:
		g.retryLater(kind, item, err)
	case (deadlineHit || pkgerrors.IsTransient(err)) && item.request.AttemptCount >= kc.MaxAttempts:
		g.settle(item, nil, pkgerrors.Wrapf(pkgerrors.ErrCodeRetriesExhausted, err,
			"request %s failed after %d attempts", item.request.ID, item.request.AttemptCount), types.RequestStatusFailed)
	default:
		g.settle(item, nil, err, types.RequestStatusFailed)
	}
}

// retryLater schedules a re-enqueue after the exponential backoff delay.
func (g *Governor) retryLater(kind types.RequestKind, item *tracked, cause error) {
	delay := g.backoffDelay(item.request.AttemptCount)

	g.mu.Lock()
	item.request.Status = types.RequestStatusPending
	item.cancelRun = nil
	g.stats[kind].Retries++
	g.mu.Unlock()

	g.logger.Debug("transient failure, retrying",
		zap.String("request_id", item.request.ID),
		zap.String("kind", string(kind)),
		zap.Int("attempt", item.request.AttemptCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	g.wg.Add(1)

	go func() {
		defer g.wg.Done()

		select {
		case <-time.After(delay):
		case <-g.rootCtx.Done():
			g.settle(item, nil, pkgerrors.New(pkgerrors.ErrCodeCancelled, "governor shut down"), types.RequestStatusCancelled)

			return
		}

		g.mu.Lock()
		defer g.mu.Unlock()

		if g.closed || item.request.Status != types.RequestStatusPending {
			return
		}

		item.request.Status = types.RequestStatusQueued
		heap.Push(g.queues[kind], item)
		g.notify(kind)
	}()
}

// backoffDelay computes the capped, jittered exponential delay for the
// given attempt count.
func (g *Governor) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.BackoffBase.Std()
	bo.Multiplier = g.config.BackoffFactor
	bo.MaxInterval = g.config.BackoffCap.Std()
	bo.RandomizationFactor = g.config.BackoffJitter
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			break
		}

		delay = next
	}

	return delay
}

func (g *Governor) pop(kind types.RequestKind) *tracked {
	g.mu.Lock()
	defer g.mu.Unlock()

	queue := g.queues[kind]
	if queue.Len() == 0 {
		return nil
	}

	return heap.Pop(queue).(*tracked)
}

func (g *Governor) notify(kind types.RequestKind) {
	select {
	case g.wake[kind] <- struct{}{}:
	default:
	}
}

func (g *Governor) settle(item *tracked, result any, err error, status types.RequestStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleLocked(item, result, err, status)
}

func (g *Governor) settleLocked(item *tracked, result any, err error, status types.RequestStatus) {
	if item.request.Status.IsTerminal() {
		return
	}

	item.request.Status = status
	item.result = result
	item.err = err

	stats := g.stats[item.request.Kind]

	switch status {
	case types.RequestStatusCompleted:
		stats.Completed++
	case types.RequestStatusFailed:
		stats.Failed++
	case types.RequestStatusCancelled:
		stats.Cancelled++
	}

	close(item.done)
}
