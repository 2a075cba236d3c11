// Package planner turns (symbol x timeframe x range) targets into an
// ordered sequence of prioritized broker requests under one batching
// strategy, sharding ranges at the broker's max-bars-per-request allowance.
package planner

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"go.uber.org/zap"
)

// Strategy selects how the (symbol x timeframe) matrix is ordered.
type Strategy string

const (
	StrategySequential          Strategy = "SEQUENTIAL"
	StrategyParallelBySymbol    Strategy = "PARALLEL_BY_SYMBOL"
	StrategyParallelByTimeframe Strategy = "PARALLEL_BY_TIMEFRAME"
	StrategyMixed               Strategy = "MIXED"
)

// ParseStrategy converts a string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySequential, StrategyParallelBySymbol, StrategyParallelByTimeframe, StrategyMixed:
		return Strategy(s), nil
	default:
		return "", pkgerrors.Newf(pkgerrors.ErrCodeInvalidStrategy, "unknown batch strategy %q", s)
	}
}

// Target is one (symbol, timeframe, range) download goal.
type Target struct {
	Symbol    string          `yaml:"symbol" validate:"required"`
	Timeframe types.Timeframe `yaml:"timeframe" validate:"required"`
	Range     types.TimeRange `yaml:"range" validate:"required"`
}

// Config parameterizes the planner.
type Config struct {
	// MaxBarsPerRequest is the broker's historical-bars-per-request
	// allowance; larger ranges are sharded into stitched subranges.
	MaxBarsPerRequest int `yaml:"max_bars_per_request" validate:"gt=0"`
	// ParallelSymbols is K, the number of symbols enqueued per timeframe
	// slot under PARALLEL_BY_SYMBOL.
	ParallelSymbols int `yaml:"parallel_symbols" validate:"gt=0"`
	// WhatToShow is passed through to historical requests.
	WhatToShow string `yaml:"what_to_show"`
}

// DefaultConfig returns the standard planning limits.
func DefaultConfig() Config {
	return Config{
		MaxBarsPerRequest: 2000,
		ParallelSymbols:   4,
		WhatToShow:        "TRADES",
	}
}

// PlannedRequest pairs a governor request with the target shard it covers.
type PlannedRequest struct {
	Request   types.Request
	Symbol    string
	Timeframe types.Timeframe
	Range     types.TimeRange
}

// Plan is the ordered request sequence for one run.
type Plan struct {
	Strategy Strategy
	Requests []PlannedRequest
}

// Planner builds batch plans.
type Planner struct {
	config Config
	logger *logger.Logger
}

// New creates a planner.
func New(config Config, log *logger.Logger) *Planner {
	return &Planner{
		config: config,
		logger: log,
	}
}

// BuildPlan orders the targets' shards under the strategy. Shards of one
// target are adjacent, non-overlapping and in range order.
func (p *Planner) BuildPlan(targets []Target, strategy Strategy) (Plan, error) {
	if len(targets) == 0 {
		return Plan{Strategy: strategy, Requests: nil}, pkgerrors.New(pkgerrors.ErrCodeInvalidParameter, "no targets to plan")
	}

	for _, target := range targets {
		if !target.Timeframe.IsValid() {
			return Plan{}, pkgerrors.Newf(pkgerrors.ErrCodeInvalidTimeframe, "target %s has unsupported timeframe %q", target.Symbol, target.Timeframe)
		}

		if !target.Range.End.After(target.Range.Start) {
			return Plan{}, pkgerrors.Newf(pkgerrors.ErrCodeInvalidParameter, "target %s has empty range", target.Symbol)
		}
	}

	var ordered []Target

	switch strategy {
	case StrategySequential:
		ordered = p.orderSequential(targets)
	case StrategyParallelBySymbol:
		ordered = p.orderParallelBySymbol(targets)
	case StrategyParallelByTimeframe:
		ordered = p.orderParallelByTimeframe(targets)
	case StrategyMixed:
		ordered = p.orderMixed(targets)
	default:
		return Plan{}, pkgerrors.Newf(pkgerrors.ErrCodeInvalidStrategy, "unknown batch strategy %q", strategy)
	}

	plan := Plan{
		Strategy: strategy,
		Requests: nil,
	}

	for _, target := range ordered {
		for _, shard := range p.shard(target) {
			plan.Requests = append(plan.Requests, PlannedRequest{
				Request: types.Request{
					ID:       uuid.NewString(),
					Kind:     types.RequestKindHistorical,
					Priority: p.priority(strategy, target.Timeframe),
					Payload: types.HistoricalBarsPayload{
						Symbol:     target.Symbol,
						Timeframe:  target.Timeframe,
						Range:      shard,
						WhatToShow: p.config.WhatToShow,
					},
					AttemptCount: 0,
					FirstSeenAt:  time.Time{},
					Status:       types.RequestStatusPending,
				},
				Symbol:    target.Symbol,
				Timeframe: target.Timeframe,
				Range:     shard,
			})
		}
	}

	p.logger.Info("batch plan built",
		zap.String("strategy", string(strategy)),
		zap.Int("targets", len(targets)),
		zap.Int("requests", len(plan.Requests)),
	)

	return plan, nil
}

// shard splits a target range at the max-bars allowance. Subranges are
// adjacent and never overlap.
func (p *Planner) shard(target Target) []types.TimeRange {
	step := time.Duration(p.config.MaxBarsPerRequest) * target.Timeframe.Duration()

	var shards []types.TimeRange

	for cursor := target.Range.Start; cursor.Before(target.Range.End); cursor = cursor.Add(step) {
		end := cursor.Add(step)
		if end.After(target.Range.End) {
			end = target.Range.End
		}

		shards = append(shards, types.TimeRange{Start: cursor, End: end})
	}

	return shards
}

// priority assigns request priority. MIXED prefers finer timeframes to
// unblock downstream validation; other strategies run at normal priority.
func (p *Planner) priority(strategy Strategy, tf types.Timeframe) types.RequestPriority {
	if strategy != StrategyMixed {
		return types.PriorityNormal
	}

	switch tf {
	case types.Timeframe1m:
		return types.PriorityCritical
	case types.Timeframe15m:
		return types.PriorityHigh
	case types.Timeframe1h:
		return types.PriorityNormal
	case types.Timeframe4h:
		return types.PriorityLow
	default:
		return types.PriorityLowest
	}
}

// orderSequential sorts symbol-major then timeframe-minor.
func (p *Planner) orderSequential(targets []Target) []Target {
	ordered := make([]Target, len(targets))
	copy(ordered, targets)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Symbol != ordered[j].Symbol {
			return ordered[i].Symbol < ordered[j].Symbol
		}

		return ordered[i].Timeframe.Duration() < ordered[j].Timeframe.Duration()
	})

	return ordered
}

// orderParallelBySymbol groups by timeframe slot, then emits chunks of up
// to K symbols per slot.
func (p *Planner) orderParallelBySymbol(targets []Target) []Target {
	byTimeframe := make(map[types.Timeframe][]Target)

	for _, target := range targets {
		byTimeframe[target.Timeframe] = append(byTimeframe[target.Timeframe], target)
	}

	var ordered []Target

	for _, tf := range types.AllTimeframes() {
		group := byTimeframe[tf]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Symbol < group[j].Symbol })

		for start := 0; start < len(group); start += p.config.ParallelSymbols {
			end := start + p.config.ParallelSymbols
			if end > len(group) {
				end = len(group)
			}

			ordered = append(ordered, group[start:end]...)
		}
	}

	return ordered
}

// orderParallelByTimeframe emits, per symbol, all its timeframes together.
func (p *Planner) orderParallelByTimeframe(targets []Target) []Target {
	bySymbol := make(map[string][]Target)

	var symbols []string

	for _, target := range targets {
		if _, seen := bySymbol[target.Symbol]; !seen {
			symbols = append(symbols, target.Symbol)
		}

		bySymbol[target.Symbol] = append(bySymbol[target.Symbol], target)
	}

	sort.Strings(symbols)

	var ordered []Target

	for _, symbol := range symbols {
		group := bySymbol[symbol]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timeframe.Duration() < group[j].Timeframe.Duration()
		})

		ordered = append(ordered, group...)
	}

	return ordered
}

// orderMixed round-robins across the (symbol x timeframe) matrix with
// finer timeframes first; the finer-first preference also shows up as
// higher request priority.
func (p *Planner) orderMixed(targets []Target) []Target {
	byTimeframe := make(map[types.Timeframe][]Target)

	for _, target := range targets {
		byTimeframe[target.Timeframe] = append(byTimeframe[target.Timeframe], target)
	}

	lanes := make([][]Target, 0, len(byTimeframe))

	for _, tf := range types.AllTimeframes() {
		group := byTimeframe[tf]
		if len(group) == 0 {
			continue
		}

		sort.SliceStable(group, func(i, j int) bool { return group[i].Symbol < group[j].Symbol })
		lanes = append(lanes, group)
	}

	var ordered []Target

	for len(lanes) > 0 {
		next := make([][]Target, 0, len(lanes))

		for _, lane := range lanes {
			ordered = append(ordered, lane[0])
			if len(lane) > 1 {
				next = append(next, lane[1:])
			}
		}

		lanes = next
	}

	return ordered
}
