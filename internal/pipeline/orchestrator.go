// Package pipeline wires the planner, governor, broker session, validators,
// storage, indicator engine and simulator into the end-to-end ingestion
// flow. A single orchestrator object owns every subordinate component;
// status reporting is a pure read of orchestrator state.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketdna/dna-pipeline/internal/broker"
	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/config"
	"github.com/marketdna/dna-pipeline/internal/governor"
	"github.com/marketdna/dna-pipeline/internal/indicator"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/planner"
	"github.com/marketdna/dna-pipeline/internal/simulator"
	"github.com/marketdna/dna-pipeline/internal/storage"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/marketdna/dna-pipeline/internal/validator"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunSpec describes one pipeline run.
type RunSpec struct {
	Symbols    []string          `yaml:"symbols" validate:"required,min=1"`
	Timeframes []types.Timeframe `yaml:"timeframes" validate:"required,min=1"`
	Range      types.TimeRange   `yaml:"range" validate:"required"`
	Strategy   planner.Strategy  `yaml:"strategy" validate:"required"`
}

// Status is the externally visible orchestrator snapshot.
type Status struct {
	State        types.PipelineState                      `json:"state"`
	RunID        string                                   `json:"run_id,omitempty"`
	SessionState broker.State                             `json:"session_state"`
	Governor     map[types.RequestKind]governor.KindStats `json:"governor"`
}

// Orchestrator owns all pipeline components and executes runs.
type Orchestrator struct {
	config    config.Config
	calendar  *calendar.Calendar
	planner   *planner.Planner
	session   *broker.Session
	governor  *governor.Governor
	validator *validator.BarValidator
	crossTF   *validator.CrossTimeframeValidator
	store     *storage.Engine
	engine    *indicator.Engine
	simulator *simulator.Simulator
	logger    *logger.Logger

	mu         sync.Mutex
	state      types.PipelineState
	runID      string
	runCancel  context.CancelFunc
	lastReport optional.Option[types.RunReport]
}

// New builds the orchestrator and all subordinate components from the
// validated configuration.
func New(cfg config.Config, log *logger.Logger) (*Orchestrator, error) {
	return NewWithDialer(cfg, nil, log)
}

// NewWithDialer builds the orchestrator with a custom broker transport.
// Used by tests to substitute a scripted broker.
func NewWithDialer(cfg config.Config, dialer broker.Dialer, log *logger.Logger) (*Orchestrator, error) {
	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeConfigInvalid, "invalid calendar config", err)
	}

	catalog, err := cfg.IndicatorCatalog()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewEngine(cfg.Storage.Path, catalog, cal, log)
	if err != nil {
		return nil, err
	}

	registry := indicator.NewRegistry(cal)

	engine, err := indicator.NewEngine(catalog, registry, log)
	if err != nil {
		store.Close()

		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeIndicatorConfig, "invalid indicator catalog", err)
	}

	var session *broker.Session
	if dialer != nil {
		session = broker.NewSessionWithDialer(cfg.Broker, dialer, log)
	} else {
		session = broker.NewSession(cfg.Broker, log)
	}

	o := &Orchestrator{
		config:    cfg,
		calendar:  cal,
		planner:   planner.New(cfg.Planner, log),
		session:   session,
		governor:  governor.New(cfg.Governor, session, log),
		validator: validator.NewBarValidator(cfg.Validator, cal, log),
		crossTF:   validator.NewCrossTimeframeValidator(cfg.CrossTimeframe.Policy, cfg.CrossTimeframe.PriceTolerance, cal, log),
		store:     store,
		engine:    engine,
		simulator: simulator.New(cfg.Simulation, cal, log),
		logger:    log,

		mu:         sync.Mutex{},
		state:      types.PipelineIdle,
		runID:      "",
		runCancel:  nil,
		lastReport: optional.None[types.RunReport](),
	}

	return o, nil
}

// Status reads the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Status{
		State:        o.state,
		RunID:        o.runID,
		SessionState: o.session.Status(),
		Governor:     o.governor.Stats(),
	}
}

// LastReport returns the most recent run report, if any.
func (o *Orchestrator) LastReport() optional.Option[types.RunReport] {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.lastReport
}

// Store exposes read-through queries to the core API surface.
func (o *Orchestrator) Store() *storage.Engine {
	return o.store
}

// AcceptanceThreshold exposes the configured threshold for quality reads.
func (o *Orchestrator) AcceptanceThreshold() float64 {
	return o.config.Validator.AcceptanceThreshold
}

// CancelRun cancels the active run. The orchestrator drains in-flight
// requests, commits completed work and reports the uncompleted subset.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runID != runID || o.runCancel == nil {
		return pkgerrors.Newf(pkgerrors.ErrCodeRunNotFound, "run %s is not active", runID)
	}

	o.state = types.PipelineDraining
	o.runCancel()

	return nil
}

// Shutdown performs the two-phase stop: no new requests, drain, flush,
// close the session and the store.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
	}

	o.state = types.PipelineStopped
	o.mu.Unlock()

	o.governor.Shutdown()
	o.session.Disconnect()

	if err := o.store.Close(); err != nil {
		o.logger.Warn("failed to close store", zap.Error(err))
	}
}

// Run executes one pipeline run: plan, fetch through the governor,
// validate, compute indicators, simulate, store each lane's bars, values
// and labels in one commit, then cross-check aligned timeframes. Partial failures in one symbol do not block others.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) (types.RunReport, error) {
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.state == types.PipelineRunning {
		o.mu.Unlock()

		return types.RunReport{}, pkgerrors.New(pkgerrors.ErrCodeRunInProgress, "a run is already active")
	}

	o.state = types.PipelineRunning
	o.runID = runID
	o.runCancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.state = types.PipelineIdle
		o.runID = ""
		o.runCancel = nil
		o.mu.Unlock()
	}()

	report := types.RunReport{
		RunID:          runID,
		StartedAt:      time.Now().UTC(),
		FinishedAt:     time.Time{},
		BarsFetched:    0,
		BarsStored:     0,
		BarsRejected:   0,
		LabelsProduced: 0,
		IndicatorRows:  0,
		Quality:        types.NewQualityAggregate(),
		Items:          nil,
	}

	if err := o.ensureSession(runCtx); err != nil {
		return report, err
	}

	plan, err := o.planRun(spec)
	if err != nil {
		return report, err
	}

	byKey := groupByKey(plan.Requests)

	var (
		reportMu sync.Mutex
		group    errgroup.Group
	)

	group.SetLimit(o.config.Workers())

	for _, key := range orderedKeys(byKey) {
		requests := byKey[key]

		group.Go(func() error {
			outcome := o.processKey(runCtx, key, requests)

			reportMu.Lock()
			defer reportMu.Unlock()

			report.BarsFetched += outcome.fetched
			report.BarsStored += outcome.stored
			report.BarsRejected += outcome.rejected
			report.LabelsProduced += outcome.labels
			report.IndicatorRows += outcome.indicators
			mergeAggregates(&report.Quality, outcome.quality)
			report.Items = append(report.Items, outcome.items...)

			return nil
		})
	}

	// processKey never returns an error: per-key failures land in the
	// report so other symbols keep flowing.
	_ = group.Wait()

	o.crossValidate(runCtx, spec, &report)

	sort.SliceStable(report.Items, func(i, j int) bool {
		if report.Items[i].Symbol != report.Items[j].Symbol {
			return report.Items[i].Symbol < report.Items[j].Symbol
		}

		if report.Items[i].Timeframe != report.Items[j].Timeframe {
			return report.Items[i].Timeframe.Duration() < report.Items[j].Timeframe.Duration()
		}

		return report.Items[i].Range.Start.Before(report.Items[j].Range.Start)
	})

	report.FinishedAt = time.Now().UTC()

	o.mu.Lock()
	o.lastReport = optional.Some(report)
	o.mu.Unlock()

	if runCtx.Err() != nil {
		return report, pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "run cancelled", runCtx.Err())
	}

	if !report.Succeeded() {
		return report, pkgerrors.Newf(pkgerrors.ErrCodePartialRun, "run %s completed partially", runID)
	}

	return report, nil
}

// ensureSession brings the broker session to READY with one Connect
// attempt; a failed attempt is returned as SessionUnavailable, not retried.
func (o *Orchestrator) ensureSession(ctx context.Context) error {
	if o.session.Status() == broker.StateReady {
		return nil
	}

	if err := o.session.Connect(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeSessionUnavailable, "broker session cannot reach READY", err)
	}

	return nil
}

// planRun builds the plan and trims shards already committed, so a crashed
// run resumes from the last committed timestamp per key.
func (o *Orchestrator) planRun(spec RunSpec) (planner.Plan, error) {
	var targets []planner.Target

	for _, symbol := range spec.Symbols {
		for _, tf := range spec.Timeframes {
			targets = append(targets, planner.Target{
				Symbol:    symbol,
				Timeframe: tf,
				Range:     spec.Range,
			})
		}
	}

	plan, err := o.planner.BuildPlan(targets, spec.Strategy)
	if err != nil {
		return planner.Plan{}, err
	}

	trimmed := plan.Requests[:0]

	for _, planned := range plan.Requests {
		resume, err := o.store.LastCommitted(planned.Symbol, planned.Timeframe)
		if err != nil {
			return planner.Plan{}, err
		}

		if resume.IsSome() {
			next := resume.Unwrap().Add(planned.Timeframe.Duration())
			if !next.After(planned.Range.Start) {
				// Nothing committed inside this shard yet.
			} else if !next.Before(planned.Range.End) {
				continue
			} else {
				planned.Range.Start = next
				if payload, ok := planned.Request.Payload.(types.HistoricalBarsPayload); ok {
					payload.Range.Start = next
					planned.Request.Payload = payload
				}
			}
		}

		trimmed = append(trimmed, planned)
	}

	plan.Requests = trimmed

	return plan, nil
}

// barKey identifies one (symbol, timeframe) lane.
type barKey struct {
	Symbol    string
	Timeframe types.Timeframe
}

// keyOutcome accumulates one lane's results.
type keyOutcome struct {
	fetched    int
	stored     int
	rejected   int
	labels     int
	indicators int
	quality    types.QualityAggregate
	items      []types.RunItemResult
}

// processKey runs fetch -> validate -> indicators -> simulate -> commit for
// one lane. Bars flow in strict timestamp order; the final commit writes
// bars, indicator values and labels in one transaction.
func (o *Orchestrator) processKey(ctx context.Context, key barKey, requests []planner.PlannedRequest) keyOutcome {
	outcome := keyOutcome{
		fetched:    0,
		stored:     0,
		rejected:   0,
		labels:     0,
		indicators: 0,
		quality:    types.NewQualityAggregate(),
		items:      nil,
	}

	var (
		acceptedBars []storage.StoredBar
		allAccepted  []types.Bar
	)

	o.engine.ResetKey(key.Symbol, key.Timeframe)

	failed := false

	for _, planned := range requests {
		item := types.RunItemResult{
			Symbol:    planned.Symbol,
			Timeframe: planned.Timeframe,
			Range:     planned.Range,
			State:     types.RunItemCompleted,
			ErrorKind: "",
			Message:   "",
		}

		if failed || ctx.Err() != nil {
			item.State = types.RunItemCancelled
			item.Message = "skipped after earlier failure in lane"
			outcome.items = append(outcome.items, item)

			continue
		}

		bars, err := o.fetchShard(ctx, planned)

		switch {
		case err == nil:
		case pkgerrors.HasCode(err, pkgerrors.ErrCodeMissingRange):
			item.Message = "broker has no data for range"
			outcome.items = append(outcome.items, item)

			continue
		case pkgerrors.HasCode(err, pkgerrors.ErrCodeCancelled):
			item.State = types.RunItemCancelled
			item.ErrorKind = errorKind(err)
			item.Message = err.Error()
			outcome.items = append(outcome.items, item)
			failed = true

			continue
		default:
			item.State = types.RunItemFailed
			item.ErrorKind = errorKind(err)
			item.Message = err.Error()
			outcome.items = append(outcome.items, item)
			failed = true

			continue
		}

		outcome.fetched += len(bars)

		batch := o.validator.ValidateBatch(bars)
		mergeAggregates(&outcome.quality, batch.Aggregate)
		outcome.rejected += batch.Aggregate.RejectedBars

		for _, result := range batch.Results {
			if !result.Accepted {
				continue
			}

			acceptedBars = append(acceptedBars, storage.StoredBar{
				Bar:     result.Bar,
				Session: result.Session,
				Report:  result.Report,
			})
			allAccepted = append(allAccepted, result.Bar)
		}

		outcome.items = append(outcome.items, item)
	}

	if len(acceptedBars) == 0 {
		return outcome
	}

	values := make([]types.IndicatorValue, 0, len(allAccepted)*len(o.engine.Catalog()))

	for _, bar := range allAccepted {
		barValues, err := o.engine.Advance(bar)
		if err != nil {
			o.markLaneFailed(&outcome, key, err)

			return outcome
		}

		values = append(values, barValues...)
	}

	simResult := o.simulator.Simulate(allAccepted)

	for _, diag := range simResult.Diagnostics {
		o.logger.Warn("label omitted",
			zap.String("symbol", diag.Symbol),
			zap.Time("entry", diag.EntryTimestamp),
			zap.String("reason", diag.Message),
		)
	}

	written, err := o.store.CommitUnit(acceptedBars, values, simResult.Labels)
	if err != nil {
		o.markLaneFailed(&outcome, key, err)

		return outcome
	}

	outcome.stored += written
	outcome.labels += len(simResult.Labels)
	outcome.indicators += len(values)

	return outcome
}

// fetchShard submits one historical request and awaits its bars.
func (o *Orchestrator) fetchShard(ctx context.Context, planned planner.PlannedRequest) ([]types.Bar, error) {
	ticket, err := o.governor.Submit(planned.Request)
	if err != nil {
		return nil, err
	}

	result, err := o.governor.Await(ctx, ticket)
	if err != nil {
		return nil, err
	}

	bars, ok := result.([]types.Bar)
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeInternalInvariant, "historical response carried %T, expected bars", result)
	}

	return bars, nil
}

// markLaneFailed flips the lane's completed items to FAILED once a
// downstream stage (indicators, simulation, storage) breaks.
func (o *Orchestrator) markLaneFailed(outcome *keyOutcome, key barKey, err error) {
	o.logger.Error("lane failed",
		zap.String("symbol", key.Symbol),
		zap.String("timeframe", string(key.Timeframe)),
		zap.Error(err),
	)

	for i := range outcome.items {
		if outcome.items[i].State == types.RunItemCompleted {
			outcome.items[i].State = types.RunItemFailed
			outcome.items[i].ErrorKind = errorKind(err)
			outcome.items[i].Message = err.Error()
		}
	}
}

// RecomputeIndicator invalidates one parameterization's cached values and
// recomputes them over the stored range for the given keys. Called after a
// parameter set is reconfigured.
func (o *Orchestrator) RecomputeIndicator(ctx context.Context, params types.IndicatorParams, symbols []string, timeframes []types.Timeframe, rng types.TimeRange) error {
	fingerprint := params.Fingerprint()

	found := false

	for _, configured := range o.engine.Catalog() {
		if configured.Fingerprint() == fingerprint {
			found = true

			break
		}
	}

	if !found {
		return pkgerrors.Newf(pkgerrors.ErrCodeIndicatorConfig, "parameterization %s is not in the configured catalog", fingerprint)
	}

	if err := o.store.ClearIndicator(fingerprint, params.Family); err != nil {
		return err
	}

	o.engine.InvalidateFingerprint(fingerprint)

	for _, symbol := range symbols {
		for _, tf := range timeframes {
			if ctx.Err() != nil {
				return pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "recompute cancelled", ctx.Err())
			}

			bars, err := o.store.Query(symbol, tf, rng, storage.QueryFilter{})
			if err != nil {
				return err
			}

			o.engine.ResetKey(symbol, tf)

			var values []types.IndicatorValue

			for _, bar := range bars {
				barValues, err := o.engine.Advance(bar)
				if err != nil {
					return err
				}

				for _, value := range barValues {
					if value.Fingerprint == fingerprint {
						values = append(values, value)
					}
				}
			}

			if err := o.store.WriteIndicators(values); err != nil {
				return err
			}
		}
	}

	return nil
}

// crossValidate checks the aggregation identity between every finer/coarser
// timeframe pair of each symbol and performs one refetch round for
// mismatched windows per the configured policy.
func (o *Orchestrator) crossValidate(ctx context.Context, spec RunSpec, report *types.RunReport) {
	if ctx.Err() != nil {
		return
	}

	timeframes := make([]types.Timeframe, len(spec.Timeframes))
	copy(timeframes, spec.Timeframes)
	sort.Slice(timeframes, func(i, j int) bool {
		return timeframes[i].Duration() < timeframes[j].Duration()
	})

	for _, symbol := range spec.Symbols {
		for i := 0; i < len(timeframes); i++ {
			for j := i + 1; j < len(timeframes); j++ {
				finer, coarser := timeframes[i], timeframes[j]

				finerBars, err := o.store.Query(symbol, finer, spec.Range, storage.QueryFilter{})
				if err != nil {
					continue
				}

				coarserBars, err := o.store.Query(symbol, coarser, spec.Range, storage.QueryFilter{})
				if err != nil {
					continue
				}

				result := o.crossTF.Validate(symbol, coarserBars, coarser, finerBars, finer)

				for _, mismatch := range result.Mismatches {
					report.Quality.CountByCode[mismatch.Issue.Code]++
					report.Quality.CountBySeverity[mismatch.Issue.Severity]++
				}

				for _, target := range result.Refetch {
					o.refetchWindow(ctx, target)
				}
			}
		}
	}
}

// refetchWindow re-downloads one mismatched window and re-commits it.
func (o *Orchestrator) refetchWindow(ctx context.Context, target validator.RefetchTarget) {
	planned := planner.PlannedRequest{
		Request: types.Request{
			ID:       uuid.NewString(),
			Kind:     types.RequestKindHistorical,
			Priority: types.PriorityHigh,
			Payload: types.HistoricalBarsPayload{
				Symbol:     target.Symbol,
				Timeframe:  target.Timeframe,
				Range:      target.Range,
				WhatToShow: o.config.Planner.WhatToShow,
			},
			AttemptCount: 0,
			FirstSeenAt:  time.Time{},
			Status:       types.RequestStatusPending,
		},
		Symbol:    target.Symbol,
		Timeframe: target.Timeframe,
		Range:     target.Range,
	}

	bars, err := o.fetchShard(ctx, planned)
	if err != nil {
		o.logger.Warn("refetch failed",
			zap.String("symbol", target.Symbol),
			zap.String("timeframe", string(target.Timeframe)),
			zap.Error(err),
		)

		return
	}

	batch := o.validator.ValidateBatch(bars)

	var stored []storage.StoredBar

	for _, result := range batch.Results {
		if result.Accepted {
			stored = append(stored, storage.StoredBar{
				Bar:     result.Bar,
				Session: result.Session,
				Report:  result.Report,
			})
		}
	}

	if _, err := o.store.BulkUpsert(stored); err != nil {
		o.logger.Warn("refetch upsert failed", zap.Error(err))
	}
}

// errorKind maps a coded error onto its run-report error kind.
func errorKind(err error) string {
	switch pkgerrors.GetCode(err) {
	case pkgerrors.ErrCodeConfigInvalid, pkgerrors.ErrCodeConfigUnknownField, pkgerrors.ErrCodeConfigCrossField:
		return "ConfigInvalid"
	case pkgerrors.ErrCodeSessionUnavailable, pkgerrors.ErrCodeProbeFailed, pkgerrors.ErrCodeHandshakeFailed, pkgerrors.ErrCodeSessionDegraded:
		return "SessionUnavailable"
	case pkgerrors.ErrCodeThrottled:
		return "Throttled"
	case pkgerrors.ErrCodeBarRejected:
		return "BarRejected"
	case pkgerrors.ErrCodeStoreConflict, pkgerrors.ErrCodeSchemaVersionNewer:
		return "StoreConflict"
	case pkgerrors.ErrCodeStoreIOError, pkgerrors.ErrCodeQueryFailed:
		return "StoreIOError"
	case pkgerrors.ErrCodeMissingRange:
		return "MissingRange"
	case pkgerrors.ErrCodeSimulationIndeterminate:
		return "SimulationIndeterminate"
	case pkgerrors.ErrCodeCancelled:
		return "Cancelled"
	case pkgerrors.ErrCodeInternalInvariant, pkgerrors.ErrCodeLabelWithoutBar:
		return "InternalInvariant"
	case pkgerrors.ErrCodeRetriesExhausted, pkgerrors.ErrCodeRequestTimeout:
		return "SessionUnavailable"
	default:
		return fmt.Sprintf("Error(%d)", pkgerrors.GetCode(err))
	}
}

func groupByKey(requests []planner.PlannedRequest) map[barKey][]planner.PlannedRequest {
	byKey := make(map[barKey][]planner.PlannedRequest)

	for _, planned := range requests {
		key := barKey{Symbol: planned.Symbol, Timeframe: planned.Timeframe}
		byKey[key] = append(byKey[key], planned)
	}

	return byKey
}

func orderedKeys(byKey map[barKey][]planner.PlannedRequest) []barKey {
	keys := make([]barKey, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}

		return keys[i].Timeframe.Duration() < keys[j].Timeframe.Duration()
	})

	return keys
}

func mergeAggregates(dst *types.QualityAggregate, src types.QualityAggregate) {
	if src.TotalBars == 0 {
		for code, count := range src.CountByCode {
			dst.CountByCode[code] += count
		}

		return
	}

	total := dst.TotalBars + src.TotalBars
	dst.ScoreMean = (dst.ScoreMean*float64(dst.TotalBars) + src.ScoreMean*float64(src.TotalBars)) / float64(total)

	if dst.TotalBars == 0 || src.ScoreMin < dst.ScoreMin {
		dst.ScoreMin = src.ScoreMin
	}

	dst.TotalBars = total
	dst.AcceptedBars += src.AcceptedBars
	dst.RejectedBars += src.RejectedBars

	for code, count := range src.CountByCode {
		dst.CountByCode[code] += count
	}

	for severity, count := range src.CountBySeverity {
		dst.CountBySeverity[severity] += count
	}
}
