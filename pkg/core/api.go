// Package core is the facade consumed by REST/CLI collaborators. Every
// operation returns a result envelope carrying either data or an error
// kind with diagnostics; collaborators never touch storage directly.
package core

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/marketdna/dna-pipeline/internal/pipeline"
	"github.com/marketdna/dna-pipeline/internal/storage"
	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
)

// Envelope is the uniform result wrapper.
type Envelope[T any] struct {
	Data        T        `json:"data"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// ok wraps successful data.
func ok[T any](data T) Envelope[T] {
	return Envelope[T]{Data: data, ErrorKind: "", Diagnostics: nil}
}

// fail wraps an error into its kind plus diagnostics.
func fail[T any](err error) Envelope[T] {
	var zero T

	return Envelope[T]{
		Data:        zero,
		ErrorKind:   kindOf(err),
		Diagnostics: []string{err.Error()},
	}
}

// kindOf names the error kind for the envelope.
func kindOf(err error) string {
	switch pkgerrors.GetCode(err) {
	case pkgerrors.ErrCodeConfigInvalid, pkgerrors.ErrCodeConfigUnknownField, pkgerrors.ErrCodeConfigCrossField, pkgerrors.ErrCodeInvalidParameter, pkgerrors.ErrCodeInvalidTimeframe, pkgerrors.ErrCodeInvalidStrategy:
		return "ConfigInvalid"
	case pkgerrors.ErrCodeSessionUnavailable, pkgerrors.ErrCodeSessionDegraded, pkgerrors.ErrCodeProbeFailed, pkgerrors.ErrCodeHandshakeFailed:
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
	case pkgerrors.ErrCodeIndicatorWarmup:
		return "IndicatorWarmup"
	case pkgerrors.ErrCodeSimulationIndeterminate:
		return "SimulationIndeterminate"
	case pkgerrors.ErrCodeCancelled:
		return "Cancelled"
	case pkgerrors.ErrCodeInternalInvariant, pkgerrors.ErrCodeLabelWithoutBar:
		return "InternalInvariant"
	case pkgerrors.ErrCodeRunNotFound, pkgerrors.ErrCodeRunInProgress, pkgerrors.ErrCodePartialRun:
		return "PipelineError"
	default:
		return "Unknown"
	}
}

// API is the core surface.
type API struct {
	orchestrator *pipeline.Orchestrator
	validate     *validator.Validate
}

// New wraps an orchestrator.
func New(orchestrator *pipeline.Orchestrator) *API {
	return &API{
		orchestrator: orchestrator,
		validate:     validator.New(),
	}
}

// GetBars reads stored bars for one (symbol, timeframe) range.
func (a *API) GetBars(symbol string, tf types.Timeframe, rng types.TimeRange) Envelope[[]types.Bar] {
	bars, err := a.orchestrator.Store().Query(symbol, tf, rng, storage.QueryFilter{})
	if err != nil {
		return fail[[]types.Bar](err)
	}

	return ok(bars)
}

// GetLabels reads simulation labels for a symbol across timeframes.
func (a *API) GetLabels(symbol string, rng types.TimeRange) Envelope[[]types.SimulationLabel] {
	labels, err := a.orchestrator.Store().GetLabels(symbol, rng)
	if err != nil {
		return fail[[]types.SimulationLabel](err)
	}

	return ok(labels)
}

// QualityReport aggregates stored quality over a range.
func (a *API) QualityReport(rng types.TimeRange) Envelope[storage.StoreQuality] {
	quality, err := a.orchestrator.Store().QualityReport(rng, a.orchestrator.AcceptanceThreshold())
	if err != nil {
		return fail[storage.StoreQuality](err)
	}

	return ok(quality)
}

// MissingMinutes detects expected-but-absent grid timestamps.
func (a *API) MissingMinutes(symbol string, tf types.Timeframe, rng types.TimeRange) Envelope[storage.MissingReport] {
	missing, err := a.orchestrator.Store().DetectMissing(symbol, tf, rng)
	if err != nil {
		return fail[storage.MissingReport](err)
	}

	return ok(missing)
}

// PipelineStatus reads the orchestrator state.
func (a *API) PipelineStatus() Envelope[pipeline.Status] {
	return ok(a.orchestrator.Status())
}

// RunPipeline executes a run synchronously and returns its report. A
// partial run returns the report together with the PipelineError kind.
func (a *API) RunPipeline(ctx context.Context, spec pipeline.RunSpec) Envelope[types.RunReport] {
	if err := a.validate.Struct(spec); err != nil {
		return fail[types.RunReport](pkgerrors.Wrap(pkgerrors.ErrCodeConfigInvalid, "invalid run spec", err))
	}

	report, err := a.orchestrator.Run(ctx, spec)
	if err != nil {
		envelope := fail[types.RunReport](err)
		envelope.Data = report

		return envelope
	}

	return ok(report)
}

// CancelRun cancels the active run by id.
func (a *API) CancelRun(runID string) Envelope[struct{}] {
	if err := a.orchestrator.CancelRun(runID); err != nil {
		return fail[struct{}](err)
	}

	return ok(struct{}{})
}
