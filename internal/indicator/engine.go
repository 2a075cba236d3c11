package indicator

import (
	"fmt"
	"sync"

	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"go.uber.org/zap"
)

// stateKey identifies one streaming state.
type stateKey struct {
	Symbol      string
	Timeframe   types.Timeframe
	Fingerprint string
}

// Engine advances every configured parameterization for each incoming bar
// and emits indicator values. State is per (symbol, timeframe,
// fingerprint); bars for one key must arrive in strict timestamp order.
// Keys are independent: callers may advance different keys from different
// workers, but never the same key concurrently.
type Engine struct {
	catalog  []types.IndicatorParams
	registry Registry
	logger   *logger.Logger

	mu     sync.Mutex
	states map[stateKey]Streaming
}

// NewEngine creates an engine for the configured catalog. Every
// parameterization is constructed once up front so configuration errors
// surface at startup rather than mid-stream.
func NewEngine(catalog []types.IndicatorParams, registry Registry, log *logger.Logger) (*Engine, error) {
	seen := make(map[string]struct{}, len(catalog))

	for _, params := range catalog {
		fingerprint := params.Fingerprint()
		if _, dup := seen[fingerprint]; dup {
			return nil, fmt.Errorf("duplicate indicator parameterization %s", fingerprint)
		}

		seen[fingerprint] = struct{}{}

		if _, err := registry.NewStreaming(params); err != nil {
			return nil, fmt.Errorf("invalid %s parameterization: %w", params.Family, err)
		}
	}

	return &Engine{
		catalog:  catalog,
		registry: registry,
		logger:   log,
		mu:       sync.Mutex{},
		states:   make(map[stateKey]Streaming),
	}, nil
}

// Catalog returns the configured parameterizations.
func (e *Engine) Catalog() []types.IndicatorParams {
	return e.catalog
}

// Advance feeds one bar through every configured parameterization for the
// bar's (symbol, timeframe) and returns the emitted values.
func (e *Engine) Advance(bar types.Bar) ([]types.IndicatorValue, error) {
	values := make([]types.IndicatorValue, 0, len(e.catalog))

	for _, params := range e.catalog {
		fingerprint := params.Fingerprint()

		state, err := e.state(stateKey{
			Symbol:      bar.Symbol,
			Timeframe:   bar.Timeframe,
			Fingerprint: fingerprint,
		}, params)
		if err != nil {
			return nil, err
		}

		for _, out := range state.Update(bar) {
			values = append(values, types.IndicatorValue{
				Symbol:      bar.Symbol,
				Timeframe:   bar.Timeframe,
				Timestamp:   bar.Timestamp,
				Family:      params.Family,
				Fingerprint: fingerprint,
				Field:       out.Field,
				Value:       out.Value,
				Valid:       out.Valid,
			})
		}
	}

	return values, nil
}

// ResetKey discards all streaming state for one (symbol, timeframe) so a
// replay starts from scratch. Replaying the same bar sequence afterwards
// yields bit-identical values.
func (e *Engine) ResetKey(symbol string, timeframe types.Timeframe) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.states {
		if key.Symbol == symbol && key.Timeframe == timeframe {
			delete(e.states, key)
		}
	}
}

// InvalidateFingerprint discards all state for one parameterization across
// every key. Called when a parameter set is reconfigured; the pipeline then
// recomputes the fingerprint's values over the stored range.
func (e *Engine) InvalidateFingerprint(fingerprint string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.states {
		if key.Fingerprint == fingerprint {
			delete(e.states, key)
		}
	}

	e.logger.Info("indicator fingerprint invalidated", zap.String("fingerprint", fingerprint))
}

func (e *Engine) state(key stateKey, params types.IndicatorParams) (Streaming, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.states[key]; ok {
		return state, nil
	}

	state, err := e.registry.NewStreaming(params)
	if err != nil {
		return nil, err
	}

	e.states[key] = state

	return state, nil
}
