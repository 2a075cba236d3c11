// Package config loads and validates the single structured configuration
// object. Unknown options are rejected; cross-field violations fail at
// startup with ConfigInvalid.
package config

import (
	"bytes"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"github.com/marketdna/dna-pipeline/internal/broker"
	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/governor"
	"github.com/marketdna/dna-pipeline/internal/planner"
	"github.com/marketdna/dna-pipeline/internal/simulator"
	"github.com/marketdna/dna-pipeline/internal/types"
	vdtr "github.com/marketdna/dna-pipeline/internal/validator"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"gopkg.in/yaml.v3"
)

// IndicatorSpec is one enabled parameterization in the indicator catalog.
type IndicatorSpec struct {
	Family string             `yaml:"family" validate:"required"`
	Params map[string]float64 `yaml:"params"`
}

// CrossTimeframeConfig tunes the cross-timeframe consistency pass.
type CrossTimeframeConfig struct {
	Policy vdtr.RefetchPolicy `yaml:"policy" validate:"oneof=REFETCH_COARSER REFETCH_FINER"`
	// PriceTolerance is the absolute slack allowed on price fields before a
	// coarser bar counts as inconsistent.
	PriceTolerance float64 `yaml:"price_tolerance" validate:"gte=0"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	// Path is the DuckDB database file; ":memory:" is accepted for tests.
	Path string `yaml:"path" validate:"required"`
}

// Config is the single configuration object recognized by the pipeline.
type Config struct {
	Broker         broker.Config        `yaml:"broker"`
	Governor       governor.Config      `yaml:"governor"`
	Planner        planner.Config       `yaml:"planner"`
	Validator      vdtr.Config          `yaml:"validator"`
	CrossTimeframe CrossTimeframeConfig `yaml:"cross_timeframe"`
	Calendar       calendar.Config      `yaml:"calendar"`
	Simulation     simulator.Config     `yaml:"simulation"`
	Indicators     []IndicatorSpec      `yaml:"indicators" validate:"dive"`
	// WorkerBudget is the injected CPU-stage worker count; 0 means
	// min(hardware cores, 8).
	WorkerBudget int           `yaml:"worker_budget" validate:"gte=0"`
	Storage      StorageConfig `yaml:"storage"`
}

// Default returns the full default configuration. Broker endpoint and
// client id stay empty and must come from the file.
func Default() Config {
	return Config{
		Broker:   broker.DefaultConfig(),
		Governor: governor.DefaultConfig(),
		Planner:  planner.DefaultConfig(),
		Validator: vdtr.DefaultConfig(),
		CrossTimeframe: CrossTimeframeConfig{
			Policy:         vdtr.RefetchCoarser,
			PriceTolerance: 1e-6,
		},
		Calendar:   calendar.DefaultConfig(),
		Simulation: simulator.DefaultConfig(),
		Indicators: []IndicatorSpec{
			{Family: string(types.IndicatorSMA), Params: map[string]float64{"period": 20}},
			{Family: string(types.IndicatorEMA), Params: map[string]float64{"period": 20}},
			{Family: string(types.IndicatorRSI), Params: map[string]float64{"period": 14}},
			{Family: string(types.IndicatorMACD), Params: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
			{Family: string(types.IndicatorBollingerBands), Params: map[string]float64{"period": 20, "std_dev": 2}},
			{Family: string(types.IndicatorATR), Params: map[string]float64{"period": 14}},
			{Family: string(types.IndicatorVWAP), Params: map[string]float64{"session_reset": 1}},
			{Family: string(types.IndicatorOBV), Params: nil},
		},
		WorkerBudget: 0,
		Storage: StorageConfig{
			Path: "dna_pipeline.duckdb",
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown fields are
// rejected.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, pkgerrors.Wrap(pkgerrors.ErrCodeConfigInvalid, "failed to read config file", err)
	}

	return Parse(raw)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	config := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	if err := decoder.Decode(&config); err != nil {
		return Config{}, pkgerrors.Wrap(pkgerrors.ErrCodeConfigUnknownField, "failed to decode config", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate applies struct tags and cross-field checks.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeConfigInvalid, "configuration schema check failed", err)
	}

	if c.Broker.Endpoint == "" || c.Broker.ClientID == "" {
		return pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "broker endpoint and client_id are required")
	}

	for _, kind := range types.AllRequestKinds() {
		if _, ok := c.Governor.Kinds[kind]; !ok {
			return pkgerrors.Newf(pkgerrors.ErrCodeConfigCrossField, "governor config missing request kind %s", kind)
		}
	}

	if c.Validator.AcceptanceThreshold <= 0 || c.Validator.AcceptanceThreshold > 100 {
		return pkgerrors.Newf(pkgerrors.ErrCodeConfigInvalid, "acceptance threshold %.1f out of (0, 100]", c.Validator.AcceptanceThreshold)
	}

	if c.Simulation.EntryWindow.Start < c.Calendar.Regular.Start || c.Simulation.EntryWindow.End > c.Calendar.Regular.End {
		return pkgerrors.New(pkgerrors.ErrCodeConfigCrossField, "simulation entry window must sit inside regular hours")
	}

	if c.Simulation.ForceCloseOffset <= 0 {
		return pkgerrors.New(pkgerrors.ErrCodeConfigInvalid, "force close offset must be positive")
	}

	if _, err := c.IndicatorCatalog(); err != nil {
		return err
	}

	return nil
}

// IndicatorCatalog converts the enabled specs into typed parameter sets.
func (c *Config) IndicatorCatalog() ([]types.IndicatorParams, error) {
	catalog := make([]types.IndicatorParams, 0, len(c.Indicators))
	known := make(map[types.IndicatorFamily]struct{})

	for _, family := range types.AllIndicatorFamilies() {
		known[family] = struct{}{}
	}

	for _, spec := range c.Indicators {
		family := types.IndicatorFamily(spec.Family)
		if _, ok := known[family]; !ok {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeConfigInvalid, "unknown indicator family %q", spec.Family)
		}

		catalog = append(catalog, types.IndicatorParams{
			Family: family,
			Values: spec.Params,
		})
	}

	return catalog, nil
}

// Workers resolves the worker budget: the configured value, or
// min(hardware cores, 8) when unset.
func (c *Config) Workers() int {
	if c.WorkerBudget > 0 {
		return c.WorkerBudget
	}

	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}

	return workers
}
