package indicator

import (
	"fmt"
	"sync"

	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/types"
)

// Factory builds a streaming indicator from one parameterization.
type Factory func(params types.IndicatorParams) (Streaming, error)

// Registry manages the available indicator families.
type Registry interface {
	RegisterFamily(family types.IndicatorFamily, factory Factory) error
	NewStreaming(params types.IndicatorParams) (Streaming, error)
	ListFamilies() []types.IndicatorFamily
	RemoveFamily(family types.IndicatorFamily) error
}

// RegistryV1 manages the available indicator families.
type RegistryV1 struct {
	factories map[types.IndicatorFamily]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry pre-populated with every supported family.
func NewRegistry(cal *calendar.Calendar) Registry {
	r := &RegistryV1{
		factories: make(map[types.IndicatorFamily]Factory),
		mu:        sync.RWMutex{},
	}

	r.factories[types.IndicatorSMA] = NewSMA
	r.factories[types.IndicatorEMA] = NewEMA
	r.factories[types.IndicatorRSI] = NewRSI
	r.factories[types.IndicatorMACD] = NewMACD
	r.factories[types.IndicatorBollingerBands] = NewBollingerBands
	r.factories[types.IndicatorATR] = NewATR
	r.factories[types.IndicatorStochastic] = NewStochastic
	r.factories[types.IndicatorVWAP] = vwapFactory(cal)
	r.factories[types.IndicatorOBV] = NewOBV
	r.factories[types.IndicatorADX] = NewADX

	return r
}

// RegisterFamily adds a family factory to the registry.
func (r *RegistryV1) RegisterFamily(family types.IndicatorFamily, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[family]; exists {
		return fmt.Errorf("RegisterFamily: family %s already registered", family)
	}

	r.factories[family] = factory

	return nil
}

// NewStreaming builds a streaming indicator for the parameterization.
func (r *RegistryV1) NewStreaming(params types.IndicatorParams) (Streaming, error) {
	r.mu.RLock()
	factory, exists := r.factories[params.Family]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("NewStreaming: family %s not found", params.Family)
	}

	return factory(params)
}

// ListFamilies returns all registered families.
func (r *RegistryV1) ListFamilies() []types.IndicatorFamily {
	r.mu.RLock()
	defer r.mu.RUnlock()

	families := make([]types.IndicatorFamily, 0, len(r.factories))
	for family := range r.factories {
		families = append(families, family)
	}

	return families
}

// RemoveFamily removes a family from the registry.
func (r *RegistryV1) RemoveFamily(family types.IndicatorFamily) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[family]; !exists {
		return fmt.Errorf("RemoveFamily: family %s not found", family)
	}

	delete(r.factories, family)

	return nil
}
