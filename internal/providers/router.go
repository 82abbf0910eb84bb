package providers

import (
	"math/rand"

	"github.com/aigateway/backend/internal/config"
)

// ABRouter picks a provider/model pair by the configured traffic split.
type ABRouter struct {
	enabled         bool
	variants        []config.VariantConfig
	defaultProvider string
	defaultModel    string
	randFn          func() float64 // injected for deterministic tests
}

func NewABRouter(cfg config.ABTestingConfig, defaultProvider, defaultModel string) *ABRouter {
	return &ABRouter{
		enabled:         cfg.Enabled,
		variants:        cfg.Variants,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
		randFn:          rand.Float64,
	}
}

// Route returns the provider and model for one request. Disabled routing
// or an empty variant list yields the default pair; otherwise a weighted
// draw over the cumulative variant percentages.
func (r *ABRouter) Route() (string, string) {
	if !r.enabled || len(r.variants) == 0 {
		return r.defaultProvider, r.defaultModel
	}

	draw := r.randFn() * 100
	cumulative := 0.0
	for _, v := range r.variants {
		cumulative += v.Percentage
		if draw <= cumulative {
			return v.Provider, v.Model
		}
	}
	// Percentages summing below 100 route the remainder to the first
	// variant.
	return r.variants[0].Provider, r.variants[0].Model
}
