package providers

import (
	"fmt"
	"sort"

	"github.com/aigateway/backend/internal/config"
)

// Registry holds the configured provider instances by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds the known provider clients from configuration.
// Providers without an API key are still registered; their calls fail
// upstream, which the fallback chain handles.
func NewRegistry(cfgs map[string]config.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(cfgs))}
	for name, cfg := range cfgs {
		switch name {
		case "openai":
			r.providers[name] = NewOpenAIProvider(cfg)
		case "gemini":
			r.providers[name] = NewGeminiProvider(cfg)
		default:
			return nil, fmt.Errorf("providers: unknown provider %q", name)
		}
	}
	return r, nil
}

// Register replaces or adds a provider. Used by tests and custom wiring.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
