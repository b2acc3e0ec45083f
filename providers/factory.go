package providers

import (
	"github.com/DataBiosphere/bond/core"
)

// BuildCatalog constructs the immutable provider catalog from configured
// provider entries.
func BuildCatalog(configs []core.ProviderConfig, options ...Option) (*core.ProviderCatalog, error) {
	adapters := make([]core.ProviderAdapter, 0, len(configs))
	for _, cfg := range configs {
		adapter, err := New(cfg, options...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return core.NewProviderCatalog(adapters...)
}
