package core

import (
	"fmt"
	"sort"
	"strings"
)

// ProviderCatalog is the immutable set of registered provider adapters.
// It is built once at startup and only read afterwards, so lookups need
// no locking.
type ProviderCatalog struct {
	providers map[string]ProviderAdapter
	ids       []string
}

func NewProviderCatalog(adapters ...ProviderAdapter) (*ProviderCatalog, error) {
	providers := make(map[string]ProviderAdapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, fmt.Errorf("core: nil provider adapter")
		}
		id := strings.TrimSpace(adapter.ID())
		if id == "" {
			return nil, fmt.Errorf("core: provider adapter has empty id")
		}
		if _, exists := providers[id]; exists {
			return nil, fmt.Errorf("core: provider %q registered twice", id)
		}
		providers[id] = adapter
	}

	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &ProviderCatalog{providers: providers, ids: ids}, nil
}

func (c *ProviderCatalog) Get(id string) (ProviderAdapter, bool) {
	if c == nil {
		return nil, false
	}
	adapter, ok := c.providers[strings.TrimSpace(id)]
	return adapter, ok
}

// IDs returns the registered provider ids in sorted order.
func (c *ProviderCatalog) IDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.ids...)
}

func (c *ProviderCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.providers)
}
