package providers

import (
	"fmt"
	"sort"
	"sync"

	"llmgateway/internal/core"
)

// Builder creates a fresh client for one request.
type Builder func(opts Options) Client

// Registration binds a vendor tag to its client builder. Vendor packages
// export one as `Registration`.
type Registration struct {
	Vendor core.Vendor
	New    Builder
}

// Factory maps vendor tags to client builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[core.Vendor]Builder
}

// NewFactory creates a factory with the given registrations.
func NewFactory(regs ...Registration) *Factory {
	f := &Factory{builders: make(map[core.Vendor]Builder)}
	for _, reg := range regs {
		f.Add(reg)
	}
	return f
}

// Add registers or replaces a vendor builder.
func (f *Factory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[reg.Vendor] = reg.New
}

// Create builds a client for vendor.
func (f *Factory) Create(vendor core.Vendor, opts Options) (Client, error) {
	f.mu.RLock()
	builder, ok := f.builders[vendor]
	f.mu.RUnlock()
	if !ok {
		return nil, core.NewConfigurationError(fmt.Sprintf("no client registered for vendor %q", vendor), nil)
	}
	return builder(opts), nil
}

// Vendors lists registered vendor tags in sorted order.
func (f *Factory) Vendors() []core.Vendor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.Vendor, 0, len(f.builders))
	for v := range f.builders {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
