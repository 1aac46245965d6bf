package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"llmgateway/internal/core"
)

// Registry is the in-memory view of the catalog. It serves model lookups
// for the provider router and writes changes through to a Cache.
type Registry struct {
	cache  Cache
	logger *slog.Logger

	mu          sync.RWMutex
	catalog     Catalog
	fingerprint uint64
}

// NewRegistry creates an empty registry backed by cache. A nil cache keeps
// the catalog in memory only.
func NewRegistry(cache Cache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cache:   cache,
		logger:  logger,
		catalog: Catalog{Version: CurrentVersion},
	}
}

// Seed is the catalog content coming from configuration.
type Seed struct {
	Models          []core.ModelDescriptor
	ChatModel       string
	CompletionModel string
}

// Load reads the stored catalog, migrates it, and merges seed over it.
// Seeded descriptors replace stored ones with the same UID; seeded
// selections replace stored selections when set. The result is written back
// only if it differs from what was stored.
func (r *Registry) Load(ctx context.Context, seed Seed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	catalog := Catalog{Version: CurrentVersion}
	if r.cache != nil {
		stored, err := r.cache.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load model catalog: %w", err)
		}
		if stored != nil {
			r.fingerprint = fingerprint(stored)
			if Migrate(stored) {
				r.logger.Info("migrated model catalog", "version", stored.Version, "models", len(stored.Models))
			}
			catalog = *stored
		}
	}

	for _, m := range seed.Models {
		if m.Vendor == "" {
			m.Vendor = core.InferVendor(m.URL)
		}
		if err := m.Validate(); err != nil {
			return err
		}
		upsert(&catalog, m)
	}
	if seed.ChatModel != "" {
		catalog.ChatModel = seed.ChatModel
	}
	if seed.CompletionModel != "" {
		catalog.CompletionModel = seed.CompletionModel
	}

	r.catalog = catalog
	return r.persist(ctx)
}

// Models returns every descriptor in catalog order.
func (r *Registry) Models() []core.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.ModelDescriptor(nil), r.catalog.Models...)
}

// Selection returns the UIDs selected for chat and completion.
func (r *Registry) Selection() (chat, completion string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog.ChatModel, r.catalog.CompletionModel
}

// ChatModel implements providers.ModelSource.
func (r *Registry) ChatModel() (core.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.catalog.ChatModel == "" {
		return core.ModelDescriptor{}, false
	}
	return r.catalog.Find(r.catalog.ChatModel)
}

// CompletionModel implements providers.ModelSource.
func (r *Registry) CompletionModel() (core.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.catalog.CompletionModel == "" {
		return core.ModelDescriptor{}, false
	}
	return r.catalog.Find(r.catalog.CompletionModel)
}

// Upsert adds or replaces a descriptor. New descriptors must carry a
// vendor tag.
func (r *Registry) Upsert(ctx context.Context, desc core.ModelDescriptor) error {
	if desc.Vendor == "" {
		return core.NewConfigurationError(fmt.Sprintf("model %q has no vendor", desc.UID), nil)
	}
	if desc.UID == "" {
		return core.NewConfigurationError("model has no uid", nil)
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	upsert(&r.catalog, desc)
	return r.persist(ctx)
}

// Select changes the chat and completion selections. An empty UID leaves
// that selection unchanged; an unknown one is a configuration error.
func (r *Registry) Select(ctx context.Context, chat, completion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range []string{chat, completion} {
		if uid == "" {
			continue
		}
		if _, ok := r.catalog.Find(uid); !ok {
			return core.NewConfigurationError(fmt.Sprintf("unknown model %q", uid), nil)
		}
	}
	if chat != "" {
		r.catalog.ChatModel = chat
	}
	if completion != "" {
		r.catalog.CompletionModel = completion
	}
	return r.persist(ctx)
}

func upsert(c *Catalog, desc core.ModelDescriptor) {
	for i := range c.Models {
		if c.Models[i].UID == desc.UID {
			c.Models[i] = desc
			return
		}
	}
	c.Models = append(c.Models, desc)
}

// persist writes the catalog when its content changed since the last read
// or write. Callers hold r.mu.
func (r *Registry) persist(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	sum := fingerprint(&r.catalog)
	if sum == r.fingerprint {
		return nil
	}
	r.catalog.UpdatedAt = time.Now().UTC()
	if err := r.cache.Set(ctx, &r.catalog); err != nil {
		return fmt.Errorf("failed to store model catalog: %w", err)
	}
	r.fingerprint = sum
	return nil
}

// fingerprint hashes the catalog content, ignoring the write timestamp.
func fingerprint(c *Catalog) uint64 {
	snapshot := *c
	snapshot.UpdatedAt = time.Time{}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
