// Package cache stores the model catalog: the configured model descriptors
// and which of them serve chat and completion requests. Supports both local
// (file) and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"time"

	"llmgateway/internal/core"
)

// CurrentVersion is the catalog schema version. Version 2 records an
// explicit vendor tag on every descriptor.
const CurrentVersion = 2

// Catalog is the data stored in and retrieved from the cache.
type Catalog struct {
	Version         int                    `json:"version"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Models          []core.ModelDescriptor `json:"models"`
	ChatModel       string                 `json:"chat_model,omitempty"`
	CompletionModel string                 `json:"completion_model,omitempty"`
}

// Find returns the descriptor with uid.
func (c *Catalog) Find(uid string) (core.ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.UID == uid {
			return m, true
		}
	}
	return core.ModelDescriptor{}, false
}

// Migrate upgrades a catalog written by an older version in place and
// reports whether anything changed. Descriptors stored without a vendor tag
// get the vendor inferred from their URL once; afterwards the tag is
// authoritative.
func Migrate(c *Catalog) bool {
	if c.Version >= CurrentVersion {
		return false
	}
	for i := range c.Models {
		if c.Models[i].Vendor == "" {
			c.Models[i].Vendor = core.InferVendor(c.Models[i].URL)
		}
	}
	c.Version = CurrentVersion
	return true
}

// Cache defines the interface for catalog storage.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves the catalog.
	// Returns nil, nil if no catalog exists yet.
	Get(ctx context.Context) (*Catalog, error)

	// Set stores the catalog.
	Set(ctx context.Context, catalog *Catalog) error

	// Close releases any resources held by the cache.
	Close() error
}
