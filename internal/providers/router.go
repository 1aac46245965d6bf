package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"llmgateway/internal/core"
	"llmgateway/internal/httpclient"
	"llmgateway/internal/pkg/llmclient"
)

// ContextKind identifies who consumes a client's stream.
type ContextKind string

const (
	// ContextChat is an interactive conversation with visible output.
	ContextChat ContextKind = "chat"
	// ContextCompletion is a silent background completion. It must not cause
	// UI side effects.
	ContextCompletion ContextKind = "completion"
)

// ModelSource reports the models selected for each context.
type ModelSource interface {
	ChatModel() (core.ModelDescriptor, bool)
	CompletionModel() (core.ModelDescriptor, bool)
}

// ListenerFactory creates a listener for one request. Returning nil skips it.
type ListenerFactory func(kind ContextKind, desc core.ModelDescriptor) Listener

// RouterConfig configures a Router.
type RouterConfig struct {
	Factory      *Factory
	Models       ModelSource
	SystemPrompt string
	Tools        core.ToolCatalog
	MaxTokens    int
	Logger       *slog.Logger

	// HTTPClient is shared by every vendor transport. Nil uses httpclient defaults.
	HTTPClient *http.Client
	// MaxRetries and DefaultRetryAfter tune rate-limit handling; zero keeps defaults.
	MaxRetries        int
	DefaultRetryAfter time.Duration

	// ChatListeners are attached to clients for ContextChat, in order.
	ChatListeners []ListenerFactory
	// CompletionListeners are attached to clients for ContextCompletion, in order.
	CompletionListeners []ListenerFactory
}

// Router selects a vendor client for a model and attaches the listeners of
// the calling context. It mints a new client for every request.
type Router struct {
	cfg RouterConfig

	mu         sync.Mutex
	transports map[core.Vendor]*llmclient.Client
}

// NewRouter creates a router. Returns an error if the factory is nil.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.NewDefaultHTTPClient()
	}
	return &Router{
		cfg:        cfg,
		transports: make(map[core.Vendor]*llmclient.Client),
	}, nil
}

// ChatClient returns a client for the selected chat model with the UI,
// function-call and logging listeners attached.
func (r *Router) ChatClient() (Client, error) {
	desc, ok := r.selected(ContextChat)
	if !ok {
		return nil, core.ErrModelNotSelected
	}
	return r.NewClient(ContextChat, desc)
}

// CompletionClient returns a client for the selected completion model with
// only logging listeners attached.
func (r *Router) CompletionClient() (Client, error) {
	desc, ok := r.selected(ContextCompletion)
	if !ok {
		return nil, core.ErrModelNotSelected
	}
	return r.NewClient(ContextCompletion, desc)
}

// Selected returns the model configured for kind.
func (r *Router) Selected(kind ContextKind) (core.ModelDescriptor, bool) {
	return r.selected(kind)
}

func (r *Router) selected(kind ContextKind) (core.ModelDescriptor, bool) {
	if r.cfg.Models == nil {
		return core.ModelDescriptor{}, false
	}
	if kind == ContextCompletion {
		return r.cfg.Models.CompletionModel()
	}
	return r.cfg.Models.ChatModel()
}

// NewClient creates a client for desc with the listeners of kind attached.
func (r *Router) NewClient(kind ContextKind, desc core.ModelDescriptor) (Client, error) {
	client, err := r.ClientFor(desc)
	if err != nil {
		return nil, err
	}

	factories := r.cfg.ChatListeners
	if kind == ContextCompletion {
		factories = r.cfg.CompletionListeners
	}
	for _, newListener := range factories {
		l := newListener(kind, desc)
		if l == nil {
			continue
		}
		if err := client.Subscribe(l); err != nil {
			return nil, fmt.Errorf("failed to attach listener: %w", err)
		}
	}
	return client, nil
}

// ClientFor creates a bare client for desc. The vendor tag decides the
// implementation; untagged descriptors fall back to URL inference.
func (r *Router) ClientFor(desc core.ModelDescriptor) (Client, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	vendor := desc.ResolvedVendor()
	if desc.Vendor == "" {
		r.cfg.Logger.Warn("model has no vendor tag, inferring from url",
			"model_uid", desc.UID, "vendor", vendor)
	}

	client, err := r.cfg.Factory.Create(vendor, Options{
		Transport:    r.transport(vendor),
		SystemPrompt: r.cfg.SystemPrompt,
		Tools:        r.cfg.Tools,
		Logger:       r.cfg.Logger,
		MaxTokens:    r.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	client.SetModel(desc)
	return client, nil
}

// transport returns the vendor's shared transport so its circuit breaker
// sees every request.
func (r *Router) transport(vendor core.Vendor) *llmclient.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transports[vendor]; ok {
		return t
	}
	cfg := llmclient.DefaultConfig(string(vendor))
	if r.cfg.MaxRetries > 0 {
		cfg.MaxRetries = r.cfg.MaxRetries
	}
	if r.cfg.DefaultRetryAfter > 0 {
		cfg.DefaultRetryAfter = r.cfg.DefaultRetryAfter
	}
	t := llmclient.NewWithHTTPClient(r.cfg.HTTPClient, cfg)
	r.transports[vendor] = t
	return t
}
