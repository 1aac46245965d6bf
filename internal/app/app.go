// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmgateway/config"
	"llmgateway/internal/cache"
	"llmgateway/internal/core"
	"llmgateway/internal/httpclient"
	"llmgateway/internal/listeners"
	"llmgateway/internal/providers"
	"llmgateway/internal/providers/anthropic"
	"llmgateway/internal/providers/deepseek"
	"llmgateway/internal/providers/gemini"
	"llmgateway/internal/providers/openai"
	"llmgateway/internal/providers/responses"
	"llmgateway/internal/providers/xai"
	"llmgateway/internal/server"
	"llmgateway/internal/storage"
	"llmgateway/internal/transcript"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	catalog  cache.Cache
	registry *cache.Registry
	router   *providers.Router
	metrics  *listeners.Metrics
	gatherer *prometheus.Registry
	storage  storage.Storage
	recorder *transcript.Recorder
	store    *transcript.SQLiteStore
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded application configuration.
	AppConfig *config.Config

	// Factory builds vendor clients. Nil uses DefaultFactory.
	Factory *providers.Factory

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultFactory registers every supported vendor.
func DefaultFactory() *providers.Factory {
	return providers.NewFactory(
		openai.Registration,
		responses.Registration,
		anthropic.Registration,
		gemini.Registration,
		deepseek.Registration,
		xai.Registration,
	)
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = DefaultFactory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	appCfg := cfg.AppConfig

	app := &App{
		config: appCfg,
		logger: cfg.Logger,
	}

	catalog, err := newCatalogCache(appCfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model catalog: %w", err)
	}
	app.catalog = catalog
	app.registry = cache.NewRegistry(catalog, cfg.Logger)
	seed := cache.Seed{
		Models:          appCfg.Models,
		ChatModel:       appCfg.ChatModel,
		CompletionModel: appCfg.CompletionModel,
	}
	if err := app.registry.Load(ctx, seed); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to load model catalog: %w", err), app.close())
	}

	app.gatherer = prometheus.NewRegistry()
	app.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = listeners.NewMetrics(app.gatherer)

	if appCfg.Transcripts.Enabled {
		if err := app.initTranscripts(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to initialize transcripts: %w", err), app.close())
		}
	}

	app.router, err = providers.NewRouter(providers.RouterConfig{
		Factory:      cfg.Factory,
		Models:       app.registry,
		SystemPrompt: appCfg.Gateway.SystemPrompt,
		Tools:        core.StaticCatalog(appCfg.Tools),
		MaxTokens:    appCfg.Gateway.MaxTokens,
		Logger:       cfg.Logger,
		HTTPClient: newHTTPClient(
			time.Duration(appCfg.HTTP.ConnectTimeout)*time.Second,
			time.Duration(appCfg.HTTP.RequestTimeout)*time.Second,
		),
		MaxRetries:        appCfg.HTTP.MaxRetries,
		DefaultRetryAfter: time.Duration(appCfg.HTTP.RetryAfter) * time.Second,
		ChatListeners: []providers.ListenerFactory{
			app.logListener,
			app.metricsListener,
			app.functionCallListener,
		},
		CompletionListeners: []providers.ListenerFactory{
			app.logListener,
			app.metricsListener,
		},
	})
	if err != nil {
		return nil, errors.Join(err, app.close())
	}

	app.logStartupInfo()

	serverCfg := &server.Config{
		MasterKey:         appCfg.Server.MasterKey,
		MetricsEnabled:    appCfg.Metrics.Enabled,
		MetricsEndpoint:   appCfg.Metrics.Endpoint,
		MetricsHandler:    promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{}),
		CompletionTimeout: time.Duration(appCfg.Server.CompletionTimeout) * time.Second,
		RequestListeners:  app.requestListeners,
		Logger:            cfg.Logger,
	}
	if app.store != nil {
		serverCfg.Transcripts = app.store
	}
	app.server = server.New(app.router, app.registry, serverCfg)

	return app, nil
}

func newCatalogCache(cfg config.CatalogConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{URL: cfg.Redis.URL, Key: cfg.Redis.Key})
	case "local", "":
		return cache.NewLocalCache(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown catalog type %q", cfg.Type)
	}
}

func newHTTPClient(connect, request time.Duration) *http.Client {
	cfg := httpclient.DefaultConfig().WithTimeouts(connect, request)
	return httpclient.NewHTTPClient(&cfg)
}

func (a *App) initTranscripts(ctx context.Context) error {
	store, err := storage.New(ctx, storage.Config{
		Type:   a.config.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: a.config.Storage.SQLitePath},
	})
	if err != nil {
		return err
	}
	a.storage = store

	tc := a.config.Transcripts
	a.store, err = transcript.NewSQLiteStore(store.SQLiteDB(), tc.RetentionDays)
	if err != nil {
		return err
	}
	a.recorder = transcript.NewRecorder(a.store, transcript.Config{
		Enabled:       true,
		BufferSize:    tc.BufferSize,
		FlushInterval: time.Duration(tc.FlushInterval) * time.Second,
		RetentionDays: tc.RetentionDays,
	})
	return nil
}

func (a *App) logListener(kind providers.ContextKind, desc core.ModelDescriptor) providers.Listener {
	return listeners.NewLogger(a.logger.With("context", kind, "model", desc.UID))
}

func (a *App) metricsListener(kind providers.ContextKind, desc core.ModelDescriptor) providers.Listener {
	return a.metrics.Listener(desc.ResolvedVendor(), string(kind))
}

func (a *App) functionCallListener(_ providers.ContextKind, _ core.ModelDescriptor) providers.Listener {
	if len(a.config.Tools) == 0 {
		return nil
	}
	return listeners.NewFunctionCalls(context.Background(), logDispatcher{logger: a.logger},
		core.StaticCatalog(a.config.Tools), a.logger)
}

// requestListeners adds the transcript listener, which needs the request ID.
func (a *App) requestListeners(ctx context.Context, kind providers.ContextKind, desc core.ModelDescriptor) []providers.Listener {
	if a.recorder == nil {
		return nil
	}
	return []providers.Listener{
		listeners.NewTranscript(a.recorder, core.GetRequestID(ctx), string(kind), desc),
	}
}

// logDispatcher records tool calls the model requested. Tools run on the
// caller's side; the call itself reaches the caller through the stream.
type logDispatcher struct {
	logger *slog.Logger
}

func (d logDispatcher) Dispatch(ctx context.Context, call core.FunctionCall) error {
	source, tool, _ := core.SplitQualifiedName(call.Name)
	d.logger.InfoContext(ctx, "function call requested",
		"id", call.ID, "source", source, "tool", tool, "arguments", call.ArgumentsJSON())
	return nil
}

// Router returns the provider router.
func (a *App) Router() *providers.Router {
	return a.router
}

// Registry returns the model catalog.
func (a *App) Registry() *cache.Registry {
	return a.registry
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Ask streams the chat model's answer to prompt into w. Cancelling ctx
// cancels the stream.
func (a *App) Ask(ctx context.Context, prompt string, w io.Writer) error {
	client, err := a.router.ChatClient()
	if err != nil {
		return err
	}
	for _, l := range a.requestListeners(ctx, providers.ContextChat, client.Model()) {
		if err := client.Subscribe(l); err != nil {
			return err
		}
	}
	if err := client.Subscribe(listeners.NewViewAppender(&writerView{w: w})); err != nil {
		return err
	}
	client.SetCancelProvider(func() bool { return ctx.Err() != nil })
	conv := core.NewConversation(core.NewMessage(core.RoleUser, prompt))
	return client.Run(conv)(ctx)
}

// writerView renders streamed text to a writer.
type writerView struct {
	w io.Writer
}

func (v *writerView) AppendText(text string) {
	_, _ = io.WriteString(v.w, text)
}

func (v *writerView) Finish(err error) {
	if err == nil || core.IsCancellation(err) {
		_, _ = io.WriteString(v.w, "\n")
	}
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.logger.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.logger.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first, then the transcript recorder (flushing pending
// entries), the SQLite storage and finally the catalog cache.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.logger.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	a.logger.Info("application shutdown complete")
	return nil
}

// close releases everything but the HTTP server. It is also used to undo a
// partially constructed App.
func (a *App) close() error {
	var errs []error
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Error("transcript recorder close error", "error", err)
			errs = append(errs, fmt.Errorf("transcripts close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Error("catalog close error", "error", err)
			errs = append(errs, fmt.Errorf("catalog close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		a.logger.Warn("SECURITY WARNING: LLMGATEWAY_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set LLMGATEWAY_MASTER_KEY environment variable to secure this gateway")
	} else {
		a.logger.Info("authentication enabled", "mode", "master_key")
	}

	chat, completion := a.registry.Selection()
	a.logger.Info("model catalog loaded",
		"models", len(a.registry.Models()),
		"catalog", cfg.Catalog.Type,
		"chat_model", chat,
		"completion_model", completion,
	)
	if chat == "" {
		a.logger.Warn("no chat model selected; /v1/stream will fail until one is selected")
	}

	if cfg.Metrics.Enabled {
		a.logger.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		a.logger.Info("prometheus metrics disabled")
	}

	if cfg.Transcripts.Enabled {
		a.logger.Info("transcripts enabled",
			"storage", cfg.Storage.Type,
			"buffer_size", cfg.Transcripts.BufferSize,
			"retention_days", cfg.Transcripts.RetentionDays,
		)
	} else {
		a.logger.Info("transcripts disabled")
	}
}
