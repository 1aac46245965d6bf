// Package server provides HTTP handlers and server setup for the LLM gateway.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"llmgateway/internal/completion"
	"llmgateway/internal/core"
	"llmgateway/internal/providers"
	"llmgateway/internal/transcript"
)

// Router mints a provider client per request for each calling context.
type Router interface {
	ChatClient() (providers.Client, error)
	CompletionClient() (providers.Client, error)
}

// Catalog lists the configured models and their selection.
type Catalog interface {
	Models() []core.ModelDescriptor
	Selection() (chat, completion string)
	Select(ctx context.Context, chat, completion string) error
}

// ListenerHook returns request-scoped listeners for a freshly minted client.
type ListenerHook func(ctx context.Context, kind providers.ContextKind, desc core.ModelDescriptor) []providers.Listener

// TranscriptReader returns the most recent stream transcripts.
type TranscriptReader interface {
	Recent(ctx context.Context, limit int) ([]*transcript.Entry, error)
}

// HandlerOptions tune the handlers.
type HandlerOptions struct {
	CompletionTimeout time.Duration
	RequestListeners  ListenerHook
	Transcripts       TranscriptReader
	Logger            *slog.Logger
}

// Handler holds the HTTP handlers
type Handler struct {
	router  Router
	catalog Catalog
	opts    HandlerOptions
}

// NewHandler creates a new handler
func NewHandler(router Router, catalog Catalog, opts HandlerOptions) *Handler {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{router: router, catalog: catalog, opts: opts}
}

// ConversationRequest is the body of POST /v1/stream and POST /v1/complete.
type ConversationRequest struct {
	Messages []core.Message `json:"messages"`
}

func (r *ConversationRequest) conversation() (core.Conversation, error) {
	if len(r.Messages) == 0 {
		return core.Conversation{}, core.NewInvalidRequestError("messages are required", nil)
	}
	conv := core.NewConversation(r.Messages...)
	if err := conv.Validate(); err != nil {
		return core.Conversation{}, err
	}
	return conv, nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ModelInfo is a descriptor as listed by GET /v1/models. API keys are never
// returned.
type ModelInfo struct {
	UID             string      `json:"uid"`
	Vendor          core.Vendor `json:"vendor"`
	Model           string      `json:"model"`
	URL             string      `json:"url"`
	Vision          bool        `json:"vision"`
	FunctionCalling bool        `json:"function_calling"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Object          string      `json:"object"`
	Data            []ModelInfo `json:"data"`
	ChatModel       string      `json:"chat_model,omitempty"`
	CompletionModel string      `json:"completion_model,omitempty"`
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models := h.catalog.Models()
	resp := ModelsResponse{Object: "list", Data: make([]ModelInfo, 0, len(models))}
	for _, m := range models {
		resp.Data = append(resp.Data, ModelInfo{
			UID:             m.UID,
			Vendor:          m.ResolvedVendor(),
			Model:           m.Model,
			URL:             m.URL,
			Vision:          m.Vision,
			FunctionCalling: m.FunctionCalling,
		})
	}
	resp.ChatModel, resp.CompletionModel = h.catalog.Selection()
	return c.JSON(http.StatusOK, resp)
}

// SelectionRequest is the body of PUT /v1/models/selection.
type SelectionRequest struct {
	ChatModel       string `json:"chat_model"`
	CompletionModel string `json:"completion_model"`
}

// SelectModels handles PUT /v1/models/selection
func (h *Handler) SelectModels(c echo.Context) error {
	var req SelectionRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if err := h.catalog.Select(c.Request().Context(), req.ChatModel, req.CompletionModel); err != nil {
		var gwErr *core.GatewayError
		if errors.As(err, &gwErr) && gwErr.Type == core.ErrorTypeConfiguration {
			return handleError(c, core.NewInvalidRequestError(gwErr.Message, err))
		}
		return handleError(c, err)
	}
	return h.ListModels(c)
}

// Stream handles POST /v1/stream. The chat model's normalized events are
// relayed as server-sent events until the stream terminates or the caller
// disconnects.
func (h *Handler) Stream(c echo.Context) error {
	var req ConversationRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	conv, err := req.conversation()
	if err != nil {
		return handleError(c, err)
	}

	ctx := c.Request().Context()
	client, err := h.mint(ctx, providers.ContextChat, h.router.ChatClient)
	if err != nil {
		return handleError(c, err)
	}

	relay := newSSERelay(c.Response())
	if err := client.Subscribe(relay); err != nil {
		return handleError(c, err)
	}
	client.SetCancelProvider(func() bool { return ctx.Err() != nil })

	relay.open()
	if err := client.Run(conv)(ctx); err != nil && !core.IsCancellation(err) {
		h.opts.Logger.Warn("stream ended with error", "error", err, "request_id", core.GetRequestID(ctx))
	}
	return nil
}

// CompleteResponse is the body of a successful POST /v1/complete.
type CompleteResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Complete handles POST /v1/complete. It runs a silent completion on the
// completion model and returns the collected text.
func (h *Handler) Complete(c echo.Context) error {
	var req ConversationRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	conv, err := req.conversation()
	if err != nil {
		return handleError(c, err)
	}

	ctx := c.Request().Context()
	client, err := h.mint(ctx, providers.ContextCompletion, h.router.CompletionClient)
	if err != nil {
		return handleError(c, err)
	}

	handle := completion.Start(client, conv)
	go func() {
		select {
		case <-ctx.Done():
			handle.Cancel()
		case <-handle.Done():
		}
	}()

	text, err := handle.Await(h.opts.CompletionTimeout)
	if errors.Is(err, completion.ErrTimeout) {
		return c.JSON(http.StatusGatewayTimeout, map[string]any{
			"error": map[string]any{
				"type":    "timeout_error",
				"message": err.Error(),
			},
		})
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, CompleteResponse{Text: text, Model: client.Model().UID})
}

// ListTranscripts handles GET /v1/transcripts?limit=N
func (h *Handler) ListTranscripts(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return handleError(c, core.NewInvalidRequestError("limit must be between 1 and 1000", err))
		}
		limit = n
	}
	entries, err := h.opts.Transcripts.Recent(c.Request().Context(), limit)
	if err != nil {
		h.opts.Logger.Error("failed to read transcripts", "error", err)
		return handleError(c, err)
	}
	if entries == nil {
		entries = []*transcript.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": entries})
}

// mint obtains a client and attaches the request-scoped listeners.
func (h *Handler) mint(ctx context.Context, kind providers.ContextKind, newClient func() (providers.Client, error)) (providers.Client, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	if h.opts.RequestListeners == nil {
		return client, nil
	}
	for _, l := range h.opts.RequestListeners(ctx, kind, client.Model()) {
		if err := client.Subscribe(l); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
