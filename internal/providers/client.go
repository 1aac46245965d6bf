// Package providers holds the machinery shared by every vendor client: the
// streaming lifecycle, SSE frame reading, tool schema flattening, the vendor
// factory and the router that mints clients for a calling context.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"llmgateway/internal/broadcast"
	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
)

// ErrAlreadyRunning is returned when a client's action is invoked twice.
// Each client serves exactly one request.
var ErrAlreadyRunning = errors.New("provider client already ran; obtain a new client per request")

// Listener receives the normalized event stream of one request.
type Listener = broadcast.Listener[core.Incoming]

// Action performs the network exchange prepared by Client.Run. It blocks
// until the stream terminates and returns the same terminal error listeners
// observed, or nil on normal completion.
type Action func(ctx context.Context) error

// Client is a vendor-specific streaming chat client.
type Client interface {
	// Subscribe registers a listener. It must be called before the action runs.
	Subscribe(l Listener) error
	// Run prepares the request for conv. Nothing happens until the returned
	// action is invoked.
	Run(conv core.Conversation) Action
	// SetCancelProvider installs a predicate polled once per received frame
	// and while waiting out rate limits.
	SetCancelProvider(cancelled func() bool)
	// SetModel overrides the model this client talks to.
	SetModel(desc core.ModelDescriptor)
	// Model returns the model this client talks to.
	Model() core.ModelDescriptor
}

// Options are the collaborators a vendor client is built with.
type Options struct {
	Transport    *llmclient.Client
	SystemPrompt string
	Tools        core.ToolCatalog
	Logger       *slog.Logger
	// MaxTokens caps the response length for vendors that require it.
	MaxTokens int
}

// Emitter accepts normalized events.
type Emitter interface {
	Emit(ev core.Incoming)
}

// StreamParser turns frames of one response into events.
// A parser instance lives for a single request.
type StreamParser interface {
	// Parse handles one frame. A non-fatal error skips the frame.
	Parse(frame Frame) error
	// End is called once after the last frame of a normally completed stream.
	End()
}

// ParserFunc adapts a function without end-of-stream work to StreamParser.
type ParserFunc func(frame Frame) error

// Parse implements StreamParser.
func (f ParserFunc) Parse(frame Frame) error { return f(frame) }

// End implements StreamParser.
func (f ParserFunc) End() {}

type parserFuncs struct {
	parse func(frame Frame) error
	end   func()
}

func (p parserFuncs) Parse(frame Frame) error { return p.parse(frame) }
func (p parserFuncs) End()                    { p.end() }

// ParserWithEnd builds a StreamParser from a frame handler and an
// end-of-stream hook.
func ParserWithEnd(parse func(frame Frame) error, end func()) StreamParser {
	return parserFuncs{parse: parse, end: end}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a parse error that must terminate the stream instead of
// skipping the frame.
func Fatal(err error) error {
	return &fatalError{err: err}
}

// Base implements the lifecycle shared by every vendor client. Vendor
// clients embed it and supply request building and frame parsing.
type Base struct {
	vendor    core.Vendor
	opts      Options
	publisher *broadcast.Broadcaster[core.Incoming]
	running   atomic.Bool

	mu        sync.RWMutex
	model     core.ModelDescriptor
	cancelled func() bool
}

// NewBase creates the shared client state for vendor.
func NewBase(vendor core.Vendor, opts Options) *Base {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = llmclient.New(llmclient.DefaultConfig(string(vendor)))
	}
	return &Base{
		vendor:    vendor,
		opts:      opts,
		publisher: broadcast.New[core.Incoming](),
		cancelled: func() bool { return false },
	}
}

// Subscribe implements Client.
func (b *Base) Subscribe(l Listener) error {
	return b.publisher.Subscribe(l)
}

// SetCancelProvider implements Client.
func (b *Base) SetCancelProvider(cancelled func() bool) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	b.mu.Lock()
	b.cancelled = cancelled
	b.mu.Unlock()
}

// SetModel implements Client.
func (b *Base) SetModel(desc core.ModelDescriptor) {
	b.mu.Lock()
	b.model = desc
	b.mu.Unlock()
}

// Model implements Client.
func (b *Base) Model() core.ModelDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model
}

// Vendor returns the vendor tag of the client.
func (b *Base) Vendor() core.Vendor {
	return b.vendor
}

// Cancelled polls the cancel provider.
func (b *Base) Cancelled() bool {
	b.mu.RLock()
	f := b.cancelled
	b.mu.RUnlock()
	return f()
}

// Emit publishes an event to every listener.
func (b *Base) Emit(ev core.Incoming) {
	b.publisher.Submit(ev)
}

// Logger returns the client's logger.
func (b *Base) Logger() *slog.Logger {
	return b.opts.Logger
}

// SystemPrompt returns the configured system prompt.
func (b *Base) SystemPrompt() string {
	return b.opts.SystemPrompt
}

// Tools lists the catalog tools when function calling is enabled for desc.
func (b *Base) Tools(desc core.ModelDescriptor) []core.QualifiedTool {
	if !desc.FunctionCalling {
		return nil
	}
	return core.FlattenTools(b.opts.Tools)
}

// MaxTokens returns the configured response cap, or def when unset.
func (b *Base) MaxTokens(def int) int {
	if b.opts.MaxTokens > 0 {
		return b.opts.MaxTokens
	}
	return def
}

// Execute runs one streaming exchange. build produces the HTTP request and
// may fail with a configuration error before any network traffic. Frames
// are handed to parser in wire order; the cancel provider is polled before
// each frame is handled. Exactly one terminal signal reaches the listeners.
func (b *Base) Execute(ctx context.Context, build func(core.ModelDescriptor) (llmclient.Request, error), parser StreamParser) (err error) {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	b.publisher.Start()
	defer func() {
		b.finish(err)
	}()

	desc := b.Model()
	if desc.URL == "" || desc.Model == "" {
		return core.ErrModelNotSelected
	}

	req, err := build(desc)
	if err != nil {
		return err
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	if _, ok := req.Headers["Accept"]; !ok {
		req.Headers["Accept"] = "text/event-stream"
	}

	logger := b.opts.Logger.With("vendor", b.vendor, "model", desc.Model)
	if id := core.GetRequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	logger.Info("sending streaming request", "url", req.URL)
	logger.Debug("request body", "body", string(req.Body))

	body, err := b.opts.Transport.Stream(ctx, req, b.Cancelled)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	frames := NewFrameReader(body)
	for {
		if b.Cancelled() {
			return core.ErrCancelled
		}
		frame, readErr := frames.Next()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return core.NewProviderError(string(b.vendor), http.StatusBadGateway, "failed to read stream: "+readErr.Error(), readErr)
		}
		if b.Cancelled() {
			return core.ErrCancelled
		}
		if perr := parser.Parse(frame); perr != nil {
			var fatal *fatalError
			if errors.As(perr, &fatal) {
				return fatal.err
			}
			logger.Warn("skipping unparseable frame", "error", perr, "data", truncate(frame.Data, 512))
		}
	}

	parser.End()
	logger.Info("stream completed")
	return nil
}

func (b *Base) finish(err error) {
	switch {
	case err == nil:
		b.publisher.Close()
	case core.IsCancellation(err):
		b.opts.Logger.Info("stream cancelled", "vendor", b.vendor)
		b.publisher.CloseExceptionally(core.ErrCancelled)
	default:
		b.opts.Logger.Error("stream failed", "vendor", b.vendor, "error", err)
		b.publisher.CloseExceptionally(err)
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return fmt.Sprintf("%s...(%d bytes)", data[:n], len(data))
}
