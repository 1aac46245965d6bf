// Package completion runs silent background completions: it drives a
// provider client on its own goroutine, collects the streamed text and lets
// the caller cancel or wait with a timeout.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"llmgateway/internal/core"
	"llmgateway/internal/listeners"
	"llmgateway/internal/providers"
)

// MaxToolIterations bounds the tool round trips of one completion.
const MaxToolIterations = 5

// ErrTimeout is returned by Await when the completion did not finish in time.
var ErrTimeout = errors.New("completion timed out")

// Executor runs a function call requested by the model and returns the
// output fed back to it.
type Executor interface {
	Execute(ctx context.Context, call core.FunctionCall) (string, error)
}

// ClientSource mints a fresh client for each round trip.
type ClientSource func() (providers.Client, error)

// Options tune a completion.
type Options struct {
	// Executor answers function calls. Nil ends the completion at the first
	// round trip.
	Executor Executor
	// Tools limits which calls reach Executor. Nil allows none.
	Tools core.ToolCatalog
	// MaxIterations overrides MaxToolIterations when positive.
	MaxIterations int
	// OnChunk receives every sanitized text chunk as it arrives.
	OnChunk func(chunk string)
	Logger  *slog.Logger
}

// Handle is a running completion.
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu   sync.Mutex
	text string
	err  error
}

// Start runs a single completion on client.
func Start(client providers.Client, conv core.Conversation) *Handle {
	used := false
	source := func() (providers.Client, error) {
		if used {
			return nil, providers.ErrAlreadyRunning
		}
		used = true
		return client, nil
	}
	return StartWithOptions(source, conv, Options{})
}

// StartWithOptions runs a completion that may answer function calls through
// opts.Executor, minting a new client from source for every round trip.
func StartWithOptions(source ClientSource, conv core.Conversation, opts Options) *Handle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = MaxToolIterations
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	go h.run(source, conv, opts)
	return h
}

// Cancel stops the completion. The stream observes it at the next frame.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Done is closed once the completion has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await waits for the completion and returns its text. A non-positive
// timeout waits indefinitely. On timeout the completion is cancelled and
// ErrTimeout is returned.
func (h *Handle) Await(timeout time.Duration) (string, error) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.Cancel()
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	} else {
		<-h.done
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text, h.err
}

func (h *Handle) finish(text string, err error) {
	h.mu.Lock()
	h.text = text
	h.err = err
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

func (h *Handle) run(source ClientSource, conv core.Conversation, opts Options) {
	allowed := make(map[string]bool)
	for _, t := range core.FlattenTools(opts.Tools) {
		allowed[t.QualifiedName] = true
	}

	for iteration := 1; ; iteration++ {
		text, calls, err := h.roundTrip(source, conv, opts)
		if err != nil {
			if h.Cancelled() || core.IsCancellation(err) {
				err = core.ErrCancelled
			}
			h.finish(text, err)
			return
		}

		var pending []core.FunctionCall
		for _, call := range calls {
			if !allowed[call.Name] {
				opts.Logger.Warn("completion requested a tool that was not offered", "name", call.Name)
				continue
			}
			pending = append(pending, call)
		}
		if opts.Executor == nil || len(pending) == 0 {
			h.finish(text, nil)
			return
		}
		if iteration >= opts.MaxIterations {
			opts.Logger.Warn("max function call iterations reached", "iterations", opts.MaxIterations)
			h.finish(text, nil)
			return
		}

		opts.Logger.Info("continuing completion after function call", "iteration", iteration, "calls", len(pending))
		for _, call := range pending {
			output, execErr := opts.Executor.Execute(h.ctx, call)
			if execErr != nil {
				output = "Error: " + execErr.Error()
			}
			assistant := core.NewMessage(core.RoleAssistant, "")
			assistant.FunctionCall = &call
			conv = conv.Append(assistant, core.NewFunctionResult(call, output))
		}
	}
}

func (h *Handle) roundTrip(source ClientSource, conv core.Conversation, opts Options) (string, []core.FunctionCall, error) {
	if h.Cancelled() {
		return "", nil, core.ErrCancelled
	}
	client, err := source()
	if err != nil {
		return "", nil, err
	}
	c := &collector{onChunk: opts.OnChunk}
	if err := client.Subscribe(c); err != nil {
		return "", nil, err
	}
	client.SetCancelProvider(h.Cancelled)

	err = client.Run(conv)(h.ctx)
	text := c.text.String()
	if err != nil {
		return text, nil, err
	}
	calls, perr := listeners.ParseFunctionCalls(c.calls.String())
	if perr != nil {
		opts.Logger.Error("discarding malformed function call", "error", perr)
	}
	return text, calls, nil
}

// collector accumulates one round trip. Listener callbacks run on the
// goroutine executing the action, so reads after it returns need no lock.
type collector struct {
	onChunk func(string)
	fences  fenceStripper
	text    strings.Builder
	calls   strings.Builder
}

func (c *collector) OnNext(ev core.Incoming) {
	switch ev.Type {
	case core.EventContent:
		chunk := c.fences.strip(ev.Payload)
		if chunk == "" {
			return
		}
		c.text.WriteString(chunk)
		if c.onChunk != nil {
			c.onChunk(chunk)
		}
	case core.EventFunctionCall:
		c.calls.WriteString(ev.Payload)
	}
}

func (c *collector) OnError(error) {}

func (c *collector) OnComplete() {}
