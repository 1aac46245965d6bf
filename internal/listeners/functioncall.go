package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
)

// Dispatcher executes function calls requested by the model.
type Dispatcher interface {
	Dispatch(ctx context.Context, call core.FunctionCall) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, call core.FunctionCall) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, call core.FunctionCall) error {
	return f(ctx, call)
}

// FunctionCalls buffers FUNCTION_CALL fragments and, once the stream
// completes normally, parses every call and hands the ones naming an
// advertised tool to a Dispatcher. Failed or cancelled streams dispatch
// nothing.
type FunctionCalls struct {
	ctx        context.Context
	dispatcher Dispatcher
	allowed    map[string]bool
	logger     *slog.Logger
	buf        strings.Builder
}

// NewFunctionCalls creates a dispatching listener. Only calls whose name is
// a qualified tool of catalog are dispatched; a nil catalog allows none.
func NewFunctionCalls(ctx context.Context, dispatcher Dispatcher, catalog core.ToolCatalog, logger *slog.Logger) *FunctionCalls {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool)
	for _, t := range core.FlattenTools(catalog) {
		allowed[t.QualifiedName] = true
	}
	return &FunctionCalls{ctx: ctx, dispatcher: dispatcher, allowed: allowed, logger: logger}
}

// OnNext implements broadcast.Listener.
func (f *FunctionCalls) OnNext(ev core.Incoming) {
	if ev.Type == core.EventFunctionCall {
		f.buf.WriteString(ev.Payload)
	}
}

// OnError implements broadcast.Listener.
func (f *FunctionCalls) OnError(error) {
	f.buf.Reset()
}

// OnComplete implements broadcast.Listener.
func (f *FunctionCalls) OnComplete() {
	calls, err := ParseFunctionCalls(f.buf.String())
	f.buf.Reset()
	if err != nil {
		f.logger.Error("discarding malformed function call", "error", err)
	}
	for _, call := range calls {
		if !f.allowed[call.Name] {
			source, tool, _ := core.SplitQualifiedName(call.Name)
			f.logger.Warn("model requested a tool that was not offered",
				"name", call.Name, "source", source, "tool", tool)
			continue
		}
		if err := f.dispatcher.Dispatch(f.ctx, call); err != nil {
			f.logger.Error("function call dispatch failed", "name", call.Name, "id", call.ID, "error", err)
		}
	}
}

// ParseFunctionCalls decodes concatenated FUNCTION_CALL fragments. A stream
// may hold several calls back to back; each is decoded as one complete JSON
// value, so argument keys named "function_call" do not split a call. Calls
// that parse are returned even when a later one is malformed.
func ParseFunctionCalls(s string) ([]core.FunctionCall, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var calls []core.FunctionCall
	dec := json.NewDecoder(strings.NewReader(s))
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return calls, fmt.Errorf("invalid function call JSON at offset %d: %w", dec.InputOffset(), err)
		}
		fc := gjson.GetBytes(raw, "function_call")
		name := fc.Get("name").String()
		if name == "" {
			return calls, fmt.Errorf("function call without name: %s", raw)
		}

		call := core.FunctionCall{
			ID:        fc.Get("id").String(),
			Name:      name,
			Arguments: map[string]any{},
		}
		args := fc.Get("arguments")
		if args.Type == gjson.String {
			// Some vendors double-encode arguments.
			args = gjson.Parse(args.String())
		}
		if m, ok := args.Value().(map[string]any); ok {
			call.Arguments = m
		}
		calls = append(calls, call)
	}
	return calls, nil
}
