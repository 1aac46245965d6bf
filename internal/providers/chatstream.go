package providers

import (
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
)

var errInvalidFrame = errors.New("frame is not valid JSON")

// ChatDeltaParser parses OpenAI-compatible chat completion chunks. It
// understands plain content deltas, the legacy "function_call" delta and
// streamed or whole "tool_calls".
type ChatDeltaParser struct {
	out    Emitter
	vendor core.Vendor
	call   CallTracker
}

// NewChatDeltaParser returns a parser for one request.
func NewChatDeltaParser(out Emitter, vendor core.Vendor) *ChatDeltaParser {
	return &ChatDeltaParser{out: out, vendor: vendor}
}

// Parse implements StreamParser.
func (p *ChatDeltaParser) Parse(frame Frame) error {
	if !gjson.ValidBytes(frame.Data) {
		return errInvalidFrame
	}
	chunk := gjson.ParseBytes(frame.Data)

	if errMsg := chunk.Get("error.message"); errMsg.Exists() {
		return Fatal(core.NewProviderError(string(p.vendor), http.StatusBadGateway, errMsg.String(), nil))
	}

	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return nil
	}
	delta := choice.Get("delta")

	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		p.out.Emit(core.Content(content.String()))
	}

	if fc := delta.Get("function_call"); fc.IsObject() {
		if name := fc.Get("name"); name.Exists() && name.String() != "" {
			p.call.Begin(p.out, fc.Get("id").String(), name.String())
		}
		p.call.Arguments(p.out, fc.Get("arguments").String())
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		fn := tc.Get("function")
		if name := fn.Get("name"); name.Exists() && name.String() != "" {
			p.call.Begin(p.out, tc.Get("id").String(), name.String())
		}
		p.call.Arguments(p.out, argumentsText(fn.Get("arguments")))
		return true
	})

	switch choice.Get("finish_reason").String() {
	case "function_call", "tool_calls", "stop":
		p.call.Close(p.out)
	}
	return nil
}

// End implements StreamParser.
func (p *ChatDeltaParser) End() {
	p.call.Close(p.out)
}

// argumentsText returns streamed argument text. Some vendors send the whole
// arguments object instead of a string.
func argumentsText(r gjson.Result) string {
	switch {
	case !r.Exists():
		return ""
	case r.Type == gjson.String:
		return r.String()
	default:
		return r.Raw
	}
}
