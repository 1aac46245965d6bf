package responses

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
	"llmgateway/internal/providers"
)

// phase is the state of one output item of a response stream. Every
// transition returns the phase that handles the next event.
type phase interface {
	begin(item gjson.Result) phase
	update(event gjson.Result) phase
	finish(item gjson.Result) phase
}

// phaseFor selects the phase for a newly added output item.
func phaseFor(itemType string, out providers.Emitter, logger *slog.Logger) phase {
	switch itemType {
	case "message":
		return textPhase{out: out}
	case "function_call":
		return &functionPhase{out: out}
	case "reasoning":
		return reasoningPhase{logger: logger}
	default:
		return nullPhase{}
	}
}

type nullPhase struct{}

func (p nullPhase) begin(gjson.Result) phase  { return p }
func (p nullPhase) update(gjson.Result) phase { return p }
func (nullPhase) finish(gjson.Result) phase   { return nullPhase{} }

type textPhase struct {
	out providers.Emitter
}

func (p textPhase) begin(gjson.Result) phase { return p }

func (p textPhase) update(event gjson.Result) phase {
	if delta := event.Get("delta").String(); delta != "" {
		p.out.Emit(core.Content(delta))
	}
	return p
}

func (textPhase) finish(gjson.Result) phase { return nullPhase{} }

// functionPhase streams one function call as FUNCTION_CALL fragments.
type functionPhase struct {
	out     providers.Emitter
	hasArgs bool
}

func (p *functionPhase) begin(item gjson.Result) phase {
	id := item.Get("call_id").String()
	if id == "" {
		id = item.Get("id").String()
	}
	p.out.Emit(core.FunctionCallFragment(providers.FunctionCallHeader(id, item.Get("name").String())))
	return p
}

func (p *functionPhase) update(event gjson.Result) phase {
	if delta := event.Get("delta").String(); delta != "" {
		p.out.Emit(core.FunctionCallFragment(delta))
		p.hasArgs = true
	}
	return p
}

func (p *functionPhase) finish(gjson.Result) phase {
	if !p.hasArgs {
		p.out.Emit(core.FunctionCallFragment("{}"))
	}
	p.out.Emit(core.FunctionCallFragment(providers.FunctionCallFooter))
	return nullPhase{}
}

// reasoningPhase logs reasoning summaries and emits nothing.
type reasoningPhase struct {
	logger *slog.Logger
}

func (p reasoningPhase) begin(item gjson.Result) phase {
	p.logSummary(item)
	return p
}

func (p reasoningPhase) update(gjson.Result) phase { return p }

func (p reasoningPhase) finish(item gjson.Result) phase {
	p.logSummary(item)
	return nullPhase{}
}

func (p reasoningPhase) logSummary(item gjson.Result) {
	item.Get("summary").ForEach(func(_, s gjson.Result) bool {
		if text := s.Get("text").String(); text != "" {
			p.logger.Debug("reasoning summary", "text", text)
		}
		return true
	})
}
