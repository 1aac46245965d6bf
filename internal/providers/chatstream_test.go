package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmgateway/internal/core"
)

func parseAll(t *testing.T, p StreamParser, payloads ...string) {
	t.Helper()
	for _, payload := range payloads {
		_ = p.Parse(Frame{Data: []byte(payload)})
	}
	p.End()
}

func TestChatDeltaParser_Content(t *testing.T) {
	out := &sliceEmitter{}
	parseAll(t, NewChatDeltaParser(out, core.VendorOpenAI),
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":""}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	)
	assert.Equal(t, []core.Incoming{core.Content("Hel"), core.Content("lo")}, out.events)
}

func TestChatDeltaParser_StreamedToolCalls(t *testing.T) {
	out := &sliceEmitter{}
	parseAll(t, NewChatDeltaParser(out, core.VendorDeepSeek),
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"fs__read","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	d := decode(t, out.joined())
	assert.Equal(t, "call_9", d.FunctionCall.ID)
	assert.Equal(t, "fs__read", d.FunctionCall.Name)
	assert.Equal(t, map[string]any{"path": "x"}, d.FunctionCall.Arguments)
}

func TestChatDeltaParser_WholeToolCallInOneChunk(t *testing.T) {
	out := &sliceEmitter{}
	parseAll(t, NewChatDeltaParser(out, core.VendorGrok),
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"web__search","arguments":"{\"q\":\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	d := decode(t, out.joined())
	assert.Equal(t, "web__search", d.FunctionCall.Name)
	assert.Equal(t, map[string]any{"q": "go"}, d.FunctionCall.Arguments)
}

func TestChatDeltaParser_ObjectArguments(t *testing.T) {
	out := &sliceEmitter{}
	parseAll(t, NewChatDeltaParser(out, core.VendorGrok),
		`{"choices":[{"delta":{"tool_calls":[{"id":"c","function":{"name":"a__b","arguments":{"n":2}}}]}}]}`,
	)
	assert.Equal(t, map[string]any{"n": float64(2)}, decode(t, out.joined()).FunctionCall.Arguments)
}

func TestChatDeltaParser_EndClosesDanglingCall(t *testing.T) {
	out := &sliceEmitter{}
	parseAll(t, NewChatDeltaParser(out, core.VendorOpenAI),
		`{"choices":[{"delta":{"function_call":{"name":"clock__now"}}}]}`,
	)
	assert.Equal(t, "clock__now", decode(t, out.joined()).FunctionCall.Name)
}

func TestChatDeltaParser_Errors(t *testing.T) {
	p := NewChatDeltaParser(&sliceEmitter{}, core.VendorOpenAI)

	err := p.Parse(Frame{Data: []byte(`{"choices":`)})
	require.Error(t, err)
	var fatal *fatalError
	assert.NotErrorAs(t, err, &fatal)

	err = p.Parse(Frame{Data: []byte(`{"error":{"message":"overloaded"}}`)})
	require.ErrorAs(t, err, &fatal)
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "overloaded", gwErr.Message)

	assert.NoError(t, p.Parse(Frame{Data: []byte(`{"usage":{"total_tokens":3}}`)}))
}
