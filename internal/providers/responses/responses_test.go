package responses

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmgateway/internal/core"
	"llmgateway/internal/providers/providerstest"
)

func event(payload string) string { return providerstest.Data(payload) }

func TestRun_TextAndFunctionCall(t *testing.T) {
	server, captured := providerstest.SSEServer(t,
		event(`{"type":"response.created","response":{"id":"resp_1"}}`),
		event(`{"type":"response.output_item.added","item":{"type":"reasoning","summary":[{"text":"thinking"}]}}`),
		event(`{"type":"response.output_item.done","item":{"type":"reasoning"}}`),
		event(`{"type":"response.output_item.added","item":{"type":"message","role":"assistant"}}`),
		event(`{"type":"response.output_text.delta","delta":"Let me "}`),
		event(`{"type":"response.output_text.delta","delta":""}`),
		event(`{"type":"response.output_text.delta","delta":"check."}`),
		event(`{"type":"response.output_item.done","item":{"type":"message"}}`),
		event(`{"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"fs__read"}}`),
		event(`{"type":"response.function_call_arguments.delta","delta":"{\"path\":"}`),
		event(`{"type":"response.function_call_arguments.delta","delta":"\"main.go\"}"}`),
		event(`{"type":"response.function_call_arguments.done","arguments":"{\"path\":\"main.go\"}"}`),
		event(`{"type":"response.output_item.done","item":{"type":"function_call"}}`),
		event(`{"type":"response.output_text.delta","delta":"ignored outside an item"}`),
		event(`{"type":"response.completed"}`),
	)

	opts := providerstest.Options(server)
	opts.SystemPrompt = "be helpful"
	client := New(opts)
	client.SetModel(providerstest.Descriptor(server, core.VendorOpenAIResponses, "gpt-5"))
	rec := providerstest.NewRecorder()
	require.NoError(t, client.Subscribe(rec))

	require.NoError(t, client.Run(providerstest.UserConversation("open main.go"))(context.Background()))

	assert.True(t, rec.Completed())
	assert.Equal(t, "Let me check.", rec.Text())

	fragments := rec.FunctionCallJSON()
	require.True(t, json.Valid([]byte(fragments)), fragments)
	var decoded struct {
		FunctionCall core.FunctionCall `json:"function_call"`
	}
	require.NoError(t, json.Unmarshal([]byte(fragments), &decoded))
	assert.Equal(t, "call_1", decoded.FunctionCall.ID)
	assert.Equal(t, "fs__read", decoded.FunctionCall.Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, decoded.FunctionCall.Arguments)

	body := captured.Body(t)
	assert.Equal(t, "be helpful", body["instructions"])
	assert.Equal(t, false, body["store"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, "Bearer test-key", captured.Get("Authorization"))
}

func TestRun_FunctionCallWithoutArgumentsOrCallID(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		event(`{"type":"response.output_item.added","item":{"type":"function_call","id":"fc_7","name":"clock__now"}}`),
		event(`{"type":"response.output_item.done","item":{"type":"function_call"}}`),
	)
	client := New(providerstest.Options(server))
	client.SetModel(providerstest.Descriptor(server, core.VendorOpenAIResponses, "gpt-5"))
	rec := providerstest.NewRecorder()
	require.NoError(t, client.Subscribe(rec))

	require.NoError(t, client.Run(providerstest.UserConversation("time?"))(context.Background()))

	var decoded struct {
		FunctionCall core.FunctionCall `json:"function_call"`
	}
	require.NoError(t, json.Unmarshal([]byte(rec.FunctionCallJSON()), &decoded))
	assert.Equal(t, "fc_7", decoded.FunctionCall.ID)
	assert.Empty(t, decoded.FunctionCall.Arguments)
}

func TestRun_OpenFunctionCallClosedAtEndOfStream(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		event(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c1","name":"fs__read"}}`),
		event(`{"type":"response.function_call_arguments.delta","delta":"{\"p\":1}"}`),
	)
	client := New(providerstest.Options(server))
	client.SetModel(providerstest.Descriptor(server, core.VendorOpenAIResponses, "gpt-5"))
	rec := providerstest.NewRecorder()
	require.NoError(t, client.Subscribe(rec))

	require.NoError(t, client.Run(providerstest.UserConversation("read"))(context.Background()))
	assert.True(t, rec.Completed())

	fragments := rec.FunctionCallJSON()
	require.True(t, json.Valid([]byte(fragments)), fragments)
	var decoded struct {
		FunctionCall core.FunctionCall `json:"function_call"`
	}
	require.NoError(t, json.Unmarshal([]byte(fragments), &decoded))
	assert.Equal(t, "c1", decoded.FunctionCall.ID)
	assert.Equal(t, map[string]any{"p": float64(1)}, decoded.FunctionCall.Arguments)
}

func TestRun_NewItemClosesOpenFunctionCall(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		event(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c1","name":"a__x"}}`),
		event(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c2","name":"a__y"}}`),
		event(`{"type":"response.function_call_arguments.delta","delta":"{\"n\":2}"}`),
		event(`{"type":"response.output_item.done","item":{"type":"function_call"}}`),
		event(`{"type":"response.completed"}`),
	)
	client := New(providerstest.Options(server))
	client.SetModel(providerstest.Descriptor(server, core.VendorOpenAIResponses, "gpt-5"))
	rec := providerstest.NewRecorder()
	require.NoError(t, client.Subscribe(rec))

	require.NoError(t, client.Run(providerstest.UserConversation("go"))(context.Background()))

	fragments := rec.FunctionCallJSON()
	assert.Equal(t,
		`{"function_call":{"id":"c1","name":"a__x","arguments":{}}}`+
			`{"function_call":{"id":"c2","name":"a__y","arguments":{"n":2}}}`,
		fragments)
}

func TestRun_FailedResponse(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		event(`{"type":"response.output_item.added","item":{"type":"message"}}`),
		event(`{"type":"response.output_text.delta","delta":"partial"}`),
		event(`{"type":"response.failed","response":{"error":{"code":"server_error","message":"model crashed"}}}`),
		event(`{"type":"response.output_text.delta","delta":"never"}`),
	)
	client := New(providerstest.Options(server))
	client.SetModel(providerstest.Descriptor(server, core.VendorOpenAIResponses, "gpt-5"))
	rec := providerstest.NewRecorder()
	require.NoError(t, client.Subscribe(rec))

	err := client.Run(providerstest.UserConversation("hi"))(context.Background())

	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "model crashed", gwErr.Message)
	assert.Equal(t, "partial", rec.Text())
	assert.False(t, rec.Completed())
}

func TestBuildRequest(t *testing.T) {
	opts := providerstest.Options(nil)
	opts.Tools = core.StaticCatalog{
		"fs": {{Name: "read", Description: "read a file", Schema: core.ToolSchema{Type: "object", Required: []string{"path"}}}},
	}
	client := New(opts)
	desc := core.ModelDescriptor{URL: "https://api.openai.com/v1/responses", Model: "o3-mini", Vision: true, FunctionCalling: true, Temperature: 3}

	call := core.FunctionCall{ID: "call_1", Name: "fs__read", Arguments: map[string]any{"path": "a"}}
	assistant := core.NewMessage(core.RoleAssistant, "")
	assistant.FunctionCall = &call
	user := core.NewMessage(core.RoleUser, "see")
	user.Attachments = []core.Attachment{{Kind: core.AttachmentImage, ImageJPEG: []byte("jpg")}}
	conv := core.NewConversation(user, assistant, core.NewFunctionResult(call, "contents"))

	raw, err := client.buildRequest(conv, desc)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.NotContains(t, body, "temperature")
	assert.NotContains(t, body, "instructions")
	assert.Equal(t, "auto", body["tool_choice"])
	assert.Equal(t, false, body["parallel_tool_calls"])

	input := body["input"].([]any)
	require.Len(t, input, 3)
	assert.Equal(t, map[string]any{
		"role": "user",
		"content": []any{
			map[string]any{"type": "input_text", "text": "see"},
			map[string]any{"type": "input_image", "image_url": "data:image/jpeg;base64,anBn"},
		},
	}, input[0])
	assert.Equal(t, map[string]any{"type": "function_call", "call_id": "call_1", "name": "fs__read", "arguments": `{"path":"a"}`}, input[1])
	assert.Equal(t, map[string]any{"type": "function_call_output", "call_id": "call_1", "output": "contents"}, input[2])

	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	toolDef := tools[0].(map[string]any)
	assert.Equal(t, "function", toolDef["type"])
	assert.Equal(t, "fs__read", toolDef["name"])
	params := toolDef["parameters"].(map[string]any)
	assert.Contains(t, params["properties"].(map[string]any), "path")
}

func TestBuildRequest_NoToolsOmitsToolChoice(t *testing.T) {
	client := New(providerstest.Options(nil))
	raw, err := client.buildRequest(providerstest.UserConversation("hi"), core.ModelDescriptor{Model: "gpt-5", Temperature: 5})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.NotContains(t, body, "tools")
	assert.NotContains(t, body, "tool_choice")
	assert.NotContains(t, body, "parallel_tool_calls")
	assert.InDelta(t, 0.5, body["temperature"], 1e-9)
}
