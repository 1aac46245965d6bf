// Package responses implements the OpenAI Responses API client.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

// Registration provides factory registration for the Responses API client.
var Registration = providers.Registration{
	Vendor: core.VendorOpenAIResponses,
	New:    func(opts providers.Options) providers.Client { return New(opts) },
}

var errInvalidEvent = errors.New("event is not valid JSON")

// Client streams from the OpenAI Responses API. It never stores
// conversations server side; the whole history is sent on every request.
type Client struct {
	*providers.Base
}

// New creates a client for one request.
func New(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(core.VendorOpenAIResponses, opts)}
}

type request struct {
	Model             string   `json:"model"`
	Instructions      string   `json:"instructions,omitempty"`
	Input             []any    `json:"input"`
	Tools             []tool   `json:"tools,omitempty"`
	ToolChoice        string   `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool    `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	Stream            bool     `json:"stream"`
	Store             bool     `json:"store"`
}

type functionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type messageItem struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type inputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Run implements providers.Client.
func (c *Client) Run(conv core.Conversation) providers.Action {
	return func(ctx context.Context) error {
		return c.Execute(ctx, func(desc core.ModelDescriptor) (llmclient.Request, error) {
			body, err := c.buildRequest(conv, desc)
			if err != nil {
				return llmclient.Request{}, err
			}
			return llmclient.Request{
				URL:     desc.URL,
				Body:    body,
				Headers: map[string]string{"Authorization": "Bearer " + desc.APIKey},
			}, nil
		}, c.newParser())
	}
}

func (c *Client) buildRequest(conv core.Conversation, desc core.ModelDescriptor) ([]byte, error) {
	req := request{
		Model:        desc.Model,
		Instructions: strings.TrimSpace(c.SystemPrompt()),
		Input:        make([]any, 0, len(conv.Messages)),
		Temperature:  providers.Temperature(desc),
		Stream:       true,
	}

	for _, m := range conv.Messages {
		if m.IsEmpty() {
			continue
		}
		req.Input = append(req.Input, inputItem(m, desc))
	}

	tools := c.Tools(desc)
	if err := providers.ValidateTools(tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, tool{
			Type:        "function",
			Name:        t.QualifiedName,
			Description: t.Description,
			Parameters:  providers.NormalizeParameters(t.Schema, false).JSONSchema(false),
		})
	}
	if len(req.Tools) > 0 {
		parallel := false
		req.ToolChoice = "auto"
		req.ParallelToolCalls = &parallel
	}

	return json.Marshal(req)
}

func inputItem(m core.Message, desc core.ModelDescriptor) any {
	switch {
	case m.Role == core.RoleAssistant && m.FunctionCall != nil:
		return functionCallItem{
			Type:      "function_call",
			CallID:    m.FunctionCall.ID,
			Name:      m.FunctionCall.Name,
			Arguments: m.FunctionCall.ArgumentsJSON(),
		}
	case m.Role == core.RoleFunction && m.FunctionCall != nil:
		return functionOutputItem{
			Type:   "function_call_output",
			CallID: m.FunctionCall.ID,
			Output: m.Content,
		}
	}

	role := string(m.Role)
	if m.Role == core.RoleFunction {
		role = string(core.RoleUser)
	}
	text := m.TextWithAttachments()
	images := m.Images()
	if !desc.Vision || len(images) == 0 {
		return messageItem{Role: role, Content: text}
	}
	parts := []inputPart{{Type: "input_text", Text: text}}
	for _, img := range images {
		parts = append(parts, inputPart{Type: "input_image", ImageURL: providers.JPEGDataURL(img)})
	}
	return messageItem{Role: role, Content: parts}
}

// newParser returns the event handler of one response. The current phase is
// local to the returned closures. An item still open when the stream ends is
// finished so its fragments stay well formed.
func (c *Client) newParser() providers.StreamParser {
	var current phase = nullPhase{}
	logger := c.Logger()

	return providers.ParserWithEnd(func(frame providers.Frame) error {
		if !gjson.ValidBytes(frame.Data) {
			return errInvalidEvent
		}
		event := gjson.ParseBytes(frame.Data)
		eventType := event.Get("type").String()

		switch eventType {
		case "response.output_item.added":
			item := event.Get("item")
			current = current.finish(gjson.Result{})
			current = phaseFor(item.Get("type").String(), c, logger).begin(item)
		case "response.output_item.done":
			current = current.finish(event.Get("item"))
		case "response.failed", "error":
			return providers.Fatal(streamError(event))
		default:
			if strings.Contains(eventType, ".delta") {
				current = current.update(event)
			}
		}
		return nil
	}, func() {
		current = current.finish(gjson.Result{})
	})
}

func streamError(event gjson.Result) error {
	msg := event.Get("response.error.message").String()
	if msg == "" {
		msg = event.Get("message").String()
	}
	if msg == "" {
		msg = event.Get("error.message").String()
	}
	if msg == "" {
		msg = "response failed"
	}
	return core.NewProviderError(string(core.VendorOpenAIResponses), http.StatusBadGateway, msg, nil)
}
