// Package anthropic implements the Anthropic messages streaming client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 10000
)

// Registration provides factory registration for the Anthropic client.
var Registration = providers.Registration{
	Vendor: core.VendorAnthropic,
	New:    func(opts providers.Options) providers.Client { return New(opts) },
}

var errInvalidEvent = errors.New("event is not valid JSON")

// Client streams from the Anthropic messages API.
type Client struct {
	*providers.Base
}

// New creates a client for one request.
func New(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(core.VendorAnthropic, opts)}
}

// anthropicRequest represents the Anthropic API request format
type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

// anthropicMessage content is a string or a list of content blocks.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   []contentBlock  `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
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
				URL:  desc.URL,
				Body: body,
				Headers: map[string]string{
					"x-api-key":         desc.APIKey,
					"anthropic-version": anthropicAPIVersion,
				},
			}, nil
		}, newParser(c))
	}
}

func (c *Client) buildRequest(conv core.Conversation, desc core.ModelDescriptor) ([]byte, error) {
	req := anthropicRequest{
		Model:       desc.Model,
		System:      c.SystemPrompt(),
		Messages:    make([]anthropicMessage, 0, len(conv.Messages)),
		MaxTokens:   c.MaxTokens(defaultMaxTokens),
		Temperature: math.Min(desc.TemperatureValue(), 1),
		Stream:      true,
	}

	for _, m := range conv.Messages {
		if m.IsEmpty() {
			continue
		}
		req.Messages = append(req.Messages, toAnthropicMessage(m, desc))
	}

	tools := c.Tools(desc)
	if err := providers.ValidateTools(tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.QualifiedName,
			Description: t.Description,
			InputSchema: providers.NormalizeParameters(t.Schema, false).JSONSchema(true),
		})
	}

	return json.Marshal(req)
}

// toAnthropicMessage maps roles onto user and assistant; function results
// become tool_result blocks.
func toAnthropicMessage(m core.Message, desc core.ModelDescriptor) anthropicMessage {
	role := "user"
	if m.Role == core.RoleAssistant {
		role = "assistant"
	}

	if desc.FunctionCalling && m.FunctionCall != nil {
		call := m.FunctionCall
		if m.Role == core.RoleFunction {
			isError := false
			return anthropicMessage{Role: role, Content: []contentBlock{{
				Type:      "tool_result",
				ToolUseID: call.ID,
				Content:   []contentBlock{{Type: "text", Text: m.Content}},
				IsError:   &isError,
			}}}
		}
		return anthropicMessage{Role: role, Content: []contentBlock{{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: json.RawMessage(call.ArgumentsJSON()),
		}}}
	}

	text := m.TextWithAttachments()
	images := m.Images()
	if !desc.Vision || len(images) == 0 {
		return anthropicMessage{Role: role, Content: text}
	}
	blocks := []contentBlock{{Type: "text", Text: text}}
	for _, img := range images {
		blocks = append(blocks, contentBlock{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: "image/jpeg", Data: img},
		})
	}
	return anthropicMessage{Role: role, Content: blocks}
}

// parser tracks the content block being streamed.
type parser struct {
	out  providers.Emitter
	call providers.CallTracker
}

func newParser(out providers.Emitter) *parser {
	return &parser{out: out}
}

func (p *parser) Parse(frame providers.Frame) error {
	if !gjson.ValidBytes(frame.Data) {
		return errInvalidEvent
	}
	event := gjson.ParseBytes(frame.Data)

	switch event.Get("type").String() {
	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			p.call.Begin(p.out, block.Get("id").String(), block.Get("name").String())
		}
	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if text := delta.Get("text").String(); text != "" {
				p.out.Emit(core.Content(text))
			}
		case "input_json_delta":
			p.call.Arguments(p.out, delta.Get("partial_json").String())
		}
	case "content_block_stop":
		p.call.Close(p.out)
	case "error":
		msg := event.Get("error.message").String()
		if msg == "" {
			msg = "stream error"
		}
		return providers.Fatal(core.NewProviderError(string(core.VendorAnthropic), http.StatusBadGateway, msg, nil))
	}
	return nil
}

func (p *parser) End() {
	p.call.Close(p.out)
}
