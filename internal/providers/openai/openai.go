// Package openai implements the OpenAI chat completions client. It is also
// the fallback for any OpenAI-compatible endpoint.
package openai

import (
	"context"
	"encoding/json"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

// Registration provides factory registration for the OpenAI chat client.
var Registration = providers.Registration{
	Vendor: core.VendorOpenAI,
	New:    func(opts providers.Options) providers.Client { return New(opts) },
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	*providers.Base
}

// New creates a client for one request.
func New(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(core.VendorOpenAI, opts)}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Functions   []function    `json:"functions,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role         string        `json:"role"`
	Content      any           `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type function struct {
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
				URL:  desc.URL,
				Body: body,
				Headers: map[string]string{
					"Authorization": "Bearer " + desc.APIKey,
				},
			}, nil
		}, providers.NewChatDeltaParser(c, core.VendorOpenAI))
	}
}

func (c *Client) buildRequest(conv core.Conversation, desc core.ModelDescriptor) ([]byte, error) {
	req := chatRequest{
		Model:       desc.Model,
		Temperature: providers.Temperature(desc),
		Stream:      true,
	}

	// No system role on the legacy endpoint: the prompt leads as a user turn.
	if prompt := c.SystemPrompt(); prompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	}
	for _, m := range conv.Messages {
		if m.IsEmpty() {
			continue
		}
		req.Messages = append(req.Messages, toChatMessage(m, desc))
	}

	tools := c.Tools(desc)
	if err := providers.ValidateTools(tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		params := providers.NormalizeParameters(t.Schema, false)
		req.Functions = append(req.Functions, function{
			Name:        t.QualifiedName,
			Description: t.Description,
			Parameters:  params.JSONSchema(false),
		})
	}

	return json.Marshal(req)
}

func toChatMessage(m core.Message, desc core.ModelDescriptor) chatMessage {
	role := string(m.Role)
	if m.Role == core.RoleFunction {
		role = "user"
	}
	msg := chatMessage{
		Role:    role,
		Content: providers.ChatContent(m, desc.Vision, "image_url", ""),
	}

	if desc.FunctionCalling && m.FunctionCall != nil {
		switch m.Role {
		case core.RoleFunction:
			msg.Name = m.FunctionCall.Name
		case core.RoleAssistant:
			msg.FunctionCall = &functionCall{
				Name:      m.FunctionCall.Name,
				Arguments: m.FunctionCall.ArgumentsJSON(),
			}
		}
	}
	return msg
}
