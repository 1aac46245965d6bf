package providers

import (
	"encoding/json"

	"llmgateway/internal/core"
)

// ToolChatDialect describes an OpenAI-compatible chat endpoint that speaks
// the "tools" protocol: a system role, function results as "tool" messages
// and assistant "tool_calls".
type ToolChatDialect struct {
	// ImagePartType is the content part type of images.
	ImagePartType string
	// ImageDetail is sent with every image part when set.
	ImageDetail string
	// ToolChoice is sent when tools are advertised and it is set.
	ToolChoice string
	// DefaultMaxTokens applies when the options leave MaxTokens unset.
	DefaultMaxTokens int
}

type toolChatRequest struct {
	Model       string            `json:"model"`
	Messages    []toolChatMessage `json:"messages"`
	Tools       []toolDefinition  `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	Stream      bool              `json:"stream"`
}

type toolChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCallItem `json:"tool_calls,omitempty"`
}

type toolCallItem struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDefinition struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// BuildRequest encodes conv for the dialect using the client's system
// prompt, tools and token cap.
func (d ToolChatDialect) BuildRequest(b *Base, conv core.Conversation, desc core.ModelDescriptor) ([]byte, error) {
	req := toolChatRequest{
		Model:       desc.Model,
		Messages:    make([]toolChatMessage, 0, len(conv.Messages)+1),
		Temperature: desc.TemperatureValue(),
		MaxTokens:   b.MaxTokens(d.DefaultMaxTokens),
		Stream:      true,
	}

	if prompt := b.SystemPrompt(); prompt != "" {
		req.Messages = append(req.Messages, toolChatMessage{Role: string(core.RoleSystem), Content: prompt})
	}
	for _, m := range conv.Messages {
		if m.IsEmpty() {
			continue
		}
		req.Messages = append(req.Messages, d.message(m, desc))
	}

	tools := b.Tools(desc)
	if err := ValidateTools(tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, toolDefinition{
			Type: "function",
			Function: toolFunction{
				Name:        t.QualifiedName,
				Description: t.Description,
				Parameters:  NormalizeParameters(t.Schema, false).JSONSchema(true),
			},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = d.ToolChoice
	}

	return json.Marshal(req)
}

func (d ToolChatDialect) message(m core.Message, desc core.ModelDescriptor) toolChatMessage {
	if desc.FunctionCalling && m.FunctionCall != nil {
		call := m.FunctionCall
		switch m.Role {
		case core.RoleFunction:
			return toolChatMessage{Role: "tool", Content: m.Content, ToolCallID: call.ID}
		case core.RoleAssistant:
			return toolChatMessage{
				Role:    string(core.RoleAssistant),
				Content: m.Content,
				ToolCalls: []toolCallItem{{
					ID:   call.ID,
					Type: "function",
					Function: toolCallFunction{
						Name:      call.Name,
						Arguments: call.ArgumentsJSON(),
					},
				}},
			}
		}
	}

	role := m.Role
	if role != core.RoleAssistant && role != core.RoleSystem {
		role = core.RoleUser
	}
	return toolChatMessage{
		Role:    string(role),
		Content: ChatContent(m, desc.Vision, d.ImagePartType, d.ImageDetail),
	}
}
