// Package gemini implements the Google Gemini streamGenerateContent client.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

// Registration provides factory registration for the Gemini client.
var Registration = providers.Registration{
	Vendor: core.VendorGemini,
	New:    func(opts providers.Options) providers.Client { return New(opts) },
}

var errInvalidChunk = errors.New("chunk is not valid JSON")

// Client streams from the native Gemini API.
type Client struct {
	*providers.Base
}

// New creates a client for one request.
func New(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(core.VendorGemini, opts)}
}

type geminiRequest struct {
	Contents         []content         `json:"contents"`
	Tools            []toolSet         `json:"tools,omitempty"`
	ToolConfig       *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inline_data,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type toolConfig struct {
	FunctionCallingConfig struct {
		Mode string `json:"mode"`
	} `json:"functionCallingConfig"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

// StreamURL builds the streaming endpoint for model from a base URL that
// may or may not already name the model.
func StreamURL(baseURL, model string) string {
	url := strings.TrimSuffix(baseURL, "/")
	if !strings.Contains(url, "/models/") {
		if !strings.HasSuffix(url, "/models") {
			url += "/models"
		}
		url += "/" + model
	}
	return url + ":streamGenerateContent?alt=sse"
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
				URL:     StreamURL(desc.URL, desc.Model),
				Body:    body,
				Headers: map[string]string{"x-goog-api-key": desc.APIKey},
			}, nil
		}, providers.ParserFunc(c.parse))
	}
}

func (c *Client) buildRequest(conv core.Conversation, desc core.ModelDescriptor) ([]byte, error) {
	req := geminiRequest{
		Contents:         make([]content, 0, len(conv.Messages)+1),
		GenerationConfig: &generationConfig{Temperature: desc.TemperatureValue()},
	}

	// Gemini has no system role.
	if prompt := c.SystemPrompt(); prompt != "" {
		req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: prompt}}})
	}
	for _, m := range conv.Messages {
		if m.IsEmpty() {
			continue
		}
		req.Contents = append(req.Contents, toContent(m, desc))
	}

	tools := c.Tools(desc)
	if err := providers.ValidateTools(tools); err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		decls := make([]functionDeclaration, 0, len(tools))
		for _, t := range tools {
			params := providers.NormalizeParameters(t.Schema, true)
			params.Type = "OBJECT"
			decls = append(decls, functionDeclaration{
				Name:        t.QualifiedName,
				Description: t.Description,
				Parameters:  params.JSONSchema(false),
			})
		}
		req.Tools = []toolSet{{FunctionDeclarations: decls}}
		req.ToolConfig = &toolConfig{}
		req.ToolConfig.FunctionCallingConfig.Mode = "AUTO"
	}

	return json.Marshal(req)
}

func toContent(m core.Message, desc core.ModelDescriptor) content {
	role := "user"
	if m.Role == core.RoleAssistant {
		role = "model"
	}

	if desc.FunctionCalling && m.FunctionCall != nil {
		call := m.FunctionCall
		if m.Role == core.RoleFunction {
			return content{Role: role, Parts: []part{{FunctionResponse: &functionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": m.Content},
			}}}}
		}
		return content{Role: role, Parts: []part{{FunctionCall: &functionCall{
			Name: call.Name,
			Args: json.RawMessage(call.ArgumentsJSON()),
		}}}}
	}

	parts := []part{{Text: m.TextWithAttachments()}}
	if desc.Vision {
		for _, img := range m.Images() {
			parts = append(parts, part{InlineData: &inlineData{MimeType: "image/jpeg", Data: img}})
		}
	}
	return content{Role: role, Parts: parts}
}

// parse handles one chunk. Gemini sends text and whole function calls as
// parts of the first candidate.
func (c *Client) parse(frame providers.Frame) error {
	if !gjson.ValidBytes(frame.Data) {
		return errInvalidChunk
	}
	chunk := gjson.ParseBytes(frame.Data)

	if msg := chunk.Get("error.message"); msg.Exists() {
		return providers.Fatal(core.NewProviderError(string(core.VendorGemini), http.StatusBadGateway, msg.String(), nil))
	}

	chunk.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if text := p.Get("text").String(); text != "" && !p.Get("thought").Bool() {
			c.Emit(core.Content(text))
		}
		if fc := p.Get("functionCall"); fc.Exists() {
			id := fc.Get("id").String()
			if id == "" {
				id = uuid.NewString()
			}
			c.Emit(core.FunctionCallFragment(providers.FunctionCallComplete(id, fc.Get("name").String(), fc.Get("args").Raw)))
		}
		return true
	})
	return nil
}
