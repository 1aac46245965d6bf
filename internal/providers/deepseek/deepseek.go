// Package deepseek implements the DeepSeek chat client.
package deepseek

import (
	"context"

	"llmgateway/internal/core"
	"llmgateway/internal/pkg/llmclient"
	"llmgateway/internal/providers"
)

// Registration provides factory registration for the DeepSeek client.
var Registration = providers.Registration{
	Vendor: core.VendorDeepSeek,
	New:    func(opts providers.Options) providers.Client { return New(opts) },
}

var dialect = providers.ToolChatDialect{
	ImagePartType:    "image",
	DefaultMaxTokens: 4096,
}

// Client streams chat completions from DeepSeek. Tool calls stream as a
// header chunk followed by argument chunks.
type Client struct {
	*providers.Base
}

// New creates a client for one request.
func New(opts providers.Options) *Client {
	return &Client{Base: providers.NewBase(core.VendorDeepSeek, opts)}
}

// Run implements providers.Client.
func (c *Client) Run(conv core.Conversation) providers.Action {
	return func(ctx context.Context) error {
		return c.Execute(ctx, func(desc core.ModelDescriptor) (llmclient.Request, error) {
			body, err := dialect.BuildRequest(c.Base, conv, desc)
			if err != nil {
				return llmclient.Request{}, err
			}
			return llmclient.Request{
				URL:     desc.URL,
				Body:    body,
				Headers: map[string]string{"Authorization": "Bearer " + desc.APIKey},
			}, nil
		}, providers.NewChatDeltaParser(c, core.VendorDeepSeek))
	}
}
