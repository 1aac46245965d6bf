package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmgateway/internal/core"
	"llmgateway/internal/providers"
	"llmgateway/internal/providers/openai"
	"llmgateway/internal/providers/providerstest"
)

func TestFenceStripper(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{name: "plain", chunks: []string{"return ", "x"}, want: "return x"},
		{name: "fence truncates rest", chunks: []string{"a := 1", "\n```", "\nexplanation"}, want: "a := 1\n"},
		{name: "fence mid chunk", chunks: []string{"x++```go\ny"}, want: "x++"},
		{name: "tilde markers removed", chunks: []string{"~~~", "y := 2", "~~~"}, want: "y := 2"},
		{name: "empty chunk", chunks: []string{"", "z"}, want: "z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f fenceStripper
			got := ""
			for _, c := range tt.chunks {
				got += f.strip(c)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func newClient(t *testing.T, server *httptest.Server, opts providers.Options) providers.Client {
	t.Helper()
	desc := providerstest.Descriptor(server, core.VendorOpenAI, "gpt-4o")
	desc.FunctionCalling = true
	client := openai.New(opts)
	client.SetModel(desc)
	return client
}

func TestStart_AggregatesText(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		providerstest.Data(`{"choices":[{"delta":{"content":"int x"}}]}`),
		providerstest.Data(`{"choices":[{"delta":{"content":" = 4;\n` + "```" + `"}}]}`),
		providerstest.Data(`{"choices":[{"delta":{"content":"This sets x."}}]}`),
		providerstest.Data(`[DONE]`),
	)
	h := Start(newClient(t, server, providerstest.Options(server)), providerstest.UserConversation("complete"))

	text, err := h.Await(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "int x = 4;\n", text)
}

func TestStart_FailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	h := Start(newClient(t, server, providerstest.Options(server)), providerstest.UserConversation("x"))
	_, err := h.Await(5 * time.Second)

	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeInvalidRequest, gwErr.Type)
}

// hangingServer sends one chunk and then holds the stream open until the
// client goes away.
func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHandle_Cancel(t *testing.T) {
	server := hangingServer(t)
	var chunks atomic.Int32
	client := newClient(t, server, providerstest.Options(server))
	h := StartWithOptions(func() (providers.Client, error) { return client, nil },
		providerstest.UserConversation("x"),
		Options{OnChunk: func(string) { chunks.Add(1) }})

	require.Eventually(t, func() bool { return chunks.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	h.Cancel()

	text, err := h.Await(5 * time.Second)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, "partial", text)
	assert.True(t, h.Cancelled())
}

func TestHandle_AwaitTimeoutCancels(t *testing.T) {
	server := hangingServer(t)
	h := Start(newClient(t, server, providerstest.Options(server)), providerstest.UserConversation("x"))

	_, err := h.Await(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, h.Cancelled())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("completion did not stop after timeout")
	}
}

func TestStart_SingleClientIsNotReused(t *testing.T) {
	server, _ := providerstest.SSEServer(t,
		providerstest.Data(`{"choices":[{"delta":{"function_call":{"name":"ide__getSource","arguments":"{}"}}}]}`),
		providerstest.Data(`[DONE]`),
	)
	h := Start(newClient(t, server, providerstest.Options(server)), providerstest.UserConversation("x"))
	text, err := h.Await(5 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, text)
}

type executorFunc func(ctx context.Context, call core.FunctionCall) (string, error)

func (f executorFunc) Execute(ctx context.Context, call core.FunctionCall) (string, error) {
	return f(ctx, call)
}

// toolServer asks for a tool call on the first `calls` requests and answers
// with text afterwards. It records every request body.
func toolServer(t *testing.T, calls int) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if n <= calls {
			_, _ = fmt.Fprint(w, `data: {"choices":[{"delta":{"function_call":{"name":"ide__getSource","arguments":"{\"file\":\"a.go\"}"}}}]}`+"\n\n")
		} else {
			_, _ = fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"done"}}]}`+"\n\n")
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...)
	}
}

func TestStartWithOptions_ToolRoundTrip(t *testing.T) {
	server, bodies := toolServer(t, 1)
	tools := core.StaticCatalog{"ide": {{Name: "getSource"}}}
	opts := providerstest.Options(server)
	opts.Tools = tools

	var executed []core.FunctionCall
	h := StartWithOptions(func() (providers.Client, error) { return newClient(t, server, opts), nil },
		providerstest.UserConversation("x"),
		Options{
			Tools: tools,
			Executor: executorFunc(func(_ context.Context, call core.FunctionCall) (string, error) {
				executed = append(executed, call)
				return "package a", nil
			}),
		})

	text, err := h.Await(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	require.Len(t, executed, 1)
	assert.Equal(t, map[string]any{"file": "a.go"}, executed[0].Arguments)

	sent := bodies()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], `"content":"package a"`)
	assert.Contains(t, sent[1], `"name":"ide__getSource"`)
}

func TestStartWithOptions_IterationLimit(t *testing.T) {
	server, bodies := toolServer(t, 100)
	tools := core.StaticCatalog{"ide": {{Name: "getSource"}}}
	opts := providerstest.Options(server)
	opts.Tools = tools

	h := StartWithOptions(func() (providers.Client, error) { return newClient(t, server, opts), nil },
		providerstest.UserConversation("x"),
		Options{
			Tools: tools,
			Executor: executorFunc(func(context.Context, core.FunctionCall) (string, error) {
				return "", errors.New("unavailable")
			}),
		})

	_, err := h.Await(5 * time.Second)
	require.NoError(t, err)
	assert.Len(t, bodies(), MaxToolIterations)
	assert.Contains(t, bodies()[1], "Error: unavailable")
}

func TestStartWithOptions_UnofferedToolEndsCompletion(t *testing.T) {
	server, bodies := toolServer(t, 1)
	opts := providerstest.Options(server)

	h := StartWithOptions(func() (providers.Client, error) { return newClient(t, server, opts), nil },
		providerstest.UserConversation("x"),
		Options{
			Executor: executorFunc(func(context.Context, core.FunctionCall) (string, error) {
				t.Error("executor must not run for tools that were not offered")
				return "", nil
			}),
		})

	_, err := h.Await(5 * time.Second)
	require.NoError(t, err)
	assert.Len(t, bodies(), 1)
}

func TestStartWithOptions_SourceError(t *testing.T) {
	h := StartWithOptions(func() (providers.Client, error) { return nil, core.ErrModelNotSelected },
		providerstest.UserConversation("x"), Options{})
	_, err := h.Await(time.Second)
	assert.ErrorIs(t, err, core.ErrModelNotSelected)
}
