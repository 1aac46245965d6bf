package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"llmgateway/internal/core"
)

// Event names written by the SSE relay.
const (
	eventContent      = "content"
	eventFunctionCall = "function_call"
	eventDone         = "done"
	eventError        = "error"
)

// sseRelay writes a client's events to an HTTP response as server-sent
// events. Listener callbacks run on the handler goroutine that invoked the
// action, so writes are never concurrent.
type sseRelay struct {
	resp   *echo.Response
	opened bool
}

func newSSERelay(resp *echo.Response) *sseRelay {
	return &sseRelay{resp: resp}
}

// open sends the response headers. Errors raised before open are reported
// as regular JSON responses by the handler instead.
func (r *sseRelay) open() {
	if r.opened {
		return
	}
	r.opened = true
	h := r.resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	r.resp.WriteHeader(http.StatusOK)
	r.resp.Flush()
}

func (r *sseRelay) write(event string, payload any) {
	r.open()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(r.resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return
	}
	r.resp.Flush()
}

// OnNext implements broadcast.Listener.
func (r *sseRelay) OnNext(ev core.Incoming) {
	name := eventContent
	if ev.Type == core.EventFunctionCall {
		name = eventFunctionCall
	}
	r.write(name, ev)
}

// OnError implements broadcast.Listener.
func (r *sseRelay) OnError(err error) {
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) {
		gwErr = core.NewProviderError("", http.StatusBadGateway, err.Error(), err)
	}
	r.write(eventError, gwErr.ToJSON())
}

// OnComplete implements broadcast.Listener.
func (r *sseRelay) OnComplete() {
	r.write(eventDone, map[string]any{})
}
