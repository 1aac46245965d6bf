package listeners

import "llmgateway/internal/core"

// View renders assistant output as it streams.
type View interface {
	// AppendText adds a piece of assistant text.
	AppendText(text string)
	// Finish is called once. err is nil on normal completion.
	Finish(err error)
}

// ViewAppender forwards CONTENT events to a View. Function call fragments
// are not rendered.
type ViewAppender struct {
	view View
}

// NewViewAppender creates a listener that appends to view.
func NewViewAppender(view View) *ViewAppender {
	return &ViewAppender{view: view}
}

// OnNext implements broadcast.Listener.
func (v *ViewAppender) OnNext(ev core.Incoming) {
	if ev.Type == core.EventContent {
		v.view.AppendText(ev.Payload)
	}
}

// OnError implements broadcast.Listener.
func (v *ViewAppender) OnError(err error) { v.view.Finish(err) }

// OnComplete implements broadcast.Listener.
func (v *ViewAppender) OnComplete() { v.view.Finish(nil) }
