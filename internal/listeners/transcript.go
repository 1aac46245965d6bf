package listeners

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"llmgateway/internal/core"
	"llmgateway/internal/transcript"
)

// Transcript assembles a transcript.Entry for one stream and hands it to a
// writer on termination.
type Transcript struct {
	writer  transcript.Writer
	entry   transcript.Entry
	content strings.Builder
	calls   strings.Builder
}

// NewTranscript creates a transcript listener for a stream of desc.
func NewTranscript(w transcript.Writer, requestID, context string, desc core.ModelDescriptor) *Transcript {
	return &Transcript{
		writer: w,
		entry: transcript.Entry{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			RequestID: requestID,
			Context:   context,
			Vendor:    string(desc.ResolvedVendor()),
			Model:     desc.Model,
		},
	}
}

// OnNext implements broadcast.Listener.
func (t *Transcript) OnNext(ev core.Incoming) {
	t.entry.Events++
	switch ev.Type {
	case core.EventContent:
		t.content.WriteString(ev.Payload)
	case core.EventFunctionCall:
		t.calls.WriteString(ev.Payload)
	}
}

// OnError implements broadcast.Listener.
func (t *Transcript) OnError(err error) {
	if core.IsCancellation(err) {
		t.write(transcript.OutcomeCancelled, "")
		return
	}
	t.write(transcript.OutcomeFailed, err.Error())
}

// OnComplete implements broadcast.Listener.
func (t *Transcript) OnComplete() {
	t.write(transcript.OutcomeCompleted, "")
}

func (t *Transcript) write(outcome transcript.Outcome, errText string) {
	e := t.entry
	e.Outcome = outcome
	e.Error = errText
	e.Content = t.content.String()
	e.FunctionCalls = t.calls.String()
	e.DurationNs = time.Since(e.Timestamp).Nanoseconds()
	t.writer.Write(&e)
}
