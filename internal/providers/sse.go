package providers

import (
	"bufio"
	"bytes"
	"io"
)

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	doneMarker  = []byte("[DONE]")
)

// Frame is one data line of a server-sent event stream.
type Frame struct {
	// Event is the value of the preceding "event:" line, if any.
	Event string
	// Data is the payload with the "data:" prefix and surrounding space removed.
	Data []byte
}

// FrameReader splits a vendor stream into frames. Blank lines, comments and
// lines without a data prefix are skipped; a "[DONE]" payload ends the stream.
type FrameReader struct {
	r     *bufio.Reader
	event string
	done  bool
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame, or io.EOF when the stream ended or the
// terminator was seen.
func (f *FrameReader) Next() (Frame, error) {
	for {
		if f.done {
			return Frame{}, io.EOF
		}
		line, err := f.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return Frame{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(bytes.TrimSpace(line)) == 0:
			f.event = ""
		case bytes.HasPrefix(line, eventPrefix):
			f.event = string(bytes.TrimSpace(line[len(eventPrefix):]))
		case bytes.HasPrefix(line, dataPrefix):
			data := bytes.TrimSpace(line[len(dataPrefix):])
			if bytes.Equal(data, doneMarker) {
				f.done = true
				return Frame{}, io.EOF
			}
			if len(data) > 0 {
				return Frame{Event: f.event, Data: data}, nil
			}
		}

		if err != nil {
			return Frame{}, err
		}
	}
}
