package completion

import "strings"

// fenceStripper removes markdown code fences from streamed completion text.
// Completions are inserted verbatim, so a ``` fence ends the useful output
// and everything after it is dropped. ~~~ markers are removed wherever they
// appear.
type fenceStripper struct {
	truncated bool
}

func (f *fenceStripper) strip(chunk string) string {
	if f.truncated || chunk == "" {
		return ""
	}
	if i := strings.Index(chunk, "```"); i >= 0 {
		f.truncated = true
		chunk = chunk[:i]
	}
	return strings.ReplaceAll(chunk, "~~~", "")
}
