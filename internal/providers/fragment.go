package providers

import (
	"strings"

	"github.com/tidwall/sjson"

	"llmgateway/internal/core"
)

// FunctionCallFooter closes the object opened by FunctionCallHeader.
const FunctionCallFooter = "}}"

// FunctionCallHeader returns the opening FUNCTION_CALL fragment
// `{"function_call":{"id":...,"name":...,"arguments":`. Argument fragments
// and FunctionCallFooter complete it.
func FunctionCallHeader(id, name string) string {
	obj, err := sjson.Set(`{}`, "id", id)
	if err != nil {
		obj = `{"id":""}`
	}
	if withName, err := sjson.Set(obj, "name", name); err == nil {
		obj = withName
	}
	return `{"function_call":` + strings.TrimSuffix(obj, "}") + `,"arguments":`
}

// FunctionCallComplete returns a whole call as one fragment.
// Empty arguments become an empty object.
func FunctionCallComplete(id, name, arguments string) string {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	return FunctionCallHeader(id, name) + arguments + FunctionCallFooter
}

// CallTracker remembers whether a function call object is open on a stream
// so that it is closed exactly once. The zero value is ready to use; one
// tracker serves one request.
type CallTracker struct {
	open    bool
	hasArgs bool
}

// Begin closes any open call and emits the header of a new one.
func (c *CallTracker) Begin(out Emitter, id, name string) {
	c.Close(out)
	out.Emit(core.FunctionCallFragment(FunctionCallHeader(id, name)))
	c.open = true
	c.hasArgs = false
}

// Arguments emits a raw argument fragment of the open call.
func (c *CallTracker) Arguments(out Emitter, delta string) {
	if !c.open || delta == "" {
		return
	}
	out.Emit(core.FunctionCallFragment(delta))
	c.hasArgs = true
}

// Close emits the footer of the open call, if any. A call that received no
// argument fragment gets an empty object.
func (c *CallTracker) Close(out Emitter) {
	if !c.open {
		return
	}
	if !c.hasArgs {
		out.Emit(core.FunctionCallFragment("{}"))
	}
	out.Emit(core.FunctionCallFragment(FunctionCallFooter))
	c.open = false
	c.hasArgs = false
}

