package core

// EventType tags an Incoming event.
type EventType string

const (
	// EventContent carries a piece of assistant text.
	EventContent EventType = "CONTENT"
	// EventFunctionCall carries a fragment of a function call JSON object.
	// Fragments are only valid JSON once concatenated in order.
	EventFunctionCall EventType = "FUNCTION_CALL"
)

// Incoming is the normalized unit emitted by every provider client.
type Incoming struct {
	Type    EventType `json:"type"`
	Payload string    `json:"payload"`
}

// Content creates a CONTENT event.
func Content(text string) Incoming {
	return Incoming{Type: EventContent, Payload: text}
}

// FunctionCallFragment creates a FUNCTION_CALL event.
func FunctionCallFragment(fragment string) Incoming {
	return Incoming{Type: EventFunctionCall, Payload: fragment}
}
