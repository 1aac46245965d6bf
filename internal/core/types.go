package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleFunction marks a message carrying the result of a function call.
	RoleFunction Role = "function"
)

// AttachmentKind distinguishes quoted file content from image data.
type AttachmentKind string

const (
	AttachmentFile  AttachmentKind = "file"
	AttachmentImage AttachmentKind = "image"
)

// Attachment is extra context carried by a message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`
	Text string         `json:"text,omitempty"`
	// ImageJPEG holds JPEG-encoded image bytes for image attachments.
	ImageJPEG []byte `json:"image_jpeg,omitempty"`
}

// ChatText renders the attachment as text for the model.
// Returns an empty string for image attachments.
func (a Attachment) ChatText() string {
	if a.Kind == AttachmentImage || a.Text == "" {
		return ""
	}
	if a.Name == "" {
		return a.Text
	}
	return fmt.Sprintf("File: %s\n```\n%s\n```", a.Name, a.Text)
}

// HasImage reports whether the attachment carries image bytes.
func (a Attachment) HasImage() bool {
	return len(a.ImageJPEG) > 0
}

// Base64Image returns the image bytes base64 encoded, or "" when there is no image.
func (a Attachment) Base64Image() string {
	if !a.HasImage() {
		return ""
	}
	return base64.StdEncoding.EncodeToString(a.ImageJPEG)
}

// FunctionCall is a model-requested invocation of a tool.
type FunctionCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object string.
func (f FunctionCall) ArgumentsJSON() string {
	if len(f.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(f.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Message is one entry in a conversation.
type Message struct {
	ID           string        `json:"id"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

// NewFunctionResult builds the function-role message answering call.
func NewFunctionResult(call FunctionCall, output string) Message {
	return Message{
		ID:           uuid.NewString(),
		Role:         RoleFunction,
		Content:      output,
		FunctionCall: &call,
	}
}

// IsEmpty reports whether the message has nothing to send.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 && m.FunctionCall == nil
}

// TextWithAttachments joins attachment text ahead of the message content.
func (m Message) TextWithAttachments() string {
	parts := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if text := a.ChatText(); text != "" {
			parts = append(parts, text)
		}
	}
	joined := strings.Join(parts, "\n")
	if strings.TrimSpace(joined) == "" {
		return m.Content
	}
	return joined + "\n\n" + m.Content
}

// Images returns the base64 JPEG data of every image attachment, in order.
func (m Message) Images() []string {
	var images []string
	for _, a := range m.Attachments {
		if a.HasImage() {
			images = append(images, a.Base64Image())
		}
	}
	return images
}

// Conversation is an ordered list of messages. The gateway never mutates it.
type Conversation struct {
	Messages []Message `json:"messages"`
}

// NewConversation creates a conversation from messages.
func NewConversation(messages ...Message) Conversation {
	return Conversation{Messages: messages}
}

// Append returns a copy of the conversation with messages added.
func (c Conversation) Append(messages ...Message) Conversation {
	out := make([]Message, 0, len(c.Messages)+len(messages))
	out = append(out, c.Messages...)
	out = append(out, messages...)
	return Conversation{Messages: out}
}

// Validate checks that function results reference earlier assistant calls.
func (c Conversation) Validate() error {
	calls := make(map[string]bool)
	for i, m := range c.Messages {
		switch m.Role {
		case RoleUser, RoleSystem:
		case RoleAssistant:
			if m.FunctionCall != nil {
				calls[m.FunctionCall.ID] = true
			}
		case RoleFunction:
			if m.FunctionCall == nil {
				return NewInvalidRequestError(fmt.Sprintf("message %d: function result without function call", i), nil)
			}
			if !calls[m.FunctionCall.ID] {
				return NewInvalidRequestError(fmt.Sprintf("message %d: function result references unknown call %q", i, m.FunctionCall.ID), nil)
			}
		default:
			return NewInvalidRequestError(fmt.Sprintf("message %d: unknown role %q", i, m.Role), nil)
		}
	}
	return nil
}
