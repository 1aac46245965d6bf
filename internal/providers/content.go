package providers

import (
	"regexp"

	"llmgateway/internal/core"
)

// ContentPart is one element of an OpenAI-style multi-part message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image as a data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// JPEGDataURL wraps base64 JPEG data in a data URL.
func JPEGDataURL(b64 string) string {
	return "data:image/jpeg;base64," + b64
}

// ChatContent renders message content for OpenAI-compatible vendors: a
// plain string, or a text part followed by one image part per attached
// image when vision is enabled and the message has images.
func ChatContent(m core.Message, vision bool, imagePartType, detail string) any {
	text := m.TextWithAttachments()
	images := m.Images()
	if !vision || len(images) == 0 {
		return text
	}

	parts := make([]ContentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	for _, img := range images {
		parts = append(parts, ContentPart{
			Type:     imagePartType,
			ImageURL: &ImageURL{URL: JPEGDataURL(img), Detail: detail},
		})
	}
	return parts
}

var reasoningModel = regexp.MustCompile(`^o\d(-.*)?$`)

// IsReasoningModel reports OpenAI reasoning models, which reject a
// temperature parameter.
func IsReasoningModel(model string) bool {
	return reasoningModel.MatchString(model)
}

// Temperature returns the vendor temperature, or nil when the model must
// not receive one.
func Temperature(desc core.ModelDescriptor) *float64 {
	if IsReasoningModel(desc.Model) {
		return nil
	}
	t := desc.TemperatureValue()
	return &t
}
