package core

import (
	"fmt"
	"strings"
)

// Vendor selects the wire protocol a model endpoint speaks.
type Vendor string

const (
	VendorOpenAI          Vendor = "openai"
	VendorOpenAIResponses Vendor = "openai-responses"
	VendorAnthropic       Vendor = "anthropic"
	VendorGemini          Vendor = "gemini"
	VendorDeepSeek        Vendor = "deepseek"
	VendorGrok            Vendor = "grok"
)

// KnownVendors lists every vendor tag in router priority order.
var KnownVendors = []Vendor{
	VendorAnthropic,
	VendorDeepSeek,
	VendorGemini,
	VendorOpenAIResponses,
	VendorGrok,
	VendorOpenAI,
}

// ParseVendor validates a vendor tag. An empty string yields "" without error.
func ParseVendor(s string) (Vendor, error) {
	if s == "" {
		return "", nil
	}
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownVendors {
		if v == known {
			return v, nil
		}
	}
	return "", NewConfigurationError(fmt.Sprintf("unknown vendor %q", s), nil)
}

// InferVendor derives a vendor from an endpoint URL. It exists only to
// migrate descriptors stored before vendor tags were recorded.
func InferVendor(url string) Vendor {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, "anthropic"):
		return VendorAnthropic
	case strings.Contains(u, "deepseek"):
		return VendorDeepSeek
	case strings.Contains(u, "googleapis"):
		return VendorGemini
	case strings.Contains(u, "/v1/responses"):
		return VendorOpenAIResponses
	case strings.Contains(u, "api.x.ai/v1/chat/completions"):
		return VendorGrok
	default:
		return VendorOpenAI
	}
}

// ModelDescriptor configures one model endpoint.
type ModelDescriptor struct {
	UID    string `json:"uid" yaml:"uid"`
	Vendor Vendor `json:"vendor,omitempty" yaml:"vendor"`
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
	// Temperature is expressed in tenths; vendors receive Temperature/10.
	Temperature     int  `json:"temperature" yaml:"temperature"`
	Vision          bool `json:"vision" yaml:"vision"`
	FunctionCalling bool `json:"function_calling" yaml:"function_calling"`
}

// ResolvedVendor returns the explicit vendor tag, inferring one from the URL
// for legacy descriptors.
func (d ModelDescriptor) ResolvedVendor() Vendor {
	if d.Vendor != "" {
		return d.Vendor
	}
	return InferVendor(d.URL)
}

// TemperatureValue converts the stored tenths into the vendor scale.
func (d ModelDescriptor) TemperatureValue() float64 {
	return float64(d.Temperature) / 10.0
}

// Validate reports descriptors that cannot be used to build a request.
func (d ModelDescriptor) Validate() error {
	if d.URL == "" {
		return NewConfigurationError(fmt.Sprintf("model %q has no endpoint url", d.UID), nil)
	}
	if d.Model == "" {
		return NewConfigurationError(fmt.Sprintf("model %q has no model name", d.UID), nil)
	}
	if _, err := ParseVendor(string(d.Vendor)); err != nil {
		return err
	}
	return nil
}
