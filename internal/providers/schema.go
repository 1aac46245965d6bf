package providers

import (
	"fmt"
	"strings"

	"llmgateway/internal/core"
)

// PlaceholderProperty is the name of the property added to schemas that a
// vendor rejects when empty.
const PlaceholderProperty = "dummy"

// Parameters is a normalized tool parameter schema.
type Parameters struct {
	Type       string
	Properties map[string]any
	Required   []string
}

// NormalizeParameters copies schema and repairs it for vendors: every
// required name gets a string property when missing, and when nonEmpty is
// set an empty property set receives a placeholder. The catalog's schema is
// never modified.
func NormalizeParameters(schema core.ToolSchema, nonEmpty bool) Parameters {
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}

	props := make(map[string]any, len(schema.Properties)+len(schema.Required))
	for name, prop := range schema.Properties {
		props[name] = prop
	}

	required := make([]string, 0, len(schema.Required))
	for _, name := range schema.Required {
		if name == "" {
			continue
		}
		required = append(required, name)
		if _, ok := props[name]; !ok {
			props[name] = map[string]any{
				"type":        "string",
				"description": "Parameter " + name,
			}
		}
	}

	if nonEmpty && len(props) == 0 {
		props[PlaceholderProperty] = map[string]any{
			"type":        "string",
			"description": "Dummy parameter",
		}
	}

	return Parameters{Type: typ, Properties: props, Required: required}
}

// JSONSchema renders the parameters as a JSON-schema object. Empty
// properties and required lists are omitted when omitEmpty is set.
func (p Parameters) JSONSchema(omitEmpty bool) map[string]any {
	out := map[string]any{"type": p.Type}
	if len(p.Properties) > 0 || !omitEmpty {
		out["properties"] = p.Properties
	}
	if len(p.Required) > 0 || !omitEmpty {
		required := p.Required
		if required == nil {
			required = []string{}
		}
		out["required"] = required
	}
	return out
}

// ValidateTools fails fast on catalogs a vendor cannot accept.
func ValidateTools(tools []core.QualifiedTool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return core.NewConfigurationError(fmt.Sprintf("tool %q has no name", t.QualifiedName), nil)
		}
		if seen[t.QualifiedName] {
			return core.NewConfigurationError(fmt.Sprintf("duplicate tool %q", t.QualifiedName), nil)
		}
		seen[t.QualifiedName] = true
		if t.Schema.Type != "" && !strings.EqualFold(t.Schema.Type, "object") {
			return core.NewConfigurationError(fmt.Sprintf("tool %q: parameter schema must be an object, got %q", t.QualifiedName, t.Schema.Type), nil)
		}
	}
	return nil
}
