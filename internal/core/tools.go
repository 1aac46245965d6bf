package core

import (
	"sort"
	"strings"
)

// ToolNameSeparator joins a tool source name and a tool name.
const ToolNameSeparator = "__"

// ToolSchema describes the parameters a tool accepts.
type ToolSchema struct {
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`
	Required   []string       `json:"required,omitempty" yaml:"required"`
}

// Tool is a function advertised to the model.
type Tool struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Schema      ToolSchema `json:"schema" yaml:"schema"`
}

// QualifiedTool is a tool together with its source-qualified name.
type QualifiedTool struct {
	QualifiedName string
	Tool
}

// ToolCatalog lists the tools each source exposes.
// Implementations must be safe for concurrent reads.
type ToolCatalog interface {
	Tools() map[string][]Tool
}

// StaticCatalog is a fixed ToolCatalog.
type StaticCatalog map[string][]Tool

// Tools implements ToolCatalog.
func (c StaticCatalog) Tools() map[string][]Tool {
	return c
}

// QualifiedName returns "<source>__<tool>".
func QualifiedName(source, tool string) string {
	return source + ToolNameSeparator + tool
}

// SplitQualifiedName is the inverse of QualifiedName.
func SplitQualifiedName(name string) (source, tool string, ok bool) {
	return strings.Cut(name, ToolNameSeparator)
}

// FlattenTools lists every catalog tool with its qualified name, ordered by
// source name and then by the source's own order.
func FlattenTools(catalog ToolCatalog) []QualifiedTool {
	if catalog == nil {
		return nil
	}
	bySource := catalog.Tools()
	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var out []QualifiedTool
	for _, source := range sources {
		for _, tool := range bySource[source] {
			out = append(out, QualifiedTool{
				QualifiedName: QualifiedName(source, tool.Name),
				Tool:          tool,
			})
		}
	}
	return out
}
