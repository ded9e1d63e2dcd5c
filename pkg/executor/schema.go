package executor

import (
	"sort"
	"strings"
)

// typeLabels maps a schema type to the entity labels that can fill it
// without a name hint.
var typeLabels = map[string][]string{
	"string":  {"FILE_PATH", "URL", "EMAIL", "PERSON", "ORG", "GPE", "COMMAND"},
	"integer": {"CARDINAL", "QUANTITY"},
	"number":  {"CARDINAL", "MONEY", "PERCENT", "QUANTITY"},
}

// namePatterns are substring hints keyed on the parameter name, walked
// in order. "filename" picks up both the file and the name hints.
var namePatterns = []struct {
	substr string
	labels []string
}{
	{"path", []string{"FILE_PATH"}},
	{"file", []string{"FILE_PATH"}},
	{"directory", []string{"FILE_PATH"}},
	{"url", []string{"URL"}},
	{"uri", []string{"URL"}},
	{"email", []string{"EMAIL"}},
	{"name", []string{"PERSON", "ORG"}},
	{"location", []string{"GPE", "LOC"}},
	{"date", []string{"DATE"}},
	{"time", []string{"TIME"}},
	{"amount", []string{"MONEY", "CARDINAL"}},
	{"count", []string{"CARDINAL"}},
	{"number", []string{"CARDINAL"}},
	{"command", []string{"COMMAND"}},
}

// suggestLabels builds the ordered label-preference list for one
// parameter: name-pattern hints first, then type fallbacks, deduped.
func suggestLabels(name string, def map[string]any) []string {
	var suggestions []string
	lower := strings.ToLower(name)
	for _, p := range namePatterns {
		if strings.Contains(lower, p.substr) {
			suggestions = append(suggestions, p.labels...)
		}
	}
	suggestions = append(suggestions, typeLabels[propType(def)]...)

	seen := make(map[string]bool, len(suggestions))
	uniq := suggestions[:0]
	for _, label := range suggestions {
		if !seen[label] {
			seen[label] = true
			uniq = append(uniq, label)
		}
	}
	return uniq
}

// schemaProperties returns the property definitions keyed by name.
// Definitions that are not objects come back empty rather than
// failing; validation will reject the schema later.
func schemaProperties(schema map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		def, _ := raw.(map[string]any)
		if def == nil {
			def = map[string]any{}
		}
		out[name] = def
	}
	return out
}

// propertyNames returns the property names in sorted order, the walk
// order for parameter resolution.
func propertyNames(props map[string]map[string]any) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requiredKeys handles both decoded-JSON ([]any) and hand-built
// ([]string) required lists.
func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func propType(def map[string]any) string {
	if t, ok := def["type"].(string); ok && t != "" {
		return t
	}
	return "string"
}

func enumValues(def map[string]any) []any {
	switch enum := def["enum"].(type) {
	case []any:
		return enum
	case []string:
		out := make([]any, len(enum))
		for i, v := range enum {
			out[i] = v
		}
		return out
	}
	return nil
}
