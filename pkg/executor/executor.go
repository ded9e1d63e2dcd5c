// Package executor fills a tool's JSON-Schema input object from
// extraction results. It is deliberately tool-blind: the schema is the
// only source of truth, and the same matching, conversion and
// validation path runs for every tool. Properties are walked in sorted
// name order so that a given input always produces the same parameter
// map.
package executor

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/toolgate/toolgate/pkg/nlp"
)

// BuildResult reports one parameter-assembly attempt. MappingLog
// records, per parameter, where its value came from: "override",
// "entity:LABEL:0.90", "token_url:<token>", "noun_chunks",
// "full_text", "default" or "schema_default".
type BuildResult struct {
	Success          bool              `json:"success"`
	Parameters       map[string]any    `json:"parameters"`
	MissingRequired  []string          `json:"missing_required"`
	ValidationErrors []string          `json:"validation_errors"`
	MappingLog       map[string]string `json:"mapping_log"`
	Metadata         map[string]any    `json:"metadata"`
}

// Builder assembles and validates tool parameters.
type Builder struct {
	log *slog.Logger
}

func NewBuilder(log *slog.Logger) *Builder {
	return &Builder{log: log}
}

// Parameters named like these consume free text rather than entities.
var freeTextParams = map[string]bool{
	"query":       true,
	"content":     true,
	"text":        true,
	"message":     true,
	"description": true,
}

// Verbs skipped when scanning tokens for a URL candidate.
var urlSkipVerbs = map[string]bool{
	"navigate": true, "go": true, "open": true, "visit": true,
	"browse": true, "to": true, "show": true, "get": true, "fetch": true,
}

// Build resolves every schema property in order: explicit override,
// best matching entity, URL-token fallback, free-text fallback, caller
// default, schema default. Unresolved required properties are reported
// as missing; validation only runs when nothing required is missing.
func (b *Builder) Build(schema map[string]any, ents *nlp.Result, defaults, overrides map[string]any) BuildResult {
	props := schemaProperties(schema)
	required := requiredKeys(schema)
	requiredSet := make(map[string]bool, len(required))
	for _, name := range required {
		requiredSet[name] = true
	}

	parameters := make(map[string]any)
	mapping := make(map[string]string)
	var missing []string
	used := make(map[int]bool)

	for _, name := range propertyNames(props) {
		def := props[name]

		if v, ok := overrides[name]; ok {
			parameters[name] = v
			mapping[name] = "override"
			continue
		}

		// An entity is consumed even when its text does not convert;
		// it was the best candidate and must not leak into a later
		// parameter.
		if idx, conf, ok := findBestEntity(ents.Entities, name, def, used); ok {
			used[idx] = true
			e := ents.Entities[idx]
			v, err := convertValue(e.Text, def, urlParam(name, def))
			if err == nil {
				parameters[name] = v
				mapping[name] = fmt.Sprintf("entity:%s:%.2f", e.Label, conf)
				continue
			}
			b.log.Debug("entity conversion failed", "param", name, "entity", e.Text, "error", err)
		}

		if urlParam(name, def) {
			if tok, ok := firstURLToken(ents.Tokens); ok {
				parameters[name] = normalizeURL(tok)
				mapping[name] = "token_url:" + tok
				continue
			}
		}

		if freeTextParams[name] {
			if len(ents.NounChunks) > 0 {
				parameters[name] = strings.Join(ents.NounChunks, " ")
				mapping[name] = "noun_chunks"
				continue
			}
			if ents.NormalizedText != "" {
				parameters[name] = ents.NormalizedText
				mapping[name] = "full_text"
				continue
			}
		}

		if v, ok := defaults[name]; ok {
			parameters[name] = v
			mapping[name] = "default"
			continue
		}
		if v, ok := def["default"]; ok {
			parameters[name] = v
			mapping[name] = "schema_default"
			continue
		}

		if requiredSet[name] {
			missing = append(missing, name)
		}
	}

	valid := false
	var validationErrors []string
	if len(missing) == 0 {
		valid, validationErrors = validateAgainstSchema(parameters, schema)
	}

	return BuildResult{
		Success:          valid && len(missing) == 0,
		Parameters:       parameters,
		MissingRequired:  missing,
		ValidationErrors: validationErrors,
		MappingLog:       mapping,
		Metadata: map[string]any{
			"entities_used":  len(used),
			"entities_total": len(ents.Entities),
			"params_built":   len(parameters),
			"params_total":   len(props),
		},
	}
}

// ValidateParams checks a pre-built parameter map against the schema.
func (b *Builder) ValidateParams(parameters map[string]any, schema map[string]any) (bool, []string) {
	return validateAgainstSchema(parameters, schema)
}

// matchEntity scores one entity against one parameter. Preferred-label
// membership wins at 0.9; an enum value match at 1.0 is checked next;
// otherwise plain type compatibility applies.
func matchEntity(e nlp.Entity, name string, def map[string]any) (float64, bool) {
	for _, label := range suggestLabels(name, def) {
		if e.Label == label {
			return 0.9, true
		}
	}
	for _, v := range enumValues(def) {
		if strings.EqualFold(e.Text, fmt.Sprint(v)) {
			return 1.0, true
		}
	}
	switch propType(def) {
	case "string":
		return 0.5, true
	case "integer", "number":
		if isNumericText(e.Text) {
			return 0.8, true
		}
	case "boolean":
		switch strings.ToLower(e.Text) {
		case "true", "false", "yes", "no", "1", "0":
			return 0.9, true
		}
	}
	return 0, false
}

// findBestEntity returns the index and score of the highest-scoring
// unused entity. Ties keep the earliest entity.
func findBestEntity(entities []nlp.Entity, name string, def map[string]any, used map[int]bool) (int, float64, bool) {
	bestIdx := -1
	bestConf := 0.0
	for i, e := range entities {
		if used[i] {
			continue
		}
		conf, ok := matchEntity(e, name, def)
		if ok && conf > bestConf {
			bestIdx, bestConf = i, conf
		}
	}
	if bestIdx < 0 {
		return 0, 0, false
	}
	return bestIdx, bestConf, true
}

func firstURLToken(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if len(tok) < 3 || urlSkipVerbs[strings.ToLower(tok)] {
			continue
		}
		return tok, true
	}
	return "", false
}
