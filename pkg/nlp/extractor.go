// Package nlp extracts structured entities from natural-language
// input. Two sources feed the result: a heuristic named-entity tagger
// (PERSON, ORG, GPE, DATE, TIME, MONEY and friends) and a fixed set of
// regular expressions for technical values (paths, URLs, addresses,
// versions). Overlaps are resolved deterministically with the tagger
// winning ties.
//
// This package does entity extraction only. Intent classification
// lives in pkg/intent; no tool knowledge belongs here.
package nlp

import (
	"regexp"
	"sort"
	"strings"
)

// Entity sources.
const (
	SourceNER     = "ner"
	SourcePattern = "pattern"
)

// Entity is one extracted span. Offsets are byte positions into the
// normalized text.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Result is the full output of one extraction pass.
type Result struct {
	OriginalText   string         `json:"original_text"`
	NormalizedText string         `json:"normalized_text"`
	Entities       []Entity       `json:"entities"`
	Tokens         []string       `json:"tokens"`
	NounChunks     []string       `json:"noun_chunks"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ByLabel returns all entities carrying the given label.
func (r *Result) ByLabel(label string) []Entity {
	var out []Entity
	for _, e := range r.Entities {
		if e.Label == label {
			out = append(out, e)
		}
	}
	return out
}

// TextsByLabel returns the text values of entities with the label.
func (r *Result) TextsByLabel(label string) []string {
	var out []string
	for _, e := range r.Entities {
		if e.Label == label {
			out = append(out, e.Text)
		}
	}
	return out
}

// Has reports whether any entity carries the label.
func (r *Result) Has(label string) bool {
	for _, e := range r.Entities {
		if e.Label == label {
			return true
		}
	}
	return false
}

// Extractor runs entity extraction. Safe for concurrent use; all state
// is compiled once at construction.
type Extractor struct {
	patterns []patternGroup
}

// NewExtractor compiles the pattern set and returns a ready extractor.
func NewExtractor() *Extractor {
	return &Extractor{patterns: compilePatterns()}
}

var defaultExtractor = NewExtractor()

// Extract runs the shared default extractor. One-shot callers and tests
// use this; long-lived components hold their own Extractor.
func Extract(text string) *Result {
	return defaultExtractor.Extract(text)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Normalize collapses runs of whitespace and trims the ends. The
// pipeline hands normalized text to every later stage.
func Normalize(text string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(text), " ")
}

// Extract runs both entity sources over the input and merges their
// findings. Empty or whitespace-only input yields an empty result
// flagged in metadata, never an error.
func (x *Extractor) Extract(text string) *Result {
	if strings.TrimSpace(text) == "" {
		return &Result{
			OriginalText: text,
			Entities:     []Entity{},
			Tokens:       []string{},
			NounChunks:   []string{},
			Metadata:     map[string]any{"empty_input": true},
		}
	}

	normalized := Normalize(text)
	ner := tagEntities(normalized)
	patterns := x.matchPatterns(normalized)
	tokens, chunks := tokenize(normalized)

	return &Result{
		OriginalText:   text,
		NormalizedText: normalized,
		Entities:       dedupe(append(ner, patterns...)),
		Tokens:         tokens,
		NounChunks:     chunks,
		Metadata: map[string]any{
			"ner_count":     len(ner),
			"pattern_count": len(patterns),
		},
	}
}

// dedupe drops overlapping entities. Sort by start offset with the
// tagger ahead of patterns on ties, then emit left to right: an entity
// survives iff it starts at or after the end of the last survivor.
func dedupe(entities []Entity) []Entity {
	if len(entities) == 0 {
		return []Entity{}
	}
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].Source == SourceNER && entities[j].Source != SourceNER
	})

	out := make([]Entity, 0, len(entities))
	lastEnd := -1
	for _, e := range entities {
		if e.Start >= lastEnd {
			out = append(out, e)
			lastEnd = e.End
		}
	}
	return out
}
