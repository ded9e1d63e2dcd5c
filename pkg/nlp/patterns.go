package nlp

import (
	"regexp"
	"strings"
)

// patternGroup holds the compiled expressions for one label. Groups
// are matched in declaration order so equal-offset ties between two
// pattern entities resolve the same way every run.
type patternGroup struct {
	label string
	res   []*regexp.Regexp
}

// patternSources maps labels to their raw expressions. COMMAND keeps
// the backticks in the match; they are stripped from the entity text.
var patternSources = []struct {
	label    string
	patterns []string
}{
	{"FILE_PATH", []string{
		`[/\\]?(?:[a-zA-Z]:)?(?:[/\\][^\s/\\:*?"<>|]+)+`, // absolute Unix/Windows
		`\./[^\s]+`,    // relative
		`~[/\\][^\s]+`, // home directory
	}},
	{"URL", []string{
		`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`,
		`www\.[^\s<>"{}|\\^` + "`" + `\[\]]+`,
	}},
	{"EMAIL", []string{
		`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`,
	}},
	{"IP_ADDRESS", []string{
		`\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`, // full-form IPv6
	}},
	{"PORT", []string{
		`:\d{1,5}\b`,
	}},
	{"VERSION", []string{
		`\bv?\d+\.\d+(?:\.\d+)*(?:-[a-zA-Z0-9]+)?\b`,
	}},
	{"JSON_PATH", []string{
		`\$\.[a-zA-Z0-9_.\[\]]+`,
	}},
	{"COMMAND", []string{
		"`[^`]+`",
	}},
}

func compilePatterns() []patternGroup {
	groups := make([]patternGroup, 0, len(patternSources))
	for _, src := range patternSources {
		g := patternGroup{label: src.label}
		for _, p := range src.patterns {
			g.res = append(g.res, regexp.MustCompile(`(?i)`+p))
		}
		groups = append(groups, g)
	}
	return groups
}

// matchPatterns collects every pattern hit in the text. Overlap
// resolution happens later in dedupe.
func (x *Extractor) matchPatterns(text string) []Entity {
	var out []Entity
	for _, g := range x.patterns {
		for _, re := range g.res {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				matched := text[loc[0]:loc[1]]
				out = append(out, Entity{
					Text:       strings.Trim(matched, "`"),
					Label:      g.label,
					Start:      loc[0],
					End:        loc[1],
					Confidence: 0.9,
					Source:     SourcePattern,
				})
			}
		}
	}
	return out
}
