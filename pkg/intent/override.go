package intent

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Pattern kinds for forced overrides.
const (
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchContains = "contains"
	MatchRegex    = "regex"
)

// Override maps an input pattern straight to an intent, bypassing the
// classifier. Higher priority wins; equal priorities keep insertion
// order.
type Override struct {
	Pattern      string `json:"pattern"`
	Kind         string `json:"kind"`
	TargetIntent string `json:"target_intent"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
}

type compiledOverride struct {
	Override
	re *regexp.Regexp // set for regex kind only
}

// Exact, prefix and contains kinds compare case-folded trimmed text.
// Regex kinds search the raw text case-insensitively.
func (o *compiledOverride) matches(raw, folded string) bool {
	switch o.Kind {
	case MatchExact:
		return folded == strings.ToLower(o.Pattern)
	case MatchPrefix:
		return strings.HasPrefix(folded, strings.ToLower(o.Pattern))
	case MatchContains:
		return strings.Contains(folded, strings.ToLower(o.Pattern))
	case MatchRegex:
		return o.re != nil && o.re.MatchString(raw)
	}
	return false
}

// OverrideTable holds the priority-sorted override list. Safe for
// concurrent use.
type OverrideTable struct {
	mu   sync.RWMutex
	list []compiledOverride
	log  *slog.Logger
}

// NewOverrideTable returns a table seeded with the default overrides.
func NewOverrideTable(log *slog.Logger) *OverrideTable {
	t := &OverrideTable{list: defaultOverrides(), log: log}
	sort.SliceStable(t.list, func(i, j int) bool {
		return t.list[i].Priority > t.list[j].Priority
	})
	return t
}

// Add inserts one override and re-sorts the table. Regex patterns are
// compiled here, once; a pattern that does not compile is rejected.
func (t *OverrideTable) Add(o Override) error {
	co := compiledOverride{Override: o}
	if o.Kind == MatchRegex {
		re, err := regexp.Compile("(?i)" + o.Pattern)
		if err != nil {
			return fmt.Errorf("compile override pattern %q: %w", o.Pattern, err)
		}
		co.re = re
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = append(t.list, co)
	sort.SliceStable(t.list, func(i, j int) bool {
		return t.list[i].Priority > t.list[j].Priority
	})
	return nil
}

// Load bulk-adds overrides, typically the store-backed ones, and
// returns how many were accepted. Patterns that fail to compile are
// logged and skipped so one bad row cannot block the rest.
func (t *OverrideTable) Load(overrides []Override) int {
	loaded := 0
	for _, o := range overrides {
		if err := t.Add(o); err != nil {
			t.log.Warn("skipping override", "pattern", o.Pattern, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

// Len reports the number of overrides in the table.
func (t *OverrideTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.list)
}

// List returns the overrides in priority order.
func (t *OverrideTable) List() []Override {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Override, len(t.list))
	for i := range t.list {
		out[i] = t.list[i].Override
	}
	return out
}

// Find returns the target intent and pattern of the highest-priority
// enabled override matching text. The first match wins.
func (t *OverrideTable) Find(text string) (target, pattern string, ok bool) {
	folded := strings.ToLower(strings.TrimSpace(text))

	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.list {
		o := &t.list[i]
		if !o.Enabled {
			continue
		}
		if o.matches(text, folded) {
			return o.TargetIntent, o.Pattern, true
		}
	}
	return "", "", false
}

// defaultOverrides covers the deterministic commands the gateway ships
// with. Store-loaded overrides stack on top.
func defaultOverrides() []compiledOverride {
	mk := func(kind, pattern, target string, priority int) compiledOverride {
		co := compiledOverride{Override: Override{
			Pattern:      pattern,
			Kind:         kind,
			TargetIntent: target,
			Priority:     priority,
			Enabled:      true,
		}}
		if kind == MatchRegex {
			co.re = regexp.MustCompile("(?i)" + pattern)
		}
		return co
	}

	return []compiledOverride{
		// File operations.
		mk(MatchRegex, `^(list|show|get)\s+(files?|directory|dir|folder)`, "list_files", 100),
		mk(MatchRegex, `^read\s+(file|content)`, "read_file", 100),
		mk(MatchRegex, `^(create|write|save)\s+file`, "write_file", 100),
		mk(MatchRegex, `^(delete|remove)\s+file`, "delete_file", 100),

		// Fetch operations.
		mk(MatchRegex, `^fetch\s+(url|http|https|webpage|page)`, "fetch_url", 100),
		mk(MatchRegex, `^(get|download)\s+(from\s+)?(url|http|https)`, "fetch_url", 100),

		// Memory operations.
		mk(MatchRegex, `^(store|save|put)\s+(in|to)?\s*memory`, "store_memory", 100),
		mk(MatchRegex, `^(get|retrieve|fetch)\s+(from\s+)?memory`, "retrieve_memory", 100),

		// System commands.
		mk(MatchExact, "help", "show_help", 200),
		mk(MatchRegex, `(list|show|get)\s+(all\s+)?tools?`, "list_tools", 200),
		mk(MatchRegex, `(list|show|get)\s+(all\s+)?servers?`, "list_servers", 200),
		mk(MatchRegex, `(show|get|check)\s+(server\s+)?status`, "list_servers", 200),

		// Browser automation.
		mk(MatchRegex, `(navigate|go)\s+(to\s+)?(\w+|https?://)`, "browser_navigate", 150),
		mk(MatchRegex, `(click|press|tap)\s+(on\s+)?`, "browser_click", 150),
		mk(MatchRegex, `(screenshot|capture|snap)`, "browser_screenshot", 150),
	}
}
