// Package rules decides whether a classified request may execute.
// Rules are data: each carries a JSON-Logic predicate, a priority and
// a decision. The engine walks them by descending priority: deny is
// terminal, modify merges its modifications, allow never undoes a
// modify. Evaluation is pure; the engine holds no request state.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Decision is the outcome of an evaluation walk.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Modify Decision = "modify"
)

// ParseDecision maps a stored decision string, case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "modify":
		return Modify, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Rule kinds.
const (
	KindPermission = "permission"
	KindThreshold  = "threshold"
	KindContext    = "context"
)

// Rule is one stored predicate with its decision-on-match.
type Rule struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Kind          string         `json:"kind"`
	Logic         map[string]any `json:"logic"`
	Priority      int            `json:"priority"`
	Enabled       bool           `json:"enabled"`
	Decision      Decision       `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// Context carries everything a predicate can reference, flattened into
// the user/intent/tool/execution/session/custom document.
type Context struct {
	UserID          string
	UserRole        string
	UserPermissions []string

	Intent           string
	IntentConfidence float64
	IsForcedIntent   bool

	ToolName             string
	ToolCategory         string
	RequiresConfirmation bool

	IsDestructive  bool
	TargetResource string

	SessionID    string
	RequestCount int

	Custom map[string]any
}

func (c *Context) flatten() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":          c.UserID,
			"role":        c.UserRole,
			"permissions": c.UserPermissions,
		},
		"intent": map[string]any{
			"name":       c.Intent,
			"confidence": c.IntentConfidence,
			"is_forced":  c.IsForcedIntent,
		},
		"tool": map[string]any{
			"name":                  c.ToolName,
			"category":              c.ToolCategory,
			"requires_confirmation": c.RequiresConfirmation,
		},
		"execution": map[string]any{
			"is_destructive":  c.IsDestructive,
			"target_resource": c.TargetResource,
		},
		"session": map[string]any{
			"id":            c.SessionID,
			"request_count": c.RequestCount,
		},
		"custom": c.Custom,
	}
}

// Result is the outcome of one evaluation walk.
type Result struct {
	Decision      Decision       `json:"decision"`
	MatchedRules  []string       `json:"matched_rules"`
	Reason        string         `json:"reason,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Engine evaluates the rule list. Safe for concurrent use; Evaluate
// takes a read lock only.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
	ev    evaluator
	log   *slog.Logger
}

// NewEngine returns an engine seeded with the default rules, built
// against the given confidence threshold.
func NewEngine(confidenceThreshold float64, log *slog.Logger) *Engine {
	e := &Engine{
		rules: defaultRules(confidenceThreshold),
		ev:    evaluator{log: log},
		log:   log,
	}
	e.sortLocked()
	return e
}

func (e *Engine) sortLocked() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
}

// Add inserts one rule and re-sorts. The logic must validate.
func (e *Engine) Add(r Rule) error {
	if err := Validate(r.Logic); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	e.sortLocked()
	return nil
}

// Remove drops a rule by name; it reports whether anything was
// removed.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0]
	for _, r := range e.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	removed := len(kept) < len(e.rules)
	e.rules = kept
	return removed
}

// Load bulk-adds rules, typically the store-backed ones, and returns
// how many were accepted. Rules with invalid logic are logged and
// skipped.
func (e *Engine) Load(rules []Rule) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	loaded := 0
	for _, r := range rules {
		if err := Validate(r.Logic); err != nil {
			e.log.Warn("skipping rule", "rule", r.Name, "error", err)
			continue
		}
		e.rules = append(e.rules, r)
		loaded++
	}
	e.sortLocked()
	return loaded
}

// Rules returns a copy of the current rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate walks the enabled rules by descending priority. Deny
// terminates the walk with the matching rule's description as reason.
// Modify merges its modifications and sets the decision; a later
// allow does not undo it. No match at all means allow.
func (e *Engine) Evaluate(ctx Context) Result {
	data := ctx.flatten()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []string
	modifications := make(map[string]any)
	decision := Allow
	modified := false

	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled {
			continue
		}
		if !truthy(e.ev.eval(r.Logic, data)) {
			continue
		}
		matched = append(matched, r.Name)
		e.log.Debug("rule matched", "rule", r.Name, "decision", r.Decision)

		switch r.Decision {
		case Deny:
			return Result{
				Decision:     Deny,
				MatchedRules: matched,
				Reason:       r.Description,
				Metadata:     map[string]any{"terminal_rule": r.Name},
			}
		case Modify:
			decision = Modify
			modified = true
			for k, v := range r.Modifications {
				modifications[k] = v
			}
		case Allow:
			if !modified {
				decision = Allow
			}
		}
	}

	return Result{
		Decision:      decision,
		MatchedRules:  matched,
		Modifications: modifications,
		Metadata:      map[string]any{"rules_evaluated": len(e.rules)},
	}
}

// defaultRules are shipped with the engine and may be supplemented or
// shadowed by store-loaded rules.
func defaultRules(threshold float64) []Rule {
	return []Rule{
		{
			Name:        "admin_confidence_bypass",
			Description: "Admin users can bypass low confidence",
			Kind:        KindPermission,
			Priority:    200,
			Enabled:     true,
			Decision:    Allow,
			Logic: map[string]any{"and": []any{
				map[string]any{"==": []any{map[string]any{"var": "user.role"}, "admin"}},
				map[string]any{"<": []any{map[string]any{"var": "intent.confidence"}, threshold}},
			}},
		},
		{
			Name:        "confidence_threshold",
			Description: "Deny if intent confidence is below threshold",
			Kind:        KindThreshold,
			Priority:    100,
			Enabled:     true,
			Decision:    Deny,
			Logic: map[string]any{"and": []any{
				map[string]any{"!": map[string]any{"var": "intent.is_forced"}},
				map[string]any{"<": []any{map[string]any{"var": "intent.confidence"}, threshold}},
			}},
		},
		{
			Name:        "guest_readonly",
			Description: "Guest users can only use read operations",
			Kind:        KindPermission,
			Priority:    90,
			Enabled:     true,
			Decision:    Deny,
			Logic: map[string]any{"and": []any{
				map[string]any{"==": []any{map[string]any{"var": "user.role"}, "guest"}},
				map[string]any{"var": "execution.is_destructive"},
			}},
		},
		{
			Name:          "destructive_confirmation",
			Description:   "Require confirmation for destructive operations",
			Kind:          KindContext,
			Priority:      80,
			Enabled:       true,
			Decision:      Modify,
			Modifications: map[string]any{"requires_confirmation": true},
			Logic: map[string]any{"and": []any{
				map[string]any{"var": "execution.is_destructive"},
				map[string]any{"!": map[string]any{"var": "tool.requires_confirmation"}},
			}},
		},
		{
			Name:        "rate_limit",
			Description: "Deny if too many requests in session",
			Kind:        KindContext,
			Priority:    50,
			Enabled:     true,
			Decision:    Deny,
			Logic: map[string]any{
				">": []any{map[string]any{"var": "session.request_count"}, 1000},
			},
		},
	}
}
