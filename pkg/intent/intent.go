// Package intent turns free text into an intent name. Classification
// is two-stage: a deterministic override table is consulted first, and
// only when nothing matches does the trained classifier run. Overrides
// therefore always win, which is the property the rule layer depends
// on when it trusts confidence 1.0.
package intent

import (
	"fmt"
	"log/slog"
	"strings"
)

// Classification sources, carried on every Result.
const (
	SourceForcedOverride = "forced_override"
	SourceClassifier     = "ml_classifier"
	SourceNotTrained     = "classifier_not_trained"
	SourceEmptyInput     = "empty_input"
)

// Result is one classification outcome.
type Result struct {
	Intent         string        `json:"intent"`
	Confidence     float64       `json:"confidence"`
	IsForced       bool          `json:"is_forced"`
	MatchedPattern string        `json:"matched_pattern,omitempty"`
	Alternatives   []Alternative `json:"alternative_intents,omitempty"`
	Source         string        `json:"source"`
}

// Alternative is a runner-up intent with its probability.
type Alternative struct {
	Intent      string  `json:"intent"`
	Probability float64 `json:"probability"`
}

// Engine wires the override table and the classifier together.
type Engine struct {
	Overrides *OverrideTable

	classifier *Classifier
	log        *slog.Logger
}

// NewEngine builds an engine with the default overrides. When a model
// exists at modelPath it is loaded; otherwise the classifier stays
// disabled until trained.
func NewEngine(modelPath string, log *slog.Logger) *Engine {
	e := &Engine{
		Overrides:  NewOverrideTable(log),
		classifier: NewClassifier(modelPath, log),
		log:        log,
	}
	if ok, err := e.classifier.Load(); err != nil {
		log.Warn("intent model not loaded", "path", modelPath, "error", err)
	} else if !ok {
		log.Info("no intent model on disk", "path", modelPath)
	}
	return e
}

// Classify resolves text to an intent. Overrides short-circuit with
// confidence 1.0; without a trained model the fallback is "unknown",
// never an error.
func (e *Engine) Classify(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Intent: "unknown", Source: SourceEmptyInput}
	}

	if target, pattern, ok := e.Overrides.Find(text); ok {
		e.log.Debug("forced override matched", "pattern", pattern, "intent", target)
		return Result{
			Intent:         target,
			Confidence:     1.0,
			IsForced:       true,
			MatchedPattern: pattern,
			Source:         SourceForcedOverride,
		}
	}

	if !e.classifier.IsTrained() {
		return Result{Intent: "unknown", Source: SourceNotTrained}
	}

	label, confidence, alternatives, err := e.classifier.Predict(text)
	if err != nil {
		e.log.Error("intent classification failed", "error", err)
		return Result{Intent: "unknown", Source: SourceNotTrained}
	}
	return Result{
		Intent:       label,
		Confidence:   confidence,
		Alternatives: alternatives,
		Source:       SourceClassifier,
	}
}

// Train fits the classifier on (text, label) pairs and persists the
// model to the configured path.
func (e *Engine) Train(texts, labels []string) (*TrainReport, error) {
	report, err := e.classifier.Train(texts, labels)
	if err != nil {
		return nil, err
	}
	if err := e.classifier.Save(); err != nil {
		return nil, fmt.Errorf("persist intent model: %w", err)
	}
	return report, nil
}
