package intent

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOverrideTable_Defaults(t *testing.T) {
	table := NewOverrideTable(testLogger())

	tests := []struct {
		input string
		want  string
	}{
		{"help", "show_help"},
		{"  HELP  ", "show_help"},
		{"list files in /tmp", "list_files"},
		{"READ FILE /tmp/a.txt", "read_file"},
		{"delete file old.log", "delete_file"},
		{"fetch url https://example.com", "fetch_url"},
		{"store in memory the answer", "store_memory"},
		{"list all tools", "list_tools"},
		{"check server status", "list_servers"},
		{"navigate to google", "browser_navigate"},
		{"take a screenshot of the page", "browser_screenshot"},
	}
	for _, tc := range tests {
		target, _, ok := table.Find(tc.input)
		if !ok {
			t.Errorf("Find(%q) no match, want %s", tc.input, tc.want)
			continue
		}
		if target != tc.want {
			t.Errorf("Find(%q) = %s, want %s", tc.input, target, tc.want)
		}
	}

	// Exact kind is not a prefix match.
	if _, _, ok := table.Find("helpful"); ok {
		t.Errorf("Find(helpful) matched, want no match")
	}
}

func TestOverrideTable_PriorityAndKinds(t *testing.T) {
	table := NewOverrideTable(testLogger())

	err := table.Add(Override{
		Pattern: "status", Kind: MatchContains, TargetIntent: "custom_status",
		Priority: 300, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if target, _, _ := table.Find("check server status"); target != "custom_status" {
		t.Errorf("Find() = %s, want custom_status (priority 300 over 200)", target)
	}

	err = table.Add(Override{
		Pattern: "weather", Kind: MatchPrefix, TargetIntent: "get_weather",
		Priority: 50, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if target, _, _ := table.Find("Weather in York today"); target != "get_weather" {
		t.Errorf("Find() = %s, want get_weather (case-folded prefix)", target)
	}
}

func TestOverrideTable_EqualPriorityKeepsInsertionOrder(t *testing.T) {
	table := &OverrideTable{log: testLogger()}
	for _, o := range []Override{
		{Pattern: "deploy", Kind: MatchContains, TargetIntent: "first", Priority: 50, Enabled: true},
		{Pattern: "deploy", Kind: MatchContains, TargetIntent: "second", Priority: 50, Enabled: true},
	} {
		if err := table.Add(o); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if target, _, _ := table.Find("deploy the service"); target != "first" {
		t.Errorf("Find() = %s, want first (insertion order on equal priority)", target)
	}
}

func TestOverrideTable_DisabledNeverMatches(t *testing.T) {
	table := &OverrideTable{log: testLogger()}
	if err := table.Add(Override{
		Pattern: "deploy", Kind: MatchContains, TargetIntent: "deploy_service",
		Priority: 999, Enabled: false,
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, _, ok := table.Find("deploy now"); ok {
		t.Errorf("disabled override matched")
	}
}

func TestOverrideTable_InvalidRegex(t *testing.T) {
	table := NewOverrideTable(testLogger())
	err := table.Add(Override{Pattern: "([", Kind: MatchRegex, TargetIntent: "x", Enabled: true})
	if err == nil {
		t.Fatalf("Add() with invalid regex succeeded, want error")
	}

	before := table.Len()
	loaded := table.Load([]Override{
		{Pattern: "([", Kind: MatchRegex, TargetIntent: "x", Enabled: true},
		{Pattern: "restart", Kind: MatchContains, TargetIntent: "restart_service", Priority: 10, Enabled: true},
	})
	if loaded != 1 {
		t.Errorf("Load() = %d, want 1", loaded)
	}
	if table.Len() != before+1 {
		t.Errorf("Len() = %d, want %d", table.Len(), before+1)
	}
}

func TestEngine_Classify(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "models", "intent.json")
	engine := NewEngine(modelPath, testLogger())

	t.Run("empty input", func(t *testing.T) {
		for _, input := range []string{"", "   "} {
			got := engine.Classify(input)
			if got.Intent != "unknown" || got.Confidence != 0 || got.Source != SourceEmptyInput {
				t.Errorf("Classify(%q) = %+v, want unknown/0/%s", input, got, SourceEmptyInput)
			}
		}
	})

	t.Run("forced override", func(t *testing.T) {
		got := engine.Classify("help")
		if !got.IsForced || got.Confidence != 1.0 || got.Intent != "show_help" {
			t.Errorf("Classify(help) = %+v, want forced show_help at 1.0", got)
		}
		if got.MatchedPattern != "help" || got.Source != SourceForcedOverride {
			t.Errorf("Classify(help) pattern/source = %q/%q", got.MatchedPattern, got.Source)
		}
	})

	t.Run("untrained classifier", func(t *testing.T) {
		got := engine.Classify("what is the weather like")
		if got.Intent != "unknown" || got.Confidence != 0 || got.Source != SourceNotTrained {
			t.Errorf("Classify() = %+v, want unknown/0/%s", got, SourceNotTrained)
		}
	})

	if _, err := engine.Train(trainingTexts(), trainingLabels()); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	t.Run("trained classifier", func(t *testing.T) {
		got := engine.Classify("will it rain in london tomorrow")
		if got.Source != SourceClassifier || got.IsForced {
			t.Fatalf("Classify() = %+v, want %s", got, SourceClassifier)
		}
		if got.Intent != "weather" {
			t.Errorf("Classify() intent = %s, want weather", got.Intent)
		}
		if got.Confidence <= 0.5 || got.Confidence > 1 {
			t.Errorf("Classify() confidence = %v, want in (0.5, 1]", got.Confidence)
		}
		if len(got.Alternatives) != 1 || got.Alternatives[0].Intent != "music" {
			t.Errorf("Classify() alternatives = %+v, want [music]", got.Alternatives)
		}
	})

	t.Run("override beats trained classifier", func(t *testing.T) {
		got := engine.Classify("list files")
		if !got.IsForced || got.Intent != "list_files" {
			t.Errorf("Classify(list files) = %+v, want forced list_files", got)
		}
	})

	if _, err := os.Stat(modelPath); err != nil {
		t.Errorf("model file not written: %v", err)
	}
}
