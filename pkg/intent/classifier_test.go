package intent

import (
	"math"
	"path/filepath"
	"reflect"
	"testing"
)

// Six samples per label; the last of each group lands in the held-out
// split.
func trainingTexts() []string {
	return []string{
		"what is the weather in london",
		"show me the weather forecast",
		"is it raining outside today",
		"how cold is it in berlin",
		"will it snow next week",
		"weather forecast for tomorrow",
		"play some jazz music",
		"play the next song",
		"turn up the music volume",
		"play my favorite playlist",
		"skip this song",
		"pause the music",
	}
}

func trainingLabels() []string {
	return []string{
		"weather", "weather", "weather", "weather", "weather", "weather",
		"music", "music", "music", "music", "music", "music",
	}
}

func TestNgrams(t *testing.T) {
	got := ngrams("Read the config file")
	want := []string{"read", "config", "file", "read config", "config file"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ngrams() = %v, want %v", got, want)
	}
}

func TestClassifier_Train(t *testing.T) {
	c := NewClassifier(filepath.Join(t.TempDir(), "intent.json"), testLogger())

	report, err := c.Train(trainingTexts(), trainingLabels())
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if !c.IsTrained() {
		t.Fatalf("IsTrained() = false after Train")
	}

	if report.NumClasses != 2 || !reflect.DeepEqual(report.Classes, []string{"music", "weather"}) {
		t.Errorf("report classes = %d %v", report.NumClasses, report.Classes)
	}
	if report.TrainSize != 10 || report.TestSize != 2 {
		t.Errorf("report sizes = %d/%d, want 10/2", report.TrainSize, report.TestSize)
	}
	if report.Accuracy != 1.0 {
		t.Errorf("report accuracy = %v, want 1.0", report.Accuracy)
	}
	for _, label := range []string{"music", "weather"} {
		m := report.PerClass[label]
		if m.Precision != 1.0 || m.Recall != 1.0 || m.F1 != 1.0 || m.Support != 1 {
			t.Errorf("metrics[%s] = %+v, want perfect with support 1", label, m)
		}
	}
}

func TestClassifier_TrainValidation(t *testing.T) {
	c := NewClassifier(filepath.Join(t.TempDir(), "intent.json"), testLogger())
	texts, labels := trainingTexts(), trainingLabels()

	if _, err := c.Train(texts, labels[:11]); err == nil {
		t.Errorf("Train() with mismatched lengths succeeded, want error")
	}
	if _, err := c.Train(texts[:9], labels[:9]); err == nil {
		t.Errorf("Train() with 9 samples succeeded, want error")
	}

	single := make([]string, 10)
	for i := range single {
		single[i] = "weather"
	}
	if _, err := c.Train(texts[:10], single); err == nil {
		t.Errorf("Train() with one label succeeded, want error")
	}
	if c.IsTrained() {
		t.Errorf("IsTrained() = true after failed training runs")
	}
}

func TestClassifier_Predict(t *testing.T) {
	c := NewClassifier(filepath.Join(t.TempDir(), "intent.json"), testLogger())
	if _, _, _, err := c.Predict("anything"); err == nil {
		t.Fatalf("Predict() before training succeeded, want error")
	}

	if _, err := c.Train(trainingTexts(), trainingLabels()); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	label, confidence, alternatives, err := c.Predict("play that song again")
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if label != "music" {
		t.Errorf("Predict() = %s, want music", label)
	}
	if confidence <= 0.5 || confidence > 1 {
		t.Errorf("Predict() confidence = %v, want in (0.5, 1]", confidence)
	}
	if len(alternatives) != 1 || alternatives[0].Intent != "weather" {
		t.Fatalf("Predict() alternatives = %+v, want [weather]", alternatives)
	}
	if diff := math.Abs(confidence + alternatives[0].Probability - 1); diff > 1e-9 {
		t.Errorf("probabilities sum to %v, want 1", confidence+alternatives[0].Probability)
	}
}

func TestClassifier_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "intent.json")

	c := NewClassifier(path, testLogger())
	if err := c.Save(); err == nil {
		t.Fatalf("Save() before training succeeded, want error")
	}
	if _, err := c.Train(trainingTexts(), trainingLabels()); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	wantLabel, wantConfidence, _, err := c.Predict("weather in berlin next week")
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	loaded := NewClassifier(path, testLogger())
	ok, err := loaded.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v, want true", ok, err)
	}
	gotLabel, gotConfidence, _, err := loaded.Predict("weather in berlin next week")
	if err != nil {
		t.Fatalf("Predict() after Load error = %v", err)
	}
	if gotLabel != wantLabel {
		t.Errorf("loaded Predict() = %s, want %s", gotLabel, wantLabel)
	}
	if math.Abs(gotConfidence-wantConfidence) > 1e-9 {
		t.Errorf("loaded confidence = %v, want %v", gotConfidence, wantConfidence)
	}
}

func TestClassifier_LoadMissing(t *testing.T) {
	c := NewClassifier(filepath.Join(t.TempDir(), "nope.json"), testLogger())
	ok, err := c.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for missing file", err)
	}
	if ok || c.IsTrained() {
		t.Errorf("Load() of missing file reported a model")
	}
}
