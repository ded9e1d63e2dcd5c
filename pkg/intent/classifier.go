package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	minTrainSamples = 10
	maxFeatures     = 5000
	nbAlpha         = 1.0
)

// Classifier is the statistical stage: TF-IDF features over unigrams
// and bigrams feeding a multinomial naive Bayes. Everything is
// deterministic: the same training data yields the same model and the
// same predictions.
type Classifier struct {
	mu    sync.RWMutex
	vec   *vectorizer
	model *nbModel

	path string
	log  *slog.Logger
}

// NewClassifier returns an untrained classifier persisting to path.
func NewClassifier(path string, log *slog.Logger) *Classifier {
	return &Classifier{path: path, log: log}
}

// IsTrained reports whether a model is available, trained or loaded.
func (c *Classifier) IsTrained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model != nil
}

// TrainReport summarizes one training run, evaluated on a stratified
// held-out split.
type TrainReport struct {
	NumClasses int                     `json:"num_classes"`
	Classes    []string                `json:"classes"`
	TrainSize  int                     `json:"train_size"`
	TestSize   int                     `json:"test_size"`
	Accuracy   float64                 `json:"accuracy"`
	PerClass   map[string]ClassMetrics `json:"per_class"`
}

// ClassMetrics holds held-out metrics for one intent label.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Train fits a new model from (text, label) pairs. It requires at
// least minTrainSamples samples over at least two distinct labels.
// The last fifth of each label's samples is held out for evaluation.
func (c *Classifier) Train(texts, labels []string) (*TrainReport, error) {
	if len(texts) != len(labels) {
		return nil, fmt.Errorf("texts and labels must have the same length")
	}
	if len(texts) < minTrainSamples {
		return nil, fmt.Errorf("need at least %d training samples, have %d", minTrainSamples, len(texts))
	}

	byLabel := make(map[string][]int)
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
	}
	if len(byLabel) < 2 {
		return nil, fmt.Errorf("need at least 2 distinct labels, have %d", len(byLabel))
	}

	classes := make([]string, 0, len(byLabel))
	for l := range byLabel {
		classes = append(classes, l)
	}
	sort.Strings(classes)
	classIdx := make(map[string]int, len(classes))
	for i, cl := range classes {
		classIdx[cl] = i
	}

	// Stratified hold-out: the last fifth of each label's samples, and
	// at least one whenever the label has two or more. Every label
	// keeps at least one training sample.
	var trainIdx, testIdx []int
	for _, cl := range classes {
		group := byLabel[cl]
		nTest := len(group) / 5
		if nTest == 0 && len(group) >= 2 {
			nTest = 1
		}
		cut := len(group) - nTest
		trainIdx = append(trainIdx, group[:cut]...)
		testIdx = append(testIdx, group[cut:]...)
	}

	docs := make([][]string, len(texts))
	for i, t := range texts {
		docs[i] = ngrams(t)
	}

	trainDocs := make([][]string, len(trainIdx))
	for i, idx := range trainIdx {
		trainDocs[i] = docs[idx]
	}
	vec := fitVectorizer(trainDocs)

	xs := make([]map[int]float64, len(trainIdx))
	ys := make([]int, len(trainIdx))
	for i, idx := range trainIdx {
		xs[i] = vec.transform(docs[idx])
		ys[i] = classIdx[labels[idx]]
	}
	model := trainNB(classes, xs, ys, len(vec.IDF))

	// Held-out evaluation.
	tp := make([]int, len(classes))
	fp := make([]int, len(classes))
	fn := make([]int, len(classes))
	correct := 0
	for _, idx := range testIdx {
		pred := argmax(model.scores(vec.transform(docs[idx])))
		truth := classIdx[labels[idx]]
		if pred == truth {
			correct++
			tp[truth]++
		} else {
			fp[pred]++
			fn[truth]++
		}
	}

	perClass := make(map[string]ClassMetrics, len(classes))
	for i, cl := range classes {
		m := ClassMetrics{Support: tp[i] + fn[i]}
		if tp[i]+fp[i] > 0 {
			m.Precision = float64(tp[i]) / float64(tp[i]+fp[i])
		}
		if tp[i]+fn[i] > 0 {
			m.Recall = float64(tp[i]) / float64(tp[i]+fn[i])
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		perClass[cl] = m
	}
	accuracy := 0.0
	if len(testIdx) > 0 {
		accuracy = float64(correct) / float64(len(testIdx))
	}

	c.mu.Lock()
	c.vec, c.model = vec, model
	c.mu.Unlock()

	c.log.Info("trained intent classifier",
		"classes", len(classes), "train_size", len(trainIdx), "test_size", len(testIdx), "accuracy", accuracy)

	return &TrainReport{
		NumClasses: len(classes),
		Classes:    classes,
		TrainSize:  len(trainIdx),
		TestSize:   len(testIdx),
		Accuracy:   accuracy,
		PerClass:   perClass,
	}, nil
}

// Predict returns the best label, its probability and up to three
// alternatives ordered by descending probability.
func (c *Classifier) Predict(text string) (string, float64, []Alternative, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.model == nil {
		return "", 0, nil, fmt.Errorf("classifier has not been trained")
	}

	probs := c.model.scores(c.vec.transform(ngrams(text)))
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return probs[order[i]] > probs[order[j]]
	})

	best := order[0]
	var alternatives []Alternative
	for _, i := range order[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, Alternative{
			Intent:      c.model.Classes[i],
			Probability: probs[i],
		})
	}
	return c.model.Classes[best], probs[best], alternatives, nil
}

// modelFile is the JSON layout persisted to disk.
type modelFile struct {
	Vectorizer *vectorizer `json:"vectorizer"`
	Model      *nbModel    `json:"model"`
	TrainedAt  time.Time   `json:"trained_at"`
}

// Save writes the trained model to the configured path. The write is
// atomic: a temp file in the same directory, then a rename.
func (c *Classifier) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.model == nil {
		return fmt.Errorf("classifier has not been trained")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	data, err := json.Marshal(modelFile{
		Vectorizer: c.vec,
		Model:      c.model,
		TrainedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".intent-model-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace model file: %w", err)
	}

	c.log.Info("saved intent model", "path", c.path)
	return nil
}

// Load reads a previously saved model. A missing file is not an
// error; it reports false.
func (c *Classifier) Load() (bool, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read model file: %w", err)
	}

	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return false, fmt.Errorf("decode model file: %w", err)
	}
	if mf.Vectorizer == nil || mf.Model == nil {
		return false, fmt.Errorf("model file %s is incomplete", c.path)
	}

	c.mu.Lock()
	c.vec, c.model = mf.Vectorizer, mf.Model
	c.mu.Unlock()

	c.log.Info("loaded intent model", "path", c.path, "classes", len(mf.Model.Classes))
	return true, nil
}

// ------------------------------------------------------------------
// Feature extraction
// ------------------------------------------------------------------

// vectorizer is a TF-IDF bag of words. The vocabulary is capped at
// maxFeatures terms by corpus frequency, ties broken alphabetically.
type vectorizer struct {
	Vocab map[string]int `json:"vocabulary"`
	IDF   []float64      `json:"idf"`
}

// ngrams lowercases text, splits it into alphanumeric runs, drops
// stop tokens and returns unigrams plus adjacent bigrams.
func ngrams(text string) []string {
	var words []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			words = append(words, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		words = append(words, b.String())
	}

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if !stopTokens[w] {
			kept = append(kept, w)
		}
	}

	out := make([]string, 0, 2*len(kept))
	out = append(out, kept...)
	for i := 0; i+1 < len(kept); i++ {
		out = append(out, kept[i]+" "+kept[i+1])
	}
	return out
}

func fitVectorizer(docs [][]string) *vectorizer {
	df := make(map[string]int) // document frequency
	tf := make(map[string]int) // corpus frequency, for the feature cap
	for _, doc := range docs {
		seen := make(map[string]bool, len(doc))
		for _, t := range doc {
			tf[t]++
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	terms := make([]string, 0, len(tf))
	for t := range tf {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if tf[terms[i]] != tf[terms[j]] {
			return tf[terms[i]] > tf[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}
	sort.Strings(terms)

	v := &vectorizer{
		Vocab: make(map[string]int, len(terms)),
		IDF:   make([]float64, len(terms)),
	}
	n := float64(len(docs))
	for i, t := range terms {
		v.Vocab[t] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
	return v
}

// transform maps one document to its L2-normalized tf-idf vector,
// sparse as feature index → weight. Unknown terms are dropped.
func (v *vectorizer) transform(doc []string) map[int]float64 {
	vec := make(map[int]float64)
	for _, t := range doc {
		if i, ok := v.Vocab[t]; ok {
			vec[i]++
		}
	}
	var norm float64
	for i := range vec {
		vec[i] *= v.IDF[i]
		norm += vec[i] * vec[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// ------------------------------------------------------------------
// Naive Bayes
// ------------------------------------------------------------------

type nbModel struct {
	Classes  []string    `json:"classes"` // sorted
	LogPrior []float64   `json:"log_prior"`
	LogProb  [][]float64 `json:"feature_log_prob"` // [class][feature]
}

func trainNB(classes []string, xs []map[int]float64, ys []int, features int) *nbModel {
	counts := make([][]float64, len(classes))
	totals := make([]float64, len(classes))
	classN := make([]float64, len(classes))
	for c := range counts {
		counts[c] = make([]float64, features)
	}
	for i, x := range xs {
		c := ys[i]
		classN[c]++
		for f, w := range x {
			counts[c][f] += w
			totals[c] += w
		}
	}

	m := &nbModel{
		Classes:  classes,
		LogPrior: make([]float64, len(classes)),
		LogProb:  make([][]float64, len(classes)),
	}
	n := float64(len(xs))
	for c := range classes {
		m.LogPrior[c] = math.Log(classN[c] / n)
		m.LogProb[c] = make([]float64, features)
		denom := totals[c] + nbAlpha*float64(features)
		for f := 0; f < features; f++ {
			m.LogProb[c][f] = math.Log((counts[c][f] + nbAlpha) / denom)
		}
	}
	return m
}

// scores turns class log-scores into a probability distribution.
func (m *nbModel) scores(x map[int]float64) []float64 {
	probs := make([]float64, len(m.Classes))
	for c := range m.Classes {
		s := m.LogPrior[c]
		for f, w := range x {
			s += w * m.LogProb[c][f]
		}
		probs[c] = s
	}

	max := probs[0]
	for _, s := range probs[1:] {
		if s > max {
			max = s
		}
	}
	var sum float64
	for c, s := range probs {
		probs[c] = math.Exp(s - max)
		sum += probs[c]
	}
	for c := range probs {
		probs[c] /= sum
	}
	return probs
}

// argmax returns the index of the largest value; ties keep the lowest
// index, which is the alphabetically first class.
func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// stopTokens is the english stopword list used by the vectorizer.
var stopTokens = map[string]bool{
	"a": true, "about": true, "after": true, "again": true, "all": true,
	"am": true, "an": true, "and": true, "any": true, "are": true,
	"as": true, "at": true, "be": true, "because": true, "been": true,
	"before": true, "being": true, "but": true, "by": true, "can": true,
	"could": true, "did": true, "do": true, "does": true, "doing": true,
	"down": true, "for": true, "from": true, "had": true, "has": true,
	"have": true, "having": true, "he": true, "her": true, "here": true,
	"him": true, "his": true, "how": true, "i": true, "if": true,
	"in": true, "into": true, "is": true, "it": true, "its": true,
	"just": true, "me": true, "more": true, "most": true, "my": true,
	"no": true, "not": true, "now": true, "of": true, "off": true,
	"on": true, "once": true, "only": true, "or": true, "other": true,
	"our": true, "out": true, "over": true, "own": true, "please": true,
	"she": true, "should": true, "so": true, "some": true, "such": true,
	"than": true, "that": true, "the": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true,
	"those": true, "through": true, "to": true, "too": true, "under": true,
	"until": true, "up": true, "very": true, "was": true, "we": true,
	"were": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "would": true,
	"you": true, "your": true,
}
