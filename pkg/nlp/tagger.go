package nlp

import (
	"strings"
	"unicode"
)

// The tagger is a deterministic heuristic stand-in for a statistical
// NER model: token scanning plus small gazetteers. It trades recall
// for reproducibility: the same input always yields the same spans,
// which is what the rule and audit layers need.

type tokenSpan struct {
	text  string // surrounding punctuation trimmed
	start int    // offset of trimmed text in the input
	end   int
}

const trimCutset = ".,;:!?()[]{}\"'`"

// wordSpans splits normalized text (single-space separated) into
// tokens with byte offsets, trimming surrounding punctuation.
func wordSpans(text string) []tokenSpan {
	var out []tokenSpan
	i := 0
	for i < len(text) {
		if text[i] == ' ' {
			i++
			continue
		}
		j := i
		for j < len(text) && text[j] != ' ' {
			j++
		}
		raw := text[i:j]
		lead := len(raw) - len(strings.TrimLeft(raw, trimCutset))
		trimmed := strings.Trim(raw, trimCutset)
		if trimmed != "" {
			out = append(out, tokenSpan{
				text:  trimmed,
				start: i + lead,
				end:   i + lead + len(trimmed),
			})
		}
		i = j
	}
	return out
}

// ------------------------------------------------------------------
// Lexicons
// ------------------------------------------------------------------

var monthNames = newSet(
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december")

var weekdayNames = newSet(
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday")

var relativeDays = newSet("today", "tomorrow", "yesterday", "tonight")

var timeWords = newSet("noon", "midnight")

var currencyWords = newSet("dollars", "dollar", "bucks", "usd", "euros", "euro", "eur", "pounds", "gbp", "cents")

var quantityUnits = newSet(
	"kb", "mb", "gb", "tb", "byte", "bytes", "kg", "g", "lb", "lbs",
	"km", "mi", "mile", "miles", "meter", "meters", "metre", "metres")

var honorifics = newSet("mr", "mrs", "ms", "dr", "prof", "sir", "madam")

var orgSuffixes = newSet("inc", "corp", "ltd", "llc", "gmbh", "co")

var orgNames = newSet(
	"google", "microsoft", "amazon", "apple", "github", "gitlab",
	"netflix", "oracle", "ibm", "intel", "nvidia", "mozilla", "adobe",
	"salesforce", "spotify", "uber", "airbnb", "tesla", "samsung", "sony")

var gpeNames = newSet(
	"london", "paris", "tokyo", "berlin", "madrid", "rome", "moscow",
	"beijing", "sydney", "chicago", "boston", "seattle", "york",
	"france", "germany", "japan", "china", "india", "brazil", "canada",
	"australia", "england", "spain", "italy", "russia", "america",
	"usa", "uk", "europe", "california", "texas")

var personNames = newSet(
	"alice", "bob", "carol", "dave", "john", "jane", "mary", "michael",
	"sarah", "david", "emma", "james", "linda", "robert", "maria",
	"peter", "susan", "tom", "anna", "mark")

var stopwords = newSet(
	"a", "about", "above", "after", "again", "all", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before",
	"being", "below", "between", "both", "but", "by", "can", "could", "did",
	"do", "does", "doing", "down", "during", "each", "few", "for",
	"from", "further", "had", "has", "have", "having", "he", "her",
	"here", "hers", "him", "his", "how", "i", "if", "in", "into", "is",
	"it", "its", "just", "me", "more", "most", "my", "no", "nor",
	"not", "now", "of", "off", "on", "once", "only", "or", "other",
	"our", "out", "over", "own", "please", "same", "she", "should",
	"so", "some", "such", "than", "that", "the", "their", "them",
	"then", "there", "these", "they", "this", "those", "through",
	"to", "too", "under", "until", "up", "very", "was", "we", "were",
	"what", "when", "where", "which", "while", "who", "whom", "why",
	"will", "with", "would", "you", "your")

var determiners = newSet(
	"the", "a", "an", "this", "that", "these", "those",
	"my", "your", "our", "their", "its", "his", "her")

// commandVerbs are imperative heads common in gateway input. They
// never start a noun chunk and a capitalized one at the start of a
// sentence is not an entity.
var commandVerbs = newSet(
	"read", "write", "open", "close", "delete", "remove", "create",
	"make", "show", "display", "list", "get", "fetch", "find",
	"search", "navigate", "go", "visit", "browse", "check", "run",
	"execute", "send", "set", "update", "download", "upload",
	"install", "start", "stop", "restart", "copy", "move", "rename",
	"save", "load", "print", "tell", "give", "take", "put", "call",
	"click", "scroll", "type", "press", "launch", "kill", "ping",
	"test", "deploy", "build", "train", "help")

func newSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ------------------------------------------------------------------
// Entity tagging
// ------------------------------------------------------------------

// tagEntities scans tokens left to right, consuming each at most once.
func tagEntities(text string) []Entity {
	toks := wordSpans(text)
	var out []Entity

	emit := func(label string, first, last tokenSpan) {
		out = append(out, Entity{
			Text:       text[first.start:last.end],
			Label:      label,
			Start:      first.start,
			End:        last.end,
			Confidence: 1.0,
			Source:     SourceNER,
		})
	}

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		lower := strings.ToLower(tok.text)

		switch {
		case isISODate(tok.text):
			emit("DATE", tok, tok)

		case monthNames[lower] && i+1 < len(toks) && isDayNumber(toks[i+1].text):
			// "March 5" or "March 5 2026"
			last := i + 1
			if last+1 < len(toks) && isYear(toks[last+1].text) {
				last++
			}
			emit("DATE", tok, toks[last])
			i = last

		case isDayNumber(tok.text) && i+1 < len(toks) && monthNames[strings.ToLower(toks[i+1].text)]:
			emit("DATE", tok, toks[i+1])
			i++

		case weekdayNames[lower] || relativeDays[lower]:
			emit("DATE", tok, tok)

		case isClockTime(tok.text):
			last := i
			if last+1 < len(toks) && isMeridiem(toks[last+1].text) {
				last++
			}
			emit("TIME", tok, toks[last])
			i = last

		case isMeridiemTime(tok.text) || timeWords[lower]:
			emit("TIME", tok, tok)

		case isMoneyToken(tok.text):
			emit("MONEY", tok, tok)

		case isNumber(tok.text) && i+1 < len(toks) && currencyWords[strings.ToLower(toks[i+1].text)]:
			emit("MONEY", tok, toks[i+1])
			i++

		case isPercentToken(tok.text):
			emit("PERCENT", tok, tok)

		case isNumber(tok.text) && i+1 < len(toks) && strings.ToLower(toks[i+1].text) == "percent":
			emit("PERCENT", tok, toks[i+1])
			i++

		case isNumber(tok.text) && i+1 < len(toks) && quantityUnits[strings.ToLower(toks[i+1].text)]:
			emit("QUANTITY", tok, toks[i+1])
			i++

		case isQuantityToken(tok.text):
			emit("QUANTITY", tok, tok)

		case isInteger(tok.text):
			emit("CARDINAL", tok, tok)

		case isCapitalized(tok.text):
			// Capitalized stopwords, imperative heads and honorifics
			// never start a span.
			if stopwords[lower] || commandVerbs[lower] || honorifics[lower] {
				break
			}
			// Capitalized run: up to four tokens.
			last := i
			for last+1 < len(toks) && last-i < 3 && isCapitalized(toks[last+1].text) {
				last++
			}
			afterHon := i > 0 && honorifics[strings.ToLower(toks[i-1].text)]
			if label := classifySpan(toks[i:last+1], afterHon); label != "" {
				emit(label, tok, toks[last])
			}
			i = last
		}
	}
	return out
}

// classifySpan labels a capitalized token run using the gazetteers.
// Unknown spans get no label at all: a capitalized word is not
// evidence enough on its own.
func classifySpan(span []tokenSpan, afterHonorific bool) string {
	for _, t := range span {
		if gpeNames[strings.ToLower(t.text)] {
			return "GPE"
		}
	}
	for _, t := range span {
		if orgNames[strings.ToLower(t.text)] {
			return "ORG"
		}
	}
	if orgSuffixes[strings.ToLower(span[len(span)-1].text)] && len(span) > 1 {
		return "ORG"
	}
	if afterHonorific || personNames[strings.ToLower(span[0].text)] {
		return "PERSON"
	}
	return ""
}

// ------------------------------------------------------------------
// Token predicates
// ------------------------------------------------------------------

func isCapitalized(s string) bool {
	r := []rune(s)
	if len(r) == 0 || !unicode.IsUpper(r[0]) {
		return false
	}
	for _, c := range r[1:] {
		if !unicode.IsLetter(c) {
			return false
		}
	}
	return true
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ',' && i > 0 && i < len(s)-1 {
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	dots := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
		case s[i] == '.' && dots == 0 && i > 0 && i < len(s)-1:
			dots++
		case s[i] == ',' && i > 0 && i < len(s)-1:
		default:
			return false
		}
	}
	return true
}

func isDayNumber(s string) bool {
	s = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(
		strings.ToLower(s), "st"), "nd"), "rd"), "th")
	if !isInteger(s) || len(s) > 2 {
		return false
	}
	return true
}

func isYear(s string) bool {
	return len(s) == 4 && isInteger(s)
}

func isISODate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	return isInteger(s[:4]) && isInteger(s[5:7]) && isInteger(s[8:])
}

// isClockTime matches H:MM and H:MM:SS.
func isClockTime(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return false
	}
	if !isInteger(parts[0]) || len(parts[0]) > 2 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 2 || !isInteger(p) {
			return false
		}
	}
	return true
}

func isMeridiem(s string) bool {
	l := strings.ToLower(s)
	return l == "am" || l == "pm"
}

// isMeridiemTime matches compact forms like "10am".
func isMeridiemTime(s string) bool {
	l := strings.ToLower(s)
	for _, suffix := range []string{"am", "pm"} {
		if num, ok := strings.CutSuffix(l, suffix); ok && isInteger(num) && len(num) <= 2 && num != "" {
			return true
		}
	}
	return false
}

func isMoneyToken(s string) bool {
	if !strings.HasPrefix(s, "$") {
		return false
	}
	return isNumber(s[1:])
}

func isPercentToken(s string) bool {
	if !strings.HasSuffix(s, "%") {
		return false
	}
	return isNumber(s[:len(s)-1])
}

// isQuantityToken matches compact number+unit forms like "500mb".
func isQuantityToken(s string) bool {
	l := strings.ToLower(s)
	for unit := range quantityUnits {
		if num, ok := strings.CutSuffix(l, unit); ok && num != "" && isNumber(num) {
			return true
		}
	}
	return false
}

// ------------------------------------------------------------------
// Tokens and noun chunks
// ------------------------------------------------------------------

// tokenize returns the meaningful tokens (stopwords and punctuation
// excluded) and heuristic noun chunks: runs of content words, with a
// leading determiner kept, broken by stopwords and command verbs.
func tokenize(text string) (tokens []string, chunks []string) {
	toks := wordSpans(text)
	tokens = make([]string, 0, len(toks))
	chunks = []string{}

	var current []string
	hasContent := false
	flush := func() {
		if hasContent {
			chunks = append(chunks, strings.Join(current, " "))
		}
		current = nil
		hasContent = false
	}

	for _, tok := range toks {
		lower := strings.ToLower(tok.text)
		if !stopwords[lower] {
			tokens = append(tokens, tok.text)
		}

		switch {
		case determiners[lower]:
			flush()
			current = []string{tok.text}
		case stopwords[lower] || commandVerbs[lower]:
			flush()
		default:
			current = append(current, tok.text)
			hasContent = true
		}
	}
	flush()
	return tokens, chunks
}
