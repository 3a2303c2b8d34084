package intent

import (
	"regexp"
	"strings"
	"unicode"
)

type keywordList struct {
	intent Intent
	words  map[string]struct{}
	// lemmas also compares reduced word forms ("adding" -> "add").
	lemmas bool
}

func words(in Intent, lemmas bool, ws ...string) keywordList {
	m := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		m[w] = struct{}{}
	}
	return keywordList{intent: in, words: m, lemmas: lemmas}
}

var (
	timeWords = words(Time, true, "time", "clock", "hour", "minute")
	dateWords = words(Date, true, "date", "day", "today", "calendar")
	mathWords = words(Calculate, true, "calculate", "compute", "add", "subtract", "multiply", "divide", "plus", "minus", "times")

	afterMath = []keywordList{
		words(System, true, "battery", "memory", "disk", "storage", "system"),
		words(Weather, true, "weather", "temperature", "forecast", "rain", "sunny", "cloudy"),
		words(App, false, "open", "launch", "start", "run"),
	}

	digitOperatorRe = regexp.MustCompile(`\d\s*[+\-*/×÷x]|[+\-*/×÷]\s*\d`)
)

// KeywordHeuristics is a token and lemma keyword matcher. Lists are checked
// in the order time, date, calculate, system, weather, app. A digit next to
// an arithmetic operator promotes to calculate.
type KeywordHeuristics struct{}

func (KeywordHeuristics) ClassifyWithHeuristics(normalized string) (Intent, bool) {
	tokens := tokenize(normalized)
	if len(tokens) == 0 {
		return Unknown, false
	}
	for _, list := range []keywordList{timeWords, dateWords, mathWords} {
		if list.hit(tokens) {
			return list.intent, true
		}
	}
	if digitOperatorRe.MatchString(normalized) {
		return Calculate, true
	}
	for _, list := range afterMath {
		if list.hit(tokens) {
			return list.intent, true
		}
	}
	return Unknown, false
}

func (l keywordList) hit(tokens []string) bool {
	for _, tok := range tokens {
		if _, ok := l.words[tok]; ok {
			return true
		}
		if !l.lemmas {
			continue
		}
		if _, ok := l.words[lemma(tok)]; ok {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// lemma strips common English inflections. It only has to cover the keyword
// lists above.
func lemma(tok string) string {
	tok = strings.TrimSuffix(tok, "'s")
	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 4:
		return tok[:len(tok)-3] + "y"
	case strings.HasSuffix(tok, "ing") && len(tok) > 5:
		return undouble(tok[:len(tok)-3])
	case strings.HasSuffix(tok, "ed") && len(tok) > 4:
		return undouble(tok[:len(tok)-2])
	case strings.HasSuffix(tok, "es") && len(tok) > 4 && !strings.HasSuffix(tok, "ses"):
		return tok[:len(tok)-1]
	case strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && len(tok) > 3:
		return tok[:len(tok)-1]
	}
	return tok
}

// undouble repairs stems left by suffix stripping ("runn" -> "run",
// "comput" -> "compute").
func undouble(stem string) string {
	switch stem {
	case "comput", "calculat", "divid", "multipli":
		if stem == "multipli" {
			return "multiply"
		}
		return stem + "e"
	}
	n := len(stem)
	if n >= 3 && stem[n-1] == stem[n-2] && stem != "add" {
		return stem[:n-1]
	}
	return stem
}
