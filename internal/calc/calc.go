// Package calc evaluates arithmetic phrased in natural language.
//
// The evaluator understands numbers, + - * /, ** (produced by "squared",
// "cubed" and ^), parentheses, unary sign and sqrt(...). Nothing else is
// reachable.
package calc

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrEvaluation     = errors.New("evaluation failed")
	ErrNoDigits       = fmt.Errorf("%w: expression has no digits", ErrEvaluation)
	ErrMalformed      = fmt.Errorf("%w: malformed expression", ErrEvaluation)
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrEvaluation)
	ErrDomain         = fmt.Errorf("%w: result out of domain", ErrEvaluation)
)

// Result is a numeric answer. Integer is set when the rounded value has no
// fractional part.
type Result struct {
	Value   float64
	Integer bool
}

func (r Result) String() string {
	if r.Integer {
		return strconv.FormatInt(int64(r.Value), 10)
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}

type substitution struct {
	re   *regexp.Regexp
	repl string
}

var (
	prefixRe = regexp.MustCompile(`\b(what('?s| is| are)?|calculate|solve|compute|find)\s+`)

	// Multi-word phrases come first so "square root of" is not eaten by a
	// shorter rule.
	substitutions = []substitution{
		{regexp.MustCompile(`\bsquare\s+root\s+of\b`), " sqrt( "},
		{regexp.MustCompile(`\bpercent\s+of\b`), " * 0.01 * "},
		{regexp.MustCompile(`%\s*of\b`), " * 0.01 * "},
		{regexp.MustCompile(`\bmultiplied\s+by\b`), " * "},
		{regexp.MustCompile(`\bdivided\s+by\b`), " / "},
		{regexp.MustCompile(`\bplus\b`), " + "},
		{regexp.MustCompile(`\bminus\b`), " - "},
		{regexp.MustCompile(`\btimes\b`), " * "},
		{regexp.MustCompile(`\bover\b`), " / "},
		{regexp.MustCompile(`×`), " * "},
		{regexp.MustCompile(`÷`), " / "},
		{regexp.MustCompile(`(\d)\s*x\s*(\d)`), "$1 * $2"},
		{regexp.MustCompile(`\^`), " ** "},
		{regexp.MustCompile(`\bsquared\b`), " ** 2 "},
		{regexp.MustCompile(`\bcubed\b`), " ** 3 "},
	}

	// allowedRe keeps the sqrt( token plus the arithmetic allow-set.
	allowedRe  = regexp.MustCompile(`sqrt\(|[0-9.+\-*/()\s]+`)
	digitRe    = regexp.MustCompile(`\d`)
	operatorRe = regexp.MustCompile(`[+\-*/]|sqrt\(`)
)

// Normalize rewrites an utterance into the restricted expression language.
// The returned string only contains digits, operators, parentheses,
// whitespace and the sqrt( token.
func Normalize(utterance string) string {
	expr := strings.ToLower(strings.TrimSpace(utterance))
	expr = strings.ReplaceAll(expr, ",", "")
	expr = prefixRe.ReplaceAllString(expr, "")
	// Each rule runs until the text is stable: "2 x 3 x 4" consumes the 3
	// on the first pass.
	for _, s := range substitutions {
		for next := s.re.ReplaceAllString(expr, s.repl); next != expr; next = s.re.ReplaceAllString(expr, s.repl) {
			expr = next
		}
	}
	expr = strings.Join(allowedRe.FindAllString(expr, -1), "")

	if open := strings.Count(expr, "(") - strings.Count(expr, ")"); open > 0 {
		expr += strings.Repeat(")", open)
	}
	return strings.TrimSpace(expr)
}

// Evaluate converts an utterance to an expression and computes it.
func Evaluate(utterance string) (Result, error) {
	expr := Normalize(utterance)
	if !digitRe.MatchString(expr) {
		return Result{}, ErrNoDigits
	}

	var v float64
	if !operatorRe.MatchString(expr) {
		n, err := strconv.ParseFloat(expr, 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrMalformed, expr)
		}
		v = n
	} else {
		n, err := parse(expr)
		if err != nil {
			return Result{}, err
		}
		v = n
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Result{}, ErrDomain
	}
	return newResult(v), nil
}

func newResult(v float64) Result {
	r := math.Round(v*1e6) / 1e6
	if r == 0 {
		r = 0 // drop negative zero
	}
	if r == math.Trunc(r) && math.Abs(r) < 1<<53 {
		return Result{Value: r, Integer: true}
	}
	return Result{Value: r}
}

var (
	mathKeywordRe = regexp.MustCompile(`\b(calculate|compute|solve|add|subtract|multiply|divide|plus|minus|times|equals|squared|cubed)\b`)
	digitOpRe     = regexp.MustCompile(`\d\s*[+\-*/x×÷^]\s*\d`)
	whatIsDigitRe = regexp.MustCompile(`\bwhat\s*(is|'s)\s+-?\d`)
)

// LooksLikeMath reports whether a free-form query is plausibly arithmetic.
func LooksLikeMath(query string) bool {
	q := strings.ToLower(query)
	return mathKeywordRe.MatchString(q) || digitOpRe.MatchString(q) || whatIsDigitRe.MatchString(q)
}
