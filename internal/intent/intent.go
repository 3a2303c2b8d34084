// Package intent maps utterances to a closed set of symbolic intents.
package intent

import (
	"regexp"
	"strings"
)

// Intent is a symbolic category assigned to an utterance.
type Intent string

const (
	Time      Intent = "time"
	Date      Intent = "date"
	Greeting  Intent = "greeting"
	Exit      Intent = "exit"
	Help      Intent = "help"
	Weather   Intent = "weather"
	Timer     Intent = "timer"
	Alarm     Intent = "alarm"
	Stopwatch Intent = "stopwatch"
	App       Intent = "app"
	Calculate Intent = "calculate"
	System    Intent = "system"
	Search    Intent = "search"
	Unknown   Intent = "unknown"

	// Error labels dispatcher failures. The classifier never returns it.
	Error Intent = "error"
)

// Rule binds an intent to the patterns that select it.
type Rule struct {
	Intent   Intent
	Patterns []*regexp.Regexp
}

func rule(in Intent, patterns ...string) Rule {
	r := Rule{Intent: in}
	for _, p := range patterns {
		r.Patterns = append(r.Patterns, regexp.MustCompile(`(?i)`+p))
	}
	return r
}

// DefaultRules returns the stage 1 table. Order is the tie-break: the first
// rule with a matching pattern wins.
func DefaultRules() []Rule {
	return []Rule{
		rule(Time,
			`\b(what\s+time|current\s+time|time\s+is|tell\s+time|tell\s+me\s+the\s+time)\b`,
			`\b(what\s+is\s+the\s+time|whats\s+the\s+time|what's\s+the\s+time)\b`,
			`\b(time\s+right\s+now|current\s+time)\b`,
			`\b(what\s+time\s+is\s+it)\b`,
			`\bclock\b`,
		),
		rule(Date,
			`\b(what\s+date|current\s+date|today's\s+date|what\s+day)\b`,
			`\b(what\s+is\s+the\s+date|whats\s+the\s+date|what's\s+the\s+date)\b`,
			`\b(what\s+day\s+is\s+it|what\s+day\s+is\s+today)\b`,
			`\b(todays\s+date|date\s+today)\b`,
		),
		rule(Greeting,
			`\b(hello|hi|hey|good\s+morning|good\s+afternoon|good\s+evening)\b`,
		),
		rule(Exit,
			`\b(exit|quit|goodbye|bye|shutdown|turn\s+off)\b`,
			`\b(orion\s+stop|orion\s+exit|orion\s+quit)\b`,
			`^stop$`,
		),
		rule(Help,
			`\b(help|what\s+can\s+you\s+do|commands|assistance)\b`,
		),
		rule(Weather,
			`\b(weather|forecast|temperature)\b`,
		),
		rule(Timer,
			`\b(set\s+(a\s+)?timer|timer\s+for|countdown|remind\s+me)\b`,
			`\b(cancel|delete|remove|clear|stop)\s+(the\s+|my\s+|all\s+)?(timer|alarm)s?\b`,
			`\b(list|show)\s+(my\s+|all\s+|the\s+)?(timers|alarms)\b`,
			`\b(what|which)\s+(timers|alarms)\b`,
			`\bactive\s+timers\b`,
		),
		rule(Alarm,
			`\b(set\s+(an?\s+)?alarm|alarm\s+for|wake\s+me)\b`,
		),
		rule(Stopwatch,
			`\b(stopwatch|start\s+stopwatch|stop\s+stopwatch|reset\s+stopwatch)\b`,
		),
		rule(App,
			`\b(open|launch|start|run)\s+\w+\b`,
		),
		rule(Search,
			`\b(search\s+for|look\s+up|google|find)\b`,
		),
		rule(System,
			`\b(system\s+info|battery|memory|disk|storage|cpu)\b`,
			`\b(how\s+much\s+(battery|memory|storage))\b`,
			`\b(memory\s+usage|ram\s+usage|disk\s+usage|storage\s+usage)\b`,
			`\b(my\s+(battery|memory|storage|system))\b`,
		),
		rule(Calculate,
			`\b(calculate|solve|compute)\b`,
			`\b(add|plus|subtract|minus|multiply|times|divide|divided)\b`,
			`\b(what\s+(is|are)\s+\d)\b`,
		),
	}
}

// Heuristics is the optional second classification stage.
type Heuristics interface {
	ClassifyWithHeuristics(normalized string) (Intent, bool)
}

// Classifier runs the rule table and, when configured, a heuristic pass.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules      []Rule
	heuristics Heuristics
}

type Option func(*Classifier)

// WithHeuristics installs a stage 2 pass. A nil value leaves stage 2 off.
func WithHeuristics(h Heuristics) Option {
	return func(c *Classifier) { c.heuristics = h }
}

// WithRules replaces the stage 1 table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) { c.rules = rules }
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize lower-cases and trims an utterance.
func Normalize(utterance string) string {
	return strings.ToLower(strings.TrimSpace(utterance))
}

func (c *Classifier) Classify(utterance string) Intent {
	text := Normalize(utterance)
	if text == "" {
		return Unknown
	}
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if p.MatchString(text) {
				return r.Intent
			}
		}
	}
	if c.heuristics != nil {
		if in, ok := c.heuristics.ClassifyWithHeuristics(text); ok {
			return in
		}
	}
	return Unknown
}

// BuiltIn reports whether the dispatcher has a dedicated handler for in.
// Search and Unknown go down the fallback chain instead.
func BuiltIn(in Intent) bool {
	switch in {
	case Time, Date, Greeting, Exit, Help, Weather, Timer, Alarm, Stopwatch, App, Calculate, System:
		return true
	}
	return false
}
