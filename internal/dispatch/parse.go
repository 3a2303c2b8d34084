package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/orion/internal/scheduler"
)

var (
	terminatePattern = regexp.MustCompile(`^(terminate(\s+(assistant|orion|systems?|everything))?|shut\s*down\s+(orion|assistant|completely|everything)|full\s+shutdown|kill\s+orion)$`)

	hoursPattern   = regexp.MustCompile(`(\d+)\s*(?:hours?|hrs?)\b`)
	minutesPattern = regexp.MustCompile(`(\d+)\s*(?:minutes?|mins?)\b`)
	secondsPattern = regexp.MustCompile(`(\d+)\s*(?:seconds?|secs?)\b`)
	articlePattern = regexp.MustCompile(`\ban?\s+(hour|minute)\b`)
	halfHour       = regexp.MustCompile(`\bhalf\s+(an\s+)?hour\b`)
	firstNumber    = regexp.MustCompile(`\d+`)

	alarmPattern = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(a\.?m\.?|p\.?m\.?)?\b`)

	cancelPattern = regexp.MustCompile(`\b(cancel|delete|remove|clear|stop)\s+(the\s+|my\s+|all\s+)?(timer|alarm)s?\b`)
	listPattern   = regexp.MustCompile(`\b((list|show)\s+(my\s+|all\s+|the\s+)?(timers|alarms)|(what|which)\s+(timers|alarms)|active\s+timers)\b`)
	timerIDRegexp = regexp.MustCompile(`\b(?:timer|alarm)s?\s*(?:number\s*|no\.?\s*|#\s*)?(\d+)\b`)
	cancelAll     = regexp.MustCompile(`\ball\s+(?:my\s+|the\s+)?(timers|alarms)\b|\b(timers|alarms)\b`)

	reminderPattern = regexp.MustCompile(`\bremind\s+me\b.*?\bto\s+(.+?)(?:\s+in\s+\d+.*)?$`)
	namedPattern    = regexp.MustCompile(`\b(?:called|named|labell?ed)\s+(.+?)(?:\s+for\s+\d+.*)?$`)

	cityPattern  = regexp.MustCompile(`\b(?:weather|temperature|forecast)\s+(?:like\s+)?(?:in|for|at)\s+([a-z][a-z\s'.-]{1,40})`)
	citySuffixes = []string{" right now", " today", " now", " please", " currently"}
)

// IsTerminate reports whether the normalized utterance asks for a full
// shutdown rather than a soft exit.
func IsTerminate(normalized string) bool {
	return terminatePattern.MatchString(strings.Trim(normalized, " .!"))
}

// maxTimerSpan bounds a spoken duration; anything longer is treated as
// unparseable.
const maxTimerSpan = 31 * 24 * time.Hour

// ParseDuration reads a spoken duration. Explicit hours, minutes and seconds
// add up; a bare number means minutes. Zero means nothing usable was found,
// including spans beyond maxTimerSpan.
func ParseDuration(q string) time.Duration {
	q = strings.ToLower(q)
	var total time.Duration
	overflow := false
	add := func(re *regexp.Regexp, unit time.Duration) {
		if m := re.FindStringSubmatch(q); m != nil {
			d, ok := span(m[1], unit)
			overflow = overflow || !ok
			total += d
		}
	}
	add(hoursPattern, time.Hour)
	add(minutesPattern, time.Minute)
	add(secondsPattern, time.Second)
	if overflow || total > maxTimerSpan {
		return 0
	}
	if total > 0 {
		return total
	}

	if halfHour.MatchString(q) {
		return 30 * time.Minute
	}
	if m := articlePattern.FindStringSubmatch(q); m != nil {
		if m[1] == "hour" {
			return time.Hour
		}
		return time.Minute
	}
	if m := firstNumber.FindString(q); m != "" {
		d, _ := span(m, time.Minute)
		return d
	}
	return 0
}

// span converts digits times unit, reporting false when the result would
// exceed maxTimerSpan.
func span(digits string, unit time.Duration) (time.Duration, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > int64(maxTimerSpan/unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// ParseAlarm reads a time of day such as "7 am", "7:30 p.m." or "19:00".
func ParseAlarm(q string) (scheduler.ClockTime, bool) {
	m := alarmPattern.FindStringSubmatch(strings.ToLower(q))
	if m == nil {
		return scheduler.ClockTime{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if meridiem := m[3]; meridiem != "" {
		if hour < 1 || hour > 12 {
			return scheduler.ClockTime{}, false
		}
		switch {
		case meridiem[0] == 'p' && hour != 12:
			hour += 12
		case meridiem[0] == 'a' && hour == 12:
			hour = 0
		}
	}
	at := scheduler.ClockTime{Hour: hour, Minute: minute}
	return at, at.Valid()
}

func parseTimerID(q string) (scheduler.TimerID, bool) {
	m := timerIDRegexp.FindStringSubmatch(q)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return scheduler.TimerID(n), true
}

// timerLabel picks a label from "remind me to X" or "timer called X".
// reminder reports the first form.
func timerLabel(q string) (label string, reminder bool) {
	if m := reminderPattern.FindStringSubmatch(q); m != nil {
		return strings.Trim(m[1], " .!?"), true
	}
	if m := namedPattern.FindStringSubmatch(q); m != nil {
		return strings.Trim(m[1], " .!?"), false
	}
	return "", false
}

func extractCity(q string) string {
	m := cityPattern.FindStringSubmatch(strings.ToLower(q))
	if m == nil {
		return ""
	}
	city := strings.Trim(m[1], " .?!'-")
	for trimmed := true; trimmed; {
		trimmed = false
		for _, s := range citySuffixes {
			if strings.HasSuffix(city, s) {
				city = strings.TrimSpace(strings.TrimSuffix(city, s))
				trimmed = true
			}
		}
	}
	return titleCase(city)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatSpan renders a duration the way it is spoken: "1 hour and 5 minutes".
func FormatSpan(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Second {
		return "less than a second"
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)

	var parts []string
	for _, p := range []struct {
		n    int
		unit string
	}{{h, "hour"}, {m, "minute"}, {s, "second"}} {
		switch {
		case p.n == 1:
			parts = append(parts, "1 "+p.unit)
		case p.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
