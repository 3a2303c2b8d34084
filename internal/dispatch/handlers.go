package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/calc"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/stopwatch"
	"github.com/stellarlinkco/orion/internal/sysinfo"
	"github.com/stellarlinkco/orion/internal/weather"
)

var (
	stopwatchStart = regexp.MustCompile(`\b(start|resume|begin)\b`)
	stopwatchStop  = regexp.MustCompile(`\b(stop|pause|halt)\b`)
	stopwatchReset = regexp.MustCompile(`\b(reset|clear|zero)\b`)
)

func (d *Dispatcher) tellTime() string {
	return "The current time is " + d.now().Format("03:04 PM")
}

func (d *Dispatcher) tellDate() string {
	return "Today is " + d.now().Format("Monday, January 02, 2006")
}

func (d *Dispatcher) greet() string {
	var part string
	switch h := d.now().Hour(); {
	case h < 12:
		part = "Good morning"
	case h < 17:
		part = "Good afternoon"
	default:
		part = "Good evening"
	}
	return fmt.Sprintf("%s, Commander! I am %s, your strategic voice assistant. What are your orders?", part, d.name)
}

func (d *Dispatcher) help() string {
	return "I stand ready to provide time and scheduling data, weather reconnaissance, " +
		"mission timers and alerts, tactical calculations, system operations, and strategic analysis. " +
		"Say 'list timers' or 'cancel timer 2' to manage timers. " +
		"For complex queries, I will consult my AI command network. What is your mission?"
}

func (d *Dispatcher) handleWeather(ctx context.Context, q string) (string, error) {
	if d.weather == nil {
		return "", unavailable("Weather reconnaissance is offline, Commander. Set OPENWEATHER_API_KEY to enable it.")
	}
	city := extractCity(q)
	if city == "" {
		return "", invalid("Which city do you want the weather for? Try 'weather in London'.")
	}
	report, err := d.weather.Current(ctx, city)
	switch {
	case err == nil:
		return report.String(), nil
	case errors.Is(err, weather.ErrNotFound):
		return "", &userError{msg: fmt.Sprintf("I couldn't find a city called %s.", city), kind: ErrValidation}
	case errors.Is(err, weather.ErrNoAPIKey):
		return "", unavailable("Weather reconnaissance is offline, Commander. Set OPENWEATHER_API_KEY to enable it.")
	default:
		d.logger.Warn("weather lookup failed", zap.String("city", city), zap.Error(err))
		return "", unavailable(fmt.Sprintf("Couldn't fetch weather for %s right now.", city))
	}
}

func (d *Dispatcher) handleTimer(ctx context.Context, src Source, q string) (string, error) {
	if d.scheduler == nil {
		return "", unavailable("Mission timers are offline right now.")
	}
	switch {
	case cancelPattern.MatchString(q):
		return d.cancelTimers(ctx, q)
	case listPattern.MatchString(q):
		return d.listTimers(), nil
	}

	delay := ParseDuration(q)
	if delay <= 0 {
		return "", invalid("I couldn't understand the timer duration. Try 'set timer for 5 minutes'.")
	}
	label, reminder := timerLabel(q)
	p := scheduler.Payload{Channel: src.Channel, ChatID: src.ChatID}
	switch {
	case reminder:
		p.Message = fmt.Sprintf("Reminder, Commander: %s.", label)
	case label == "":
		label = "Timer for " + FormatSpan(delay)
	}

	id, err := d.scheduler.Schedule(ctx, delay, label, p)
	if err != nil {
		return "", fmt.Errorf("schedule timer: %w", err)
	}
	if reminder {
		return fmt.Sprintf("I'll remind you to %s in %s.", label, FormatSpan(delay)), nil
	}
	return fmt.Sprintf("Timer %d set for %s.", id, FormatSpan(delay)), nil
}

func (d *Dispatcher) cancelTimers(ctx context.Context, q string) (string, error) {
	if id, ok := parseTimerID(q); ok {
		if !d.scheduler.Cancel(ctx, id) {
			return "", invalid(fmt.Sprintf("I couldn't find timer %d.", id))
		}
		return fmt.Sprintf("Timer %d cancelled.", id), nil
	}

	pending := d.scheduler.List()
	if len(pending) == 0 {
		return "You have no active timers.", nil
	}
	if len(pending) > 1 && !cancelAll.MatchString(q) {
		return "", invalid(fmt.Sprintf("You have %d active timers. Say 'cancel timer %d' or 'cancel all timers'.",
			len(pending), pending[0].ID))
	}

	cancelled := 0
	for _, e := range pending {
		if d.scheduler.Cancel(ctx, e.ID) {
			cancelled++
		}
	}
	switch cancelled {
	case 0:
		return "", invalid("Those timers have already finished.")
	case 1:
		return "1 timer cancelled.", nil
	}
	return fmt.Sprintf("%d timers cancelled.", cancelled), nil
}

func (d *Dispatcher) listTimers() string {
	pending := d.scheduler.List()
	if len(pending) == 0 {
		return "You have no active timers."
	}
	parts := make([]string, len(pending))
	for i, e := range pending {
		parts[i] = fmt.Sprintf("timer %d, %s, %s remaining", e.ID, e.Label, FormatSpan(e.Remaining))
	}
	noun := "timers"
	if len(pending) == 1 {
		noun = "timer"
	}
	return fmt.Sprintf("You have %d active %s: %s.", len(pending), noun, strings.Join(parts, "; "))
}

func (d *Dispatcher) handleAlarm(ctx context.Context, src Source, q string) (string, error) {
	if d.scheduler == nil {
		return "", unavailable("Alarms are offline right now.")
	}
	at, ok := ParseAlarm(q)
	if !ok {
		return "", invalid("I couldn't understand that alarm time. Try 'set alarm for 7 AM'.")
	}
	label, _ := timerLabel(q)
	id, fireAt, err := d.scheduler.SetAlarm(ctx, at, label, scheduler.Payload{Channel: src.Channel, ChatID: src.ChatID})
	if err != nil {
		return "", fmt.Errorf("set alarm: %w", err)
	}
	day := "today"
	if n := d.now(); fireAt.YearDay() != n.YearDay() || fireAt.Year() != n.Year() {
		day = "tomorrow"
	}
	return fmt.Sprintf("Alarm %d set for %s %s.", id, at, day), nil
}

func (d *Dispatcher) handleStopwatch(q string) (string, error) {
	if d.stopwatch == nil {
		return "", unavailable("The stopwatch is offline right now.")
	}
	verb := strings.ReplaceAll(q, "stopwatch", " ")
	switch {
	case stopwatchReset.MatchString(verb):
		if err := d.stopwatch.Reset(); err != nil {
			return "", fmt.Errorf("reset stopwatch: %w", err)
		}
		return "Stopwatch reset.", nil
	case stopwatchStart.MatchString(verb):
		started, err := d.stopwatch.Start()
		if err != nil {
			return "", fmt.Errorf("start stopwatch: %w", err)
		}
		if !started {
			return "Stopwatch was already running.", nil
		}
		return "Stopwatch started.", nil
	case stopwatchStop.MatchString(verb):
		elapsed, err := d.stopwatch.Stop()
		if err != nil {
			return "", fmt.Errorf("stop stopwatch: %w", err)
		}
		return fmt.Sprintf("Stopwatch stopped at %s.", stopwatch.Format(elapsed)), nil
	}
	elapsed, running := d.stopwatch.Read()
	status := "stopped"
	if running {
		status = "running"
	}
	return fmt.Sprintf("Stopwatch is %s at %s.", status, stopwatch.Format(elapsed)), nil
}

func (d *Dispatcher) handleApp(q string) (string, error) {
	if d.apps == nil {
		return "", unavailable("App launching is not available on this system.")
	}
	name, ok := d.apps.Find(q)
	if !ok {
		return "", invalid("Which app would you like to open?")
	}
	if err := d.apps.Launch(name); err != nil {
		d.logger.Warn("app launch failed", zap.String("app", name), zap.Error(err))
		return "", unavailable(fmt.Sprintf("Couldn't open %s.", name))
	}
	return fmt.Sprintf("Opening %s.", name), nil
}

func (d *Dispatcher) handleCalculate(q string) (string, error) {
	res, err := calc.Evaluate(q)
	if err != nil {
		d.logger.Debug("evaluation failed", zap.String("query", q), zap.Error(err))
		if errors.Is(err, calc.ErrDivisionByZero) {
			return "", invalid("I can't divide by zero, Commander.")
		}
		return "", invalid("I couldn't evaluate that expression.")
	}
	return "The result is " + res.String(), nil
}

// tryMath is the fallback chain's arithmetic step. Failures fall through.
func (d *Dispatcher) tryMath(q string) (string, bool) {
	if !calc.LooksLikeMath(q) {
		return "", false
	}
	res, err := calc.Evaluate(q)
	if err != nil {
		return "", false
	}
	return "The result is " + res.String(), true
}

func (d *Dispatcher) handleSystem(ctx context.Context, q string) (string, error) {
	if d.system == nil {
		return "", unavailable("System diagnostics are not available.")
	}
	return sysinfo.Describe(ctx, d.system, q), nil
}
