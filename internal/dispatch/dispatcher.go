// Package dispatch routes classified utterances to their handlers and folds
// every outcome into a single Response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/answers"
	"github.com/stellarlinkco/orion/internal/intent"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/sysinfo"
	"github.com/stellarlinkco/orion/internal/weather"
)

var (
	// ErrValidation marks malformed command arguments. The user sees a
	// corrective prompt.
	ErrValidation = errors.New("invalid command arguments")
	// ErrUnavailable marks a collaborator that is not configured or not
	// reachable.
	ErrUnavailable = errors.New("service unavailable")
)

const internalErrorMessage = "I ran into an error while executing that command."

// Action tells the input loop what to do after a response.
type Action int

const (
	ActionNone Action = iota
	// ActionStopListening ends input capture. Scheduled jobs keep running.
	ActionStopListening
	// ActionTerminate ends the process after stopping the scheduler.
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionStopListening:
		return "stop_listening"
	case ActionTerminate:
		return "terminate"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

type Response struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Intent  intent.Intent `json:"intent"`
	Action  Action        `json:"action,omitempty"`
}

// Source identifies where an utterance came from. Timer notifications are
// routed back to it.
type Source struct {
	Channel  string
	ChatID   string
	SenderID string
}

func (s Source) session() string {
	if s.Channel == "" && s.ChatID == "" {
		return ""
	}
	return s.Channel + ":" + s.ChatID
}

// Scheduler is the timer API the dispatcher drives.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, label string, p scheduler.Payload) (scheduler.TimerID, error)
	SetAlarm(ctx context.Context, at scheduler.ClockTime, label string, p scheduler.Payload) (scheduler.TimerID, time.Time, error)
	Cancel(ctx context.Context, id scheduler.TimerID) bool
	List() []scheduler.Entry
}

type Stopwatch interface {
	Start() (bool, error)
	Stop() (time.Duration, error)
	Reset() error
	Read() (time.Duration, bool)
}

type WeatherService interface {
	Current(ctx context.Context, city string) (weather.Report, error)
}

type AppLauncher interface {
	Find(query string) (string, bool)
	Launch(name string) error
}

// AI answers open questions. ok is false when reply is an apology.
type AI interface {
	Complete(ctx context.Context, session, query, extra string) (reply string, ok bool)
}

// Options wires the dispatcher. Nil collaborators make their intents answer
// with an "unavailable" message.
type Options struct {
	Name        string
	Classifier  *intent.Classifier
	Scheduler   Scheduler
	Stopwatch   Stopwatch
	Weather     WeatherService
	Apps        AppLauncher
	System      sysinfo.Source
	Answers     *answers.Book
	AI          AI
	HistorySize int
	Clock       func() time.Time
	Logger      *zap.Logger
}

type Dispatcher struct {
	name       string
	classifier *intent.Classifier
	scheduler  Scheduler
	stopwatch  Stopwatch
	weather    WeatherService
	apps       AppLauncher
	system     sysinfo.Source
	answers    *answers.Book
	ai         AI
	history    *History
	now        func() time.Time
	logger     *zap.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		name:       opts.Name,
		classifier: opts.Classifier,
		scheduler:  opts.Scheduler,
		stopwatch:  opts.Stopwatch,
		weather:    opts.Weather,
		apps:       opts.Apps,
		system:     opts.System,
		answers:    opts.Answers,
		ai:         opts.AI,
		history:    NewHistory(opts.HistorySize),
		now:        opts.Clock,
		logger:     opts.Logger,
	}
	if d.name == "" {
		d.name = "Orion"
	}
	if d.classifier == nil {
		d.classifier = intent.NewClassifier()
	}
	if d.answers == nil {
		d.answers = answers.NewBook(answers.Builtin(d.name))
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// History returns the recorded exchanges.
func (d *Dispatcher) History() *History {
	return d.history
}

// Handle processes an utterance from the local console.
func (d *Dispatcher) Handle(ctx context.Context, utterance string) Response {
	return d.HandleFrom(ctx, Source{}, utterance)
}

// HandleFrom processes an utterance. It never panics and never returns an
// error: failures become unsuccessful responses.
func (d *Dispatcher) HandleFrom(ctx context.Context, src Source, utterance string) (resp Response) {
	text := intent.Normalize(utterance)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", zap.Any("panic", r), zap.String("utterance", text))
			resp = Response{Success: false, Message: internalErrorMessage, Intent: intent.Error}
		}
		d.history.Add(Exchange{
			At:       d.now(),
			Channel:  src.Channel,
			Query:    utterance,
			Intent:   resp.Intent,
			Response: resp.Message,
			Success:  resp.Success,
		})
	}()

	if text == "" {
		return Response{Success: false, Message: "I didn't catch that. Please say it again.", Intent: intent.Unknown}
	}
	if IsTerminate(text) {
		d.logger.Info("terminate requested", zap.String("channel", src.Channel))
		return Response{
			Success: true,
			Message: fmt.Sprintf("Initiating full system shutdown. All operations terminating. %s, signing off.", d.name),
			Intent:  intent.Exit,
			Action:  ActionTerminate,
		}
	}

	in := d.classifier.Classify(text)
	d.logger.Debug("intent classified", zap.String("intent", string(in)), zap.String("utterance", text))

	if !intent.BuiltIn(in) {
		return d.fallback(ctx, src, in, utterance, text)
	}
	if in == intent.Exit {
		return Response{
			Success: true,
			Message: "Acknowledged. I will cease active monitoring. Background operations and mission timers will continue. " +
				"To fully terminate my systems, command 'terminate assistant' or use Ctrl+C.",
			Intent: intent.Exit,
			Action: ActionStopListening,
		}
	}

	msg, err := d.builtin(ctx, src, in, text)
	if err != nil {
		return d.failure(in, err)
	}
	return Response{Success: true, Message: msg, Intent: in}
}

func (d *Dispatcher) builtin(ctx context.Context, src Source, in intent.Intent, q string) (string, error) {
	switch in {
	case intent.Time:
		return d.tellTime(), nil
	case intent.Date:
		return d.tellDate(), nil
	case intent.Greeting:
		return d.greet(), nil
	case intent.Help:
		return d.help(), nil
	case intent.Weather:
		return d.handleWeather(ctx, q)
	case intent.Timer:
		return d.handleTimer(ctx, src, q)
	case intent.Alarm:
		return d.handleAlarm(ctx, src, q)
	case intent.Stopwatch:
		return d.handleStopwatch(q)
	case intent.App:
		return d.handleApp(q)
	case intent.Calculate:
		return d.handleCalculate(q)
	case intent.System:
		return d.handleSystem(ctx, q)
	}
	return "", fmt.Errorf("no handler for intent %q", in)
}

// fallback tries canned answers, then arithmetic, then the AI.
func (d *Dispatcher) fallback(ctx context.Context, src Source, in intent.Intent, utterance, q string) Response {
	if a, ok := d.answers.Lookup(q); ok {
		return Response{Success: true, Message: a.Text, Intent: in}
	}
	if msg, ok := d.tryMath(q); ok {
		return Response{Success: true, Message: msg, Intent: in}
	}
	if d.ai == nil {
		return Response{
			Success: false,
			Message: "I can't reach my AI network right now. Try asking something I can handle locally.",
			Intent:  in,
		}
	}
	extra := fmt.Sprintf("Current time: %s. You are %s, a commanding strategic voice assistant.",
		d.now().Format("03:04 PM on January 02, 2006"), d.name)
	reply, ok := d.ai.Complete(ctx, src.session(), utterance, extra)
	return Response{Success: ok, Message: reply, Intent: in}
}

// userError carries the message shown for a handled failure.
type userError struct {
	msg  string
	kind error
}

func (e *userError) Error() string { return e.msg }
func (e *userError) Unwrap() error { return e.kind }

func invalid(msg string) error     { return &userError{msg: msg, kind: ErrValidation} }
func unavailable(msg string) error { return &userError{msg: msg, kind: ErrUnavailable} }

func (d *Dispatcher) failure(in intent.Intent, err error) Response {
	var ue *userError
	if errors.As(err, &ue) {
		d.logger.Debug("command not completed", zap.String("intent", string(in)), zap.Error(err))
		return Response{Success: false, Message: ue.msg, Intent: in}
	}
	d.logger.Error("command failed", zap.String("intent", string(in)), zap.Error(err))
	return Response{Success: false, Message: internalErrorMessage, Intent: intent.Error}
}
