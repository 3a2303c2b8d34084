package listen

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/notify"
)

const Acknowledgement = "Yes, Commander? I'm listening."

// DefaultWakeWords are matched as whole words anywhere in an utterance.
func DefaultWakeWords() []string {
	return []string{"orion", "hey orion", "talk to me orion", "daddy's home orion"}
}

// Reply is what handling a command produced.
type Reply struct {
	Text      string
	Stop      bool
	Terminate bool
}

type Handler func(ctx context.Context, command string) Reply

// Exit says why Run returned.
type Exit int

const (
	ExitCanceled Exit = iota
	ExitStopped
	ExitTerminated
	ExitClosed
)

func (e Exit) String() string {
	switch e {
	case ExitStopped:
		return "stopped"
	case ExitTerminated:
		return "terminated"
	case ExitClosed:
		return "closed"
	default:
		return "canceled"
	}
}

type Options struct {
	// WakeWords gate commands. Empty means every utterance is a command.
	WakeWords []string
	// Backoff is the pause after the recognizer reports an outage.
	Backoff time.Duration
}

type Listener struct {
	rec     Recognizer
	handle  Handler
	speaker notify.Notifier
	wake    []*regexp.Regexp
	backoff time.Duration
	logger  *zap.Logger
}

func NewListener(rec Recognizer, handle Handler, speaker notify.Notifier, opts Options, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if speaker == nil {
		speaker = notify.Log{Logger: logger}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}

	var wake []string
	for _, w := range opts.WakeWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			wake = append(wake, w)
		}
	}
	// "hey orion" must be tried before "orion"
	sort.SliceStable(wake, func(i, j int) bool { return len(wake[i]) > len(wake[j]) })
	patterns := make([]*regexp.Regexp, len(wake))
	for i, w := range wake {
		patterns[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
	}

	return &Listener{
		rec:     rec,
		handle:  handle,
		speaker: speaker,
		wake:    patterns,
		backoff: opts.Backoff,
		logger:  logger,
	}
}

// Command extracts the command from an utterance. ok is false when a wake
// word is required and absent. An empty command with ok means a bare wake word.
func (l *Listener) Command(utterance string) (string, bool) {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if len(l.wake) == 0 {
		return text, text != ""
	}
	for _, re := range l.wake {
		if loc := re.FindStringIndex(text); loc != nil {
			rest := text[:loc[0]] + " " + text[loc[1]:]
			return strings.Join(strings.Fields(strings.Trim(rest, " ,.!?")), " "), true
		}
	}
	return "", false
}

// Run listens until the handler asks to stop, the input closes, or ctx ends.
func (l *Listener) Run(ctx context.Context) Exit {
	l.logger.Info("listener started", zap.Int("wake_words", len(l.wake)))
	defer l.logger.Info("listener stopped")

	for {
		if ctx.Err() != nil {
			return ExitCanceled
		}
		utterance, err := l.rec.Recognize(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ExitCanceled
			case errors.Is(err, ErrClosed):
				return ExitClosed
			case errors.Is(err, ErrNoSpeech):
			case errors.Is(err, ErrUnintelligible):
				l.logger.Debug("utterance not understood")
			case errors.Is(err, ErrServiceUnavailable):
				l.logger.Warn("recognition service unavailable", zap.Error(err))
				if !l.pause(ctx) {
					return ExitCanceled
				}
			default:
				l.logger.Error("recognition failed", zap.Error(err))
				if !l.pause(ctx) {
					return ExitCanceled
				}
			}
			continue
		}

		command, ok := l.Command(utterance)
		if !ok {
			continue
		}
		if command == "" {
			l.say(ctx, Acknowledgement)
			continue
		}

		l.logger.Debug("command heard", zap.String("command", command))
		reply := l.handle(ctx, command)
		l.say(ctx, reply.Text)
		if reply.Terminate {
			return ExitTerminated
		}
		if reply.Stop {
			return ExitStopped
		}
	}
}

func (l *Listener) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := l.speaker.Notify(ctx, notify.Notification{Message: text}); err != nil {
		l.logger.Warn("speak reply failed", zap.Error(err))
	}
}

func (l *Listener) pause(ctx context.Context) bool {
	t := time.NewTimer(l.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
