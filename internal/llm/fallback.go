package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ContextMessages is how many stored messages accompany a query.
	ContextMessages = 6
	// WindowMessages caps the stored messages per conversation.
	WindowMessages = 12

	Apology     = "I'm having trouble reaching my AI network right now. Please try again, Commander."
	Unavailable = "My AI network is offline, Commander. Configure an API key to enable open questions."
)

const DefaultPersona = "You are Orion, a strategic voice assistant. Address the user as 'Commander'. " +
	"Answer in a calm, confident, concise tone suitable for being read aloud: " +
	"at most three short sentences, no markdown, no lists."

// Turn is one completed exchange.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

type conversation struct {
	// held for the whole call so turns land in call order
	mu    sync.Mutex
	turns []Turn
}

// Fallback answers open questions through a Completer. It never returns an
// error to its caller: exhaustion yields an apology.
type Fallback struct {
	completer Completer
	policy    RetryPolicy
	persona   string
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
}

type FallbackOption func(*Fallback)

func WithRetryPolicy(p RetryPolicy) FallbackOption {
	return func(f *Fallback) { f.policy = p }
}

func WithPersona(persona string) FallbackOption {
	return func(f *Fallback) {
		if strings.TrimSpace(persona) != "" {
			f.persona = persona
		}
	}
}

func WithClock(now func() time.Time) FallbackOption {
	return func(f *Fallback) { f.now = now }
}

// NewFallback builds the gateway. A nil completer is allowed: every call
// then answers with Unavailable.
func NewFallback(c Completer, logger *zap.Logger, opts ...FallbackOption) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fallback{
		completer: c,
		policy:    DefaultRetryPolicy(),
		persona:   DefaultPersona,
		logger:    logger,
		now:       time.Now,
		convs:     make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Available reports whether a completion service is configured.
func (f *Fallback) Available() bool {
	return f.completer != nil
}

// Complete answers query within the conversation named by session. extra is
// appended to the system prompt. ok is false when the reply is an apology.
func (f *Fallback) Complete(ctx context.Context, session, query, extra string) (reply string, ok bool) {
	if f.completer == nil {
		return Unavailable, false
	}
	conv := f.conversation(session)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	msgs := f.buildMessages(conv.turns, query, extra)
	reply, err := f.policy.Do(ctx,
		func(ctx context.Context) (string, error) { return f.completer.Complete(ctx, msgs) },
		func(attempt int, err error) {
			f.logger.Warn("completion attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		},
	)
	if err != nil {
		f.logger.Error("completion failed", zap.String("session", session), zap.Error(err))
		return Apology, false
	}

	conv.turns = append(conv.turns, Turn{User: query, Assistant: reply, At: f.now()})
	if max := WindowMessages / 2; len(conv.turns) > max {
		conv.turns = append([]Turn(nil), conv.turns[len(conv.turns)-max:]...)
	}
	return reply, true
}

func (f *Fallback) buildMessages(turns []Turn, query, extra string) []Message {
	system := f.persona
	if extra = strings.TrimSpace(extra); extra != "" {
		system += "\n\n" + extra
	}
	msgs := []Message{{Role: RoleSystem, Content: system}}

	if n := ContextMessages / 2; len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	for _, t := range turns {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: t.User},
			Message{Role: RoleAssistant, Content: t.Assistant},
		)
	}
	return append(msgs, Message{Role: RoleUser, Content: query})
}

// History returns a copy of the stored turns of a session.
func (f *Fallback) History(session string) []Turn {
	conv := f.conversation(session)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return append([]Turn(nil), conv.turns...)
}

// Forget drops the stored turns of a session.
func (f *Fallback) Forget(session string) {
	f.mu.Lock()
	delete(f.convs, session)
	f.mu.Unlock()
}

func (f *Fallback) conversation(session string) *conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[session]
	if !ok {
		c = &conversation{}
		f.convs[session] = c
	}
	return c
}
