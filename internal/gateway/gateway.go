// Package gateway assembles the assistant and runs it until terminated.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/answers"
	"github.com/stellarlinkco/orion/internal/apps"
	"github.com/stellarlinkco/orion/internal/bus"
	"github.com/stellarlinkco/orion/internal/channel"
	"github.com/stellarlinkco/orion/internal/config"
	"github.com/stellarlinkco/orion/internal/dispatch"
	"github.com/stellarlinkco/orion/internal/intent"
	"github.com/stellarlinkco/orion/internal/listen"
	"github.com/stellarlinkco/orion/internal/llm"
	"github.com/stellarlinkco/orion/internal/notify"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/stopwatch"
	"github.com/stellarlinkco/orion/internal/store"
	"github.com/stellarlinkco/orion/internal/sysinfo"
	"github.com/stellarlinkco/orion/internal/weather"
)

const voiceChannel = "voice"

// CompleterFactory builds the remote completion client.
type CompleterFactory func(cfg *config.Config) (llm.Completer, error)

// DefaultCompleterFactory uses an agentsdk-go model provider.
func DefaultCompleterFactory(cfg *config.Config) (llm.Completer, error) {
	return llm.NewModelCompleter(llm.ProviderOptions{
		Type:        cfg.Provider.Type,
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	})
}

type Options struct {
	CompleterFactory CompleterFactory
	// Recognizer feeds the wake-word listener. Nil runs without voice input.
	Recognizer listen.Recognizer
	// Speaker voices listener replies. It defaults to the speech command,
	// or the log when none is configured.
	Speaker notify.Notifier
	// StopWhenIdle terminates once the listener has stopped and no timer is
	// pending.
	StopWhenIdle bool
	// Notifiers receive timer notifications alongside the bus and the log.
	Notifiers  []notify.Notifier
	System     sysinfo.Source
	AppStarter apps.StartFunc
	Clock      func() time.Time
	Logger     *zap.Logger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	now        func() time.Time
	bus        *bus.MessageBus
	store      store.JobStore
	scheduler  *scheduler.Scheduler
	stopwatch  *stopwatch.Stopwatch
	ai         *llm.Fallback
	dispatcher *dispatch.Dispatcher
	channels   *channel.ChannelManager
	listener   *listen.Listener
	signalChan chan os.Signal
	idleStop   bool

	terminate    chan struct{}
	terminateOne sync.Once
	shutdownOne  sync.Once
	shutdownErr  error
}

// New builds every component from cfg. A job store or stopwatch snapshot
// that cannot be read is fatal.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		now:        now,
		signalChan: opts.SignalChan,
		idleStop:   opts.StopWhenIdle,
		terminate:  make(chan struct{}),
	}

	bufSize := cfg.Gateway.BufSize
	if bufSize <= 0 {
		bufSize = config.DefaultBufSize
	}
	g.bus = bus.NewMessageBus(bufSize)
	g.bus.SetLogger(logger.Named("bus"))

	if err := os.MkdirAll(cfg.Assistant.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	if cfg.Scheduler.Durable {
		st, err := store.Open(cfg.Scheduler.StoreKind, cfg.SchedulerDBPath())
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		g.store = st
	}

	notifiers := notify.Multi{bus.Notifier{Bus: g.bus}, notify.Log{Logger: logger.Named("notify")}}
	var speaker notify.Notifier
	if cfg.Voice.SpeechCommand != "" {
		speaker = &notify.Speech{Command: cfg.Voice.SpeechCommand, Args: cfg.Voice.SpeechArgs}
		notifiers = append(notifiers, speaker)
	}
	notifiers = append(notifiers, opts.Notifiers...)

	g.scheduler = scheduler.New(g.store, notifiers, logger.Named("scheduler"),
		scheduler.WithSweepSpec(cfg.Scheduler.SweepSpec),
		scheduler.WithClock(now),
	)

	sw, err := stopwatch.Open(cfg.StopwatchPath(), logger.Named("stopwatch"), stopwatch.WithClock(now))
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("open stopwatch: %w", err)
	}
	g.stopwatch = sw

	factory := opts.CompleterFactory
	if factory == nil {
		factory = DefaultCompleterFactory
	}
	completer, err := factory(cfg)
	switch {
	case errors.Is(err, llm.ErrNoCompleter):
		g.logger.Info("ai fallback disabled", zap.Error(err))
		completer = nil
	case err != nil:
		g.closeStore()
		return nil, fmt.Errorf("create completer: %w", err)
	}
	aiOpts := []llm.FallbackOption{
		llm.WithRetryPolicy(llm.RetryPolicy{
			Attempts: cfg.AI.Attempts,
			Backoff:  time.Duration(cfg.AI.BackoffMs) * time.Millisecond,
		}),
		llm.WithClock(now),
	}
	if cfg.AI.Persona != "" {
		aiOpts = append(aiOpts, llm.WithPersona(cfg.AI.Persona))
	}
	g.ai = llm.NewFallback(completer, logger.Named("llm"), aiOpts...)

	loaded, err := answers.Load(cfg.AnswersDir(), logger.Named("answers"))
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("load answers: %w", err)
	}

	var classifierOpts []intent.Option
	if cfg.Assistant.Heuristics {
		classifierOpts = append(classifierOpts, intent.WithHeuristics(intent.KeywordHeuristics{}))
	}

	launcher := apps.NewLauncher(cfg.Assistant.Apps, logger.Named("apps"))
	if opts.AppStarter != nil {
		launcher.WithStarter(opts.AppStarter)
	}

	system := opts.System
	if system == nil {
		system = sysinfo.NewProbe()
	}

	dopts := dispatch.Options{
		Name:        cfg.Assistant.Name,
		Classifier:  intent.NewClassifier(classifierOpts...),
		Scheduler:   g.scheduler,
		Stopwatch:   g.stopwatch,
		Apps:        launcher,
		System:      system,
		Answers:     answers.NewBook(loaded, answers.Builtin(cfg.Assistant.Name)),
		AI:          g.ai,
		HistorySize: cfg.Assistant.HistorySize,
		Clock:       now,
		Logger:      logger.Named("dispatch"),
	}
	// only set when configured: a nil *weather.Client is not a nil interface
	if cfg.Weather.APIKey != "" {
		dopts.Weather = weather.NewClient(cfg.Weather.APIKey, weather.WithBaseURL(cfg.Weather.BaseURL))
	}
	g.dispatcher = dispatch.New(dopts)

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus, logger)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	if ch, ok := chMgr.Get("webui"); ok {
		ch.(*channel.WebUIChannel).SetAPI(g.APIHandler())
	}
	g.channels = chMgr

	if opts.Speaker != nil {
		speaker = opts.Speaker
	}
	if opts.Recognizer != nil {
		wake := cfg.Voice.WakeWords
		if len(wake) == 0 && cfg.Voice.Enabled {
			wake = listen.DefaultWakeWords()
		}
		g.listener = listen.NewListener(opts.Recognizer, g.handleVoice, speaker,
			listen.Options{WakeWords: wake}, logger.Named("listen"))
	}

	return g, nil
}

func (g *Gateway) Dispatcher() *dispatch.Dispatcher { return g.dispatcher }

func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.scheduler }

func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// Terminate asks Run to shut everything down.
func (g *Gateway) Terminate() {
	g.terminateOne.Do(func() { close(g.terminate) })
}

// Run starts the scheduler, channels and listener, then blocks until a
// terminate command, a signal, or ctx ends. It always shuts down before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.scheduler.Start(ctx); err != nil {
		g.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := g.channels.StartAll(ctx); err != nil {
		g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	go g.processLoop(ctx)

	if g.listener != nil {
		go func() {
			exit := g.listener.Run(ctx)
			g.logger.Info("listener exited", zap.Stringer("reason", exit))
			switch {
			case exit == listen.ExitTerminated:
				g.Terminate()
			case g.idleStop && exit != listen.ExitCanceled:
				g.waitIdle(ctx)
			}
		}()
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-sigCh:
		g.logger.Info("signal received")
	case <-g.terminate:
		g.logger.Info("terminate requested")
	case <-ctx.Done():
	}

	cancel()
	return g.Shutdown()
}

// waitIdle terminates once every pending timer has fired or been cancelled.
func (g *Gateway) waitIdle(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n := g.scheduler.Len(); n == 0 {
			g.Terminate()
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// HandleOnce starts the scheduler, handles one utterance and shuts down.
// Durable timers it sets, and overdue ones already in the store, fire on a
// later run or in a running gateway sharing the store.
func (g *Gateway) HandleOnce(ctx context.Context, utterance string) (dispatch.Response, error) {
	if err := g.scheduler.StartDeferred(ctx); err != nil {
		g.Shutdown()
		return dispatch.Response{}, fmt.Errorf("start scheduler: %w", err)
	}
	resp := g.dispatcher.Handle(ctx, utterance)
	return resp, g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("inbound", zap.String("channel", msg.Channel), zap.String("sender", msg.SenderID))
			resp := g.dispatcher.HandleFrom(ctx, dispatch.Source{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				SenderID: msg.SenderID,
			}, msg.Content)

			if resp.Message != "" {
				if err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: resp.Message,
				}); err != nil {
					return
				}
			}
			if resp.Action == dispatch.ActionTerminate {
				g.Terminate()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleVoice(ctx context.Context, command string) listen.Reply {
	resp := g.dispatcher.HandleFrom(ctx, dispatch.Source{Channel: voiceChannel}, command)
	return listen.Reply{
		Text:      resp.Message,
		Stop:      resp.Action == dispatch.ActionStopListening,
		Terminate: resp.Action == dispatch.ActionTerminate,
	}
}

// Shutdown stops channels and the scheduler, closes the job store and saves
// the conversation history. Only the first call does anything.
func (g *Gateway) Shutdown() error {
	g.shutdownOne.Do(func() {
		g.logger.Info("shutting down")
		g.scheduler.Stop()
		g.bus.Drain()
		g.channels.StopAll()
		var errs []error
		if err := g.closeStore(); err != nil {
			errs = append(errs, err)
		}
		path, err := g.dispatcher.History().Save(g.cfg.HistoryDir(), g.now())
		if err != nil {
			errs = append(errs, err)
		} else if path != "" {
			g.logger.Info("history saved", zap.String("path", path))
		}
		g.shutdownErr = errors.Join(errs...)
		g.logger.Info("shutdown complete")
	})
	return g.shutdownErr
}

func (g *Gateway) closeStore() error {
	if g.store == nil {
		return nil
	}
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close job store: %w", err)
	}
	return nil
}
