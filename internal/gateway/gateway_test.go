package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/orion/internal/bus"
	"github.com/stellarlinkco/orion/internal/config"
	"github.com/stellarlinkco/orion/internal/intent"
	"github.com/stellarlinkco/orion/internal/listen"
	"github.com/stellarlinkco/orion/internal/llm"
	"github.com/stellarlinkco/orion/internal/notify"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/store"
	"github.com/stellarlinkco/orion/internal/sysinfo"
)

type stubSystem struct{}

func (stubSystem) Battery(context.Context) (sysinfo.Battery, error) {
	return sysinfo.Battery{}, sysinfo.ErrUnavailable
}

func (stubSystem) Disk(context.Context) (sysinfo.Disk, error) {
	return sysinfo.Disk{}, sysinfo.ErrUnavailable
}

func (stubSystem) Memory(context.Context) (sysinfo.Memory, error) {
	return sysinfo.Memory{}, sysinfo.ErrUnavailable
}

func (stubSystem) CPU(context.Context) (sysinfo.CPU, error) {
	return sysinfo.CPU{}, sysinfo.ErrUnavailable
}

// recorder is a channel that keeps what it was sent.
type recorder struct {
	mu   sync.Mutex
	name string
	msgs []bus.OutboundMessage
}

func (r *recorder) Name() string                { return r.name }
func (r *recorder) Start(context.Context) error { return nil }
func (r *recorder) Stop() error                 { return nil }

func (r *recorder) Send(msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) waitFor(t *testing.T, substr string) bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, m := range r.msgs {
			if strings.Contains(m.Content, substr) {
				r.mu.Unlock()
				return m
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no message containing %q", substr)
	return bus.OutboundMessage{}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Assistant.Workspace = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.AI.BackoffMs = 1
	return cfg
}

func noAI(*config.Config) (llm.Completer, error) {
	return nil, llm.ErrNoCompleter
}

func newGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	if opts.CompleterFactory == nil {
		opts.CompleterFactory = noAI
	}
	if opts.System == nil {
		opts.System = stubSystem{}
	}
	g, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// run starts g and returns a func that waits for Run to return.
func run(t *testing.T, g *Gateway) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()
	return func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.StoreKind = "redis"
	if _, err := New(cfg, Options{CompleterFactory: noAI}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New error = %v, want ErrInvalid", err)
	}
}

func TestNew_CorruptStopwatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.StopwatchPath(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, Options{CompleterFactory: noAI}); err == nil || !strings.Contains(err.Error(), "open stopwatch") {
		t.Errorf("New error = %v, want stopwatch failure", err)
	}
}

func TestNew_CompleterFactoryError(t *testing.T) {
	cfg := testConfig(t)
	factory := func(*config.Config) (llm.Completer, error) { return nil, errors.New("bad provider") }
	if _, err := New(cfg, Options{CompleterFactory: factory}); err == nil {
		t.Error("expected completer factory error")
	}
}

func TestHandleOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assistant.Name = "Vega"
	g := newGateway(t, cfg, Options{})

	resp, err := g.HandleOnce(context.Background(), "what is your name")
	if err != nil {
		t.Fatalf("HandleOnce: %v", err)
	}
	if !resp.Success || !strings.Contains(resp.Message, "Vega") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleOnce_TimerSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg, Options{})
	resp, err := g.HandleOnce(context.Background(), "set a timer for 10 minutes")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Message != "Timer 1 set for 10 minutes." {
		t.Fatalf("resp = %+v", resp)
	}

	g2 := newGateway(t, cfg, Options{})
	resp, err = g2.HandleOnce(context.Background(), "list timers")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Message, "You have 1 active timer: timer 1, Timer for 10 minutes") {
		t.Errorf("list after restart = %q", resp.Message)
	}
}

func TestHandleOnce_LeavesOverdueTimersInStore(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Scheduler.StoreKind, cfg.SchedulerDBPath())
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Minute)
	rec := scheduler.Record{JobID: "timer_5_1", TimerID: 5, Label: "missed", FireAt: past, CreatedAt: past.Add(-time.Minute)}
	if err := st.Put(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	st.Close()

	g := newGateway(t, cfg, Options{})
	if _, err := g.HandleOnce(context.Background(), "what is 2 plus 2"); err != nil {
		t.Fatal(err)
	}

	st, err = store.Open(cfg.Scheduler.StoreKind, cfg.SchedulerDBPath())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	recs, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].JobID != "timer_5_1" {
		t.Errorf("store = %+v, want the overdue timer kept", recs)
	}
}

func TestAnswersFromWorkspace(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.AnswersDir(), "motto")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "---\nname: motto\nphrases:\n  - what is your motto\n---\nAd astra, Commander.\n"
	if err := os.WriteFile(filepath.Join(dir, "ANSWER.md"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGateway(t, cfg, Options{})
	resp, err := g.HandleOnce(context.Background(), "What is your motto?")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Ad astra, Commander." {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRun_RoutesRepliesAndTerminates(t *testing.T) {
	cfg := testConfig(t)
	g := newGateway(t, cfg, Options{SignalChan: make(chan os.Signal, 1)})
	rec := &recorder{name: "webui"}
	g.channels.Add(rec)
	wait := run(t, g)

	g.Bus().Inbound <- bus.InboundMessage{Channel: "webui", ChatID: "webui-1", Content: "what is 2 plus 2"}
	reply := rec.waitFor(t, "The result is 4")
	if reply.ChatID != "webui-1" {
		t.Errorf("reply chat = %q, want webui-1", reply.ChatID)
	}

	g.Bus().Inbound <- bus.InboundMessage{Channel: "webui", ChatID: "webui-1", Content: "terminate assistant"}
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec.waitFor(t, "signing off")

	files, _ := filepath.Glob(filepath.Join(cfg.HistoryDir(), "conversation_*.json"))
	if len(files) != 1 {
		t.Errorf("history files = %v, want one", files)
	}
}

func TestRun_TimerNotificationReturnsToChat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Durable = false
	g := newGateway(t, cfg, Options{SignalChan: make(chan os.Signal, 1)})
	rec := &recorder{name: "telegram"}
	g.channels.Add(rec)
	wait := run(t, g)

	g.Bus().Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "42", Content: "remind me in 1 second to stretch"}
	rec.waitFor(t, "I'll remind you to stretch in 1 second.")
	note := rec.waitFor(t, "Reminder, Commander: stretch.")
	if note.ChatID != "42" {
		t.Errorf("notification chat = %q, want 42", note.ChatID)
	}

	g.Terminate()
	if err := wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRun_SignalStops(t *testing.T) {
	sig := make(chan os.Signal, 1)
	g := newGateway(t, testConfig(t), Options{SignalChan: sig})
	wait := run(t, g)
	sig <- os.Interrupt
	if err := wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// a second shutdown is a no-op
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestRun_AIFallbackKeepsSessions(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	var seen [][]llm.Message
	factory := func(*config.Config) (llm.Completer, error) {
		return llm.CompleterFunc(func(_ context.Context, msgs []llm.Message) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, msgs)
			return "Mars is the fourth planet, Commander.", nil
		}), nil
	}
	g := newGateway(t, cfg, Options{CompleterFactory: factory, SignalChan: make(chan os.Signal, 1)})
	rec := &recorder{name: "webui"}
	g.channels.Add(rec)
	wait := run(t, g)

	g.Bus().Inbound <- bus.InboundMessage{Channel: "webui", ChatID: "a", Content: "tell me about mars"}
	rec.waitFor(t, "fourth planet")
	if got := g.ai.History("webui:a"); len(got) != 1 || got[0].User != "tell me about mars" {
		t.Errorf("session history = %+v", got)
	}

	g.Terminate()
	if err := wait(); err != nil {
		t.Fatal(err)
	}
}

type script struct {
	mu    sync.Mutex
	lines []string
}

func (s *script) Recognize(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return "", listen.ErrClosed
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestRun_VoiceTerminate(t *testing.T) {
	var mu sync.Mutex
	var spoken []string
	speaker := notify.Func(func(_ context.Context, n notify.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		spoken = append(spoken, n.Message)
		return nil
	})
	rec := &script{lines: []string{"just chatting", "hey orion", "orion, what is 6 times 7", "orion terminate assistant"}}
	cfg := testConfig(t)
	cfg.Voice.Enabled = true
	g := newGateway(t, cfg, Options{Recognizer: rec, Speaker: speaker, SignalChan: make(chan os.Signal, 1)})

	if err := run(t, g)(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(spoken) != 3 {
		t.Fatalf("spoken = %q", spoken)
	}
	if spoken[0] != listen.Acknowledgement || spoken[1] != "The result is 42" || !strings.Contains(spoken[2], "signing off") {
		t.Errorf("spoken = %q", spoken)
	}
}

func TestRun_StopWhenIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Durable = false
	rec := &script{lines: []string{"set a timer for 1 second", "exit"}}
	var mu sync.Mutex
	var notes []string
	collect := notify.Func(func(_ context.Context, n notify.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, n.Message)
		return nil
	})
	g := newGateway(t, cfg, Options{
		Recognizer:   rec,
		Speaker:      notify.Func(func(context.Context, notify.Notification) error { return nil }),
		StopWhenIdle: true,
		Notifiers:    []notify.Notifier{collect},
		SignalChan:   make(chan os.Signal, 1),
	})

	if err := run(t, g)(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notes) != 1 || notes[0] != "Timer 'Timer for 1 second' is complete!" {
		t.Errorf("notes = %q", notes)
	}
}

func TestHandleVoiceMapsActions(t *testing.T) {
	g := newGateway(t, testConfig(t), Options{})
	if r := g.handleVoice(context.Background(), "exit"); !r.Stop || r.Terminate {
		t.Errorf("exit reply = %+v", r)
	}
	if r := g.handleVoice(context.Background(), "terminate orion"); !r.Terminate {
		t.Errorf("terminate reply = %+v", r)
	}
	entries := g.Dispatcher().History().Entries()
	if len(entries) != 2 || entries[0].Channel != "voice" || entries[1].Intent != intent.Exit {
		t.Errorf("history = %+v", entries)
	}
	_ = g.Shutdown()
}
