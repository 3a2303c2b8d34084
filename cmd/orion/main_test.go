package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/config"
	"github.com/stellarlinkco/orion/internal/llm"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/store"
)

// isolate points HOME at a temp dir and clears every override.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, v := range []string{
		"ORION_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GROQ_API_KEY",
		"ORION_BASE_URL", "ORION_MODEL", "OPENWEATHER_API_KEY",
		"ORION_TELEGRAM_TOKEN", "ORION_SCHEDULER_DB", "ORION_LOG_LEVEL",
	} {
		t.Setenv(v, "")
	}
	return home
}

func noAI(*config.Config) (llm.Completer, error) {
	return nil, llm.ErrNoCompleter
}

func agentOptions(stdin string, stdout *bytes.Buffer) AgentOptions {
	return AgentOptions{
		CompleterFactory: noAI,
		Logger:           zap.NewNop(),
		Stdin:            strings.NewReader(stdin),
		Stdout:           stdout,
		SignalChan:       make(chan os.Signal, 1),
	}
}

func TestWriteIfNotExists_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "test content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "test content" {
		t.Errorf("content = %q, want 'test content'", string(data))
	}
	if !strings.Contains(out.String(), "Created") {
		t.Errorf("output = %q", out.String())
	}
}

func TestWriteIfNotExists_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	os.WriteFile(path, []byte("original"), 0o644)

	writeIfNotExists(&bytes.Buffer{}, path, "new content")

	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Errorf("content = %q, want 'original'", string(data))
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-1234567890", "sk-a...7890"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay('') = %q", got)
	}
	if got := providerDisplay("groq"); got != "groq" {
		t.Errorf("providerDisplay(groq) = %q", got)
	}
}

func TestDefaultAnswerParses(t *testing.T) {
	if !strings.HasPrefix(defaultAnswerMD, "---\nname: mission\n") {
		t.Errorf("defaultAnswerMD frontmatter = %q", defaultAnswerMD)
	}
}

func TestRootCommands(t *testing.T) {
	want := map[string]bool{"agent": false, "gateway": false, "onboard": false, "status": false, "timers": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}
	if f := agentCmd.Flags().Lookup("message"); f == nil || f.Shorthand != "m" {
		t.Error("agent should take -m/--message")
	}
}

func TestOnboard(t *testing.T) {
	home := isolate(t)

	var out bytes.Buffer
	if err := onboard(&out); err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("output = %q", out.String())
	}

	cfgPath := filepath.Join(home, ".orion", "config.json")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config not created: %v", err)
	}
	ws := filepath.Join(home, ".orion", "workspace")
	if _, err := os.Stat(filepath.Join(ws, "answers", "mission", "ANSWER.md")); err != nil {
		t.Errorf("sample answer not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "history")); err != nil {
		t.Errorf("history dir not created: %v", err)
	}

	out.Reset()
	if err := onboard(&out); err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("second output = %q", out.String())
	}
	if strings.Contains(out.String(), "Created:") {
		t.Error("second onboard should not recreate files")
	}
}

func TestStatus(t *testing.T) {
	isolate(t)
	t.Setenv("ORION_API_KEY", "sk-test-abcdefgh")

	var out bytes.Buffer
	if err := status(context.Background(), &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Assistant: Orion", "API Key: sk-t...efgh", "Weather: not set", "Workspace: not found"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}

	if err := onboard(&bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	status(context.Background(), &out)
	if !strings.Contains(out.String(), "Timers: 0 pending") {
		t.Errorf("status after onboard:\n%s", out.String())
	}
}

func TestListTimers(t *testing.T) {
	isolate(t)
	var out bytes.Buffer
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := listTimers(context.Background(), &out, now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No durable timers.") {
		t.Errorf("empty output = %q", out.String())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(cfg.Scheduler.StoreKind, cfg.SchedulerDBPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []scheduler.Record{
		{JobID: "timer_3_1", TimerID: 3, Label: "tea", FireAt: now.Add(5 * time.Minute), CreatedAt: now},
		{JobID: "timer_1_1", TimerID: 1, Label: "stretch", FireAt: now.Add(-time.Minute), CreatedAt: now},
	} {
		if err := st.Put(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	st.Close()

	out.Reset()
	if err := listTimers(context.Background(), &out, now); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "timer 1") || !strings.Contains(lines[0], "(due)") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "timer 3") || !strings.Contains(lines[1], "(in 5 minutes)") {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestAgent_SingleMessage(t *testing.T) {
	isolate(t)
	messageFlag = "what is 2 plus 2"
	defer func() { messageFlag = "" }()

	var out bytes.Buffer
	if err := runAgentWithOptions(context.Background(), agentOptions("", &out)); err != nil {
		t.Fatalf("runAgent error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "The result is 4" {
		t.Errorf("output = %q", got)
	}
}

func TestAgent_REPL(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runAgentWithOptions(context.Background(), agentOptions("what is 3 times 3\n\nexit\n", &out))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runAgent error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("REPL did not stop")
	}

	got := out.String()
	if !strings.Contains(got, "Orion agent") {
		t.Errorf("missing banner:\n%s", got)
	}
	if !strings.Contains(got, "Orion: The result is 9") {
		t.Errorf("missing answer:\n%s", got)
	}
}

func TestAgent_REPLWaitsForTimers(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runAgentWithOptions(context.Background(), agentOptions("set a timer for 1 second\nexit\n", &out))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runAgent error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("REPL did not stop after the timer fired")
	}
	if !strings.Contains(out.String(), "Orion: Timer 'Timer for 1 second' is complete!") {
		t.Errorf("timer notification missing:\n%s", out.String())
	}
}

func TestAgent_REPLTerminate(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	// terminate does not wait for the pending timer
	err := runAgentWithOptions(context.Background(), agentOptions("set a timer for 10 minutes\nterminate assistant\n", &out))
	if err != nil {
		t.Fatalf("runAgent error: %v", err)
	}
	if !strings.Contains(out.String(), "signing off") {
		t.Errorf("output:\n%s", out.String())
	}
}
