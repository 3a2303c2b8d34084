// Package apps launches desktop applications by spoken name.
package apps

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownApp = errors.New("apps: unknown application")
	ErrNotStarted = errors.New("apps: no executable could be started")
)

// DefaultCatalog maps spoken names to candidate executables, tried in order.
func DefaultCatalog() map[string][]string {
	return map[string][]string{
		"chrome":        {"chrome.exe", "google-chrome", "chrome"},
		"firefox":       {"firefox.exe", "firefox"},
		"edge":          {"msedge.exe", "microsoft-edge", "edge"},
		"notepad":       {"notepad.exe", "notepad", "gedit"},
		"calculator":    {"calc.exe", "gnome-calculator", "calculator"},
		"file explorer": {"explorer.exe", "nautilus", "explorer"},
	}
}

// StartFunc starts an executable and does not wait for it.
type StartFunc func(name string) error

func startDetached(name string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return err
	}
	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

type Launcher struct {
	mu      sync.RWMutex
	catalog map[string][]string
	names   []string
	start   StartFunc
	logger  *zap.Logger
}

func NewLauncher(catalog map[string][]string, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	l := &Launcher{start: startDetached, logger: logger}
	l.SetCatalog(catalog)
	return l
}

// WithStarter replaces how executables are started.
func (l *Launcher) WithStarter(fn StartFunc) *Launcher {
	l.mu.Lock()
	l.start = fn
	l.mu.Unlock()
	return l
}

func (l *Launcher) SetCatalog(catalog map[string][]string) {
	names := make([]string, 0, len(catalog))
	clean := make(map[string][]string, len(catalog))
	for name, exes := range catalog {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || len(exes) == 0 {
			continue
		}
		clean[name] = append([]string(nil), exes...)
		names = append(names, name)
	}
	// longer names first so "file explorer" beats "explorer"
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	l.mu.Lock()
	l.catalog = clean
	l.names = names
	l.mu.Unlock()
}

// Find returns the catalog name mentioned in query.
func (l *Launcher) Find(query string) (string, bool) {
	q := strings.ToLower(query)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, name := range l.names {
		if strings.Contains(q, name) {
			return name, true
		}
	}
	return "", false
}

// Launch starts the first candidate executable of name that starts.
func (l *Launcher) Launch(name string) error {
	l.mu.RLock()
	exes, ok := l.catalog[strings.ToLower(name)]
	start := l.start
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}

	var errs []error
	for _, exe := range exes {
		err := start(exe)
		if err == nil {
			l.logger.Info("app launched", zap.String("app", name), zap.String("exe", exe))
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrNotStarted, name, errors.Join(errs...))
}

// Names lists the catalog, longest first.
func (l *Launcher) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.names...)
}
