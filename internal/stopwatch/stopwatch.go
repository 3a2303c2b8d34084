// Package stopwatch implements a persisted start/stop/reset stopwatch.
package stopwatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"
)

var ErrCorruptSnapshot = errors.New("stopwatch snapshot is corrupt")

// State is the on-disk snapshot. Times are unix seconds.
type State struct {
	Running            bool     `json:"running"`
	StartEpoch         *float64 `json:"start_epoch"`
	ElapsedAccumulated float64  `json:"elapsed_accumulated"`
}

func (s State) validate() error {
	if s.Running && s.StartEpoch == nil {
		return fmt.Errorf("%w: running without start_epoch", ErrCorruptSnapshot)
	}
	if !s.Running && s.StartEpoch != nil {
		return fmt.Errorf("%w: stopped with start_epoch set", ErrCorruptSnapshot)
	}
	if s.ElapsedAccumulated < 0 || math.IsNaN(s.ElapsedAccumulated) {
		return fmt.Errorf("%w: negative elapsed", ErrCorruptSnapshot)
	}
	return nil
}

type Stopwatch struct {
	mu     sync.Mutex
	path   string
	state  State
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Stopwatch)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Stopwatch) { s.now = now }
}

// Open loads the snapshot at path, or starts stopped at zero when the file
// does not exist. An empty path keeps state in memory only.
func Open(path string, logger *zap.Logger, opts ...Option) (*Stopwatch, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stopwatch{path: path, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stopwatch snapshot: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := st.validate(); err != nil {
		return nil, err
	}

	if st.Running {
		// carried across a restart: report the time elapsed since the anchor
		st.ElapsedAccumulated = math.Max(0, epoch(s.now())-*st.StartEpoch)
		logger.Info("stopwatch resumed after restart", zap.Float64("elapsed_seconds", st.ElapsedAccumulated))
	}
	s.state = st
	return s, nil
}

// Start resumes from the banked elapsed time. It returns false when the
// stopwatch is already running.
func (s *Stopwatch) Start() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Running {
		return false, nil
	}
	anchor := epoch(s.now()) - s.state.ElapsedAccumulated
	next := State{Running: true, StartEpoch: &anchor, ElapsedAccumulated: s.state.ElapsedAccumulated}
	if err := s.commit(next); err != nil {
		return false, err
	}
	return true, nil
}

// Stop banks the elapsed time. Stopping a stopped stopwatch only reads it.
func (s *Stopwatch) Stop() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Running {
		return seconds(s.state.ElapsedAccumulated), nil
	}
	elapsed := math.Max(0, epoch(s.now())-*s.state.StartEpoch)
	if err := s.commit(State{ElapsedAccumulated: elapsed}); err != nil {
		return s.elapsedLocked(), err
	}
	return seconds(elapsed), nil
}

func (s *Stopwatch) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(State{})
}

// Read returns the elapsed time and whether the stopwatch is running.
func (s *Stopwatch) Read() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(), s.state.Running
}

// Snapshot returns a copy of the committed state.
func (s *Stopwatch) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.StartEpoch != nil {
		v := *st.StartEpoch
		st.StartEpoch = &v
	}
	return st
}

func (s *Stopwatch) elapsedLocked() time.Duration {
	if s.state.Running {
		return seconds(math.Max(0, epoch(s.now())-*s.state.StartEpoch))
	}
	return seconds(s.state.ElapsedAccumulated)
}

// commit writes next to disk before making it the in-memory state.
func (s *Stopwatch) commit(next State) error {
	if s.path != "" {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode stopwatch snapshot: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("create stopwatch dir: %w", err)
		}
		if err := atomicwriter.WriteFile(s.path, data, 0644); err != nil {
			s.logger.Error("persist stopwatch failed", zap.String("path", s.path), zap.Error(err))
			return fmt.Errorf("write stopwatch snapshot: %w", err)
		}
	}
	s.state = next
	return nil
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Format renders d as HH:MM:SS.mmm, or MM:SS.mmm below one hour.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	sec := ms / 1000 % 60
	ms %= 1000
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
	}
	return fmt.Sprintf("%02d:%02d.%03d", m, sec, ms)
}
