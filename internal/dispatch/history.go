package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/stellarlinkco/orion/internal/intent"
)

const DefaultHistorySize = 50

// Exchange is one handled utterance.
type Exchange struct {
	At       time.Time     `json:"timestamp"`
	Channel  string        `json:"channel,omitempty"`
	Query    string        `json:"user_query"`
	Intent   intent.Intent `json:"intent"`
	Response string        `json:"response"`
	Success  bool          `json:"success"`
}

// History keeps the most recent exchanges.
type History struct {
	mu    sync.Mutex
	size  int
	items []Exchange
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Add(e Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, e)
	if over := len(h.items) - h.size; over > 0 {
		h.items = append([]Exchange(nil), h.items[over:]...)
	}
}

func (h *History) Entries() []Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Exchange(nil), h.items...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Save writes the history to dir/conversation_<timestamp>.json and returns
// the path. An empty history writes nothing.
func (h *History) Save(dir string, now time.Time) (string, error) {
	items := h.Entries()
	if len(items) == 0 {
		return "", nil
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(dir, "conversation_"+now.Format("20060102_150405")+".json")
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write history: %w", err)
	}
	return path, nil
}
