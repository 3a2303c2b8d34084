package notify

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Speech reads notifications aloud through an external TTS command such as
// espeak or say. The message is passed as the final argument.
type Speech struct {
	Command string
	Args    []string
	Timeout time.Duration

	// one utterance at a time so overlapping timers do not talk over each other
	mu sync.Mutex
}

func (s *Speech) Notify(ctx context.Context, n Notification) error {
	if s.Command == "" || n.Message == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, s.Args...), n.Message)
	out, err := exec.CommandContext(ctx, s.Command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("speak via %s: %w (%s)", s.Command, err, out)
	}
	return nil
}
