// Package listen turns a stream of recognized speech (or typed lines) into
// commands, gated by wake words.
package listen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrRecognition        = errors.New("listen: recognition failed")
	ErrNoSpeech           = fmt.Errorf("%w: no speech before timeout", ErrRecognition)
	ErrUnintelligible     = fmt.Errorf("%w: speech not understood", ErrRecognition)
	ErrServiceUnavailable = fmt.Errorf("%w: recognition service unavailable", ErrRecognition)

	// ErrClosed reports that the input source is exhausted.
	ErrClosed = errors.New("listen: input closed")
)

// Recognizer yields one utterance per call. Failures wrap ErrRecognition or
// are ErrClosed.
type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
}

type RecognizerFunc func(ctx context.Context) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context) (string, error) { return f(ctx) }

// LineRecognizer treats each input line as an utterance.
type LineRecognizer struct {
	timeout time.Duration
	lines   chan string
	errc    chan error
	done    chan struct{}
	once    sync.Once
}

// NewLineRecognizer starts reading in. A zero timeout waits forever.
func NewLineRecognizer(in io.Reader, timeout time.Duration) *LineRecognizer {
	r := &LineRecognizer{
		timeout: timeout,
		lines:   make(chan string),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go r.pump(in)
	return r
}

func (r *LineRecognizer) pump(in io.Reader) {
	defer close(r.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case r.lines <- sc.Text():
		case <-r.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		r.errc <- err
	}
}

func (r *LineRecognizer) Recognize(ctx context.Context) (string, error) {
	var timeout <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case line, ok := <-r.lines:
		if !ok {
			select {
			case err := <-r.errc:
				return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
			default:
				return "", ErrClosed
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return "", ErrNoSpeech
		}
		return line, nil
	case <-timeout:
		return "", ErrNoSpeech
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrClosed
	}
}

// Close stops the reader goroutine once it next delivers a line.
func (r *LineRecognizer) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
