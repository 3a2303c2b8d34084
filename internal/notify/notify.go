// Package notify delivers assistant messages to the user.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Notification is one message for the user. Channel and ChatID route it
// back to where a request came from; both empty means "everywhere".
type Notification struct {
	Message string
	Channel string
	ChatID  string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Log writes notifications to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("notification", zap.String("message", n.Message), zap.String("channel", n.Channel))
	return nil
}

// Writer prints notifications as "<prefix>: <message>" lines.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func NewWriter(w io.Writer, prefix string) *Writer {
	return &Writer{w: w, prefix: prefix}
}

func (w *Writer) Notify(_ context.Context, n Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prefix == "" {
		_, err := fmt.Fprintln(w.w, n.Message)
		return err
	}
	_, err := fmt.Fprintf(w.w, "%s: %s\n", w.prefix, n.Message)
	return err
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
