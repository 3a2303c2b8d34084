package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrScheduling means the durable store could not take a job. The
	// scheduler falls back to an in-process timer when it sees it.
	ErrScheduling = errors.New("durable scheduling unavailable")
	ErrNotStarted = errors.New("scheduler not started")
	ErrStopped    = errors.New("scheduler stopped")
)

// TimerID identifies a timer within this scheduler's lifetime. IDs reloaded
// from the durable store keep their value and new IDs continue after them.
type TimerID int

// Origin records which mechanism backs a timer.
type Origin string

const (
	OriginPersistent Origin = "persistent"
	OriginFallback   Origin = "fallback-thread"
)

// Payload travels with a job and shapes its notification.
type Payload struct {
	// Message overrides the default "Timer '<label>' is complete!" text.
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

// Record is the durable form of a job.
type Record struct {
	JobID     string    `json:"job_id"`
	TimerID   TimerID   `json:"timer_id"`
	Label     string    `json:"label"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
	Payload   Payload   `json:"payload"`
}

// JobID builds the store key for a timer. The creation time keeps keys
// unique when sequence numbers repeat across restarts.
func JobID(id TimerID, created time.Time) string {
	return fmt.Sprintf("timer_%d_%d", id, created.UnixNano())
}

// JobStore persists jobs across process restarts.
type JobStore interface {
	Put(ctx context.Context, rec Record) error
	// Remove reports false when the store has no such job.
	Remove(ctx context.Context, jobID string) (bool, error)
	// ListDue returns jobs whose fire time is at or before the given time.
	ListDue(ctx context.Context, before time.Time) ([]Record, error)
	ListAll(ctx context.Context) ([]Record, error)
}

// Entry is one pending timer as reported by List.
type Entry struct {
	ID        TimerID       `json:"id"`
	Label     string        `json:"label"`
	FireAt    time.Time     `json:"fire_at"`
	Remaining time.Duration `json:"remaining"`
	Origin    Origin        `json:"origin"`
}

func (e Entry) RemainingSeconds() float64 {
	return e.Remaining.Seconds()
}

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// String renders the time as "07:05 AM".
func (c ClockTime) String() string {
	return time.Date(2000, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("03:04 PM")
}

func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

// NextOccurrence returns the first instant after now that shows the given
// time of day on the wall clock.
func NextOccurrence(now time.Time, at ClockTime) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
