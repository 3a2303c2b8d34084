// Package scheduler runs one-shot timers and alarms. Jobs are written to a
// durable JobStore and triggered through robfig/cron so they survive a
// restart; when the store is unavailable a job falls back to an in-process
// timer that is lost on exit.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/notify"
)

const (
	DefaultSweepSpec = "@every 30s"

	// a store row this late is assumed to have missed its trigger
	sweepGrace = time.Second
)

type job struct {
	Record
	origin Origin
	entry  rcron.EntryID
	timer  *time.Timer
	due    bool
	// dormant jobs were overdue at a deferred start and wait for a full one
	dormant bool
	// adopted rows belong to a process that went away before firing them
	adopted bool
}

// Scheduler owns every timer and alarm. All methods are safe for concurrent
// use.
type Scheduler struct {
	store     JobStore
	notifier  notify.Notifier
	logger    *zap.Logger
	now       func() time.Time
	sweepSpec string

	mu      sync.Mutex
	nextID  TimerID
	jobs    map[TimerID]*job
	started bool
	stopped bool
	cancel  context.CancelFunc

	// orphans are unowned due store rows picked up by housekeeping
	orphans []Record

	cron   *rcron.Cron
	wakeCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSweepSpec sets the cron spec of the housekeeping pass.
func WithSweepSpec(spec string) Option {
	return func(s *Scheduler) { s.sweepSpec = spec }
}

// New creates a scheduler. A nil store runs every timer in-process.
func New(store JobStore, n notify.Notifier, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notify.Log{Logger: logger}
	}
	s := &Scheduler{
		store:     store,
		notifier:  n,
		logger:    logger,
		now:       time.Now,
		sweepSpec: DefaultSweepSpec,
		jobs:      make(map[TimerID]*job),
		cron:      rcron.New(rcron.WithSeconds()),
		wakeCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start reloads durable jobs and starts the trigger machinery. Jobs whose
// fire time passed while the process was down fire immediately. A store that
// cannot be read is fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.start(ctx, true)
}

// StartDeferred starts without the catch-up and the housekeeping pass.
// Overdue rows stay in the store for the next full Start, so a short-lived
// process does not fire timers nobody will see.
func (s *Scheduler) StartDeferred(ctx context.Context) error {
	return s.start(ctx, false)
}

func (s *Scheduler) start(ctx context.Context, catchUp bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var overdue []Record
	if s.store != nil {
		recs, err := s.store.ListAll(ctx)
		if err != nil {
			return fmt.Errorf("load durable timers: %w", err)
		}
		overdue = s.restore(recs, catchUp)

		if catchUp {
			if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.sweep(ctx) }); err != nil {
				s.logger.Warn("housekeeping disabled", zap.String("spec", s.sweepSpec), zap.Error(err))
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.fireLoop(runCtx)
	s.cron.Start()

	for _, rec := range overdue {
		if catchUp {
			s.logger.Info("firing overdue timer", zap.Int("timer_id", int(rec.TimerID)), zap.Time("fire_at", rec.FireAt))
		} else {
			s.logger.Info("leaving overdue timer for the next start", zap.Int("timer_id", int(rec.TimerID)))
		}
	}
	if catchUp && len(overdue) > 0 {
		s.wake()
	}
	s.logger.Info("scheduler started", zap.Int("timers", s.Len()), zap.Bool("durable", s.store != nil))
	return nil
}

func (s *Scheduler) restore(recs []Record, catchUp bool) []Record {
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })

	now := s.now()
	var overdue []Record
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec.TimerID > s.nextID {
			s.nextID = rec.TimerID
		}
		j := &job{Record: rec, origin: OriginPersistent}
		s.jobs[rec.TimerID] = j
		if !rec.FireAt.After(now) {
			j.due = catchUp
			j.dormant = !catchUp
			overdue = append(overdue, rec)
			continue
		}
		j.entry = s.cron.Schedule(newOneShot(rec.FireAt), s.jobFunc(rec.TimerID))
	}
	return overdue
}

// Stop halts triggering. Durable jobs stay in the store for the next start;
// in-process timers are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	cancel := s.cancel
	s.mu.Unlock()

	close(s.done)
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule registers a one-shot timer that fires after delay.
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, label string, p Payload) (TimerID, error) {
	return s.schedule(ctx, s.now(), delay, label, p)
}

// SetAlarm schedules a timer for the next occurrence of a time of day and
// returns the chosen fire time.
func (s *Scheduler) SetAlarm(ctx context.Context, at ClockTime, label string, p Payload) (TimerID, time.Time, error) {
	if !at.Valid() {
		return 0, time.Time{}, fmt.Errorf("invalid alarm time %02d:%02d", at.Hour, at.Minute)
	}
	now := s.now()
	fireAt := NextOccurrence(now, at)
	if label == "" {
		label = "Alarm for " + at.String()
	}
	if p.Message == "" {
		p.Message = fmt.Sprintf("Alarm! It's %s.", at)
	}
	id, err := s.schedule(ctx, now, fireAt.Sub(now), label, p)
	return id, fireAt, err
}

func (s *Scheduler) schedule(ctx context.Context, now time.Time, delay time.Duration, label string, p Payload) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return 0, ErrStopped
	case !s.started:
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	rec := Record{
		JobID:     JobID(id, now),
		TimerID:   id,
		Label:     label,
		FireAt:    now.Add(delay),
		CreatedAt: now,
		Payload:   p,
	}
	if err := s.scheduleDurable(ctx, rec); err != nil {
		s.logger.Warn("durable scheduling failed, using in-process timer",
			zap.Int("timer_id", int(id)), zap.Error(err))
		s.scheduleFallback(rec, delay)
	}
	return id, nil
}

func (s *Scheduler) scheduleDurable(ctx context.Context, rec Record) error {
	if s.store == nil {
		return fmt.Errorf("%w: no job store configured", ErrScheduling)
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrScheduling, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &job{Record: rec, origin: OriginPersistent}
	s.jobs[rec.TimerID] = j
	j.entry = s.cron.Schedule(newOneShot(rec.FireAt), s.jobFunc(rec.TimerID))
	return nil
}

func (s *Scheduler) scheduleFallback(rec Record, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.TimerID
	j := &job{Record: rec, origin: OriginFallback}
	j.timer = time.AfterFunc(delay, func() { s.trigger(id) })
	s.jobs[id] = j
}

// Cancel removes a pending timer. It reports false for unknown IDs and for
// durable jobs the store no longer knows about.
func (s *Scheduler) Cancel(ctx context.Context, id TimerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	if j.origin == OriginFallback {
		j.timer.Stop()
		delete(s.jobs, id)
		return true
	}

	found, err := s.store.Remove(ctx, j.JobID)
	if err != nil {
		s.logger.Error("cancel durable timer", zap.Int("timer_id", int(id)), zap.Error(err))
		return false
	}
	if j.entry != 0 {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, id)
	if !found {
		s.logger.Warn("durable timer missing from store", zap.String("job_id", j.JobID))
	}
	return found
}

// List returns pending timers ordered by fire time. Timers whose fire time
// has passed are omitted even if their cleanup is still outstanding.
func (s *Scheduler) List() []Entry {
	now := s.now()
	s.mu.Lock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		rem := j.FireAt.Sub(now)
		if rem <= 0 {
			continue
		}
		out = append(out, Entry{ID: j.TimerID, Label: j.Label, FireAt: j.FireAt, Remaining: rem, Origin: j.origin})
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].FireAt.Equal(out[b].FireAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].FireAt.Before(out[b].FireAt)
	})
	return out
}

// Len returns the number of tracked timers, including ones about to fire.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) jobFunc(id TimerID) rcron.Job {
	return rcron.FuncJob(func() { s.trigger(id) })
}

// trigger marks a job due and wakes the worker. Cron starts every due entry
// in its own goroutine, so the worker, not the trigger, decides the order.
func (s *Scheduler) trigger(id TimerID) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.due = true
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) fireLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wakeCh:
			for _, j := range s.takeDue() {
				s.fire(ctx, j)
			}
		}
	}
}

// takeDue removes every due job from tracking and returns them, together
// with adopted orphans, in fire-time order.
func (s *Scheduler) takeDue() []*job {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job
	for id, j := range s.jobs {
		if j.dormant || (!j.due && j.FireAt.After(now)) {
			continue
		}
		delete(s.jobs, id)
		if j.entry != 0 {
			s.cron.Remove(j.entry)
		}
		if j.timer != nil {
			j.timer.Stop()
		}
		due = append(due, j)
	}
	for _, rec := range s.orphans {
		due = append(due, &job{Record: rec, origin: OriginPersistent, adopted: true})
	}
	s.orphans = nil

	sort.Slice(due, func(a, b int) bool {
		if due[a].FireAt.Equal(due[b].FireAt) {
			return due[a].TimerID < due[b].TimerID
		}
		return due[a].FireAt.Before(due[b].FireAt)
	})
	return due
}

// fire claims a durable job by removing its store row, then notifies. A row
// that is already gone was fired by another process.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if j.origin == OriginPersistent {
		found, err := s.store.Remove(ctx, j.JobID)
		switch {
		case err != nil:
			s.logger.Error("remove fired timer", zap.String("job_id", j.JobID), zap.Error(err))
		case !found:
			s.logger.Info("timer already fired elsewhere", zap.String("job_id", j.JobID))
			return
		}
	}

	s.logger.Info("timer fired",
		zap.Int("timer_id", int(j.TimerID)), zap.String("label", j.Label),
		zap.String("origin", string(j.origin)), zap.Bool("adopted", j.adopted))
	s.deliver(ctx, j)
}

func (s *Scheduler) deliver(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notifier panicked", zap.Int("timer_id", int(j.TimerID)), zap.Any("panic", r))
		}
	}()

	msg := j.Payload.Message
	switch {
	case msg != "":
	case j.origin == OriginFallback:
		msg = fmt.Sprintf("Timer '%s' finished (fallback).", j.Label)
	default:
		msg = fmt.Sprintf("Timer '%s' is complete!", j.Label)
	}
	n := notify.Notification{Message: msg, Channel: j.Payload.Channel, ChatID: j.Payload.ChatID}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("timer notification failed", zap.Int("timer_id", int(j.TimerID)), zap.Error(err))
	}
}

// sweep wakes tracked durable jobs that missed their trigger and adopts due
// store rows no tracked job owns, such as a timer set by a process that
// exited before its fire time.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.now().Add(-sweepGrace))
	if err != nil {
		s.logger.Warn("housekeeping list failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.mu.Lock()
	for _, rec := range due {
		if j, ok := s.jobs[rec.TimerID]; ok && j.JobID == rec.JobID {
			if !j.dormant {
				j.due = true
			}
			continue
		}
		s.logger.Debug("adopting orphaned timer", zap.String("job_id", rec.JobID))
		s.orphans = append(s.orphans, rec)
	}
	s.mu.Unlock()
	s.wake()
}

// oneShot is a cron schedule that yields its instant once and then never
// again. The first call returns the instant even when it has already
// passed, which makes cron run the job immediately.
type oneShot struct {
	at   time.Time
	used atomic.Bool
}

func newOneShot(at time.Time) *oneShot {
	return &oneShot{at: at}
}

func (o *oneShot) Next(time.Time) time.Time {
	if o.used.Swap(true) {
		return time.Time{}
	}
	return o.at
}
