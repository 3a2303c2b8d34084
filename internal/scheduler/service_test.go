package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is a JobStore kept in memory. Sharing one between two
// schedulers simulates a process restart.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]Record
	failPut bool
	failAll bool
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]Record)}
}

func (m *memStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("disk full")
	}
	m.recs[rec.JobID] = rec
	return nil
}

func (m *memStore) Remove(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[jobID]; !ok {
		return false, nil
	}
	delete(m.recs, jobID)
	return true, nil
}

func (m *memStore) ListDue(_ context.Context, before time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.recs {
		if !r.FireAt.After(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("database disk image is malformed")
	}
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// recorder captures notifications.
type recorder struct {
	mu    sync.Mutex
	msgs  []notify.Notification
	times []time.Time
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, n)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, n := range r.msgs {
		out[i] = n.Message
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func startScheduler(t *testing.T, store JobStore, n notify.Notifier) *Scheduler {
	t.Helper()
	s := New(store, n, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestScheduleListAndFire(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	s := startScheduler(t, store, rec)

	id, err := s.Schedule(context.Background(), 2*time.Second, "t1", Payload{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	entries := s.List()
	if len(entries) != 1 {
		t.Fatalf("len(List) = %d, want 1", len(entries))
	}
	if entries[0].ID != id || entries[0].Label != "t1" {
		t.Errorf("entry = %+v", entries[0])
	}
	if rem := entries[0].RemainingSeconds(); rem < 1.8 || rem > 2.2 {
		t.Errorf("remaining = %.3f, want about 2", rem)
	}
	if entries[0].Origin != OriginPersistent {
		t.Errorf("origin = %s, want persistent", entries[0].Origin)
	}
	if store.len() != 1 {
		t.Errorf("store has %d records, want 1", store.len())
	}

	waitFor(t, 4*time.Second, func() bool { return rec.count() >= 1 })
	time.Sleep(200 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
	if msg := rec.messages()[0]; !strings.Contains(msg, "t1") {
		t.Errorf("message %q does not mention t1", msg)
	}
	if n := len(s.List()); n != 0 {
		t.Errorf("len(List) after fire = %d, want 0", n)
	}
	waitFor(t, time.Second, func() bool { return store.len() == 0 })
}

func TestRestartFiresDurableJob(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}

	first := New(store, rec, zap.NewNop())
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	scheduledAt := time.Now()
	id, err := first.Schedule(context.Background(), 1500*time.Millisecond, "durable", Payload{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	first.Stop() // process goes away before the fire time

	second := startScheduler(t, store, rec)
	entries := second.List()
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("restored entries = %+v, want timer %d", entries, id)
	}

	waitFor(t, 4*time.Second, func() bool { return rec.count() == 1 })
	rec.mu.Lock()
	firedAt := rec.times[0]
	rec.mu.Unlock()

	drift := firedAt.Sub(scheduledAt.Add(1500 * time.Millisecond))
	if drift < -50*time.Millisecond || drift > 1500*time.Millisecond {
		t.Errorf("fired %v away from the original fire time", drift)
	}

	next, err := second.Schedule(context.Background(), time.Hour, "after restart", Payload{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if next <= id {
		t.Errorf("new id %d should continue after restored id %d", next, id)
	}
}

func TestRestartFiresOverdueJobImmediately(t *testing.T) {
	store := newMemStore()
	past := time.Now().Add(-time.Minute)
	_ = store.Put(context.Background(), Record{
		JobID: JobID(7, past.Add(-time.Minute)), TimerID: 7, Label: "missed", FireAt: past,
	})

	rec := &recorder{}
	startScheduler(t, store, rec)

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	if msg := rec.messages()[0]; !strings.Contains(msg, "missed") {
		t.Errorf("message = %q", msg)
	}
	waitFor(t, time.Second, func() bool { return store.len() == 0 })
}

func TestStartFailsOnUnreadableStore(t *testing.T) {
	store := newMemStore()
	store.failAll = true
	s := New(store, &recorder{}, zap.NewNop())
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
}

func TestFallbackWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.failPut = true
	rec := &recorder{}
	s := startScheduler(t, store, rec)

	if _, err := s.Schedule(context.Background(), 200*time.Millisecond, "degraded", Payload{}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	entries := s.List()
	if len(entries) != 1 || entries[0].Origin != OriginFallback {
		t.Fatalf("entries = %+v, want one fallback timer", entries)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	if msg := rec.messages()[0]; !strings.Contains(msg, "degraded") || !strings.Contains(msg, "fallback") {
		t.Errorf("message = %q", msg)
	}
}

func TestNoStoreRunsInProcess(t *testing.T) {
	rec := &recorder{}
	s := New(nil, rec, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := s.Schedule(context.Background(), 100*time.Millisecond, "memory", Payload{}); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
}

func TestCancelIdempotence(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	s := startScheduler(t, store, rec)
	ctx := context.Background()

	if s.Cancel(ctx, 999) || s.Cancel(ctx, 999) {
		t.Error("cancelling a nonexistent timer should return false")
	}

	id, _ := s.Schedule(ctx, 300*time.Millisecond, "cancel me", Payload{})
	if !s.Cancel(ctx, id) {
		t.Error("first cancel should return true")
	}
	if s.Cancel(ctx, id) {
		t.Error("second cancel should return false")
	}
	if store.len() != 0 {
		t.Errorf("store still has %d records", store.len())
	}

	time.Sleep(600 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestCancelFallbackTimer(t *testing.T) {
	store := newMemStore()
	store.failPut = true
	rec := &recorder{}
	s := startScheduler(t, store, rec)
	ctx := context.Background()

	id, _ := s.Schedule(ctx, 200*time.Millisecond, "fallback", Payload{})
	if !s.Cancel(ctx, id) {
		t.Fatal("cancel should return true")
	}
	if s.Cancel(ctx, id) {
		t.Error("repeat cancel should return false")
	}
	time.Sleep(400 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("cancelled fallback timer fired")
	}
}

func TestCancelUnknownToStore(t *testing.T) {
	store := newMemStore()
	s := startScheduler(t, store, &recorder{})
	ctx := context.Background()

	id, _ := s.Schedule(ctx, time.Hour, "lost", Payload{})
	all, _ := store.ListAll(ctx)
	for _, r := range all {
		_, _ = store.Remove(ctx, r.JobID)
	}
	if s.Cancel(ctx, id) {
		t.Error("cancel should return false when the store lost the job")
	}
	if len(s.List()) != 0 {
		t.Error("timer should no longer be listed")
	}
}

func TestFiringFollowsFireTime(t *testing.T) {
	rec := &recorder{}
	s := startScheduler(t, newMemStore(), rec)
	ctx := context.Background()

	_, _ = s.Schedule(ctx, 900*time.Millisecond, "third", Payload{})
	_, _ = s.Schedule(ctx, 300*time.Millisecond, "first", Payload{})
	_, _ = s.Schedule(ctx, 600*time.Millisecond, "second", Payload{})

	waitFor(t, 3*time.Second, func() bool { return rec.count() == 3 })
	msgs := rec.messages()
	for i, want := range []string{"first", "second", "third"} {
		if !strings.Contains(msgs[i], want) {
			t.Errorf("msgs[%d] = %q, want %s", i, msgs[i], want)
		}
	}
}

func TestNotificationFailureStillRemovesJob(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	failing := notify.Func(func(context.Context, notify.Notification) error {
		calls.Add(1)
		return errors.New("speaker unplugged")
	})
	s := startScheduler(t, store, failing)

	_, _ = s.Schedule(context.Background(), 100*time.Millisecond, "noisy", Payload{})
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 && store.len() == 0 })
	if s.Len() != 0 {
		t.Error("job should be gone after a failed notification")
	}
}

func TestNotifierPanicIsContained(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	panicky := notify.Func(func(context.Context, notify.Notification) error {
		calls.Add(1)
		panic("tts crashed")
	})
	s := startScheduler(t, store, panicky)

	_, _ = s.Schedule(context.Background(), 50*time.Millisecond, "a", Payload{})
	_, _ = s.Schedule(context.Background(), 150*time.Millisecond, "b", Payload{})
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 && store.len() == 0 })
}

func TestPayloadRouting(t *testing.T) {
	rec := &recorder{}
	s := startScheduler(t, newMemStore(), rec)

	_, _ = s.Schedule(context.Background(), 50*time.Millisecond, "tea", Payload{Channel: "telegram", ChatID: "42"})
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	rec.mu.Lock()
	n := rec.msgs[0]
	rec.mu.Unlock()
	if n.Channel != "telegram" || n.ChatID != "42" {
		t.Errorf("notification routed to %s/%s", n.Channel, n.ChatID)
	}
}

func TestScheduleBeforeStart(t *testing.T) {
	s := New(nil, &recorder{}, zap.NewNop())
	defer s.Stop()
	if _, err := s.Schedule(context.Background(), time.Second, "early", Payload{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestScheduleAfterStop(t *testing.T) {
	s := New(nil, &recorder{}, zap.NewNop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	if _, err := s.Schedule(context.Background(), time.Second, "late", Payload{}); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestConcurrentScheduleAllocatesUniqueIDs(t *testing.T) {
	s := startScheduler(t, newMemStore(), &recorder{})

	var wg sync.WaitGroup
	ids := make([]TimerID, 50)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Schedule(context.Background(), time.Hour, "bulk", Payload{})
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("duplicate id %d", ids[i])
		}
	}
	if len(s.List()) != 50 {
		t.Errorf("len(List) = %d, want 50", len(s.List()))
	}
}

func TestSweepAdoptsOrphans(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	s := startScheduler(t, store, rec)

	_ = store.Put(context.Background(), Record{JobID: "timer_99_1", TimerID: 99, Label: "orphan", FireAt: time.Now().Add(-time.Hour)})
	s.sweep(context.Background())
	s.sweep(context.Background()) // a second pass must not fire it again

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 && store.len() == 0 })
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("orphan fired %d times, want 1", n)
	}
	if msg := rec.messages()[0]; !strings.Contains(msg, "orphan") {
		t.Errorf("message = %q", msg)
	}
}

func TestSharedStoreAdoptsTimerOfStoppedScheduler(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	running := &recorder{}
	a := New(store, running, zap.NewNop(), WithSweepSpec("@every 1s"))
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	gone := &recorder{}
	b := New(store, gone, zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Schedule(ctx, 500*time.Millisecond, "handoff", Payload{}); err != nil {
		t.Fatal(err)
	}
	b.Stop()

	waitFor(t, 5*time.Second, func() bool { return running.count() == 1 })
	if msg := running.messages()[0]; !strings.Contains(msg, "handoff") {
		t.Errorf("message = %q", msg)
	}
	if gone.count() != 0 {
		t.Errorf("stopped scheduler fired %d timers", gone.count())
	}
	waitFor(t, time.Second, func() bool { return store.len() == 0 })
}

func TestOverdueJobFiresOnceAcrossSchedulers(t *testing.T) {
	store := newMemStore()
	past := time.Now().Add(-time.Minute)
	_ = store.Put(context.Background(), Record{JobID: "timer_4_1", TimerID: 4, Label: "shared", FireAt: past})

	rec := &recorder{}
	startScheduler(t, store, rec)
	startScheduler(t, store, rec)

	waitFor(t, 2*time.Second, func() bool { return rec.count() >= 1 && store.len() == 0 })
	time.Sleep(200 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
}

func TestReloadedJobsFireInFireTimeOrder(t *testing.T) {
	store := newMemStore()
	base := time.Now().Add(400 * time.Millisecond)
	const n = 20
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Microsecond)
		id := TimerID(i + 1)
		_ = store.Put(context.Background(), Record{
			JobID: JobID(id, at), TimerID: id, Label: fmt.Sprintf("job%02d", i), FireAt: at,
		})
	}

	rec := &recorder{}
	startScheduler(t, store, rec)

	waitFor(t, 3*time.Second, func() bool { return rec.count() == n })
	for i, msg := range rec.messages() {
		if want := fmt.Sprintf("job%02d", i); !strings.Contains(msg, want) {
			t.Errorf("msgs[%d] = %q, want %s", i, msg, want)
		}
	}
}

func TestStartDeferredLeavesOverdueRows(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	_ = store.Put(ctx, Record{JobID: "timer_2_1", TimerID: 2, Label: "missed", FireAt: time.Now().Add(-time.Minute)})

	rec := &recorder{}
	s := New(store, rec, zap.NewNop())
	if err := s.StartDeferred(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(ctx, 100*time.Millisecond, "fresh", Payload{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if msgs := rec.messages(); len(msgs) != 1 || !strings.Contains(msgs[0], "fresh") {
		t.Errorf("messages = %q, want only the fresh timer", msgs)
	}
	if store.len() != 1 {
		t.Fatalf("store has %d rows, want the overdue one kept", store.len())
	}

	later := &recorder{}
	startScheduler(t, store, later)
	waitFor(t, 2*time.Second, func() bool { return later.count() == 1 })
	if msg := later.messages()[0]; !strings.Contains(msg, "missed") {
		t.Errorf("message = %q", msg)
	}
}

func TestSetAlarm(t *testing.T) {
	// in-process path: the fake clock drives the delay, so nothing fires
	// during the test
	rec := &recorder{}
	now := time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local)
	s := New(nil, rec, zap.NewNop(), WithClock(func() time.Time { return now }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	_, fireAt, err := s.SetAlarm(context.Background(), ClockTime{Hour: 7}, "", Payload{})
	if err != nil {
		t.Fatalf("SetAlarm error: %v", err)
	}
	want := time.Date(2026, 5, 5, 7, 0, 0, 0, time.Local)
	if !fireAt.Equal(want) {
		t.Errorf("fireAt = %v, want %v", fireAt, want)
	}
	entries := s.List()
	if len(entries) != 1 || entries[0].Label != "Alarm for 07:00 AM" {
		t.Errorf("entries = %+v", entries)
	}

	if _, _, err := s.SetAlarm(context.Background(), ClockTime{Hour: 25}, "", Payload{}); err == nil {
		t.Error("expected error for hour 25")
	}
}

func TestNextOccurrence(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, loc)
	tests := []struct {
		at   ClockTime
		want time.Time
	}{
		{ClockTime{9, 15}, time.Date(2026, 1, 10, 9, 15, 0, 0, loc)},
		{ClockTime{7, 0}, time.Date(2026, 1, 11, 7, 0, 0, 0, loc)},
		{ClockTime{8, 0}, time.Date(2026, 1, 11, 8, 0, 0, 0, loc)},
		{ClockTime{23, 59}, time.Date(2026, 1, 10, 23, 59, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := NextOccurrence(now, tt.at); !got.Equal(tt.want) {
			t.Errorf("NextOccurrence(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestClockTimeString(t *testing.T) {
	if got := (ClockTime{Hour: 19, Minute: 5}).String(); got != "07:05 PM" {
		t.Errorf("String() = %q", got)
	}
}

func TestOneShotSchedule(t *testing.T) {
	at := time.Now().Add(time.Minute)
	o := newOneShot(at)
	if got := o.Next(time.Now()); !got.Equal(at) {
		t.Errorf("first Next = %v, want %v", got, at)
	}
	if got := o.Next(at.Add(time.Second)); !got.IsZero() {
		t.Errorf("second Next = %v, want zero", got)
	}
}
