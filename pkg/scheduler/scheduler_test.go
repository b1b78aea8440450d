package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, cfg Config, sender SendFunc) *Scheduler {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "queue.db")
	}
	s, err := New(context.Background(), cfg, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []*Event
	fails int
}

func (r *recordingSender) send(ctx context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("transient failure")
	}
	r.sent = append(r.sent, ev)
	return nil
}

func (r *recordingSender) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestEnqueueAndDeliver(t *testing.T) {
	sender := &recordingSender{}
	s := newTestScheduler(t, Config{}, sender.send)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "!room:test", "m.room.message", map[string]string{"body": "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("empty event id")
	}

	s.Pump()

	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	sender := &recordingSender{fails: 1}
	s := newTestScheduler(t, Config{
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
	}, sender.send)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "!room:test", "m.room.message", "payload"); err != nil {
		t.Fatal(err)
	}

	s.Pump()
	if sender.sentCount() != 0 {
		t.Fatal("first attempt should have failed")
	}

	// Wait for the backoff to elapse, then pump again
	time.Sleep(20 * time.Millisecond)
	s.Pump()
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d after retry, want 1", sender.sentCount())
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	sender := &recordingSender{fails: 100}
	s := newTestScheduler(t, Config{
		MaxAttempts:    2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, sender.send)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "!room:test", "m.room.message", "payload"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		s.Pump()
		time.Sleep(10 * time.Millisecond)
	}

	dead, err := s.DeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", dead[0].Attempts)
	}
	if dead[0].LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestRetryDeadLetter(t *testing.T) {
	sender := &recordingSender{fails: 2}
	s := newTestScheduler(t, Config{
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, sender.send)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "!room:test", "m.room.message", "payload")
	if err != nil {
		t.Fatal(err)
	}
	s.Pump()

	dead, _ := s.DeadLetters(ctx)
	if len(dead) != 1 {
		t.Fatalf("expected dead letter, got %d", len(dead))
	}

	if err := s.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := s.Retry(ctx, id); err == nil {
		t.Error("retrying a pending event should fail")
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	s := newTestScheduler(t, Config{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
	}, func(ctx context.Context, ev *Event) error { return nil })

	// Exponential growth with 10% jitter around base * 2^(attempt-1)
	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		got := s.retryDelay(attempt)
		min := time.Duration(float64(want) * 0.9)
		max := time.Duration(float64(want) * 1.1)
		if got < min || got > max {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, got, min, max)
		}
	}

	// The cap bounds large attempts
	capDelay := float64(time.Minute) * 1.1
	if got := s.retryDelay(30); got > time.Duration(capDelay) {
		t.Errorf("delay %v exceeds cap", got)
	}
}

func TestInflightRecoveredOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	sender := &recordingSender{}

	s, err := New(context.Background(), Config{DBPath: path}, sender.send)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, "!room:test", "m.room.message", "payload"); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-flight
	if _, err := s.db.ExecContext(ctx, "UPDATE events SET status = 'inflight'"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(context.Background(), Config{DBPath: path}, sender.send)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	stats, err := s2.QueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 || stats.Inflight != 0 {
		t.Errorf("stats after restart = %+v", stats)
	}
}
