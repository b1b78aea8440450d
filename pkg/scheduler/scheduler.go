// Package scheduler provides reliable delivery of ordinary room events using
// a SQLite-persisted queue with WAL mode. Failed sends are retried with
// exponential backoff and jitter until they succeed or exhaust their
// attempts, at which point they are dead-lettered for inspection.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/armorclaw/conference/pkg/logger"
)

// Status represents an event's delivery status
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Event is one queued room event
type Event struct {
	ID        string
	RoomID    string
	Type      string
	Content   json.RawMessage
	Attempts  int
	CreatedAt time.Time
	NextRetry time.Time
	LastError string
	Status    Status
}

// SendFunc performs the actual delivery of one event
type SendFunc func(ctx context.Context, ev *Event) error

// Config configures the scheduler
type Config struct {
	DBPath         string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PumpInterval   time.Duration

	// SendRate limits dispatches per second; 0 means unlimited
	SendRate float64
}

// Stats summarizes queue depth by status
type Stats struct {
	Pending  int
	Inflight int
	Sent     int
	Failed   int
}

// Scheduler is the event delivery queue
type Scheduler struct {
	db      *sql.DB
	cfg     Config
	sender  SendFunc
	limiter *rate.Limiter
	cron    *cron.Cron
	log     *logger.Logger

	mu      sync.Mutex
	closed  bool
	pumping bool
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	attempts INTEGER DEFAULT 0,
	created_at INTEGER NOT NULL,
	next_retry INTEGER NOT NULL,
	last_error TEXT,
	status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_events_status_retry ON events(status, next_retry);
`

// New creates a scheduler backed by the database at cfg.DBPath. Start must be
// called before events are pumped.
func New(ctx context.Context, cfg Config, sender SendFunc) (*Scheduler, error) {
	if sender == nil {
		return nil, fmt.Errorf("scheduler: sender is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}

	s := &Scheduler{
		db:      db,
		cfg:     cfg,
		sender:  sender,
		limiter: limiter,
		log:     logger.Global().WithComponent("scheduler"),
	}

	// Events left inflight by a previous run go back to pending
	if _, err := db.ExecContext(ctx,
		"UPDATE events SET status = 'pending' WHERE status = 'inflight'"); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover inflight events: %w", err)
	}

	return s, nil
}

// Start begins the periodic retry pump
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler: closed")
	}
	if s.cron != nil {
		return nil
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.PumpInterval)
	if _, err := s.cron.AddFunc(spec, s.pump); err != nil {
		s.cron = nil
		return fmt.Errorf("schedule pump: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", "pump_interval", s.cfg.PumpInterval)
	return nil
}

// Close stops the pump and closes the database
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return s.db.Close()
}

// Enqueue persists an event for delivery. The event id is generated when
// empty. Delivery is attempted on the next pump.
func (s *Scheduler) Enqueue(ctx context.Context, roomID, eventType string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal event content: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, room_id, type, content, attempts, created_at, next_retry, status)
		VALUES (?, ?, ?, ?, 0, ?, ?, 'pending')`,
		id, roomID, eventType, string(raw), now.Unix(), now.Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}

	eventsEnqueued.Inc()
	s.updateDepthGauges(ctx)
	return id, nil
}

// Pump delivers every due pending event once. Driven periodically by Start;
// exposed for callers that want an immediate delivery pass.
func (s *Scheduler) Pump() {
	s.pump()
}

// pump delivers every due pending event once
func (s *Scheduler) pump() {
	s.mu.Lock()
	if s.closed || s.pumping {
		s.mu.Unlock()
		return
	}
	s.pumping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pumping = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PumpInterval)
	defer cancel()

	events, err := s.dequeueDue(ctx)
	if err != nil {
		s.log.Error("dequeue failed", "error", err)
		return
	}

	for _, ev := range events {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.nack(context.Background(), ev, err)
				continue
			}
		}
		if err := s.sender(ctx, ev); err != nil {
			s.nack(ctx, ev, err)
			continue
		}
		s.ack(ctx, ev)
	}
	s.updateDepthGauges(ctx)
}

// dequeueDue marks due pending events inflight and returns them
func (s *Scheduler) dequeueDue(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, type, content, attempts, created_at, next_retry, COALESCE(last_error, ''), status
		FROM events
		WHERE status = 'pending' AND next_retry <= ?
		ORDER BY created_at`,
		time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var content string
		var createdAt, nextRetry int64
		if err := rows.Scan(&ev.ID, &ev.RoomID, &ev.Type, &content,
			&ev.Attempts, &createdAt, &nextRetry, &ev.LastError, &ev.Status); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Content = json.RawMessage(content)
		ev.CreatedAt = time.Unix(createdAt, 0)
		ev.NextRetry = time.Unix(nextRetry, 0)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	for _, ev := range events {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE events SET status = 'inflight' WHERE id = ?", ev.ID); err != nil {
			return nil, fmt.Errorf("mark inflight: %w", err)
		}
	}
	return events, nil
}

// ack marks an event delivered
func (s *Scheduler) ack(ctx context.Context, ev *Event) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = 'sent' WHERE id = ?", ev.ID); err != nil {
		s.log.Error("ack failed", "event_id", ev.ID, "error", err)
		return
	}
	eventsSent.Inc()
}

// nack schedules a retry or dead-letters the event
func (s *Scheduler) nack(ctx context.Context, ev *Event, sendErr error) {
	ev.Attempts++

	if ev.Attempts >= s.cfg.MaxAttempts {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE events SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?",
			ev.Attempts, sendErr.Error(), ev.ID); err != nil {
			s.log.Error("dead-letter failed", "event_id", ev.ID, "error", err)
			return
		}
		eventsDeadLettered.Inc()
		s.log.Warn("event dead-lettered", "event_id", ev.ID,
			"attempts", ev.Attempts, "error", sendErr)
		return
	}

	nextRetry := time.Now().Add(s.retryDelay(ev.Attempts))
	if _, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = 'pending', attempts = ?, next_retry = ?, last_error = ? WHERE id = ?",
		ev.Attempts, nextRetry.Unix(), sendErr.Error(), ev.ID); err != nil {
		s.log.Error("retry schedule failed", "event_id", ev.ID, "error", err)
		return
	}
	eventsRetried.Inc()
}

// retryDelay computes exponential backoff with 10% jitter, capped at the
// configured maximum
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	baseDelay := float64(s.cfg.RetryBaseDelay)
	expBackoff := baseDelay * math.Pow(2, float64(attempt-1))

	if expBackoff > float64(s.cfg.RetryMaxDelay) {
		expBackoff = float64(s.cfg.RetryMaxDelay)
	}

	jitter := expBackoff * 0.10 * (rand.Float64()*2 - 1)
	return time.Duration(expBackoff + jitter)
}

// DeadLetters returns the events that exhausted their attempts
func (s *Scheduler) DeadLetters(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, type, content, attempts, created_at, next_retry, COALESCE(last_error, ''), status
		FROM events WHERE status = 'failed' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var content string
		var createdAt, nextRetry int64
		if err := rows.Scan(&ev.ID, &ev.RoomID, &ev.Type, &content,
			&ev.Attempts, &createdAt, &nextRetry, &ev.LastError, &ev.Status); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		ev.Content = json.RawMessage(content)
		ev.CreatedAt = time.Unix(createdAt, 0)
		ev.NextRetry = time.Unix(nextRetry, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Retry moves a dead-lettered event back to pending for another delivery
// cycle
func (s *Scheduler) Retry(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'pending', attempts = 0, next_retry = ?
		WHERE id = ? AND status = 'failed'`,
		time.Now().Unix(), eventID)
	if err != nil {
		return fmt.Errorf("retry event %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry event %s: %w", eventID, err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s is not dead-lettered", eventID)
	}
	return nil
}

// QueueStats returns queue depth by status
func (s *Scheduler) QueueStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'inflight' THEN 1 END),
			COUNT(CASE WHEN status = 'sent' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM events`)
	if err := row.Scan(&stats.Pending, &stats.Inflight, &stats.Sent, &stats.Failed); err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (s *Scheduler) updateDepthGauges(ctx context.Context) {
	stats, err := s.QueueStats(ctx)
	if err != nil {
		s.log.Warn("depth gauge update failed", "error", err)
		return
	}
	queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	queueDepth.WithLabelValues("inflight").Set(float64(stats.Inflight))
	queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}
