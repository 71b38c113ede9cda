package sender

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
	"github.com/leadforge/leadgen-pipeline/internal/pkg/logger"
)

// Default inter-message spacing bounds: 9 to 16 minutes.
const (
	DefaultMinSendDelay = 9 * time.Minute
	DefaultMaxSendDelay = 16 * time.Minute
)

// QueueRequest asks for one outreach message to be scheduled.
type QueueRequest struct {
	CompanyID      string
	ContactID      string
	Recipient      string
	Subject        string
	Body           string
	RequestPayload json.RawMessage // LLM request kept for audit
}

// QueueResult reports what happened to a queue request.
type QueueResult struct {
	MessageID    string
	Status       string // "scheduled" or "skipped"
	ScheduledFor time.Time
}

// Scheduler assigns send times inside the daily window with randomized
// spacing, keeping scheduled_for globally increasing.
type Scheduler struct {
	db       *sql.DB
	window   Window
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time
	randIn   func(min, max time.Duration) time.Duration
}

// NewScheduler builds a scheduler. Zero delays fall back to the defaults.
func NewScheduler(db *sql.DB, window Window, minDelay, maxDelay time.Duration) *Scheduler {
	if minDelay <= 0 {
		minDelay = DefaultMinSendDelay
	}
	if maxDelay < minDelay {
		maxDelay = DefaultMaxSendDelay
	}
	return &Scheduler{
		db:       db,
		window:   window,
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
		randIn:   uniformDelay,
	}
}

func uniformDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Queue validates the recipient and persists a scheduled outreach message.
// Invalid recipients are persisted as skipped so they are never retried.
func (s *Scheduler) Queue(ctx context.Context, req QueueRequest) (QueueResult, error) {
	recipient := normalize.CleanEmail(req.Recipient)
	if !normalize.IsValidEmail(recipient) {
		id, err := s.insertSkipped(ctx, req, recipient)
		if err != nil {
			return QueueResult{}, err
		}
		log.Printf("[Scheduler] Skipped invalid recipient %s for company %s",
			logger.RedactEmail(req.Recipient), req.CompanyID)
		return QueueResult{MessageID: id, Status: "skipped"}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Skip-locked read so concurrent schedulers never pick the same anchor.
	var lastScheduled sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT scheduled_for FROM outreach_messages
		WHERE channel = 'email' AND scheduled_for IS NOT NULL
		ORDER BY scheduled_for DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&lastScheduled)
	if err != nil && err != sql.ErrNoRows {
		return QueueResult{}, fmt.Errorf("read last scheduled_for: %w", err)
	}

	anchor := s.now()
	if lastScheduled.Valid && lastScheduled.Time.After(anchor) {
		anchor = lastScheduled.Time
	}
	scheduledFor := s.nextSlot(anchor)

	metadata, err := json.Marshal(map[string]any{
		"llm_request": json.RawMessage(orEmptyJSON(req.RequestPayload)),
	})
	if err != nil {
		return QueueResult{}, fmt.Errorf("marshal message metadata: %w", err)
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outreach_messages (
			id, company_id, contact_id, channel, recipient, subject, body,
			status, scheduled_for, metadata, created_at
		) VALUES ($1, $2, $3, 'email', $4, $5, $6, 'scheduled', $7, $8, NOW())`,
		id, req.CompanyID, req.ContactID, recipient, req.Subject, req.Body,
		scheduledFor.UTC(), metadata)
	if err != nil {
		return QueueResult{}, fmt.Errorf("insert outreach message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return QueueResult{}, fmt.Errorf("commit queue: %w", err)
	}

	log.Printf("[Scheduler] Queued message %s to %s for %s",
		id, logger.RedactEmail(recipient), scheduledFor.Format(time.RFC3339))
	return QueueResult{MessageID: id, Status: "scheduled", ScheduledFor: scheduledFor}, nil
}

// nextSlot places anchor+delay inside the send window, rolling to the next
// day's opening (with a fresh delay) when the slot would fall past closing.
func (s *Scheduler) nextSlot(anchor time.Time) time.Time {
	base := anchor.In(s.window.location())
	if base.Before(s.window.StartOn(base)) {
		base = s.window.StartOn(base)
	} else if base.After(s.window.EndOn(base)) {
		base = s.window.StartOn(base).AddDate(0, 0, 1)
	}

	candidate := base.Add(s.randIn(s.minDelay, s.maxDelay))
	if candidate.After(s.window.EndOn(base)) {
		base = s.window.StartOn(base).AddDate(0, 0, 1)
		candidate = base.Add(s.randIn(s.minDelay, s.maxDelay))
	}
	return candidate
}

func (s *Scheduler) insertSkipped(ctx context.Context, req QueueRequest, recipient string) (string, error) {
	metadata, err := json.Marshal(map[string]any{
		"llm_request": json.RawMessage(orEmptyJSON(req.RequestPayload)),
	})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outreach_messages (
			id, company_id, contact_id, channel, recipient, subject, body,
			status, last_error, metadata, created_at
		) VALUES ($1, $2, $3, 'email', $4, $5, $6, 'skipped', 'invalid_email', $7, NOW())`,
		id, req.CompanyID, req.ContactID, recipient, req.Subject, req.Body, metadata)
	if err != nil {
		return "", fmt.Errorf("insert skipped message: %w", err)
	}
	return id, nil
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
