package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// maxOperationRetries bounds how often a failing operation is re-polled
// before it is marked failed.
const maxOperationRetries = 5

// PendingQuery is one serp_queries row due for submission.
type PendingQuery struct {
	ID        string
	QueryText string
	Region    int
}

// OpenOperation is one serp_operations row awaiting its result.
type OpenOperation struct {
	ID          string
	OperationID string
	QueryID     string
	RetryCount  int
}

// EnrichTarget is a company with a website and no contacts yet.
type EnrichTarget struct {
	ID         string
	Domain     string
	WebsiteURL string
}

// OutreachCandidate is a primary email contact with no outreach yet.
type OutreachCandidate struct {
	ContactID    string
	CompanyID    string
	Email        string
	ContactName  string
	CompanyName  string
	Domain       string
	Industry     string
}

// DueMessage is a scheduled outreach row whose send time has arrived.
type DueMessage struct {
	ID        string
	CompanyID string
	ContactID string
	Recipient string
	Subject   string
	Body      string
}

// Store issues the claim and transition queries of the pipeline tick.
// Batch reads use FOR UPDATE SKIP LOCKED so concurrent workers never
// process the same row twice.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PendingQueries returns up to limit due queries inside the caller's
// transaction, locked against other workers.
func (s *Store) PendingQueries(ctx context.Context, tx *sql.Tx, limit int) ([]PendingQuery, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, query_text, region_code
		FROM serp_queries
		WHERE status = 'pending' AND scheduled_for <= NOW()
		ORDER BY scheduled_for ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending queries: %w", err)
	}
	defer rows.Close()

	var out []PendingQuery
	for rows.Next() {
		var q PendingQuery
		if err := rows.Scan(&q.ID, &q.QueryText, &q.Region); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkSubmitted records the deferred operation and moves the query to
// in_progress, all inside the claim transaction.
func (s *Store) MarkSubmitted(ctx context.Context, tx *sql.Tx, queryID, operationID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO serp_operations (id, query_id, operation_id, status, created_at)
		VALUES ($1, $2, $3, 'open', NOW())
		ON CONFLICT (operation_id) DO NOTHING`,
		uuid.New(), queryID, operationID)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE serp_queries
		SET status = 'in_progress', submitted_at = NOW()
		WHERE id = $1`, queryID)
	if err != nil {
		return fmt.Errorf("mark query in progress: %w", err)
	}
	return nil
}

// RecordSubmitError notes a failed submission outside the rolled-back claim
// transaction so the query is retried on a later tick.
func (s *Store) RecordSubmitError(ctx context.Context, queryID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE serp_queries
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE status END
		WHERE id = $1`, queryID, truncate(reason, 500), maxOperationRetries)
	return err
}

// OpenOperations returns up to limit open operations locked for polling.
// Least-recently-polled first, so a long-running operation at the head
// cannot starve the rest of the queue.
func (s *Store) OpenOperations(ctx context.Context, tx *sql.Tx, limit int) ([]OpenOperation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, operation_id, query_id, retry_count
		FROM serp_operations
		WHERE status = 'open'
		ORDER BY last_polled_at ASC NULLS FIRST, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("select open operations: %w", err)
	}
	defer rows.Close()

	var out []OpenOperation
	for rows.Next() {
		var op OpenOperation
		if err := rows.Scan(&op.ID, &op.OperationID, &op.QueryID, &op.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// MarkOperationPolled stamps a still-running operation so the next claim
// rotates to a different one.
func (s *Store) MarkOperationPolled(ctx context.Context, tx *sql.Tx, op OpenOperation) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE serp_operations SET last_polled_at = NOW() WHERE id = $1`, op.ID)
	if err != nil {
		return fmt.Errorf("mark operation polled: %w", err)
	}
	return nil
}

// MarkOperationCompleted closes the operation and its query.
func (s *Store) MarkOperationCompleted(ctx context.Context, tx *sql.Tx, op OpenOperation) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE serp_operations
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1`, op.ID); err != nil {
		return fmt.Errorf("mark operation completed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE serp_queries SET status = 'completed' WHERE id = $1`, op.QueryID); err != nil {
		return fmt.Errorf("mark query completed: %w", err)
	}
	return nil
}

// MarkOperationFailed records a terminal operation failure.
func (s *Store) MarkOperationFailed(ctx context.Context, tx *sql.Tx, op OpenOperation, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE serp_operations
		SET status = 'failed', last_error = $2, completed_at = NOW()
		WHERE id = $1`, op.ID, truncate(reason, 500)); err != nil {
		return fmt.Errorf("mark operation failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE serp_queries SET status = 'failed', last_error = $2 WHERE id = $1`,
		op.QueryID, truncate(reason, 500)); err != nil {
		return fmt.Errorf("mark query failed: %w", err)
	}
	return nil
}

// BumpOperationRetry counts a transient polling failure. Once the retry
// budget is spent the operation and its query go to failed.
func (s *Store) BumpOperationRetry(ctx context.Context, op OpenOperation, reason string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE serp_operations
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    last_polled_at = NOW(),
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE status END
		WHERE id = $1
		RETURNING status`, op.ID, truncate(reason, 500), maxOperationRetries).Scan(&status)
	if err != nil {
		return err
	}
	if status == "failed" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE serp_queries SET status = 'failed', last_error = $2 WHERE id = $1`,
			op.QueryID, truncate(reason, 500))
	}
	return err
}

// EnrichTargets returns companies that have a website but no contacts.
func (s *Store) EnrichTargets(ctx context.Context, limit int) ([]EnrichTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, COALESCE(c.canonical_domain, ''), COALESCE(c.website_url, '')
		FROM companies c
		WHERE c.status = 'new'
		  AND c.opt_out = FALSE
		  AND (c.canonical_domain IS NOT NULL OR c.website_url IS NOT NULL)
		  AND NOT EXISTS (SELECT 1 FROM contacts k WHERE k.company_id = c.id)
		ORDER BY c.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select enrich targets: %w", err)
	}
	defer rows.Close()

	var out []EnrichTarget
	for rows.Next() {
		var t EnrichTarget
		if err := rows.Scan(&t.ID, &t.Domain, &t.WebsiteURL); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OutreachCandidates returns primary email contacts of enriched companies
// that have no outreach message yet and are not opted out.
func (s *Store) OutreachCandidates(ctx context.Context, limit int) ([]OutreachCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.id, c.id, k.value, COALESCE(k.name, ''),
		       COALESCE(c.name, ''), COALESCE(c.canonical_domain, ''),
		       COALESCE(c.attributes->>'industry', '')
		FROM contacts k
		JOIN companies c ON c.id = k.company_id
		WHERE k.contact_type = 'email'
		  AND k.is_primary = TRUE
		  AND c.opt_out = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM outreach_messages m WHERE m.contact_id = k.id)
		  AND NOT EXISTS (
			SELECT 1 FROM opt_out_registry o WHERE o.contact_value = k.value)
		ORDER BY k.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outreach candidates: %w", err)
	}
	defer rows.Close()

	var out []OutreachCandidate
	for rows.Next() {
		var c OutreachCandidate
		if err := rows.Scan(&c.ContactID, &c.CompanyID, &c.Email, &c.ContactName,
			&c.CompanyName, &c.Domain, &c.Industry); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DueMessages returns scheduled outreach whose send time has arrived.
func (s *Store) DueMessages(ctx context.Context, limit int) ([]DueMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, COALESCE(contact_id, ''), recipient, subject, body
		FROM outreach_messages
		WHERE status = 'scheduled' AND scheduled_for <= NOW()
		ORDER BY scheduled_for ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due messages: %w", err)
	}
	defer rows.Close()

	var out []DueMessage
	for rows.Next() {
		var m DueMessage
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.ContactID, &m.Recipient, &m.Subject, &m.Body); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Begin starts a claim transaction.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// truncate cuts on a rune boundary so Cyrillic error text stays valid UTF-8
// for the database write.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
