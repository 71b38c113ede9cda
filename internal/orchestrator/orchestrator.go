// Package orchestrator drives the pipeline: sheet sync, query submission,
// operation polling, dedupe, enrichment, email generation and delivery run
// in sequence inside one tick.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/leadforge/leadgen-pipeline/internal/dedupe"
	"github.com/leadforge/leadgen-pipeline/internal/emailgen"
	"github.com/leadforge/leadgen-pipeline/internal/enrich"
	"github.com/leadforge/leadgen-pipeline/internal/normalize"
	"github.com/leadforge/leadgen-pipeline/internal/pkg/logger"
	"github.com/leadforge/leadgen-pipeline/internal/sender"
	"github.com/leadforge/leadgen-pipeline/internal/serp"
	"github.com/leadforge/leadgen-pipeline/internal/sheetsync"
	"github.com/leadforge/leadgen-pipeline/internal/yandex"
)

// SearchClient submits and polls deferred search operations.
type SearchClient interface {
	CreateDeferredSearch(ctx context.Context, params yandex.QueryParams) (*yandex.Operation, error)
	GetOperation(ctx context.Context, operationID string) (*yandex.Operation, error)
}

// Ingestor persists parsed SERP documents.
type Ingestor interface {
	IngestOperation(ctx context.Context, operationID string, docs []serp.Document) (serp.IngestStats, error)
}

// Deduper collapses duplicate companies.
type Deduper interface {
	Run(ctx context.Context) (dedupe.Stats, error)
}

// Enricher extracts contacts from company websites.
type Enricher interface {
	EnrichCompany(ctx context.Context, company enrich.Company) (enrich.Result, error)
}

// EmailGenerator produces outreach templates.
type EmailGenerator interface {
	Generate(ctx context.Context, company emailgen.CompanyBrief, offer emailgen.OfferBrief, contact *emailgen.ContactBrief) emailgen.Result
}

// Queuer schedules generated messages.
type Queuer interface {
	Queue(ctx context.Context, req sender.QueueRequest) (sender.QueueResult, error)
}

// Deliverer sends due messages.
type Deliverer interface {
	Deliver(ctx context.Context, msg sender.OutreachMessage) (sender.DeliverOutcome, error)
}

// SheetSyncer pulls niche rows from the spreadsheet.
type SheetSyncer interface {
	Sync(ctx context.Context, batchTag string) (sheetsync.Summary, error)
}

// Locker guards a tick against concurrent orchestrators.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config wires the orchestrator together. Sheets and Lock are optional.
type Config struct {
	Store     *Store
	Search    SearchClient
	Ingestor  Ingestor
	Deduper   Deduper
	Enricher  Enricher
	Generator EmailGenerator
	Queuer    Queuer
	Deliverer Deliverer
	Sheets    SheetSyncer
	Lock      Locker

	BatchSize         int
	SheetSyncEnabled  bool
	SheetSyncInterval time.Duration
	SheetBatchTag     string
	Offer             emailgen.OfferBrief
}

// TickStats summarizes one tick.
type TickStats struct {
	SheetRows          int
	Submitted          int
	Completed          int
	FailedOperations   int
	DuplicatesResolved int
	Enriched           int
	Queued             int
	Delivered          int
}

// Orchestrator runs the pipeline tick. Single-threaded inside a tick;
// cross-process coordination relies on skip-locked claims and the optional
// distributed lock.
type Orchestrator struct {
	cfg      Config
	lastSync time.Time
	now      func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.SheetSyncInterval <= 0 {
		cfg.SheetSyncInterval = time.Hour
	}
	return &Orchestrator{cfg: cfg, now: time.Now}
}

// RunOnce executes a single tick. When a distributed lock is configured and
// held elsewhere the tick is skipped without error.
func (o *Orchestrator) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats

	if o.cfg.Lock != nil {
		acquired, err := o.cfg.Lock.Acquire(ctx)
		if err != nil {
			return stats, err
		}
		if !acquired {
			log.Printf("[Orchestrator] Tick skipped: lock held by another worker")
			return stats, nil
		}
		defer func() {
			if err := o.cfg.Lock.Release(ctx); err != nil {
				log.Printf("[Orchestrator] Lock release failed: %v", err)
			}
		}()
	}

	o.syncSheet(ctx, &stats)
	o.submitPending(ctx, &stats)
	o.pollOperations(ctx, &stats)
	if stats.Completed > 0 {
		o.runDedupe(ctx, &stats)
	}
	o.enrichCompanies(ctx, &stats)
	o.generateAndQueue(ctx, &stats)
	o.deliverDue(ctx, &stats)

	log.Printf("[Orchestrator] Tick done: %d submitted, %d completed, %d enriched, %d queued, %d delivered",
		stats.Submitted, stats.Completed, stats.Enriched, stats.Queued, stats.Delivered)
	return stats, nil
}

// RunLoop ticks until the context is cancelled.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.RunOnce(ctx); err != nil {
			log.Printf("[Orchestrator] Tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) syncSheet(ctx context.Context, stats *TickStats) {
	if !o.cfg.SheetSyncEnabled || o.cfg.Sheets == nil {
		return
	}
	if !o.lastSync.IsZero() && o.now().Sub(o.lastSync) < o.cfg.SheetSyncInterval {
		return
	}
	summary, err := o.cfg.Sheets.Sync(ctx, o.cfg.SheetBatchTag)
	if err != nil {
		log.Printf("[Orchestrator] Sheet sync failed: %v", err)
		return
	}
	o.lastSync = o.now()
	stats.SheetRows = summary.ProcessedRows
}

// submitPending claims due queries one at a time so a failed submission
// rolls back only its own row.
func (o *Orchestrator) submitPending(ctx context.Context, stats *TickStats) {
	for i := 0; i < o.cfg.BatchSize; i++ {
		submitted, err := o.submitOne(ctx)
		if err != nil {
			if errors.Is(err, yandex.ErrNightWindow) {
				log.Printf("[Orchestrator] Submission paused: outside quiet window")
				return
			}
			log.Printf("[Orchestrator] Submit failed: %v", err)
			continue
		}
		if !submitted {
			return
		}
		stats.Submitted++
	}
}

func (o *Orchestrator) submitOne(ctx context.Context) (bool, error) {
	tx, err := o.cfg.Store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	queries, err := o.cfg.Store.PendingQueries(ctx, tx, 1)
	if err != nil {
		return false, err
	}
	if len(queries) == 0 {
		return false, nil
	}
	q := queries[0]

	op, err := o.cfg.Search.CreateDeferredSearch(ctx, yandex.QueryParams{
		QueryText: q.QueryText,
		Region:    q.Region,
	})
	if err != nil {
		tx.Rollback()
		if !errors.Is(err, yandex.ErrNightWindow) {
			if recErr := o.cfg.Store.RecordSubmitError(ctx, q.ID, err.Error()); recErr != nil {
				log.Printf("[Orchestrator] Recording submit error failed: %v", recErr)
			}
		}
		return false, err
	}

	if err := o.cfg.Store.MarkSubmitted(ctx, tx, q.ID, op.ID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (o *Orchestrator) pollOperations(ctx context.Context, stats *TickStats) {
	for i := 0; i < o.cfg.BatchSize; i++ {
		progressed, err := o.pollOne(ctx, stats)
		if err != nil {
			log.Printf("[Orchestrator] Poll failed: %v", err)
			continue
		}
		if !progressed {
			return
		}
	}
}

func (o *Orchestrator) pollOne(ctx context.Context, stats *TickStats) (bool, error) {
	tx, err := o.cfg.Store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ops, err := o.cfg.Store.OpenOperations(ctx, tx, 1)
	if err != nil {
		return false, err
	}
	if len(ops) == 0 {
		return false, nil
	}
	op := ops[0]

	remote, err := o.cfg.Search.GetOperation(ctx, op.OperationID)
	if err != nil {
		tx.Rollback()
		if bumpErr := o.cfg.Store.BumpOperationRetry(ctx, op, err.Error()); bumpErr != nil {
			log.Printf("[Orchestrator] Retry bump failed for %s: %v", op.OperationID, bumpErr)
		}
		return true, err
	}

	if !remote.Done {
		// Still running; stamp the poll so the next claim rotates to a
		// different operation instead of re-reading this one.
		if err := o.cfg.Store.MarkOperationPolled(ctx, tx, op); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	if remote.Error != nil {
		if err := o.cfg.Store.MarkOperationFailed(ctx, tx, op, remote.Error.Message); err != nil {
			return false, err
		}
		stats.FailedOperations++
		log.Printf("[Orchestrator] Operation %s failed upstream: %s", op.OperationID, remote.Error.Message)
		return true, tx.Commit()
	}

	raw, err := remote.DecodeRawData()
	if err != nil {
		if mErr := o.cfg.Store.MarkOperationFailed(ctx, tx, op, err.Error()); mErr != nil {
			return false, mErr
		}
		stats.FailedOperations++
		return true, tx.Commit()
	}

	docs, err := serp.Parse(raw)
	if err != nil {
		if mErr := o.cfg.Store.MarkOperationFailed(ctx, tx, op, err.Error()); mErr != nil {
			return false, mErr
		}
		stats.FailedOperations++
		return true, tx.Commit()
	}

	ingest, err := o.cfg.Ingestor.IngestOperation(ctx, op.OperationID, docs)
	if err != nil {
		tx.Rollback()
		if bumpErr := o.cfg.Store.BumpOperationRetry(ctx, op, err.Error()); bumpErr != nil {
			log.Printf("[Orchestrator] Retry bump failed for %s: %v", op.OperationID, bumpErr)
		}
		return true, err
	}

	if err := o.cfg.Store.MarkOperationCompleted(ctx, tx, op); err != nil {
		return false, err
	}
	stats.Completed++
	log.Printf("[Orchestrator] Operation %s ingested: %d results, %d companies",
		op.OperationID, ingest.Results, ingest.Companies)
	return true, tx.Commit()
}

func (o *Orchestrator) runDedupe(ctx context.Context, stats *TickStats) {
	dd, err := o.cfg.Deduper.Run(ctx)
	if err != nil {
		log.Printf("[Orchestrator] Dedupe failed: %v", err)
		return
	}
	stats.DuplicatesResolved = dd.Duplicates
}

func (o *Orchestrator) enrichCompanies(ctx context.Context, stats *TickStats) {
	targets, err := o.cfg.Store.EnrichTargets(ctx, o.cfg.BatchSize)
	if err != nil {
		log.Printf("[Orchestrator] Enrich target query failed: %v", err)
		return
	}
	for _, t := range targets {
		domain := t.Domain
		if domain == "" {
			domain = normalize.Domain(t.WebsiteURL)
		}
		if domain == "" {
			continue
		}
		if _, err := o.cfg.Enricher.EnrichCompany(ctx, enrich.Company{ID: t.ID, Domain: domain}); err != nil {
			log.Printf("[Orchestrator] Enrichment failed for %s: %v", domain, err)
			continue
		}
		stats.Enriched++
	}
}

func (o *Orchestrator) generateAndQueue(ctx context.Context, stats *TickStats) {
	candidates, err := o.cfg.Store.OutreachCandidates(ctx, o.cfg.BatchSize)
	if err != nil {
		log.Printf("[Orchestrator] Outreach candidate query failed: %v", err)
		return
	}
	for _, c := range candidates {
		var contact *emailgen.ContactBrief
		if c.ContactName != "" || c.Email != "" {
			contact = &emailgen.ContactBrief{Name: c.ContactName, Email: c.Email}
		}
		result := o.cfg.Generator.Generate(ctx, emailgen.CompanyBrief{
			Name:     c.CompanyName,
			Domain:   c.Domain,
			Industry: c.Industry,
		}, o.cfg.Offer, contact)

		queued, err := o.cfg.Queuer.Queue(ctx, sender.QueueRequest{
			CompanyID:      c.CompanyID,
			ContactID:      c.ContactID,
			Recipient:      c.Email,
			Subject:        result.Template.Subject,
			Body:           result.Template.Body,
			RequestPayload: orNullJSON(result.RequestPayload),
		})
		if err != nil {
			log.Printf("[Orchestrator] Queueing failed for %s: %v", logger.RedactEmail(c.Email), err)
			continue
		}
		if queued.Status == "scheduled" {
			stats.Queued++
		}
	}
}

func (o *Orchestrator) deliverDue(ctx context.Context, stats *TickStats) {
	due, err := o.cfg.Store.DueMessages(ctx, o.cfg.BatchSize)
	if err != nil {
		log.Printf("[Orchestrator] Due message query failed: %v", err)
		return
	}
	for _, m := range due {
		outcome, err := o.cfg.Deliverer.Deliver(ctx, sender.OutreachMessage{
			ID:        m.ID,
			CompanyID: m.CompanyID,
			ContactID: m.ContactID,
			Recipient: m.Recipient,
			Subject:   m.Subject,
			Body:      m.Body,
		})
		if err != nil {
			log.Printf("[Orchestrator] Delivery failed for %s: %v", logger.RedactEmail(m.Recipient), err)
			continue
		}
		if outcome.Status == "sent" {
			stats.Delivered++
		}
		// Sending disabled or window closed applies to the whole batch.
		if outcome.Status == "disabled" || (outcome.Status == "scheduled" && outcome.Reason == "outside_send_window") {
			return
		}
	}
}

func orNullJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
