package serp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
)

// IngestStats summarizes one ingest run.
type IngestStats struct {
	Results   int
	Companies int
	Skipped   int
}

// Ingestor persists parsed SERP documents. Re-ingesting the same operation
// is idempotent: results upsert on (operation_id, url) and companies on
// dedupe_hash.
type Ingestor struct {
	db *sql.DB
}

func NewIngestor(db *sql.DB) *Ingestor {
	return &Ingestor{db: db}
}

// IngestOperation stores the documents of one completed operation inside a
// single transaction.
func (i *Ingestor) IngestOperation(ctx context.Context, operationID string, docs []Document) (IngestStats, error) {
	var stats IngestStats

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, doc := range docs {
		metadata, err := json.Marshal(map[string]any{
			"position": doc.Position,
			"language": doc.Language,
		})
		if err != nil {
			return stats, fmt.Errorf("marshal result metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO serp_results (
				id, operation_id, url, domain, title, snippet, position, language, metadata, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (operation_id, url) DO UPDATE SET
				title = EXCLUDED.title,
				snippet = EXCLUDED.snippet,
				position = EXCLUDED.position,
				metadata = serp_results.metadata || EXCLUDED.metadata`,
			uuid.New(), operationID, doc.URL, doc.Domain, doc.Title, doc.Snippet,
			doc.Position, doc.Language, metadata, now)
		if err != nil {
			return stats, fmt.Errorf("upsert serp result %s: %w", doc.URL, err)
		}
		stats.Results++

		if err := i.upsertCompany(ctx, tx, operationID, doc, now); err != nil {
			return stats, err
		}
		stats.Companies++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit ingest: %w", err)
	}
	log.Printf("[SerpIngest] Operation %s: %d results, %d companies", operationID, stats.Results, stats.Companies)
	return stats, nil
}

// upsertCompany inserts a company as status=new, or merges attributes and
// refreshes last_seen_at on a dedupe_hash conflict. The website URL is
// first-wins: a later sighting never overwrites it.
func (i *Ingestor) upsertCompany(ctx context.Context, tx *sql.Tx, operationID string, doc Document, now time.Time) error {
	name := doc.Title
	if name == "" {
		name = doc.Domain
	}
	hash := normalize.CompanyDedupeKey(name, doc.Domain)

	attributes, err := json.Marshal(map[string]any{
		"source":            "serp",
		"last_operation_id": operationID,
		"serp_title":        doc.Title,
		"serp_snippet":      doc.Snippet,
	})
	if err != nil {
		return fmt.Errorf("marshal company attributes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO companies (
			id, name, canonical_domain, website_url, dedupe_hash, status, opt_out,
			attributes, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, 'new', FALSE, $6, $7, $7)
		ON CONFLICT (dedupe_hash) DO UPDATE SET
			attributes = companies.attributes || EXCLUDED.attributes,
			website_url = COALESCE(companies.website_url, EXCLUDED.website_url),
			last_seen_at = EXCLUDED.last_seen_at`,
		uuid.New(), name, doc.Domain, doc.URL, hash, attributes, now)
	if err != nil {
		return fmt.Errorf("upsert company %s: %w", doc.Domain, err)
	}
	return nil
}
