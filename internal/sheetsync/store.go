package sheetsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/leadforge/leadgen-pipeline/internal/querygen"
)

// QueryStore persists generated queries into serp_queries and audits every
// synced row into search_batch_logs.
type QueryStore struct {
	db *sql.DB
}

func NewQueryStore(db *sql.DB) *QueryStore {
	return &QueryStore{db: db}
}

// InsertQueries inserts with ON CONFLICT(query_hash) DO NOTHING and counts
// inserted vs duplicate rows. The scheduled range covers inserted rows only.
func (s *QueryStore) InsertQueries(ctx context.Context, queries []querygen.GeneratedQuery) (InsertResult, error) {
	result := InsertResult{Attempted: len(queries)}
	if len(queries) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range queries {
		metadata, err := json.Marshal(q.Metadata)
		if err != nil {
			return result, fmt.Errorf("marshal query metadata: %w", err)
		}

		var id string
		err = tx.QueryRowContext(ctx, `
			INSERT INTO serp_queries (
				id, query_text, query_hash, region_code, is_night_window,
				status, scheduled_for, metadata, created_at
			) VALUES ($1, $2, $3, $4, TRUE, 'pending', $5, $6, NOW())
			ON CONFLICT (query_hash) DO NOTHING
			RETURNING id`,
			uuid.New(), q.QueryText, q.QueryHash, q.RegionCode, q.ScheduledFor.UTC(), metadata,
		).Scan(&id)
		if err == sql.ErrNoRows {
			result.Duplicates++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("insert query %s: %w", q.QueryHash, err)
		}

		result.Inserted++
		scheduled := q.ScheduledFor
		if result.FirstScheduled == nil || scheduled.Before(*result.FirstScheduled) {
			t := scheduled
			result.FirstScheduled = &t
		}
		if result.LastScheduled == nil || scheduled.After(*result.LastScheduled) {
			t := scheduled
			result.LastScheduled = &t
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit queries: %w", err)
	}
	return result, nil
}

// LogBatch records one synced row in the audit table.
func (s *QueryStore) LogBatch(ctx context.Context, row querygen.NicheRow, result InsertResult, status, errText string) error {
	// Cut on a rune boundary so Cyrillic error text stays valid UTF-8.
	if len(errText) > 500 {
		if runes := []rune(errText); len(runes) > 500 {
			errText = string(runes[:500])
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_batch_logs (
			id, niche, city, country, batch_tag,
			attempted_queries, inserted_queries, duplicate_queries,
			scheduled_start, scheduled_end, status, error, created_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
			$6, $7, $8, $9, $10, $11, NULLIF($12, ''), NOW())`,
		uuid.New(), row.Niche, row.City, row.Country, row.BatchTag,
		result.Attempted, result.Inserted, result.Duplicates,
		result.FirstScheduled, result.LastScheduled,
		status, errText)
	if err != nil {
		return fmt.Errorf("insert batch log: %w", err)
	}
	return nil
}
