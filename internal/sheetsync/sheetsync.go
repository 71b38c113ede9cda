// Package sheetsync reads niche rows from the campaign spreadsheet, expands
// them into search queries, inserts the queries idempotently and writes the
// per-row outcome back to the sheet.
package sheetsync

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/leadforge/leadgen-pipeline/internal/querygen"
)

// StatusColumns are the write-back columns, in sheet order.
var StatusColumns = []string{
	"status",
	"generated_count",
	"db_inserted_count",
	"db_duplicate_count",
	"db_first_scheduled_for",
	"db_last_scheduled_for",
	"last_error",
}

// Row is one sheet row keyed by lowercased header names.
type Row struct {
	Index  int // 1-based sheet row number
	Values map[string]string
}

// Get returns a trimmed cell value by header name.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r.Values[strings.ToLower(key)])
}

// StatusUpdate is the per-row outcome written back to the sheet.
type StatusUpdate struct {
	RowIndex       int
	Status         string // done | skipped | error
	GeneratedCount int
	InsertedCount  int
	DuplicateCount int
	FirstScheduled *time.Time
	LastScheduled  *time.Time
	LastError      string
}

// InsertResult summarizes one row's query inserts.
type InsertResult struct {
	Attempted      int
	Inserted       int
	Duplicates     int
	FirstScheduled *time.Time
	LastScheduled  *time.Time
}

// Summary is the outcome of one full sync.
type Summary struct {
	TotalRows        int
	ProcessedRows    int
	InsertedQueries  int
	DuplicateQueries int
	Errors           int
}

// Adapter abstracts the spreadsheet so tests can run against a fake.
type Adapter interface {
	FetchRows(ctx context.Context) ([]Row, error)
	UpdateRows(ctx context.Context, updates []StatusUpdate) error
}

// Store persists generated queries and the per-row audit log.
type Store interface {
	InsertQueries(ctx context.Context, queries []querygen.GeneratedQuery) (InsertResult, error)
	LogBatch(ctx context.Context, row querygen.NicheRow, result InsertResult, status, errText string) error
}

// Service runs the sheet-to-queue sync.
type Service struct {
	adapter   Adapter
	store     Store
	generator *querygen.Generator
}

func NewService(adapter Adapter, store Store, generator *querygen.Generator) *Service {
	return &Service{adapter: adapter, store: store, generator: generator}
}

// Sync processes every row with a niche, skipping rows already marked done
// and, when batchTag is set, rows of other batches. Row failures are
// recorded and never abort the sync.
func (s *Service) Sync(ctx context.Context, batchTag string) (Summary, error) {
	rows, err := s.adapter.FetchRows(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{TotalRows: len(rows)}
	var updates []StatusUpdate

	for _, rowData := range rows {
		niche := rowData.Get("niche")
		if niche == "" {
			continue
		}
		if batchTag != "" && rowData.Get("batch_tag") != batchTag {
			continue
		}
		if strings.EqualFold(rowData.Get("status"), "done") {
			continue
		}

		summary.ProcessedRows++
		row := querygen.NicheRow{
			RowIndex: rowData.Index,
			Niche:    niche,
			City:     rowData.Get("city"),
			Country:  rowData.Get("country"),
			BatchTag: rowData.Get("batch_tag"),
		}

		queries := s.generator.Generate(row)
		status := "done"
		errText := ""

		result, err := s.store.InsertQueries(ctx, queries)
		if err != nil {
			summary.Errors++
			status = "error"
			errText = truncateError(err.Error())
			result = InsertResult{Attempted: len(queries), Duplicates: len(queries)}
			log.Printf("[SheetSync] Row %d failed: %v", row.RowIndex, err)
		} else {
			summary.InsertedQueries += result.Inserted
			summary.DuplicateQueries += result.Duplicates
			if result.Attempted == 0 {
				status = "skipped"
			}
		}

		if logErr := s.store.LogBatch(ctx, row, result, status, errText); logErr != nil {
			log.Printf("[SheetSync] Audit log failed for row %d: %v", row.RowIndex, logErr)
		}

		updates = append(updates, StatusUpdate{
			RowIndex:       row.RowIndex,
			Status:         status,
			GeneratedCount: len(queries),
			InsertedCount:  result.Inserted,
			DuplicateCount: result.Duplicates,
			FirstScheduled: result.FirstScheduled,
			LastScheduled:  result.LastScheduled,
			LastError:      errText,
		})
	}

	if len(updates) > 0 {
		if err := s.adapter.UpdateRows(ctx, updates); err != nil {
			return summary, err
		}
	}
	log.Printf("[SheetSync] %d rows, %d processed, %d inserted, %d duplicates, %d errors",
		summary.TotalRows, summary.ProcessedRows, summary.InsertedQueries,
		summary.DuplicateQueries, summary.Errors)
	return summary, nil
}

func truncateError(text string) string {
	if len(text) > 500 {
		return text[:500]
	}
	return text
}
