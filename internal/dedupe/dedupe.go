// Package dedupe recomputes company dedupe hashes and resolves each hash
// group down to a single primary company.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
)

// Stats summarizes one dedupe run.
type Stats struct {
	Rehashed   int
	Duplicates int
	Restored   int
}

// Deduplicator runs the two-phase dedupe inside one transaction: hash
// refresh first, then group resolution.
type Deduplicator struct {
	db *sql.DB
}

func New(db *sql.DB) *Deduplicator {
	return &Deduplicator{db: db}
}

func (d *Deduplicator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if stats.Rehashed, err = d.refreshHashes(ctx, tx); err != nil {
		return stats, err
	}
	if stats.Duplicates, stats.Restored, err = d.resolveGroups(ctx, tx); err != nil {
		return stats, err
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit dedupe: %w", err)
	}
	log.Printf("[Dedupe] Rehashed %d, marked %d duplicates, restored %d primaries",
		stats.Rehashed, stats.Duplicates, stats.Restored)
	return stats, nil
}

// refreshHashes recomputes each company's canonical domain and dedupe hash
// from the best available domain source and writes back only the changed rows.
func (d *Deduplicator) refreshHashes(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, COALESCE(canonical_domain, ''), COALESCE(website_url, ''), dedupe_hash
		FROM companies`)
	if err != nil {
		return 0, fmt.Errorf("load companies: %w", err)
	}
	defer rows.Close()

	type update struct {
		id     string
		domain string
		hash   string
	}
	var updates []update

	for rows.Next() {
		var id, name, domain, websiteURL, currentHash string
		if err := rows.Scan(&id, &name, &domain, &websiteURL, &currentHash); err != nil {
			return 0, fmt.Errorf("scan company: %w", err)
		}

		source := domain
		if source == "" {
			source = websiteURL
		}
		if source == "" {
			source = name
		}
		canonical := normalize.Domain(source)
		hash := normalize.CompanyDedupeKey(name, source)

		if hash != currentHash || canonical != domain {
			updates = append(updates, update{id: id, domain: canonical, hash: hash})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate companies: %w", err)
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE companies SET canonical_domain = NULLIF($1, ''), dedupe_hash = $2
			WHERE id = $3`, u.domain, u.hash, u.id); err != nil {
			return 0, fmt.Errorf("update company hash: %w", err)
		}
	}
	return len(updates), nil
}

// resolveGroups keeps the oldest company of every hash group as primary and
// marks the rest as opted-out duplicates. A company that stops being a
// duplicate is demoted back to status=new with opt_out cleared.
func (d *Deduplicator) resolveGroups(ctx context.Context, tx *sql.Tx) (duplicates, restored int, err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, dedupe_hash, status, opt_out
		FROM companies
		WHERE dedupe_hash <> ''
		ORDER BY dedupe_hash, created_at ASC, id ASC`)
	if err != nil {
		return 0, 0, fmt.Errorf("load hash groups: %w", err)
	}
	defer rows.Close()

	type change struct {
		id        string
		duplicate bool
	}
	var changes []change

	lastHash := ""
	for rows.Next() {
		var id, hash, status string
		var optOut bool
		if err := rows.Scan(&id, &hash, &status, &optOut); err != nil {
			return 0, 0, fmt.Errorf("scan hash group: %w", err)
		}

		primary := hash != lastHash
		lastHash = hash

		if primary {
			if status == "duplicate" {
				changes = append(changes, change{id: id, duplicate: false})
			}
			continue
		}
		if status != "duplicate" || !optOut {
			changes = append(changes, change{id: id, duplicate: true})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate hash groups: %w", err)
	}

	for _, c := range changes {
		if c.duplicate {
			_, err = tx.ExecContext(ctx,
				`UPDATE companies SET status = 'duplicate', opt_out = TRUE WHERE id = $1`, c.id)
			duplicates++
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE companies SET status = 'new', opt_out = FALSE WHERE id = $1`, c.id)
			restored++
		}
		if err != nil {
			return 0, 0, fmt.Errorf("update group member: %w", err)
		}
	}
	return duplicates, restored, nil
}
