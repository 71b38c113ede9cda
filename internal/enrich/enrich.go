package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

const userAgent = "Mozilla/5.0 (compatible; LeadForgeBot/1.0; +https://leadforge.dev/bot)"

// candidateSuffixes are tried in order against the company's base URL.
var candidateSuffixes = []string{"/", "/contact", "/contacts", "/about", "/about-us", "/kontakty"}

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Company is the slice of a companies row the enricher needs.
type Company struct {
	ID     string
	Domain string
}

// Result summarizes one enrichment run for a company.
type Result struct {
	EmailFound   bool
	Contacts     int
	PagesFetched int
	Status       string
}

// Enricher crawls a small fixed set of pages per company and persists the
// extracted contacts.
type Enricher struct {
	db           *sql.DB
	http         HTTPDoer
	excerptLimit int
}

// New builds an enricher. A nil client falls back to a 15s-timeout
// redirect-following http.Client; a non-positive excerptLimit falls back to
// HomepageExcerptLimit.
func New(db *sql.DB, client HTTPDoer, excerptLimit int) *Enricher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if excerptLimit <= 0 {
		excerptLimit = HomepageExcerptLimit
	}
	return &Enricher{db: db, http: client, excerptLimit: excerptLimit}
}

// CandidateURLs builds the fetch list for a domain, deduplicated and in
// fixed order. The first entry is always the homepage.
func CandidateURLs(domain string) []string {
	base := "https://" + domain
	seen := make(map[string]struct{}, len(candidateSuffixes))
	urls := make([]string, 0, len(candidateSuffixes))
	for _, suffix := range candidateSuffixes {
		u := base + suffix
		if suffix == "/" {
			u = base + "/"
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

// EnrichCompany fetches candidate pages until the first email is found,
// stores the homepage excerpt, upserts contacts, and sets the company
// status to contacts_ready or contacts_not_found.
func (e *Enricher) EnrichCompany(ctx context.Context, company Company) (Result, error) {
	var res Result
	if company.Domain == "" {
		return res, fmt.Errorf("company %s has no domain", company.ID)
	}

	var contacts []Contact
	primaryAssigned := false

	for idx, pageURL := range CandidateURLs(company.Domain) {
		doc, err := e.fetch(ctx, pageURL)
		if err != nil {
			log.Printf("[Enrich] Skip %s: %v", pageURL, err)
			continue
		}
		res.PagesFetched++

		if idx == 0 {
			if err := e.saveHomepageExcerpt(ctx, company.ID, ExtractExcerpt(doc, e.excerptLimit)); err != nil {
				return res, err
			}
		}

		pageContacts := ExtractContacts(doc, pageURL)
		contacts = append(contacts, pageContacts...)
		for _, c := range pageContacts {
			if c.Type == "email" {
				res.EmailFound = true
			}
		}
		if res.EmailFound {
			break
		}
	}

	for _, c := range contacts {
		isPrimary := false
		if c.Type == "email" && !primaryAssigned {
			isPrimary = true
			primaryAssigned = true
		}
		if err := e.upsertContact(ctx, company.ID, c, isPrimary); err != nil {
			return res, err
		}
		res.Contacts++
	}

	res.Status = "contacts_not_found"
	if res.EmailFound {
		res.Status = "contacts_ready"
	}
	if _, err := e.db.ExecContext(ctx,
		`UPDATE companies SET status = $1, last_seen_at = NOW() WHERE id = $2`,
		res.Status, company.ID); err != nil {
		return res, fmt.Errorf("update company status: %w", err)
	}

	log.Printf("[Enrich] Company %s: %d pages, %d contacts, status %s",
		company.ID, res.PagesFetched, res.Contacts, res.Status)
	return res, nil
}

func (e *Enricher) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

func (e *Enricher) saveHomepageExcerpt(ctx context.Context, companyID, excerpt string) error {
	if excerpt == "" {
		return nil
	}
	patch, err := json.Marshal(map[string]string{"homepage_excerpt": excerpt})
	if err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx,
		`UPDATE companies SET attributes = attributes || $1 WHERE id = $2`,
		patch, companyID); err != nil {
		return fmt.Errorf("save homepage excerpt: %w", err)
	}
	return nil
}

// upsertContact merges on (contact_type, value): the source URL is
// refreshed, the quality score only ever grows, and is_primary sticks once
// set.
func (e *Enricher) upsertContact(ctx context.Context, companyID string, c Contact, isPrimary bool) error {
	metadata, err := json.Marshal(map[string]any{"extractor": "site_crawl"})
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO contacts (
			id, company_id, contact_type, value, source_url, quality_score,
			is_primary, metadata, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (contact_type, value) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			quality_score = GREATEST(contacts.quality_score, EXCLUDED.quality_score),
			is_primary = contacts.is_primary OR EXCLUDED.is_primary,
			metadata = contacts.metadata || EXCLUDED.metadata,
			last_seen_at = NOW()`,
		uuid.New(), companyID, c.Type, c.Value, c.SourceURL, c.Quality, isPrimary, metadata)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.Value, err)
	}
	return nil
}
