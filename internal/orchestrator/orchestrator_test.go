package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadgen-pipeline/internal/dedupe"
	"github.com/leadforge/leadgen-pipeline/internal/emailgen"
	"github.com/leadforge/leadgen-pipeline/internal/enrich"
	"github.com/leadforge/leadgen-pipeline/internal/sender"
	"github.com/leadforge/leadgen-pipeline/internal/serp"
	"github.com/leadforge/leadgen-pipeline/internal/sheetsync"
	"github.com/leadforge/leadgen-pipeline/internal/yandex"
)

const resultXML = `<?xml version="1.0" encoding="utf-8"?>
<yandexsearch version="1.0">
<response>
<results><grouping>
<group>
<doc><url>https://example.ru/page</url><domain>example.ru</domain>
<title>Пример</title></doc>
</group>
</grouping></results>
</response>
</yandexsearch>`

type fakeSearch struct {
	createErr  error
	created    []yandex.QueryParams
	operations map[string]*yandex.Operation
	polled     []string
	getErr     error
}

func (f *fakeSearch) CreateDeferredSearch(_ context.Context, params yandex.QueryParams) (*yandex.Operation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, params)
	return &yandex.Operation{ID: "op-1"}, nil
}

func (f *fakeSearch) GetOperation(_ context.Context, id string) (*yandex.Operation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.polled = append(f.polled, id)
	return f.operations[id], nil
}

type fakeIngestor struct {
	stats serp.IngestStats
	err   error
	calls int
}

func (f *fakeIngestor) IngestOperation(context.Context, string, []serp.Document) (serp.IngestStats, error) {
	f.calls++
	return f.stats, f.err
}

type fakeDeduper struct{ calls int }

func (f *fakeDeduper) Run(context.Context) (dedupe.Stats, error) {
	f.calls++
	return dedupe.Stats{Duplicates: 2}, nil
}

type fakeEnricher struct{ enriched []string }

func (f *fakeEnricher) EnrichCompany(_ context.Context, c enrich.Company) (enrich.Result, error) {
	f.enriched = append(f.enriched, c.Domain)
	return enrich.Result{EmailFound: true}, nil
}

type fakeGenerator struct{ calls int }

func (f *fakeGenerator) Generate(context.Context, emailgen.CompanyBrief, emailgen.OfferBrief, *emailgen.ContactBrief) emailgen.Result {
	f.calls++
	return emailgen.Result{Template: emailgen.Template{Subject: "Тема", Body: "Текст"}}
}

type fakeQueuer struct{ requests []sender.QueueRequest }

func (f *fakeQueuer) Queue(_ context.Context, req sender.QueueRequest) (sender.QueueResult, error) {
	f.requests = append(f.requests, req)
	return sender.QueueResult{Status: "scheduled"}, nil
}

type fakeDeliverer struct {
	outcomes []sender.DeliverOutcome
	calls    int
}

func (f *fakeDeliverer) Deliver(context.Context, sender.OutreachMessage) (sender.DeliverOutcome, error) {
	out := f.outcomes[f.calls]
	f.calls++
	return out, nil
}

type fakeSheets struct {
	calls   int
	lastTag string
}

func (f *fakeSheets) Sync(_ context.Context, tag string) (sheetsync.Summary, error) {
	f.calls++
	f.lastTag = tag
	return sheetsync.Summary{ProcessedRows: 3}, nil
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

// expectEmptyEnrichAndOutreach covers the tick stages that find no work.
func expectEmptyEnrichAndOutreach(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT c.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "canonical_domain", "website_url"}))
	mock.ExpectQuery(`SELECT k.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cid", "value", "name", "cname", "domain", "industry"}))
	mock.ExpectQuery(`SELECT id, company_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "contact_id", "recipient", "subject", "body"}))
}

func expectNoPending(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, query_text, region_code`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query_text", "region_code"}))
	mock.ExpectRollback()
}

func expectNoOpen(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, operation_id, query_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_id", "query_id", "retry_count"}))
	mock.ExpectRollback()
}

func TestRunOnce_SubmitsPendingQuery(t *testing.T) {
	store, mock := newMockStore(t)
	search := &fakeSearch{}

	// First claim returns one query, second finds nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, query_text, region_code`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query_text", "region_code"}).
			AddRow("q1", "lang:ru стоматология Москва", 213))
	mock.ExpectExec(`INSERT INTO serp_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE serp_queries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectNoPending(mock)
	expectNoOpen(mock)
	expectEmptyEnrichAndOutreach(mock)

	o := New(Config{
		Store: store, Search: search,
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Submitted)
	require.Len(t, search.created, 1)
	assert.Equal(t, 213, search.created[0].Region)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_NightWindowStopsSubmission(t *testing.T) {
	store, mock := newMockStore(t)
	search := &fakeSearch{createErr: yandex.ErrNightWindow}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, query_text, region_code`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query_text", "region_code"}).
			AddRow("q1", "query", 225))
	mock.ExpectRollback()
	expectNoOpen(mock)
	expectEmptyEnrichAndOutreach(mock)

	o := New(Config{
		Store: store, Search: search,
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.Submitted, "no retry-count bump outside the quiet window")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_PollsAndIngestsCompletedOperation(t *testing.T) {
	store, mock := newMockStore(t)
	raw := base64.StdEncoding.EncodeToString([]byte(resultXML))
	search := &fakeSearch{operations: map[string]*yandex.Operation{
		"op-1": {ID: "op-1", Done: true, Response: &yandex.OperationResponse{RawData: raw}},
	}}
	ingestor := &fakeIngestor{stats: serp.IngestStats{Results: 1, Companies: 1}}
	deduper := &fakeDeduper{}

	expectNoPending(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, operation_id, query_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_id", "query_id", "retry_count"}).
			AddRow("row1", "op-1", "q1", 0))
	mock.ExpectExec(`UPDATE serp_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE serp_queries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectNoOpen(mock)
	expectEmptyEnrichAndOutreach(mock)

	o := New(Config{
		Store: store, Search: search, Ingestor: ingestor, Deduper: deduper,
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, ingestor.calls)
	assert.Equal(t, 1, deduper.calls, "dedupe runs after a completed operation")
	assert.Equal(t, 2, stats.DuplicatesResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_StillRunningOperationsRotate(t *testing.T) {
	store, mock := newMockStore(t)
	search := &fakeSearch{operations: map[string]*yandex.Operation{
		"op-1": {ID: "op-1", Done: false},
		"op-2": {ID: "op-2", Done: false},
	}}

	expectNoPending(mock)
	// Each still-running operation is stamped, so the next claim moves on
	// instead of re-reading the oldest open row.
	for _, opID := range []string{"op-1", "op-2"} {
		mock.ExpectBegin()
		mock.ExpectQuery(`ORDER BY last_polled_at ASC NULLS FIRST`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "operation_id", "query_id", "retry_count"}).
				AddRow("row-"+opID, opID, "q-"+opID, 0))
		mock.ExpectExec(`UPDATE serp_operations SET last_polled_at`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	expectNoOpen(mock)
	expectEmptyEnrichAndOutreach(mock)

	o := New(Config{
		Store: store, Search: search,
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.Completed)
	assert.Equal(t, []string{"op-1", "op-2"}, search.polled,
		"both open operations get a poll in one tick")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_PollErrorBumpsRetry(t *testing.T) {
	store, mock := newMockStore(t)
	search := &fakeSearch{getErr: errors.New("502 bad gateway")}

	expectNoPending(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, operation_id, query_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "operation_id", "query_id", "retry_count"}).
			AddRow("row1", "op-1", "q1", 0))
	mock.ExpectRollback()
	mock.ExpectQuery(`UPDATE serp_operations`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("open"))
	expectNoOpen(mock)
	expectEmptyEnrichAndOutreach(mock)

	o := New(Config{
		Store: store, Search: search,
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Completed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_EnrichesAndQueuesOutreach(t *testing.T) {
	store, mock := newMockStore(t)
	enricher := &fakeEnricher{}
	generator := &fakeGenerator{}
	queuer := &fakeQueuer{}

	expectNoPending(mock)
	expectNoOpen(mock)
	mock.ExpectQuery(`SELECT c.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "canonical_domain", "website_url"}).
			AddRow("c1", "example.ru", "https://example.ru").
			AddRow("c2", "", "https://shop.example.com/catalog"))
	mock.ExpectQuery(`SELECT k.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cid", "value", "name", "cname", "domain", "industry"}).
			AddRow("k1", "c1", "info@example.ru", "Анна", "Пример", "example.ru", "стоматология"))
	mock.ExpectQuery(`SELECT id, company_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "contact_id", "recipient", "subject", "body"}))

	o := New(Config{
		Store: store, Search: &fakeSearch{},
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: enricher, Generator: generator,
		Queuer: queuer, Deliverer: &fakeDeliverer{},
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Enriched)
	assert.Equal(t, []string{"example.ru", "shop.example.com"}, enricher.enriched,
		"domain falls back to the website url")
	assert.Equal(t, 1, generator.calls)
	require.Len(t, queuer.requests, 1)
	assert.Equal(t, "info@example.ru", queuer.requests[0].Recipient)
	assert.Equal(t, "Тема", queuer.requests[0].Subject)
	assert.Equal(t, 1, stats.Queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_DeliversDueMessages(t *testing.T) {
	store, mock := newMockStore(t)
	deliverer := &fakeDeliverer{outcomes: []sender.DeliverOutcome{
		{Status: "sent", Provider: "yandex"},
		{Status: "scheduled", Reason: "outside_send_window"},
	}}

	expectNoPending(mock)
	expectNoOpen(mock)
	mock.ExpectQuery(`SELECT c.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "canonical_domain", "website_url"}))
	mock.ExpectQuery(`SELECT k.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "cid", "value", "name", "cname", "domain", "industry"}))
	mock.ExpectQuery(`SELECT id, company_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "contact_id", "recipient", "subject", "body"}).
			AddRow("m1", "c1", "k1", "a@example.ru", "s", "b").
			AddRow("m2", "c2", "k2", "b@example.ru", "s", "b").
			AddRow("m3", "c3", "k3", "c@example.ru", "s", "b"))

	o := New(Config{
		Store: store, Search: &fakeSearch{},
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: deliverer,
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, deliverer.calls, "a closed window stops the rest of the batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_SheetSyncIntervalGate(t *testing.T) {
	store, mock := newMockStore(t)
	sheets := &fakeSheets{}

	for i := 0; i < 2; i++ {
		expectNoPending(mock)
		expectNoOpen(mock)
		expectEmptyEnrichAndOutreach(mock)
	}

	o := New(Config{
		Store: store, Search: &fakeSearch{},
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
		Sheets: sheets, SheetSyncEnabled: true, SheetBatchTag: "march",
	})

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sheets.calls, "second tick within the interval skips the sync")
	assert.Equal(t, "march", sheets.lastTag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncate_KeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("о", 600)
	got := truncate(long, 500)
	assert.Equal(t, 500, len([]rune(got)))
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "короткая ошибка", truncate("короткая ошибка", 500))
}

type fakeLock struct {
	acquired bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) { return f.acquired, nil }
func (f *fakeLock) Release(context.Context) error         { f.releases++; return nil }

func TestRunOnce_LockHeldSkipsTick(t *testing.T) {
	store, mock := newMockStore(t)
	lock := &fakeLock{acquired: false}

	o := New(Config{
		Store: store, Search: &fakeSearch{},
		Ingestor: &fakeIngestor{}, Deduper: &fakeDeduper{},
		Enricher: &fakeEnricher{}, Generator: &fakeGenerator{},
		Queuer: &fakeQueuer{}, Deliverer: &fakeDeliverer{},
		Lock: lock,
	})
	stats, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.Submitted)
	assert.Zero(t, lock.releases, "a lock we never held is not released")
	assert.NoError(t, mock.ExpectationsWereMet())
}
