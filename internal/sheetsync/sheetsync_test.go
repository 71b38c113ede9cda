package sheetsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadgen-pipeline/internal/querygen"
)

type fakeAdapter struct {
	rows      []Row
	fetchErr  error
	updateErr error
	updates   []StatusUpdate
}

func (f *fakeAdapter) FetchRows(context.Context) ([]Row, error) {
	return f.rows, f.fetchErr
}

func (f *fakeAdapter) UpdateRows(_ context.Context, updates []StatusUpdate) error {
	f.updates = updates
	return f.updateErr
}

type loggedBatch struct {
	row    querygen.NicheRow
	status string
}

type fakeStore struct {
	results    map[int]InsertResult // keyed by row index
	errs       map[int]error
	nextRow    int
	logged     []loggedBatch
	logErr     error
	insertRows []int
}

func (f *fakeStore) InsertQueries(_ context.Context, queries []querygen.GeneratedQuery) (InsertResult, error) {
	idx := f.nextRow
	f.nextRow++
	f.insertRows = append(f.insertRows, idx)
	if err := f.errs[idx]; err != nil {
		return InsertResult{}, err
	}
	if result, ok := f.results[idx]; ok {
		return result, nil
	}
	return InsertResult{Attempted: len(queries), Inserted: len(queries)}, nil
}

func (f *fakeStore) LogBatch(_ context.Context, row querygen.NicheRow, _ InsertResult, status, _ string) error {
	f.logged = append(f.logged, loggedBatch{row: row, status: status})
	return f.logErr
}

func sheetRow(index int, values map[string]string) Row {
	return Row{Index: index, Values: values}
}

func newTestService(t *testing.T, adapter *fakeAdapter, store *fakeStore) *Service {
	t.Helper()
	gen, err := querygen.New(querygen.Config{})
	require.NoError(t, err)
	return NewService(adapter, store, gen)
}

func TestSync_ProcessesRowsAndWritesBack(t *testing.T) {
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология", "city": "Москва"}),
		sheetRow(3, map[string]string{"niche": ""}),
		sheetRow(4, map[string]string{"niche": "автосервис", "status": "done"}),
	}}
	store := &fakeStore{results: map[int]InsertResult{
		0: {Attempted: 6, Inserted: 4, Duplicates: 2},
	}}
	s := newTestService(t, adapter, store)

	summary, err := s.Sync(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalRows)
	assert.Equal(t, 1, summary.ProcessedRows, "empty niche and done rows are skipped")
	assert.Equal(t, 4, summary.InsertedQueries)
	assert.Equal(t, 2, summary.DuplicateQueries)
	assert.Zero(t, summary.Errors)

	require.Len(t, adapter.updates, 1)
	update := adapter.updates[0]
	assert.Equal(t, 2, update.RowIndex)
	assert.Equal(t, "done", update.Status)
	assert.Equal(t, 6, update.GeneratedCount)
	assert.Equal(t, 4, update.InsertedCount)
	assert.Equal(t, 2, update.DuplicateCount)

	require.Len(t, store.logged, 1)
	assert.Equal(t, "done", store.logged[0].status)
	assert.Equal(t, "стоматология", store.logged[0].row.Niche)
}

func TestSync_BatchTagFilter(t *testing.T) {
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология", "batch_tag": "march"}),
		sheetRow(3, map[string]string{"niche": "автосервис", "batch_tag": "april"}),
	}}
	store := &fakeStore{}
	s := newTestService(t, adapter, store)

	summary, err := s.Sync(context.Background(), "march")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ProcessedRows)
	require.Len(t, adapter.updates, 1)
	assert.Equal(t, 2, adapter.updates[0].RowIndex)
}

func TestSync_RowErrorDoesNotAbort(t *testing.T) {
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология"}),
		sheetRow(3, map[string]string{"niche": "автосервис"}),
	}}
	store := &fakeStore{errs: map[int]error{0: errors.New("connection refused")}}
	s := newTestService(t, adapter, store)

	summary, err := s.Sync(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ProcessedRows)
	assert.Equal(t, 1, summary.Errors)

	require.Len(t, adapter.updates, 2)
	assert.Equal(t, "error", adapter.updates[0].Status)
	assert.Contains(t, adapter.updates[0].LastError, "connection refused")
	assert.Equal(t, "done", adapter.updates[1].Status)

	require.Len(t, store.logged, 2)
	assert.Equal(t, "error", store.logged[0].status)
}

func TestSync_SkippedWhenNothingGenerated(t *testing.T) {
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология"}),
	}}
	store := &fakeStore{results: map[int]InsertResult{0: {}}}
	s := newTestService(t, adapter, store)

	_, err := s.Sync(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, adapter.updates, 1)
	assert.Equal(t, "skipped", adapter.updates[0].Status)
}

func TestSync_FetchErrorAborts(t *testing.T) {
	adapter := &fakeAdapter{fetchErr: errors.New("sheet unreachable")}
	s := newTestService(t, adapter, &fakeStore{})

	_, err := s.Sync(context.Background(), "")
	assert.Error(t, err)
}

func TestSync_AuditLogErrorIsNonFatal(t *testing.T) {
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология"}),
	}}
	store := &fakeStore{logErr: errors.New("audit table missing")}
	s := newTestService(t, adapter, store)

	summary, err := s.Sync(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProcessedRows)
	assert.Zero(t, summary.Errors)
}

func TestRowGet_TrimsAndLowercases(t *testing.T) {
	row := sheetRow(2, map[string]string{"niche": "  стоматология  "})
	assert.Equal(t, "стоматология", row.Get("Niche"))
	assert.Equal(t, "", row.Get("missing"))
}

func TestStatusUpdateCarriesScheduleRange(t *testing.T) {
	first := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	last := first.Add(225 * time.Second)
	adapter := &fakeAdapter{rows: []Row{
		sheetRow(2, map[string]string{"niche": "стоматология"}),
	}}
	store := &fakeStore{results: map[int]InsertResult{
		0: {Attempted: 6, Inserted: 6, FirstScheduled: &first, LastScheduled: &last},
	}}
	s := newTestService(t, adapter, store)

	_, err := s.Sync(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, adapter.updates, 1)
	require.NotNil(t, adapter.updates[0].FirstScheduled)
	assert.Equal(t, first, *adapter.updates[0].FirstScheduled)
	require.NotNil(t, adapter.updates[0].LastScheduled)
	assert.Equal(t, last, *adapter.updates[0].LastScheduled)
}
