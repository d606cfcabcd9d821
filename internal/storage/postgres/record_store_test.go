package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tspider/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Unix(1700000000, 0).UTC()

func newStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, "", fixedClock{now})
	require.NoError(t, err)
	return store, mock
}

func TestUpsertDiscoveredReportsCreation(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	item := crawler.Item{ID: "1216605040", Title: "华夏基金合同", URL: "http://static/1.pdf", Meta: map[string]string{"filetype": "pdf"}}

	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(item.ID, "cninfo", item.Title, item.URL, "", []byte(`{"filetype":"pdf"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(item.ID, "cninfo", item.Title, item.URL, "", []byte(`{"filetype":"pdf"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := store.UpsertDiscovered(context.Background(), "cninfo", item)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.UpsertDiscovered(context.Background(), "cninfo", item)
	require.NoError(t, err)
	assert.False(t, created, "conflict on item_id is a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDiscoveredRejectsEmptyID(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	_, err := store.UpsertDiscovered(context.Background(), "cninfo", crawler.Item{})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDiscoveredPropagatesErrors(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.UpsertDiscovered(context.Background(), "cninfo", crawler.Item{ID: "x"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestMarkTransitions(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	mock.ExpectExec("UPDATE crawl_records SET resolution").
		WithArgs("d-1", []byte(`{"token":"guid-9"}`), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_records SET download").
		WithArgs("d-1", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_records SET download").
		WithArgs("missing", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.MarkResolved(context.Background(), "d-1", crawler.Resolution{Token: "guid-9"}))
	require.NoError(t, store.MarkDownloaded(context.Background(), "d-1", crawler.StoredLocation{Filename: "a.pdf"}))

	err := store.MarkDownloaded(context.Background(), "missing", crawler.StoredLocation{})
	assert.ErrorIs(t, err, crawler.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

var recordColumns = []string{
	"item_id", "site", "title", "url", "token", "meta",
	"discovered_at", "resolution", "resolved_at", "download", "downloaded_at",
}

func TestGetDecodesRecord(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	resolvedAt := now.Add(time.Minute)

	rows := mock.NewRows(recordColumns).AddRow(
		"d-1", "cebpubservice", "招标文件", "", "", []byte(`{}`),
		now, []byte(`{"token":"guid-9"}`), &resolvedAt, nil, nil,
	)
	mock.ExpectQuery("SELECT item_id").WithArgs("d-1").WillReturnRows(rows)

	rec, err := store.Get(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, "cebpubservice", rec.Site)
	assert.Nil(t, rec.Meta)
	require.NotNil(t, rec.Resolution)
	assert.Equal(t, "guid-9", rec.Resolution.Token)
	assert.Nil(t, rec.Download)
	assert.Equal(t, crawler.StateResolved, rec.State())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownID(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	mock.ExpectQuery("SELECT item_id").WithArgs("nope").WillReturnRows(mock.NewRows(recordColumns))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, crawler.ErrRecordNotFound)
}

func TestPendingListsUndownloadedItems(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	rows := mock.NewRows([]string{"item_id", "title", "url", "token", "meta"}).
		AddRow("a", "A", "http://a", "", []byte(`{"filetype":"pdf"}`)).
		AddRow("b", "B", "http://b", "", []byte(`{}`))
	mock.ExpectQuery("SELECT item_id, title").WithArgs("cninfo", 2).WillReturnRows(rows)
	mock.ExpectQuery("SELECT item_id, title").WithArgs("cninfo", nil).
		WillReturnRows(mock.NewRows([]string{"item_id", "title", "url", "token", "meta"}))

	items, err := store.Pending(context.Background(), "cninfo", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pdf", items[0].Meta["filetype"])
	assert.Nil(t, items[1].Meta)

	items, err = store.Pending(context.Background(), "cninfo", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_records").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS crawl_records_pending_idx").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "records; DROP TABLE x", nil)
	assert.Error(t, err)
	_, err = NewRecordStoreWithPool(nil, "records", nil)
	assert.Error(t, err)
	_, err = NewRecordStore(context.Background(), Config{})
	assert.Error(t, err)
}
