package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imgharvest/internal/storage"
)

func newMockStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewRecordStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, "records")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStoreWithPool(mock, "records; DROP TABLE x")
	assert.Error(t, err)
}

func TestRecordKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := RecordKey("n01440764", "ab-cd.jpg")
	assert.Equal(t, "n01440764-ab-cd.jpg", key)
	cat, file, err := SplitRecordKey(key)
	require.NoError(t, err)
	assert.Equal(t, "n01440764", cat)
	assert.Equal(t, "ab-cd.jpg", file)

	_, _, err = SplitRecordKey("nodash")
	assert.Error(t, err)
}

func TestCreateAndDropSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("DROP TABLE IF EXISTS records").WillReturnResult(pgxmock.NewResult("DROP", 0))

	require.NoError(t, store.CreateSchema(context.Background()))
	require.NoError(t, store.DropSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("catA-a.jpg").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), "catA", "a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByCategory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(`cat\_A-%`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.CountByCategory(context.Background(), "cat_A")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO records").
		WithArgs("catA-a.jpg", "https://i.pinimg.com/736x/a.jpg", int16(storage.EngineLocal)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO records").
		WithArgs("catA-a.jpg", "https://i.pinimg.com/736x/a.jpg", int16(storage.EngineLocal)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectExec("INSERT INTO records").
		WithArgs("catA-b.jpg", "u", int16(storage.EngineGCS)).
		WillReturnError(errors.New("connection reset"))

	inserted, err := store.Insert(ctx, "catA", "a.jpg", "https://i.pinimg.com/736x/a.jpg", storage.EngineLocal)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Insert(ctx, "catA", "a.jpg", "https://i.pinimg.com/736x/a.jpg", storage.EngineLocal)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = store.Insert(ctx, "catA", "b.jpg", "u", storage.EngineGCS)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportSince(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, category_and_file_name, url FROM records").
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "category_and_file_name", "url"}).
			AddRow(int64(5), "catA-a.jpg", "u1").
			AddRow(int64(9), "catB-b.jpg", "u2"))

	var got []Record
	maxID, err := store.ExportSince(context.Background(), 4, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), maxID)
	assert.Equal(t, []Record{
		{ID: 5, Category: "catA", FileName: "a.jpg", URL: "u1"},
		{ID: 9, Category: "catB", FileName: "b.jpg", URL: "u2"},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportSinceNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id").
		WithArgs(int64(-1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "category_and_file_name", "url"}))

	maxID, err := store.ExportSince(context.Background(), -1, func(Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(-1), maxID)
}
