package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", DatabaseFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetList(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{
		ID: "auth-basic", Version: "1.0.0", Source: "/src/auth",
		Checksum: "abc", InstallDir: "/data/plugins/auth-basic",
	}))
	first, err := s.Get(ctx, "auth-basic")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", first.Version)
	assert.False(t, first.InstalledAt.IsZero())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Put(ctx, Record{
		ID: "auth-basic", Version: "1.1.0", Source: "/src/auth",
		InstallDir: "/data/plugins/auth-basic", InstalledAt: time.Now(),
	}))
	updated, err := s.Get(ctx, "auth-basic")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.True(t, updated.InstalledAt.Equal(first.InstalledAt), "install time survives updates")
	assert.True(t, updated.UpdatedAt.After(first.UpdatedAt))

	require.NoError(t, s.Put(ctx, Record{ID: "tmpl", Version: "0.1.0", Source: "x", InstallDir: "/d/tmpl"}))
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "auth-basic", all[0].ID)
}

func TestStore_KeepsInstallOptions(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{
		ID: "pinned", Version: "1.0.0", Source: "https://example.com/p.zip", InstallDir: "/d/pinned",
		PinnedChecksum: "sha256:abc", NoVerify: true, SkipValidation: true,
	}))
	got, err := s.Get(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", got.PinnedChecksum)
	assert.True(t, got.NoVerify)
	assert.True(t, got.SkipValidation)

	require.NoError(t, s.Put(ctx, Record{ID: "pinned", Version: "1.1.0", Source: "https://example.com/p.zip", InstallDir: "/d/pinned"}))
	got, err = s.Get(ctx, "pinned")
	require.NoError(t, err)
	assert.Empty(t, got.PinnedChecksum)
	assert.False(t, got.NoVerify)
	assert.False(t, got.SkipValidation)
}

func TestStore_DeleteAndNotFound(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "missing"), ErrNotFound))

	require.NoError(t, s.Put(ctx, Record{ID: "p", Version: "1.0.0", Source: "s", InstallDir: "d"}))
	require.NoError(t, s.Delete(ctx, "p"))
	_, err = s.Get(ctx, "p")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), DatabaseFile)
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), Record{ID: "p", Version: "1.0.0", Source: "s", InstallDir: "d"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)
}

func TestNew_SchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnError(errors.New("disk I/O error"))

	_, err = New(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO plugins").WillReturnError(errors.New("database is locked"))
	err = s.Put(context.Background(), Record{ID: "p", Version: "1.0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save record for p")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "version"}).AddRow("p", "1.0.0")
	mock.ExpectQuery("SELECT (.+) FROM plugins").WillReturnRows(rows)

	_, err = s.List(context.Background())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteRowsAffectedError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM plugins").WillReturnResult(sqlmock.NewErrorResult(errors.New("unsupported")))
	err = s.Delete(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugins").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewWithDialect(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")).
		WithArgs("p", "1.0.0", "/src/p", "", "", "/d/p", sqlmock.AnyArg(), sqlmock.AnyArg(), "abc", true, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(context.Background(), Record{ID: "p", Version: "1.0.0", Source: "/src/p", InstallDir: "/d/p",
		PinnedChecksum: "abc", NoVerify: true}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM plugins WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM plugins WHERE id = $1")).
		WithArgs("p").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(context.Background(), "p"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}
