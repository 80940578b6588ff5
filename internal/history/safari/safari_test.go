package safari

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

const schema = `
CREATE TABLE history_items (id INTEGER PRIMARY KEY, url TEXT NOT NULL UNIQUE);
CREATE TABLE history_visits (id INTEGER PRIMARY KEY, history_item INTEGER NOT NULL, visit_time REAL NOT NULL);`

func seedHistory(t *testing.T, path string, now time.Time) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	db.MustExec(schema)
	db.MustExec(`INSERT INTO history_items (id, url) VALUES (1, 'https://old.example'), (2, 'https://new.example'), (3, 'https://newer.example')`)
	native := float64(digest.ToNative(now))
	db.MustExec(`INSERT INTO history_visits (history_item, visit_time) VALUES (?, ?), (?, ?), (?, ?)`,
		1, native-3*86400,
		2, native-3600.5,
		3, native-60,
	)
}

func TestSinceFiltersByCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "History.db")
	seedHistory(t, path, now)

	src, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer src.Close() //nolint:errcheck

	records, err := src.Since(context.Background(), 1, now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://new.example", records[0].URL)
	assert.Equal(t, digest.ToNative(now)-3601, records[0].VisitTime)
	assert.Equal(t, "https://newer.example", records[1].URL)

	records, err = src.Since(context.Background(), 7, now)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestSinceWrapsQueryErrors(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck

	src := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"))
	now := time.Unix(1_700_000_000, 0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM history_items")).
		WithArgs(digest.ToNative(now.Add(-24 * time.Hour))).
		WillReturnError(errors.New("database is locked"))

	_, err = src.Since(context.Background(), 1, now)
	require.ErrorContains(t, err, "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}
