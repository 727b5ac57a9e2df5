package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/models"
)

func newMockTiDB(t *testing.T) (*TiDBClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTiDBClientFromDB(db), mock
}

func TestTiDB_EnsureSchema(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS files").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chunks").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, tc.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDB_CreateFile(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO files")).
		WithArgs(sqlmock.AnyArg(), "report.pdf", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	file, err := tc.CreateFile(context.Background(), "report.pdf")

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, file.ID)
	assert.Equal(t, "report.pdf", file.Name)
	assert.Equal(t, models.StatusPending, file.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDB_CreateFileFailure(t *testing.T) {
	tc, mock := newMockTiDB(t)
	boom := errors.New("connection refused")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO files")).WillReturnError(boom)

	file, err := tc.CreateFile(context.Background(), "x")

	assert.Nil(t, file)
	assert.ErrorIs(t, err, boom)
}

func TestTiDB_AppendChunk(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(fileID.String(), 0, "abc").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, tc.AppendChunk(context.Background(), fileID, "abc", 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDB_AppendChunkDuplicate(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := tc.AppendChunk(context.Background(), fileID, "abc", 0)

	assert.ErrorIs(t, err, errs.ErrDuplicateChunk)
}

func TestTiDB_GetFile(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	parentID := uuid.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "name", "status", "parent_id", "created_at", "updated_at"}).
		AddRow(fileID.String(), "a.txt", "ready", parentID.String(), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, status, parent_id, created_at, updated_at FROM files WHERE id = ?")).
		WithArgs(fileID.String()).
		WillReturnRows(rows)

	file, err := tc.GetFile(context.Background(), fileID)

	require.NoError(t, err)
	assert.Equal(t, fileID, file.ID)
	assert.Equal(t, "a.txt", file.Name)
	assert.True(t, file.IsReady())
	require.NotNil(t, file.ParentID)
	assert.Equal(t, parentID, *file.ParentID)
	assert.Equal(t, now, file.CreatedAt)
}

func TestTiDB_GetFileRootHasNoParent(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "status", "parent_id", "created_at", "updated_at"}).
		AddRow(fileID.String(), "a.txt", "pending", nil, now, now)
	mock.ExpectQuery("SELECT id, name").WillReturnRows(rows)

	file, err := tc.GetFile(context.Background(), fileID)

	require.NoError(t, err)
	assert.Nil(t, file.ParentID)
	assert.False(t, file.IsReady())
}

func TestTiDB_GetFileNotFound(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectQuery("SELECT id, name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "parent_id", "created_at", "updated_at"}))

	_, err := tc.GetFile(context.Background(), uuid.New())

	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTiDB_GetFilename(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM files")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("movie.mkv"))

	name, err := tc.GetFilename(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.Equal(t, "movie.mkv", name)
}

func TestTiDB_GetFilenameDistinguishesMissingFromUnnamed(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM files")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM files")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow(""))

	_, err := tc.GetFilename(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.NotErrorIs(t, err, errs.ErrUnnamed)

	_, err = tc.GetFilename(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrUnnamed)
	assert.NotErrorIs(t, err, errs.ErrNotFound)
}

func TestTiDB_GetChunksOrdersByIndex(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	rows := sqlmock.NewRows([]string{"chunk_index", "content_id"}).
		AddRow(0, "h0").
		AddRow(1, "h1").
		AddRow(2, "h2")
	mock.ExpectQuery(`ORDER BY chunk_index ASC`).
		WithArgs(fileID.String()).
		WillReturnRows(rows)

	chunks, err := tc.GetChunks(context.Background(), fileID)

	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, fileID, c.FileID)
	}
	assert.Equal(t, "h2", chunks[2].ContentID)
}

func TestTiDB_MarkReadyAndFailed(t *testing.T) {
	tc, mock := newMockTiDB(t)
	fileID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE files SET status = ?")).
		WithArgs("ready", sqlmock.AnyArg(), fileID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE files SET status = ?")).
		WithArgs("failed", sqlmock.AnyArg(), fileID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, tc.MarkReady(context.Background(), fileID))
	require.NoError(t, tc.MarkFailed(context.Background(), fileID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDB_MarkUnknownFileIsNoop(t *testing.T) {
	tc, mock := newMockTiDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE files")).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, tc.MarkFailed(context.Background(), uuid.New()))
}
