package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/models"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id         CHAR(36)     NOT NULL PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		status     VARCHAR(16)  NOT NULL,
		parent_id  CHAR(36)     NULL,
		created_at DATETIME(6)  NOT NULL,
		updated_at DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		file_id     CHAR(36) NOT NULL,
		chunk_index INT      NOT NULL,
		content_id  CHAR(64) NOT NULL,
		PRIMARY KEY (file_id, chunk_index),
		KEY idx_chunks_content_id (content_id)
	)`,
}

// TiDBClient is the metadata repository backed by TiDB (or any MySQL-compatible server)
type TiDBClient struct {
	db  *sql.DB
	now func() time.Time
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewTiDBClientFromDB(db), nil
}

// NewTiDBClientFromDB wraps an already opened database handle
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema creates the files and chunks tables if they are missing
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CreateFile inserts a pending file record under a fresh identifier
func (tc *TiDBClient) CreateFile(ctx context.Context, name string) (*models.File, error) {
	file := &models.File{
		ID:     uuid.New(),
		Name:   name,
		Status: models.StatusPending,
	}
	file.CreatedAt = tc.now()
	file.UpdatedAt = file.CreatedAt

	ctx, span := tracer.Start(ctx, "tidb.create_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID.String()),
			attribute.String("file_name", name),
		),
	)
	defer span.End()

	query := `INSERT INTO files (id, name, status, parent_id, created_at, updated_at)
			  VALUES (?, ?, ?, NULL, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query, file.ID.String(), file.Name, string(file.Status), file.CreatedAt, file.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert file: %w", err)
	}

	return file, nil
}

// AppendChunk inserts one chunk row. A repeated (file, index) pair is rejected
// with errs.ErrDuplicateChunk.
func (tc *TiDBClient) AppendChunk(ctx context.Context, fileID uuid.UUID, contentID string, index int) error {
	ctx, span := tracer.Start(ctx, "tidb.append_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
			attribute.String("content_id", contentID),
			attribute.Int("chunk_index", index),
		),
	)
	defer span.End()

	query := `INSERT INTO chunks (file_id, chunk_index, content_id) VALUES (?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query, fileID.String(), index, contentID)
	if err != nil {
		span.RecordError(err)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: file %s index %d", errs.ErrDuplicateChunk, fileID, index)
		}
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

// GetFile retrieves file metadata by ID
func (tc *TiDBClient) GetFile(ctx context.Context, fileID uuid.UUID) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
		),
	)
	defer span.End()

	query := `SELECT id, name, status, parent_id, created_at, updated_at FROM files WHERE id = ?`

	var (
		id       string
		status   string
		parentID sql.NullString
		file     models.File
	)
	err := tc.db.QueryRowContext(ctx, query, fileID.String()).Scan(
		&id,
		&file.Name,
		&status,
		&parentID,
		&file.CreatedAt,
		&file.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: file %s", errs.ErrNotFound, fileID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	if file.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse file id %q: %w", id, err)
	}
	file.Status = models.Status(status)
	if parentID.Valid {
		parent, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse parent id %q: %w", parentID.String, err)
		}
		file.ParentID = &parent
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}

// GetFilename returns the stored name of a file
func (tc *TiDBClient) GetFilename(ctx context.Context, fileID uuid.UUID) (string, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_filename",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
		),
	)
	defer span.End()

	var name string
	err := tc.db.QueryRowContext(ctx, `SELECT name FROM files WHERE id = ?`, fileID.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: file %s", errs.ErrNotFound, fileID)
	} else if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to query filename: %w", err)
	}
	if name == "" {
		return "", fmt.Errorf("%w: file %s", errs.ErrUnnamed, fileID)
	}
	return name, nil
}

// GetChunks retrieves all chunks for a file ordered by chunk_index
func (tc *TiDBClient) GetChunks(ctx context.Context, fileID uuid.UUID) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
		),
	)
	defer span.End()

	query := `SELECT chunk_index, content_id
			  FROM chunks
			  WHERE file_id = ?
			  ORDER BY chunk_index ASC`

	rows, err := tc.db.QueryContext(ctx, query, fileID.String())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		chunk := models.Chunk{FileID: fileID}
		if err := rows.Scan(&chunk.Index, &chunk.ContentID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// MarkReady flags the file as fully uploaded. Unknown ids are ignored.
func (tc *TiDBClient) MarkReady(ctx context.Context, fileID uuid.UUID) error {
	return tc.setStatus(ctx, fileID, models.StatusReady)
}

// MarkFailed flags the file as failed. Unknown ids are ignored.
func (tc *TiDBClient) MarkFailed(ctx context.Context, fileID uuid.UUID) error {
	return tc.setStatus(ctx, fileID, models.StatusFailed)
}

func (tc *TiDBClient) setStatus(ctx context.Context, fileID uuid.UUID, status models.Status) error {
	ctx, span := tracer.Start(ctx, "tidb.set_status",
		trace.WithAttributes(
			attribute.String("file_id", fileID.String()),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	query := `UPDATE files SET status = ?, updated_at = ? WHERE id = ?`

	res, err := tc.db.ExecContext(ctx, query, string(status), tc.now(), fileID.String())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update file status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		span.SetAttributes(attribute.Int64("rows_affected", n))
	}
	return nil
}
