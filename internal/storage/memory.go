package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/models"
)

// MemoryMetadata keeps file and chunk records in process memory. It has the
// same semantics as TiDBClient and backs local runs and tests.
type MemoryMetadata struct {
	mu     sync.RWMutex
	files  map[uuid.UUID]models.File
	chunks map[uuid.UUID]map[int]string
}

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{
		files:  make(map[uuid.UUID]models.File),
		chunks: make(map[uuid.UUID]map[int]string),
	}
}

func (m *MemoryMetadata) CreateFile(_ context.Context, name string) (*models.File, error) {
	now := time.Now().UTC()
	file := models.File{
		ID:        uuid.New(),
		Name:      name,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.files[file.ID] = file
	m.mu.Unlock()

	return &file, nil
}

func (m *MemoryMetadata) AppendChunk(_ context.Context, fileID uuid.UUID, contentID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byIndex, ok := m.chunks[fileID]
	if !ok {
		byIndex = make(map[int]string)
		m.chunks[fileID] = byIndex
	}
	if _, dup := byIndex[index]; dup {
		return fmt.Errorf("%w: file %s index %d", errs.ErrDuplicateChunk, fileID, index)
	}
	byIndex[index] = contentID
	return nil
}

func (m *MemoryMetadata) GetFile(_ context.Context, fileID uuid.UUID) (*models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", errs.ErrNotFound, fileID)
	}
	return &file, nil
}

func (m *MemoryMetadata) GetFilename(ctx context.Context, fileID uuid.UUID) (string, error) {
	file, err := m.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file.Name == "" {
		return "", fmt.Errorf("%w: file %s", errs.ErrUnnamed, fileID)
	}
	return file.Name, nil
}

// GetChunks returns the file's chunks sorted by index.
func (m *MemoryMetadata) GetChunks(_ context.Context, fileID uuid.UUID) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byIndex := m.chunks[fileID]
	chunks := make([]*models.Chunk, 0, len(byIndex))
	for index, contentID := range byIndex {
		chunks = append(chunks, &models.Chunk{FileID: fileID, ContentID: contentID, Index: index})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (m *MemoryMetadata) MarkReady(_ context.Context, fileID uuid.UUID) error {
	m.setStatus(fileID, models.StatusReady)
	return nil
}

func (m *MemoryMetadata) MarkFailed(_ context.Context, fileID uuid.UUID) error {
	m.setStatus(fileID, models.StatusFailed)
	return nil
}

func (m *MemoryMetadata) setStatus(fileID uuid.UUID, status models.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[fileID]
	if !ok {
		return
	}
	file.Status = status
	file.UpdatedAt = time.Now().UTC()
	m.files[fileID] = file
}
