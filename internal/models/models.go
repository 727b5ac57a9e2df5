package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the upload lifecycle state of a file
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// File represents file metadata stored in TiDB
type File struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsReady reports whether every chunk of the file has been recorded
func (f *File) IsReady() bool {
	return f != nil && f.Status == StatusReady
}

// Chunk is one slice of a file. ContentID is the hash of the chunk bytes and
// doubles as the object key.
type Chunk struct {
	FileID    uuid.UUID `json:"file_id"`
	ContentID string    `json:"content_id"`
	Index     int       `json:"index"`
}
