package errs

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrFileNotReady     = errors.New("file not ready")
	ErrUnnamed          = errors.New("file has no name")
	ErrDuplicateChunk   = errors.New("duplicate chunk index")
	ErrStoreUnavailable = errors.New("object store unavailable")
	ErrNotStarted       = errors.New("object store client not started")
)

// Validation errors. Both match ErrInvalidInput.
var (
	ErrEmptyUpload = fmt.Errorf("%w: empty file upload is not allowed", ErrInvalidInput)
	ErrInvalidName = fmt.Errorf("%w: invalid file name", ErrInvalidInput)
)
