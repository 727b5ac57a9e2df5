package handlers

import (
	"context"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
	"github.com/maneesh/chunkstore/internal/models"
)

var tracer = otel.Tracer("chunkstore-handlers")

// Service is the part of the storage engine the HTTP layer needs.
type Service interface {
	Store(ctx context.Context, name string, src io.Reader) (uuid.UUID, error)
	Retrieve(ctx context.Context, fileID uuid.UUID) (iter.Seq2[[]byte, error], error)
	Describe(ctx context.Context, fileID uuid.UUID) (*models.File, error)
}

var validName = regexp.MustCompile(`^[\w\-. ]+$`)

// maxNameLength matches the width of the files.name column.
const maxNameLength = 255

// WriteHandler handles file upload requests
type WriteHandler struct {
	svc Service
	log *logger.Logger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(svc Service, log *logger.Logger) *WriteHandler {
	return &WriteHandler{svc: svc, log: log}
}

// WriteResponse represents the response for a write operation
type WriteResponse struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// ServeHTTP handles PUT|POST /upload?name=filename. The name may instead come
// from a Content-Disposition header; without either the engine picks one.
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	defer r.Body.Close()

	filename, err := uploadName(r)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, wh.log, err)
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	fileID, err := wh.svc.Store(ctx, filename, r.Body)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, wh.log, err)
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID.String()))

	file, err := wh.svc.Describe(ctx, fileID)
	if err == nil {
		filename = file.Name
	}

	wh.log.For(ctx).Info("file upload completed",
		zap.String("file_id", fileID.String()),
		zap.String("file_name", filename),
	)
	writeJSON(w, http.StatusCreated, WriteResponse{
		FileID:   fileID.String(),
		FileName: filename,
	})
}

func uploadName(r *http.Request) (string, error) {
	name := r.URL.Query().Get("name")
	if name == "" {
		if cd := r.Header.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				name = params["filename"]
			}
		}
	}
	if name == "" {
		return "", nil
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func validateName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", errs.ErrInvalidName, maxNameLength)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") || !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidName, name)
	}
	return nil
}
