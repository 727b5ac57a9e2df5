package handlers

import (
	"fmt"
	"iter"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
)

// ReadHandler handles file download requests
type ReadHandler struct {
	svc Service
	log *logger.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc Service, log *logger.Logger) *ReadHandler {
	return &ReadHandler{svc: svc, log: log}
}

// DownloadInfo is returned to clients that do not accept a raw byte stream.
type DownloadInfo struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
}

// ServeHTTP handles GET /download/{file_id}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	raw := mux.Vars(r)["file_id"]
	fileID, err := uuid.Parse(raw)
	if err != nil {
		writeError(ctx, w, rh.log, fmt.Errorf("%w: malformed file id %q", errs.ErrInvalidInput, raw))
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID.String()))

	file, err := rh.svc.Describe(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, rh.log, err)
		return
	}
	if !file.IsReady() {
		writeError(ctx, w, rh.log, fmt.Errorf("%w: file %s is %s", errs.ErrFileNotReady, fileID, file.Status))
		return
	}
	span.SetAttributes(attribute.String("file_name", file.Name))

	if !acceptsStream(r.Header.Get("Accept")) {
		writeJSON(w, http.StatusOK, DownloadInfo{
			FileID:      fileID.String(),
			Filename:    file.Name,
			DownloadURL: downloadURL(r, fileID),
		})
		return
	}

	blocks, err := rh.svc.Retrieve(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, rh.log, err)
		return
	}

	next, stop := iter.Pull2(blocks)
	defer stop()

	// The first block decides the status code; after it the headers are gone.
	first, err, ok := next()
	if ok && err != nil {
		span.RecordError(err)
		writeError(ctx, w, rh.log, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(file.Name, `"`, `\"`)))
	w.Header().Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	var written int64
	for block := first; ok; block, err, ok = next() {
		if err != nil {
			span.RecordError(err)
			rh.log.For(ctx).Error("download aborted",
				zap.String("file_id", fileID.String()),
				zap.Int64("bytes_written", written),
				zap.Error(err),
			)
			// drop the connection so the client sees a truncated body
			panic(http.ErrAbortHandler)
		}
		n, werr := w.Write(block)
		written += int64(n)
		if werr != nil {
			rh.log.For(ctx).Warn("client went away",
				zap.String("file_id", fileID.String()),
				zap.Error(werr),
			)
			return
		}
		_ = rc.Flush()
	}

	span.SetAttributes(attribute.Int64("bytes_written", written))
	rh.log.For(ctx).Info("file read completed",
		zap.String("file_id", fileID.String()),
		zap.String("file_name", file.Name),
		zap.Int64("bytes_written", written),
	)
}

// acceptsStream reports whether the Accept header admits an octet stream.
func acceptsStream(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == "application/octet-stream" || mediaType == "*/*" {
			return true
		}
	}
	return false
}

func downloadURL(r *http.Request, fileID uuid.UUID) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s/download/%s", scheme, r.Host, fileID)
}
