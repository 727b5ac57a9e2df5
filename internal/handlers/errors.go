package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/maneesh/chunkstore/internal/errs"
	"github.com/maneesh/chunkstore/internal/logger"
)

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrFileNotReady):
		return http.StatusConflict
	case errors.Is(err, errs.ErrStoreUnavailable), errors.Is(err, errs.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err onto a status code. Internal errors are logged and
// their detail is withheld from the client.
func writeError(ctx context.Context, w http.ResponseWriter, log *logger.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.For(ctx).Error("request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}
