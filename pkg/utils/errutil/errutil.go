package errutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
)

// Handle logs err with msg and reports it to Sentry when a client is configured.
// It returns err unchanged so callers can keep propagating it.
func Handle(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}

	logging.From(ctx).Error(msg, errorAttrs(err)...)
	capture(err)
	return err
}

// HTTPStatus maps domain errors to response codes
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, model.ErrChunking),
		errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, model.ErrInputTooLarge),
		errors.Is(err, model.ErrUnpairedToolResult):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDocumentNotFound),
		errors.Is(err, model.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRetrievalTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrEmbeddingService),
		errors.Is(err, model.ErrIndex):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleHTTP logs err and writes a JSON error body with the mapped status code.
// 5xx errors are reported to Sentry; 4xx are logged at warn level only.
func HandleHTTP(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	status := HTTPStatus(err)
	attrs := append([]any{slog.Int("status", status)}, errorAttrs(err)...)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logging.From(ctx).Error("request failed", attrs...)
		capture(err)
		message = http.StatusText(status)
	} else {
		logging.From(ctx).Warn("request rejected", attrs...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorResponse{Error: message}); encErr != nil {
		logging.From(ctx).Warn("failed to write error response", logging.ErrAttr(encErr))
	}
}

func errorAttrs(err error) []any {
	attrs := []any{logging.ErrAttr(err)}
	var ge *goerr.Error
	if errors.As(err, &ge) {
		attrs = append(attrs, slog.Any("values", ge.Values()))
	}
	return attrs
}

func capture(err error) {
	hub := sentry.CurrentHub()
	if hub == nil || hub.Client() == nil {
		return
	}

	hub.WithScope(func(scope *sentry.Scope) {
		var ge *goerr.Error
		if errors.As(err, &ge) {
			scope.SetContext("values", sentry.Context(ge.Values()))
		}
		hub.CaptureException(err)
	})
}
