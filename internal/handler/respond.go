package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/certexam/internal/entitlement"
	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/selection"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	PoolCount *int   `json:"pool_count,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps service errors to status codes and localized messages.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		status      = http.StatusInternalServerError
		body        = errorBody{Error: "InternalError"}
		denied      *entitlement.DeniedError
		noQuestions *selection.NoQuestionsError
	)

	switch {
	case errors.Is(err, model.ErrMissingDifficulty):
		status, body.Error = http.StatusBadRequest, "MissingDifficulty"
		body.Message = appI18n.T(ctx, "MissingDifficulty")
	case errors.Is(err, model.ErrInvalidParams):
		status, body.Error = http.StatusBadRequest, "InvalidParams"
		body.Message = appI18n.Td(ctx, "InvalidParams", map[string]any{"Detail": err.Error()})
	case errors.Is(err, model.ErrCourseNotFound):
		status, body.Error = http.StatusNotFound, "CourseNotFound"
		body.Message = appI18n.T(ctx, "CourseNotFound")
	case errors.Is(err, model.ErrNotFound):
		status, body.Error = http.StatusNotFound, "NotFound"
		body.Message = appI18n.T(ctx, "NotFound")
	case errors.Is(err, model.ErrNoQuestions):
		pool := 0
		if errors.As(err, &noQuestions) {
			pool = noQuestions.PoolCount
		}
		status, body.Error, body.PoolCount = http.StatusConflict, "NoQuestions", &pool
		if pool > 0 {
			body.Message = appI18n.Tp(ctx, "NoQuestionsLeft", pool)
		} else {
			body.Message = appI18n.T(ctx, "NoQuestions")
		}
	case errors.Is(err, model.ErrStateConflict):
		status, body.Error = http.StatusConflict, "StateConflict"
		body.Message = appI18n.T(ctx, "StateConflict")
	case errors.As(err, &denied):
		status, body.Error = http.StatusPaymentRequired, "EntitlementDenied"
		if !denied.Status.Available {
			pool := denied.Status.PoolCount
			body.PoolCount = &pool
			body.Message = appI18n.Tp(ctx, "CertificationUnavailable", pool)
		} else {
			body.Message = appI18n.T(ctx, "EntitlementRequired")
		}
	case errors.Is(err, model.ErrEntitlementDenied):
		status, body.Error = http.StatusPaymentRequired, "EntitlementDenied"
		body.Message = appI18n.T(ctx, "InsufficientPoints")
	case errors.Is(err, model.ErrStoreUnavailable):
		status, body.Error = http.StatusServiceUnavailable, "StoreUnavailable"
		body.Message = appI18n.T(ctx, "StoreUnavailable")
	default:
		body.Message = appI18n.T(ctx, "InternalError")
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(ctx), "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", body.Error, "error", err)
	}
	writeJSON(w, status, body)
}
