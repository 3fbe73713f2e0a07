package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/certexam/internal/entitlement"
	"github.com/pavelanni/certexam/internal/exam"
	appI18n "github.com/pavelanni/certexam/internal/i18n"
	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/selection"
	"github.com/pavelanni/certexam/internal/store"
)

const maxBodyBytes = 10 << 20

// Config holds HTTP-layer settings.
type Config struct {
	// AdminTokenHash is the bcrypt hash of the admin bearer token.
	// Admin routes reject every request when it is empty.
	AdminTokenHash string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store        *store.Store
	engine       *selection.Engine
	entitlements *entitlement.Resolver
	exams        *exam.Service
	config       Config
	validate     *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, engine *selection.Engine, ent *entitlement.Resolver, exams *exam.Service, cfg Config) *Handler {
	return &Handler{
		store:        s,
		engine:       engine,
		entitlements: ent,
		exams:        exams,
		config:       cfg,
		validate:     validator.New(),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(appI18n.Middleware)

		r.Post("/questions/select", h.handleSelect)

		r.Group(func(r chi.Router) {
			r.Use(requirePlayer)
			r.Get("/courses/{courseID}/entitlement", h.handleGetEntitlement)
			r.Post("/courses/{courseID}/entitlement/redeem", h.handleRedeem)
			r.Post("/courses/{courseID}/attempts", h.handleStartAttempt)
			r.Get("/attempts/{attemptID}", h.handleGetAttempt)
			r.Post("/attempts/{attemptID}/answers", h.handleAnswer)
			r.Post("/attempts/{attemptID}/submit", h.handleSubmit)
			r.Post("/attempts/{attemptID}/discard", h.handleDiscard)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/questions", h.handleImportQuestions)
			r.Post("/questions/{questionID}/deactivate", h.handleSetQuestionActive(false))
			r.Post("/questions/{questionID}/activate", h.handleSetQuestionActive(true))
			r.Get("/attempts/export", h.handleExportAttempts)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type selectResponse struct {
	Questions     []model.PresentedQuestion `json:"questions"`
	PoolExhausted bool                      `json:"pool_exhausted"`
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selection.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.engine.Select(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, selectResponse{Questions: res.Presented(), PoolExhausted: res.PoolExhausted})
}

func (h *Handler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	courseID, err := int64Param(r, "courseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.entitlements.Get(r.Context(), model.PlayerFromContext(r.Context()), courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type redeemResponse struct {
	OK          bool               `json:"ok"`
	Entitlement entitlement.Status `json:"entitlement"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	courseID, err := int64Param(r, "courseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.entitlements.RedeemPoints(r.Context(), model.PlayerFromContext(r.Context()), courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{OK: true, Entitlement: st})
}

type startRequest struct {
	Kind model.AttemptKind `json:"kind" validate:"omitempty,oneof=practice final_exam"`
}

type startResponse struct {
	AttemptID      string                   `json:"attempt_id"`
	Kind           model.AttemptKind        `json:"kind"`
	TotalQuestions int                      `json:"total_questions"`
	Question       *model.PresentedQuestion `json:"question"`
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	courseID, err := int64Param(r, "courseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startRequest
	if err := h.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.exams.Start(r.Context(), model.PlayerFromContext(r.Context()), courseID, req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{
		AttemptID:      v.ID,
		Kind:           v.Kind,
		TotalQuestions: v.TotalQuestions,
		Question:       v.Question,
	})
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	v, err := h.exams.Get(r.Context(), model.PlayerFromContext(r.Context()), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type answerRequest struct {
	QuestionID    int64 `json:"question_id" validate:"required,gt=0"`
	SelectedIndex *int  `json:"selected_index" validate:"required"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := h.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.exams.Answer(r.Context(), model.PlayerFromContext(r.Context()),
		chi.URLParam(r, "attemptID"), req.QuestionID, *req.SelectedIndex)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := h.exams.Submit(r.Context(), model.PlayerFromContext(r.Context()), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type discardRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req discardRequest
	if err := h.decodeAndValidate(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := h.exams.Discard(r.Context(), model.PlayerFromContext(r.Context()), chi.URLParam(r, "attemptID"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode body: %v", model.ErrInvalidParams, err)
	}
	return nil
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidParams, err)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", model.ErrInvalidParams, name, chi.URLParam(r, name))
	}
	return id, nil
}
