package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pavelanni/certexam/internal/model"
)

type importResponse struct {
	Imported  int  `json:"imported"`
	Duplicate bool `json:"duplicate"`
}

// handleImportQuestions loads a JSON array of questions. Uploading the same
// bytes twice is detected by content hash and imports nothing.
func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read body: %v", model.ErrInvalidParams, err))
		return
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])
	key := "upload:" + hash

	storedHash, err := h.store.GetImportedFileHash(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if storedHash == hash {
		writeJSON(w, http.StatusOK, importResponse{Duplicate: true})
		return
	}

	var questions []model.QuestionImport
	if err := json.Unmarshal(data, &questions); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON: %v", model.ErrInvalidParams, err))
		return
	}

	n, err := h.store.ImportQuestions(r.Context(), questions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SetImportedFileHash(r.Context(), key, hash); err != nil {
		slog.Error("failed to record import", "error", err)
	}

	slog.Info("uploaded questions via admin", "count", n)
	writeJSON(w, http.StatusCreated, importResponse{Imported: n})
}

// handleSetQuestionActive toggles pool membership. Attempts already holding
// the question keep it.
func (h *Handler) handleSetQuestionActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := int64Param(r, "questionID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := h.store.SetQuestionActive(r.Context(), id, active); err != nil {
			writeError(w, r, err)
			return
		}
		slog.Info("question active flag changed", "question_id", id, "active", active)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (h *Handler) handleExportAttempts(w http.ResponseWriter, r *http.Request) {
	var courseID int64
	if v := r.URL.Query().Get("course_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid course_id %q", model.ErrInvalidParams, v))
			return
		}
		courseID = id
	}
	results, err := h.store.ExportAttempts(r.Context(), courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		CourseID:   courseID,
		Results:    results,
	})
}
