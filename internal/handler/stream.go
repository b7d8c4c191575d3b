package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/progress"
)

// handlePrepare streams the preparation of the grading model as JSON Lines.
// Unknown answers are rejected before the stream starts. Once streaming, every
// failure is reported in-band as an error record.
func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.answer(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "StreamingUnsupported"))
		return
	}

	ctx := r.Context()
	if h.config.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.StreamTimeout)
		defer cancel()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := slog.With(
		"answer_id", answer.ID,
		"model", h.config.Model,
		"request_id", middleware.GetReqID(r.Context()),
	)
	enc := json.NewEncoder(w)

	var sent int
	err := h.models.Ensure(ctx, h.config.Model, func(ev progress.Event) error {
		if err := enc.Encode(ev.Wire()); err != nil {
			return fmt.Errorf("write progress record: %w", err)
		}
		flusher.Flush()
		sent++
		return nil
	})
	switch {
	case err == nil:
		log.Info("model prepared", "records", sent)
	case errors.Is(err, context.Canceled):
		log.Info("client left during model preparation", "records", sent)
	default:
		log.Warn("model preparation ended with error", "records", sent, "error", err)
	}
}
