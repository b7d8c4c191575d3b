package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/grader/internal/catalog"
	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/modelhub"
)

// Catalog resolves the identifiers used in request paths.
type Catalog interface {
	Answer(id int64) (model.StudentAnswer, error)
	Question(id int64) (model.Question, error)
	Student(id int64) (model.Student, error)
	Collections() []model.Collection
	Questions(collectionID int64) ([]model.Question, error)
	Students() []model.Student
	StudentAnswers(studentID int64) ([]model.StudentAnswer, error)
}

// Models prepares and reports on the grading model.
type Models interface {
	Ensure(ctx context.Context, name string, emit modelhub.EmitFunc) error
	Status(ctx context.Context, name string) (string, error)
	Available(ctx context.Context) ([]model.ModelInfo, error)
}

// Grader grades one answer.
type Grader interface {
	Grade(ctx context.Context, question, modelAnswer, studentAnswer string) (*model.LLMResponse, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	catalog Catalog
	models  Models
	grader  Grader
	config  model.ServerConfig
}

// New creates a new Handler.
func New(c Catalog, m Models, g Grader, cfg model.ServerConfig) *Handler {
	return &Handler{catalog: c, models: m, grader: g, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/collections", h.handleListCollections)
		r.Get("/collections/{collectionID}/questions", h.handleListQuestions)
		r.Get("/students", h.handleListStudents)
		r.Get("/students/{studentID}", h.handleGetStudent)
		r.Get("/students/{studentID}/answers", h.handleListStudentAnswers)
		r.Get("/student-answers/{answerID}", h.handleGetAnswer)
		r.Post("/student-answers/{answerID}/prepare", h.handlePrepare)
		r.Post("/student-answers/{answerID}/grade", h.handleGrade)
		r.Get("/models/status", h.handleModelStatus)
		r.Get("/models/available", h.handleModelsAvailable)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"collections": h.catalog.Collections()})
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "collectionID")
	if !ok {
		return
	}
	questions, err := h.catalog.Questions(id)
	if err != nil {
		writeLookupError(w, r, err, "CollectionNotFound")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (h *Handler) handleListStudents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"students": h.catalog.Students()})
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	student, err := h.catalog.Student(id)
	if err != nil {
		writeLookupError(w, r, err, "StudentNotFound")
		return
	}
	writeJSON(w, http.StatusOK, student)
}

func (h *Handler) handleListStudentAnswers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	answers, err := h.catalog.StudentAnswers(id)
	if err != nil {
		writeLookupError(w, r, err, "StudentNotFound")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"student_answers": answers})
}

func (h *Handler) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.answer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	answer, ok := h.answer(w, r)
	if !ok {
		return
	}
	question, err := h.catalog.Question(answer.QuestionID)
	if err != nil {
		writeLookupError(w, r, err, "QuestionNotFound")
		return
	}

	resp, err := h.grader.Grade(r.Context(), question.Text, question.ModelAnswer, answer.Answer)
	if err != nil {
		slog.Error("grading failed",
			"answer_id", answer.ID,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusBadGateway, i18n.Td(r.Context(), "GradingError", map[string]any{"Error": err}))
		return
	}
	resp.StudentAnswerID = answer.ID

	slog.Info("graded answer",
		"answer_id", answer.ID,
		"grade", resp.Grade,
		"confidence", resp.Confidence,
	)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.models.Status(r.Context(), h.config.Model)
	if err != nil {
		slog.Error("model status failed", "model", h.config.Model, "error", err)
		writeError(w, http.StatusBadGateway, i18n.Td(r.Context(), "ModelStatusError", map[string]any{"Error": err}))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "model": h.config.Model})
}

func (h *Handler) handleModelsAvailable(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.Available(r.Context())
	if err != nil {
		slog.Error("list models failed", "error", err)
		writeError(w, http.StatusBadGateway, i18n.Td(r.Context(), "ModelListError", map[string]any{"Error": err}))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// answer resolves the answerID path parameter, writing the error response
// when it cannot.
func (h *Handler) answer(w http.ResponseWriter, r *http.Request) (model.StudentAnswer, bool) {
	id, ok := pathID(w, r, "answerID")
	if !ok {
		return model.StudentAnswer{}, false
	}
	answer, err := h.catalog.Answer(id)
	if err != nil {
		writeLookupError(w, r, err, "AnswerNotFound")
		return model.StudentAnswer{}, false
	}
	return answer, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, i18n.Td(r.Context(), "InvalidID", map[string]any{"Param": param}))
		return 0, false
	}
	return id, true
}

// writeLookupError maps a catalog error to a response. notFoundID is the
// message ID of the localized 404 detail.
func writeLookupError(w http.ResponseWriter, r *http.Request, err error, notFoundID string) {
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, i18n.T(r.Context(), notFoundID))
		return
	}
	slog.Error("catalog lookup failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
