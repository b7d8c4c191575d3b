package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/grader/internal/catalog"
	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/modelhub"
	"github.com/pavelanni/grader/internal/progress"
)

type fakeModels struct {
	mu        sync.Mutex
	events    []progress.Event
	ensureErr error
	ensured   []string
	status    string
	list      []model.ModelInfo
	listErr   error
}

func (f *fakeModels) Ensure(_ context.Context, name string, emit modelhub.EmitFunc) error {
	f.mu.Lock()
	f.ensured = append(f.ensured, name)
	f.mu.Unlock()
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return f.ensureErr
}

func (f *fakeModels) Status(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.listErr
}

func (f *fakeModels) Available(context.Context) ([]model.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, f.listErr
}

func (f *fakeModels) ensuredModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

func (f *fakeModels) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

type fakeGrader struct {
	mu   sync.Mutex
	got  []string
	resp *model.LLMResponse
	err  error
}

func (f *fakeGrader) Grade(_ context.Context, question, modelAnswer, studentAnswer string) (*model.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = []string{question, modelAnswer, studentAnswer}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		[]model.Collection{{ID: 1, Name: "Go", Questions: []model.Question{
			{ID: 10, Text: "What is a goroutine?", ModelAnswer: "A lightweight thread."},
		}}},
		[]model.Student{{ID: 3, Name: "Ada"}},
		[]model.StudentAnswer{{ID: 42, StudentID: 3, QuestionID: 10, Answer: "A cheap thread"}},
	)
	require.NoError(t, err)
	return c
}

func newTestServer(t *testing.T, m *fakeModels, g *fakeGrader) *httptest.Server {
	t.Helper()
	h := New(testCatalog(t), m, g, model.ServerConfig{Model: "llama3"})
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(i18n.Middleware("en"))
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestPrepareStreamsJSONLines(t *testing.T) {
	m := &fakeModels{events: []progress.Event{
		progress.NewEvent(progress.StatusModelNotFound, "Model llama3 not found, downloading"),
		progress.Downloading("sha256:ab", 524288, 1048576),
		progress.NewEvent(progress.StatusModelReady, "Model llama3 is ready"),
	}}
	srv := newTestServer(t, m, &fakeGrader{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/student-answers/42/prepare")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, []string{"llama3"}, m.ensuredModels())

	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"status":"model_not_found","message":"Model llama3 not found, downloading"}`, lines[0])
	assert.JSONEq(t, `{"status":"downloading","digest":"sha256:ab","completed":524288,"total":1048576}`, lines[1])
	assert.JSONEq(t, `{"status":"model_ready","message":"Model llama3 is ready"}`, lines[2])
}

func TestPrepareUnknownAnswer(t *testing.T) {
	m := &fakeModels{}
	srv := newTestServer(t, m, &fakeGrader{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/student-answers/7/prepare")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Student answer not found"}`, body)
	assert.Empty(t, m.ensuredModels())
}

func TestPrepareInvalidID(t *testing.T) {
	srv := newTestServer(t, &fakeModels{}, &fakeGrader{})
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/student-answers/abc/prepare")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPrepareFeedsConsumer(t *testing.T) {
	m := &fakeModels{events: []progress.Event{
		progress.NewEvent(progress.StatusModelNotFound, ""),
		progress.Downloading("sha256:ab", 0, 1000000),
		progress.Downloading("sha256:ab", 500000, 1000000),
		progress.NewEvent(progress.StatusModelReady, "done"),
	}}
	srv := newTestServer(t, m, &fakeGrader{})

	var last *progress.Snapshot
	c := progress.NewConsumer(progress.HTTPSource{
		Client: srv.Client(),
		URL:    func(id string) string { return srv.URL + "/api/student-answers/" + id + "/prepare" },
	}, progress.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnState: func(s progress.State) {
			if s.Progress != nil {
				last = s.Progress
			}
		},
	})

	res := c.Run(context.Background(), "42")
	assert.Equal(t, progress.Result{Success: true, Message: "done"}, res)
	require.NotNil(t, last)
	assert.Equal(t, "0.5 MB / 1.0 MB", last.Message)
}

func TestPrepareReportsEnsureErrorInBand(t *testing.T) {
	m := &fakeModels{
		events:    []progress.Event{progress.NewEvent(progress.StatusError, "pull model llama3: connection refused")},
		ensureErr: errors.New("pull model llama3: connection refused"),
	}
	srv := newTestServer(t, m, &fakeGrader{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/student-answers/42/prepare")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(strings.NewReader(body))
	require.True(t, sc.Scan())
	ev, err := progress.ParseEvent(sc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, progress.StatusError, ev.Status)
	assert.Contains(t, ev.Message, "connection refused")
}

func TestGrade(t *testing.T) {
	g := &fakeGrader{resp: &model.LLMResponse{ID: "r1", Grade: 0.9, Feedback: "good", Confidence: model.ConfidenceHigh}}
	srv := newTestServer(t, &fakeModels{}, g)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/student-answers/42/grade")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.LLMResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, int64(42), got.StudentAnswerID)
	assert.Equal(t, 0.9, got.Grade)
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, []string{"What is a goroutine?", "A lightweight thread.", "A cheap thread"}, g.got)
}

func TestGradeErrors(t *testing.T) {
	srv := newTestServer(t, &fakeModels{}, &fakeGrader{err: errors.New("LLM grading API call: timeout")})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/student-answers/42/grade")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "Grading error")

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/student-answers/999/grade")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCatalogEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeModels{}, &fakeGrader{})

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/api/collections", 200, `{"collections":[{"id":1,"name":"Go"}]}`},
		{"/api/collections/1/questions", 200,
			`{"questions":[{"id":10,"collection_id":1,"text":"What is a goroutine?","model_answer":"A lightweight thread."}]}`},
		{"/api/collections/2/questions", 404, `{"detail":"Collection not found"}`},
		{"/api/students", 200, `{"students":[{"id":3,"name":"Ada"}]}`},
		{"/api/students/3", 200, `{"id":3,"name":"Ada"}`},
		{"/api/students/9", 404, `{"detail":"Student not found"}`},
		{"/api/students/3/answers", 200,
			`{"student_answers":[{"id":42,"student_id":3,"question_id":10,"answer":"A cheap thread"}]}`},
		{"/api/students/4/answers", 404, `{"detail":"Student not found"}`},
		{"/api/student-answers/42", 200, `{"id":42,"student_id":3,"question_id":10,"answer":"A cheap thread"}`},
		{"/api/student-answers/43", 404, `{"detail":"Student answer not found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.JSONEq(t, tt.wantBody, body)
		})
	}
}

func TestModelEndpoints(t *testing.T) {
	m := &fakeModels{status: model.ModelAvailable, list: []model.ModelInfo{{Name: "llama3:latest", Size: 42}}}
	srv := newTestServer(t, m, &fakeGrader{})

	_, body := do(t, http.MethodGet, srv.URL+"/api/models/status")
	assert.JSONEq(t, `{"status":"available","model":"llama3"}`, body)

	_, body = do(t, http.MethodGet, srv.URL+"/api/models/available")
	assert.JSONEq(t, `{"models":[{"name":"llama3:latest","size":42}]}`, body)

	m.setListErr(errors.New("connection refused"))
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/models/available")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/models/status")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeModels{}, &fakeGrader{})
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestLocalizedErrorDetail(t *testing.T) {
	srv := newTestServer(t, &fakeModels{}, &fakeGrader{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/students/4/answers", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ru")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Студент не найден"}`, string(body))
}
