// Package grader talks to a grading server: it prepares the grading model by
// following the server's progress stream and then requests the grade.
package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/progress"
)

// PrepareError reports that the model could not be prepared, so the answer was
// not graded.
type PrepareError struct {
	AnswerID int64
	Message  string
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare model for answer %d: %s", e.AnswerID, e.Message)
}

// APIError is a non-2xx response from the grading server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("grading server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("grading server returned %d: %s", e.StatusCode, e.Detail)
}

// Config configures a Client.
type Config struct {
	// Policy decides how a progress stream that ends without a final status is
	// reported.
	Policy      progress.Policy
	IdleTimeout time.Duration
	Retry       RetryConfig
	// OnState observes every progress state change.
	OnState func(progress.State)
	Logger  *slog.Logger
	// HTTPClient is used for the progress stream and, unless GradeHTTPClient is
	// set, for the grade request. It must not have a total timeout.
	HTTPClient      *http.Client
	GradeHTTPClient *http.Client
}

// Client grades student answers through a grading server. Calls on one Client
// must not overlap: a new preparation aborts the one in progress.
type Client struct {
	base     string
	api      *RetryableClient
	consumer *progress.Consumer
	log      *slog.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	streamClient := cfg.HTTPClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	gradeClient := cfg.GradeHTTPClient
	if gradeClient == nil && cfg.HTTPClient != nil {
		gradeClient = cfg.HTTPClient
	}

	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		api:  NewRetryableClient(gradeClient, cfg.Retry),
		log:  logger,
	}
	src := progress.HTTPSource{Client: streamClient, URL: c.prepareURL}
	c.consumer = progress.NewConsumer(src, progress.Options{
		Policy:      cfg.Policy,
		IdleTimeout: cfg.IdleTimeout,
		OnState:     cfg.OnState,
		Logger:      logger,
	})
	return c
}

func (c *Client) prepareURL(target string) string {
	return c.base + "/api/student-answers/" + url.PathEscape(target) + "/prepare"
}

func (c *Client) gradeURL(answerID int64) string {
	return c.base + "/api/student-answers/" + strconv.FormatInt(answerID, 10) + "/grade"
}

// Prepare follows the model preparation stream for an answer.
func (c *Client) Prepare(ctx context.Context, answerID int64) progress.Result {
	return c.consumer.Run(ctx, strconv.FormatInt(answerID, 10))
}

// Abort stops a preparation in progress.
func (c *Client) Abort() {
	c.consumer.Abort()
}

// Grade prepares the model and then grades the answer. A failed preparation
// returns a *PrepareError and the grade request is not sent.
func (c *Client) Grade(ctx context.Context, answerID int64) (*model.LLMResponse, error) {
	res := c.Prepare(ctx, answerID)
	if !res.Success {
		return nil, &PrepareError{AnswerID: answerID, Message: res.Message}
	}
	c.log.Debug("model prepared", "answer_id", answerID, "message", res.Message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gradeURL(answerID), nil)
	if err != nil {
		return nil, fmt.Errorf("build grade request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.DoWithRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("grade answer %d: %w", answerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("grade answer %d: %w", answerID, readAPIError(resp))
	}

	var out model.LLMResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode grade response: %w", err)
	}
	return &out, nil
}

// BulkProgress is reported after each answer of a bulk run.
type BulkProgress struct {
	Done     int
	Total    int
	AnswerID int64
	Response *model.LLMResponse
	Err      error
}

// GradeAll grades answers one after another and reports each outcome to fn.
// A failed answer does not stop the run. Cancelling ctx does, and its error
// is returned.
func (c *Client) GradeAll(ctx context.Context, answerIDs []int64, fn func(BulkProgress)) error {
	for i, id := range answerIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.Grade(ctx, id)
		if err != nil {
			c.log.Warn("grading failed", "answer_id", id, "error", err)
		}
		if fn != nil {
			fn(BulkProgress{Done: i + 1, Total: len(answerIDs), AnswerID: id, Response: resp, Err: err})
		}
	}
	return ctx.Err()
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Detail != "":
			detail = payload.Detail
		case payload.Error != "":
			detail = payload.Error
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}

// IsPrepareError reports whether err came from a failed model preparation.
func IsPrepareError(err error) bool {
	var pe *PrepareError
	return errors.As(err, &pe)
}
