package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// gradeReply is the JSON object the grading prompts ask for.
type gradeReply struct {
	Grade    *float64 `json:"grade"`
	Feedback string   `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	prompts *prompts.Set
	variant prompts.PromptVariant
}

// New creates a new LLM client. An empty baseURL uses the OpenAI default.
func New(baseURL, apiKey, modelName string, set *prompts.Set, variant prompts.PromptVariant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		prompts: set,
		variant: variant,
	}
}

// Model returns the model name used for grading.
func (c *Client) Model() string {
	return c.model
}

// Grade asks the model to grade studentAnswer against modelAnswer. A reply that
// is not the requested JSON object is still accepted: the grade is then read
// from the free text with a lower confidence.
func (c *Client) Grade(ctx context.Context, question, modelAnswer, studentAnswer string) (*model.LLMResponse, error) {
	prompt, err := c.prompts.BuildGradePrompt(c.variant, question, modelAnswer, studentAnswer)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM grading API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "raw", raw)

	grade, feedback, confidence := parseReply(raw)
	return &model.LLMResponse{
		ID:          uuid.NewString(),
		Model:       c.model,
		RawResponse: raw,
		Grade:       grade,
		Feedback:    feedback,
		Confidence:  confidence,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Ping checks that the endpoint answers by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list LLM models: %w", err)
	}
	return nil
}

func parseReply(raw string) (float64, string, model.Confidence) {
	var reply gradeReply
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &reply); err == nil && reply.Grade != nil {
		return clampGrade(*reply.Grade), strings.TrimSpace(reply.Feedback), model.ConfidenceHigh
	}
	grade, confidence := ExtractGrade(raw)
	return clampGrade(grade), ExtractFeedback(raw), confidence
}

// stripCodeFence removes a surrounding ``` block that some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clampGrade(g float64) float64 {
	switch {
	case g < 0:
		return 0
	case g > 1:
		return 1
	}
	return g
}
