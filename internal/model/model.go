package model

import "time"

// Collection groups questions, usually one exam or assignment.
type Collection struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
}

// Question is a question with the reference answer used for grading.
type Question struct {
	ID           int64  `json:"id"`
	CollectionID int64  `json:"collection_id"`
	Text         string `json:"text"`
	ModelAnswer  string `json:"model_answer"`
}

// Student is a person whose answers are graded.
type Student struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// StudentAnswer is one student's answer to one question.
type StudentAnswer struct {
	ID         int64  `json:"id"`
	StudentID  int64  `json:"student_id"`
	QuestionID int64  `json:"question_id"`
	Answer     string `json:"answer"`
}

// Confidence describes how reliably a grade was read from the model output.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceVeryLow Confidence = "very low"
)

// LLMResponse is the outcome of grading one student answer.
type LLMResponse struct {
	ID              string     `json:"id"`
	StudentAnswerID int64      `json:"student_answer_id"`
	Model           string     `json:"model"`
	RawResponse     string     `json:"raw_response"`
	Grade           float64    `json:"grade"`
	Feedback        string     `json:"feedback,omitempty"`
	Confidence      Confidence `json:"confidence"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ModelStatus values reported for the configured grading model.
const (
	ModelAvailable = "available"
	ModelNotFound  = "not_found"
)

// ModelInfo is one entry of the model registry listing.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	Addr          string
	Model         string // model prepared and used for grading
	PromptVariant string // grading prompt variant (strict, standard, lenient)
	StreamTimeout time.Duration
}
