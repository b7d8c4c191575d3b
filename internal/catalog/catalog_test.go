package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/grader/internal/model"
)

const physics = `{
  "collections": [
    {"id": 2, "name": "Mechanics", "questions": [
      {"id": 20, "text": "State Newton's second law.", "model_answer": "F = ma"},
      {"id": 10, "text": "What is inertia?", "model_answer": "Resistance to change in motion."}
    ]},
    {"id": 1, "name": "Optics", "description": "Light", "questions": []}
  ],
  "students": [{"id": 7, "name": "Ada"}, {"id": 3, "name": "Boris"}],
  "answers": [
    {"id": 101, "student_id": 7, "question_id": 20, "answer": "force is mass times acceleration"},
    {"id": 100, "student_id": 7, "question_id": 10, "answer": "objects keep moving"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	c, err := Load([]string{writeFile(t, dir, "physics.json", physics)})
	require.NoError(t, err)

	cols := c.Collections()
	require.Len(t, cols, 2)
	assert.Equal(t, "Optics", cols[0].Name)
	assert.Nil(t, cols[1].Questions, "collections are listed without questions")

	qs, err := c.Questions(2)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, int64(10), qs[0].ID)
	assert.Equal(t, int64(2), qs[0].CollectionID)

	empty, err := c.Questions(1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	a, err := c.Answer(101)
	require.NoError(t, err)
	assert.Equal(t, int64(20), a.QuestionID)

	q, err := c.Question(a.QuestionID)
	require.NoError(t, err)
	assert.Equal(t, "F = ma", q.ModelAnswer)

	students := c.Students()
	require.Len(t, students, 2)
	assert.Equal(t, "Boris", students[0].Name)

	answers, err := c.StudentAnswers(7)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, []int64{answers[0].ID, answers[1].ID})

	none, err := c.StudentAnswers(3)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Equal(t, 2, c.QuestionCount())
}

func TestLoadNotFound(t *testing.T) {
	c, err := New(nil, nil, nil)
	require.NoError(t, err)

	_, err = c.Answer(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Question(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Student(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Questions(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.StudentAnswers(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSkipsIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.json", physics)
	b := writeFile(t, dir, "copy.json", physics)

	c, err := Load([]string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, c.QuestionCount())
}

func TestLoadCrossFileReferences(t *testing.T) {
	dir := t.TempDir()
	questions := writeFile(t, dir, "questions.json",
		`{"collections":[{"id":1,"name":"Go","questions":[{"id":1,"text":"q","model_answer":"a"}]}]}`)
	answers := writeFile(t, dir, "answers.json",
		`{"students":[{"id":1,"name":"Ada"}],"answers":[{"id":1,"student_id":1,"question_id":1,"answer":"x"}]}`)

	c, err := Load([]string{answers, questions})
	require.NoError(t, err)
	_, err = c.Answer(1)
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", `{"collections": [`},
		{"duplicate collection", `{"collections":[{"id":1},{"id":1}]}`},
		{"duplicate question", `{"collections":[{"id":1,"questions":[{"id":5},{"id":5}]}]}`},
		{"duplicate student", `{"students":[{"id":1},{"id":1}]}`},
		{"unknown question", `{"students":[{"id":1}],"answers":[{"id":1,"student_id":1,"question_id":9}]}`},
		{"unknown student", `{"collections":[{"id":1,"questions":[{"id":1}]}],"answers":[{"id":1,"student_id":9,"question_id":1}]}`},
		{"duplicate answer", `{"collections":[{"id":1,"questions":[{"id":1}]}],"students":[{"id":1}],
			"answers":[{"id":1,"student_id":1,"question_id":1},{"id":1,"student_id":1,"question_id":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]string{writeFile(t, t.TempDir(), "bad.json", tt.content)})
			assert.Error(t, err)
		})
	}

	_, err := Load([]string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	c, err := New(
		[]model.Collection{{ID: 1, Name: "Go", Questions: []model.Question{{ID: 1, Text: "q"}}}},
		[]model.Student{{ID: 1, Name: "Ada"}},
		[]model.StudentAnswer{{ID: 1, StudentID: 1, QuestionID: 1, Answer: "a"}},
	)
	require.NoError(t, err)
	s, err := c.Student(1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", s.Name)
}
