package catalog

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/pavelanni/grader/internal/model"
)

// ErrNotFound is returned by lookups for identifiers the catalog does not hold.
var ErrNotFound = errors.New("not found")

// file is the on-disk layout of one catalog file.
type file struct {
	Collections []model.Collection    `json:"collections"`
	Students    []model.Student       `json:"students"`
	Answers     []model.StudentAnswer `json:"answers"`
}

// Catalog is an immutable, in-memory index of collections, questions,
// students and their answers. It is safe for concurrent use.
type Catalog struct {
	collections map[int64]model.Collection
	questions   map[int64]model.Question
	students    map[int64]model.Student
	answers     map[int64]model.StudentAnswer

	byCollection map[int64][]int64
	byStudent    map[int64][]int64
}

func newCatalog() *Catalog {
	return &Catalog{
		collections:  make(map[int64]model.Collection),
		questions:    make(map[int64]model.Question),
		students:     make(map[int64]model.Student),
		answers:      make(map[int64]model.StudentAnswer),
		byCollection: make(map[int64][]int64),
		byStudent:    make(map[int64][]int64),
	}
}

// Load reads the given JSON files into one catalog. Files whose content was
// already loaded under another path are skipped. Answers may reference
// questions and students from any of the files.
func Load(paths []string) (*Catalog, error) {
	c := newCatalog()
	seen := make(map[string]string, len(paths))
	var answers []model.StudentAnswer

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		if first, ok := seen[hash]; ok {
			slog.Info("catalog file has the same content as an earlier one, skipping", "path", path, "first", first)
			continue
		}
		seen[hash] = path

		var f file
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := c.add(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		answers = append(answers, f.Answers...)
		slog.Info("loaded catalog file",
			"path", path,
			"collections", len(f.Collections),
			"students", len(f.Students),
			"answers", len(f.Answers),
		)
	}

	if err := c.addAnswers(answers); err != nil {
		return nil, err
	}
	return c, nil
}

// New builds a catalog from values already in memory.
func New(collections []model.Collection, students []model.Student, answers []model.StudentAnswer) (*Catalog, error) {
	c := newCatalog()
	if err := c.add(file{Collections: collections, Students: students}); err != nil {
		return nil, err
	}
	if err := c.addAnswers(answers); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) add(f file) error {
	for _, col := range f.Collections {
		if _, dup := c.collections[col.ID]; dup {
			return fmt.Errorf("duplicate collection id %d", col.ID)
		}
		for _, q := range col.Questions {
			if _, dup := c.questions[q.ID]; dup {
				return fmt.Errorf("duplicate question id %d", q.ID)
			}
			q.CollectionID = col.ID
			c.questions[q.ID] = q
			c.byCollection[col.ID] = append(c.byCollection[col.ID], q.ID)
		}
		col.Questions = nil
		c.collections[col.ID] = col
	}
	for _, s := range f.Students {
		if _, dup := c.students[s.ID]; dup {
			return fmt.Errorf("duplicate student id %d", s.ID)
		}
		c.students[s.ID] = s
	}
	return nil
}

func (c *Catalog) addAnswers(answers []model.StudentAnswer) error {
	for _, a := range answers {
		if _, dup := c.answers[a.ID]; dup {
			return fmt.Errorf("duplicate answer id %d", a.ID)
		}
		if _, ok := c.questions[a.QuestionID]; !ok {
			return fmt.Errorf("answer %d: unknown question %d", a.ID, a.QuestionID)
		}
		if _, ok := c.students[a.StudentID]; !ok {
			return fmt.Errorf("answer %d: unknown student %d", a.ID, a.StudentID)
		}
		c.answers[a.ID] = a
		c.byStudent[a.StudentID] = append(c.byStudent[a.StudentID], a.ID)
	}
	return nil
}

// Answer returns the student answer with the given id.
func (c *Catalog) Answer(id int64) (model.StudentAnswer, error) {
	a, ok := c.answers[id]
	if !ok {
		return model.StudentAnswer{}, fmt.Errorf("student answer %d: %w", id, ErrNotFound)
	}
	return a, nil
}

// Question returns the question with the given id.
func (c *Catalog) Question(id int64) (model.Question, error) {
	q, ok := c.questions[id]
	if !ok {
		return model.Question{}, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	return q, nil
}

// Student returns the student with the given id.
func (c *Catalog) Student(id int64) (model.Student, error) {
	s, ok := c.students[id]
	if !ok {
		return model.Student{}, fmt.Errorf("student %d: %w", id, ErrNotFound)
	}
	return s, nil
}

// Collections lists all collections ordered by id, without their questions.
func (c *Catalog) Collections() []model.Collection {
	return sortedValues(c.collections, func(col model.Collection) int64 { return col.ID })
}

// Questions lists the questions of a collection ordered by id.
func (c *Catalog) Questions(collectionID int64) ([]model.Question, error) {
	if _, ok := c.collections[collectionID]; !ok {
		return nil, fmt.Errorf("collection %d: %w", collectionID, ErrNotFound)
	}
	return lookupSorted(c.byCollection[collectionID], c.questions, func(q model.Question) int64 { return q.ID }), nil
}

// Students lists all students ordered by id.
func (c *Catalog) Students() []model.Student {
	return sortedValues(c.students, func(s model.Student) int64 { return s.ID })
}

// StudentAnswers lists the answers of a student ordered by id.
func (c *Catalog) StudentAnswers(studentID int64) ([]model.StudentAnswer, error) {
	if _, ok := c.students[studentID]; !ok {
		return nil, fmt.Errorf("student %d: %w", studentID, ErrNotFound)
	}
	return lookupSorted(c.byStudent[studentID], c.answers, func(a model.StudentAnswer) int64 { return a.ID }), nil
}

// QuestionCount returns the number of questions across all collections.
func (c *Catalog) QuestionCount() int {
	return len(c.questions)
}

func sortedValues[T any](m map[int64]T, id func(T) int64) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(id(a), id(b)) })
	return out
}

func lookupSorted[T any](ids []int64, m map[int64]T, id func(T) int64) []T {
	out := make([]T, 0, len(ids))
	for _, i := range ids {
		out = append(out, m[i])
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(id(a), id(b)) })
	return out
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
