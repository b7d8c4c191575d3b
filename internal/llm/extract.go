package llm

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

const fallbackGrade = 0.5

var labeledGradeRegex = regexp.MustCompile(`(?i)(?:grade|score|rating|mark):\s*([0-9]\.[0-9]|[01])`)

// gradeWords are checked in order; the first one found in the text wins.
var gradeWords = []struct {
	word  string
	grade float64
}{
	{"zero", 0},
	{"one", 1},
	{"half", 0.5},
	{"zero point five", 0.5},
	{"point five", 0.5},
	{"0", 0},
	{"1", 1},
	{"0.5", 0.5},
}

// ExtractGrade reads a grade from free text. A labelled grade such as
// "Score: 0.8" gives high confidence, the last standalone 0, 1 or d.d gives
// medium, a number word gives low. Otherwise 0.5 is returned with very low
// confidence.
func ExtractGrade(text string) (float64, model.Confidence) {
	if m := labeledGradeRegex.FindStringSubmatch(text); m != nil {
		if g, err := strconv.ParseFloat(m[1], 64); err == nil {
			return g, model.ConfidenceHigh
		}
	}

	if nums := standaloneGrades(text); len(nums) > 0 {
		if g, err := strconv.ParseFloat(nums[len(nums)-1], 64); err == nil {
			return g, model.ConfidenceMedium
		}
	}

	lower := strings.ToLower(text)
	for _, w := range gradeWords {
		if strings.Contains(lower, w.word) {
			return w.grade, model.ConfidenceLow
		}
	}

	return fallbackGrade, model.ConfidenceVeryLow
}

// ExtractFeedback returns the text with any labelled grade removed.
func ExtractFeedback(text string) string {
	return strings.TrimSpace(labeledGradeRegex.ReplaceAllString(text, ""))
}

// standaloneGrades finds, left to right, every "d.d", "0" or "1" that is not
// preceded by an ASCII letter or digit and not followed by a digit. At each
// position "d.d" is tried before a single digit.
func standaloneGrades(s string) []string {
	var out []string
	for i := 0; i < len(s); {
		if i > 0 && isAlnum(s[i-1]) {
			i++
			continue
		}
		if i+2 < len(s) && isDigit(s[i]) && s[i+1] == '.' && isDigit(s[i+2]) &&
			(i+3 == len(s) || !isDigit(s[i+3])) {
			out = append(out, s[i:i+3])
			i += 3
			continue
		}
		if (s[i] == '0' || s[i] == '1') && (i+1 == len(s) || !isDigit(s[i+1])) {
			out = append(out, s[i:i+1])
			i++
			continue
		}
		i++
	}
	return out
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isAlnum(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
