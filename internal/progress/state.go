package progress

import (
	"fmt"
	"math"
)

const (
	DefaultErrorMessage    = "Model preparation failed"
	DefaultSuccessMessage  = "Model is ready"
	StreamCompletedMessage = "Progress stream completed"
	StreamTruncatedMessage = "Progress stream ended without a final status"
)

// Snapshot is the progress shown while a model is being prepared.
type Snapshot struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Message   string `json:"message"`
}

// Result is the outcome of one consumer invocation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// State is what the display layer observes.
type State struct {
	Active   bool      `json:"is_active"`
	Progress *Snapshot `json:"progress"`
	Result   *Result   `json:"result"`
}

// Reduce applies one event to s. The boolean is true when the event is terminal
// and reading should stop.
func Reduce(s State, ev Event) (State, bool) {
	switch {
	case ev.Status == StatusError:
		s.Active = false
		s.Result = &Result{Success: false, Message: orDefault(ev.Message, DefaultErrorMessage)}
		return s, true

	case ev.Status == StatusSuccess || ev.Status == StatusModelReady:
		s.Active = false
		s.Progress = nil
		s.Result = &Result{Success: true, Message: orDefault(ev.Message, DefaultSuccessMessage)}
		return s, true

	case ev.Status == StatusModelExists:
		s.Active = false
		return s, false

	case ev.Status == StatusDownloading || ev.HasTotal:
		completed, total := clampBytes(ev.Completed, ev.Total)
		s.Active = true
		s.Progress = &Snapshot{
			Status:    ev.Raw,
			Digest:    ev.Digest,
			Completed: completed,
			Total:     total,
			Message:   FormatTransfer(completed, total),
		}
		return s, false

	case ev.Status == StatusModelNotFound || ev.Status == StatusDownloadingGemma:
		s.Active = true
		s.Progress = &Snapshot{Status: ev.Raw, Message: orDefault(ev.Message, ev.Raw)}
		return s, false

	default:
		s.Progress = &Snapshot{Status: ev.Raw, Message: orDefault(ev.Message, ev.Raw)}
		return s, false
	}
}

// DisplayMB converts bytes to mebibytes rounded to one decimal place.
func DisplayMB(b int64) float64 {
	return math.Round(float64(b)/(1024*1024)*10) / 10
}

// FormatTransfer renders "<completed> MB / <total> MB".
func FormatTransfer(completed, total int64) string {
	return fmt.Sprintf("%.1f MB / %.1f MB", DisplayMB(completed), DisplayMB(total))
}

func clampBytes(completed, total int64) (int64, int64) {
	if completed < 0 {
		completed = 0
	}
	if total < 0 {
		total = 0
	}
	if total > 0 && completed > total {
		completed = total
	}
	return completed, total
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
