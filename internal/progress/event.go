package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the tag of a progress event.
type Status int

const (
	// StatusOther is any status value this package does not recognise.
	StatusOther Status = iota
	StatusDownloading
	StatusModelExists
	StatusModelNotFound
	StatusDownloadingGemma
	StatusSuccess
	StatusModelReady
	StatusError
)

var statusNames = map[Status]string{
	StatusDownloading:      "downloading",
	StatusModelExists:      "model_exists",
	StatusModelNotFound:    "model_not_found",
	StatusDownloadingGemma: "downloading_gemma",
	StatusSuccess:          "success",
	StatusModelReady:       "model_ready",
	StatusError:            "error",
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for s, name := range statusNames {
		m[name] = s
	}
	return m
}()

// ParseStatus maps a wire status string to a Status. Unrecognised values give StatusOther.
func ParseStatus(s string) Status {
	if st, ok := statusByName[s]; ok {
		return st
	}
	return StatusOther
}

// String returns the wire name of the status, or "other".
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "other"
}

// Terminal reports whether no further events can change the result after s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusSuccess || s == StatusModelReady
}

// Event is one decoded record of a progress stream.
type Event struct {
	Status Status
	// Raw is the status string as received. For StatusOther it is the only
	// record of what the source sent.
	Raw       string
	Message   string
	ModelName string
	Digest    string
	Completed int64
	Total     int64
	// HasTotal is set when the record carried a total field, whatever its status.
	HasTotal bool
}

// Message is the JSON Lines wire form of an event.
type Message struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Completed *int64 `json:"completed,omitempty"`
	Total     *int64 `json:"total,omitempty"`
}

var errNotObject = errors.New("progress record is not a JSON object")

// ParseEvent decodes one record. Unknown fields are ignored.
func ParseEvent(line []byte) (Event, error) {
	if bytes.Equal(bytes.TrimSpace(line), []byte("null")) {
		return Event{}, errNotObject
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Event{}, fmt.Errorf("decode progress record: %w", err)
	}
	return m.Event(), nil
}

// Event converts the wire form into an Event.
func (m Message) Event() Event {
	ev := Event{
		Status:    ParseStatus(m.Status),
		Raw:       m.Status,
		Message:   m.Message,
		ModelName: m.ModelName,
		Digest:    m.Digest,
	}
	if m.Completed != nil {
		ev.Completed = *m.Completed
	}
	if m.Total != nil {
		ev.Total = *m.Total
		ev.HasTotal = true
	}
	return ev
}

// Wire converts an event into its wire form.
func (e Event) Wire() Message {
	m := Message{
		Status:    e.Raw,
		Message:   e.Message,
		ModelName: e.ModelName,
		Digest:    e.Digest,
	}
	if m.Status == "" && e.Status != StatusOther {
		m.Status = e.Status.String()
	}
	if e.HasTotal || e.Status == StatusDownloading {
		completed, total := e.Completed, e.Total
		m.Completed = &completed
		m.Total = &total
	}
	return m
}

// NewEvent builds an event for a known status.
func NewEvent(s Status, message string) Event {
	return Event{Status: s, Raw: s.String(), Message: message}
}

// Downloading builds a downloading event.
func Downloading(digest string, completed, total int64) Event {
	return Event{
		Status:    StatusDownloading,
		Raw:       StatusDownloading.String(),
		Digest:    digest,
		Completed: completed,
		Total:     total,
		HasTotal:  true,
	}
}
