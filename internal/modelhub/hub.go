package modelhub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ollama/ollama/api"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/progress"
)

// Registry is the part of the Ollama API client the hub needs. *api.Client
// satisfies it.
type Registry interface {
	List(ctx context.Context) (*api.ListResponse, error)
	Pull(ctx context.Context, req *api.PullRequest, fn api.PullProgressFunc) error
}

// EmitFunc receives one progress event. Returning an error stops the
// preparation, for example when the client reading the stream has gone away.
type EmitFunc func(progress.Event) error

// Hub checks for models on an Ollama server and pulls missing ones.
type Hub struct {
	reg Registry
	log *slog.Logger
}

// New creates a hub backed by reg.
func New(reg Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{reg: reg, log: logger}
}

// Ensure makes name available on the server and reports every step to emit.
// A present model yields model_exists then model_ready. A missing one yields
// model_not_found (downloading_gemma for gemma models), the pull progress and
// model_ready. Registry failures are emitted as an error event and returned.
func (h *Hub) Ensure(ctx context.Context, name string, emit EmitFunc) error {
	log := h.log.With("model", name)

	found, err := h.find(ctx, name)
	if err != nil {
		return h.fail(log, emit, fmt.Errorf("list models: %w", err))
	}

	if found != nil {
		log.Info("model already present", "size", humanize.IBytes(uint64(max(found.Size, 0))))
		ev := progress.NewEvent(progress.StatusModelExists, "")
		ev.ModelName = name
		if err := emit(ev); err != nil {
			return err
		}
		return emit(progress.NewEvent(progress.StatusModelReady, fmt.Sprintf("Model %s is ready", name)))
	}

	if err := emit(notFoundEvent(name)); err != nil {
		return err
	}

	log.Info("pulling model")
	err = h.reg.Pull(ctx, &api.PullRequest{Model: name}, func(resp api.ProgressResponse) error {
		ev, ok := pullEvent(resp)
		if !ok {
			return nil
		}
		if ev.HasTotal {
			log.Debug("pull progress",
				"digest", resp.Digest,
				"completed", humanize.IBytes(uint64(max(resp.Completed, 0))),
				"total", humanize.IBytes(uint64(max(resp.Total, 0))),
			)
		} else {
			log.Debug("pull status", "status", resp.Status)
		}
		return emit(ev)
	})
	if err != nil {
		return h.fail(log, emit, fmt.Errorf("pull model %s: %w", name, err))
	}

	log.Info("model pulled")
	return emit(progress.NewEvent(progress.StatusModelReady, fmt.Sprintf("Model %s is ready", name)))
}

// Status reports whether name is present on the server.
func (h *Hub) Status(ctx context.Context, name string) (string, error) {
	found, err := h.find(ctx, name)
	if err != nil {
		return "", fmt.Errorf("list models: %w", err)
	}
	if found == nil {
		return model.ModelNotFound, nil
	}
	return model.ModelAvailable, nil
}

// Available lists the models present on the server.
func (h *Hub) Available(ctx context.Context) ([]model.ModelInfo, error) {
	resp, err := h.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]model.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, model.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return out, nil
}

func (h *Hub) find(ctx context.Context, name string) (*api.ListModelResponse, error) {
	resp, err := h.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	want := normalizeName(name)
	for i, m := range resp.Models {
		if normalizeName(m.Name) == want || normalizeName(m.Model) == want {
			return &resp.Models[i], nil
		}
	}
	return nil, nil
}

func (h *Hub) fail(log *slog.Logger, emit EmitFunc, err error) error {
	log.Error("model preparation failed", "error", err)
	if emitErr := emit(progress.NewEvent(progress.StatusError, err.Error())); emitErr != nil {
		log.Debug("could not report failure", "error", emitErr)
	}
	return err
}

func notFoundEvent(name string) progress.Event {
	if strings.HasPrefix(strings.ToLower(name), "gemma") {
		return progress.NewEvent(progress.StatusDownloadingGemma, fmt.Sprintf("Downloading %s", name))
	}
	return progress.NewEvent(progress.StatusModelNotFound, fmt.Sprintf("Model %s not found, downloading", name))
}

// pullEvent maps one Ollama pull response. Responses with a total are byte
// progress. Terminal statuses are dropped so that only the hub decides when
// the stream is finished.
func pullEvent(resp api.ProgressResponse) (progress.Event, bool) {
	if resp.Total > 0 {
		return progress.Downloading(resp.Digest, resp.Completed, resp.Total), true
	}
	ev := progress.Message{Status: resp.Status}.Event()
	if ev.Status.Terminal() || resp.Status == "" {
		return progress.Event{}, false
	}
	return ev, true
}

// normalizeName adds the implicit ":latest" tag.
func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndex(name, ":"); i < 0 || strings.Contains(name[i:], "/") {
		return name + ":latest"
	}
	return name
}
