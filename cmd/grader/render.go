package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/progress"
)

// renderer draws consumer state. Informational messages get a line each and
// the final result closes the run. On a terminal the download progress
// rewrites a single line in place; elsewhere each layer is announced once.
type renderer struct {
	mu  sync.Mutex
	ctx context.Context
	w   io.Writer
	tty bool

	lastInfo   string
	lastDigest string
	lineWidth  int // width of the download line on screen, 0 if none
	finished   bool
}

func newRenderer(ctx context.Context, w io.Writer, tty bool) *renderer {
	return &renderer{ctx: ctx, w: w, tty: tty}
}

// OnState is passed to the consumer as its observer.
func (r *renderer) OnState(s progress.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case s.Result != nil:
		if r.finished {
			return
		}
		r.endLine()
		r.finished = true
		if s.Result.Success {
			r.println(i18n.Td(r.ctx, "ModelReady", map[string]any{"Message": s.Result.Message}))
		} else {
			r.println(i18n.Td(r.ctx, "PreparationFailed", map[string]any{"Message": s.Result.Message}))
		}

	case s.Progress == nil:
		// Reset at the start of a run or on abort.
		r.endLine()
		r.lastInfo = ""
		r.lastDigest = ""
		r.finished = false

	case s.Progress.Total > 0 || s.Progress.Digest != "":
		line := i18n.Td(r.ctx, "DownloadProgress", map[string]any{
			"Digest":   shortDigest(s.Progress.Digest),
			"Transfer": s.Progress.Message,
		})
		if !r.tty {
			if s.Progress.Digest != r.lastDigest {
				r.lastDigest = s.Progress.Digest
				r.println(line)
			}
			return
		}
		pad := max(r.lineWidth-len(line), 0)
		fmt.Fprintf(r.w, "\r%s%s", line, strings.Repeat(" ", pad))
		r.lineWidth = len(line)

	default:
		if s.Progress.Message == r.lastInfo {
			return
		}
		r.endLine()
		r.lastInfo = s.Progress.Message
		r.println(s.Progress.Message)
	}
}

// println writes a line of its own.
func (r *renderer) println(s string) {
	fmt.Fprintln(r.w, s)
}

// endLine terminates a download line left on screen.
func (r *renderer) endLine() {
	if r.lineWidth > 0 {
		fmt.Fprintln(r.w)
		r.lineWidth = 0
	}
}

// shortDigest trims a "sha256:" digest to its first 12 hex characters.
func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
