package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Policy decides how a stream that closes without a terminal event is reported.
type Policy int

const (
	// Lenient treats a silent end of stream as success.
	Lenient Policy = iota
	// Strict treats a silent end of stream as failure.
	Strict
)

// DefaultIdleTimeout aborts a read when the source sends nothing for this long.
const DefaultIdleTimeout = 2 * time.Minute

const readChunkSize = 4096

var (
	// ErrAborted is the cause recorded when Abort or a newer invocation stops a
	// running one.
	ErrAborted = errors.New("progress read aborted")
	// ErrIdleTimeout is the cause recorded when the source goes quiet.
	ErrIdleTimeout = errors.New("no progress received within the idle timeout")
)

// Source opens the progress stream for a target.
type Source interface {
	Open(ctx context.Context, target string) (io.ReadCloser, error)
}

// Options configure a Consumer.
type Options struct {
	Policy Policy
	// IdleTimeout of zero disables the idle check.
	IdleTimeout time.Duration
	// OnState receives a copy of the state after every change. It is called
	// from the goroutine running Run, and from the caller of Abort.
	OnState func(State)
	Logger  *slog.Logger
}

// Consumer reads progress streams one at a time. Starting a new Run cancels the
// one in flight.
type Consumer struct {
	src  Source
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	token  uint64
	cancel context.CancelCauseFunc
	state  State
}

// NewConsumer creates a consumer reading from src.
func NewConsumer(src Source, opts Options) *Consumer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{src: src, opts: opts, log: logger}
}

// State returns the latest state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Abort cancels the running invocation, if any, and resets the state.
func (c *Consumer) Abort() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel(ErrAborted)
		c.cancel = nil
	}
	c.token++
	c.state = State{}
	c.mu.Unlock()

	if c.opts.OnState != nil {
		c.opts.OnState(State{})
	}
}

// Run consumes the progress stream for target until a terminal event, the end
// of the stream, or a failure. It never returns an error: every failure is
// folded into the result.
func (c *Consumer) Run(ctx context.Context, target string) Result {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel(ErrAborted)
	}
	c.token++
	token := c.token
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.token == token {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	log := c.log.With("target", target, "run_id", uuid.NewString())
	c.publish(token, State{})

	// The idle limit also covers a source that never answers the request.
	var openTimer *time.Timer
	if c.opts.IdleTimeout > 0 {
		openTimer = time.AfterFunc(c.opts.IdleTimeout, func() { cancel(c.idleErr()) })
	}
	body, err := c.src.Open(runCtx, target)
	if openTimer != nil {
		openTimer.Stop()
	}
	if err != nil {
		return c.fail(token, log, transportMessage(runCtx, err))
	}
	defer body.Close()

	state, result := c.consume(runCtx, token, log, body)
	if result != nil {
		return *result
	}

	if err := runCtx.Err(); err != nil {
		return c.fail(token, log, transportMessage(runCtx, err))
	}

	// Stream closed without a terminal event.
	if c.opts.Policy == Strict {
		log.Warn("progress stream ended without a terminal status")
		return c.fail(token, log, StreamTruncatedMessage)
	}
	res := Result{Success: true, Message: StreamCompletedMessage}
	state.Active = false
	state.Result = &res
	c.publish(token, state)
	log.Debug("progress stream completed without a terminal status")
	return res
}

// consume returns a non-nil result once a terminal event or a read failure ends
// the invocation, and the last state when the stream simply ends.
func (c *Consumer) consume(ctx context.Context, token uint64, log *slog.Logger, body io.Reader) (State, *Result) {
	var (
		dec   LineDecoder
		state State
	)

	chunks := readChunks(ctx, body)

	var idle <-chan time.Time
	var timer *time.Timer
	if c.opts.IdleTimeout > 0 {
		timer = time.NewTimer(c.opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			res := c.fail(token, log, transportMessage(ctx, ctx.Err()))
			return state, &res

		case <-idle:
			log.Warn("progress stream idle", "timeout", c.opts.IdleTimeout)
			res := c.fail(token, log, c.idleErr().Error())
			return state, &res

		case ch, ok := <-chunks:
			if !ok {
				if pending := dec.Pending(); len(pending) > 0 {
					log.Debug("discarding unterminated progress record", "bytes", len(pending))
				}
				return state, nil
			}
			if ch.err != nil {
				res := c.fail(token, log, transportMessage(ctx, ch.err))
				return state, &res
			}
			if timer != nil {
				timer.Reset(c.opts.IdleTimeout)
			}

			for _, line := range dec.Feed(ch.data) {
				ev, err := ParseEvent(line)
				if err != nil {
					log.Warn("skipping malformed progress record", "record", string(line), "error", err)
					continue
				}
				logEvent(log, ev)

				// An abort can land while a chunk is still being reduced.
				if err := ctx.Err(); err != nil {
					res := c.fail(token, log, transportMessage(ctx, err))
					return state, &res
				}
				var done bool
				state, done = Reduce(state, ev)
				c.publish(token, state)
				if done {
					if err := ctx.Err(); err != nil {
						res := c.fail(token, log, transportMessage(ctx, err))
						return state, &res
					}
					return state, state.Result
				}
			}
		}
	}
}

func (c *Consumer) idleErr() error {
	return fmt.Errorf("%w (%s)", ErrIdleTimeout, c.opts.IdleTimeout)
}

func (c *Consumer) fail(token uint64, log *slog.Logger, msg string) Result {
	log.Error("progress stream failed", "error", msg)
	res := Result{Success: false, Message: msg}
	c.publish(token, State{Result: &res})
	return res
}

// publish stores and forwards s unless a newer invocation has taken over.
func (c *Consumer) publish(token uint64, s State) {
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func logEvent(log *slog.Logger, ev Event) {
	if ev.Status == StatusDownloading || ev.HasTotal {
		log.Debug("download progress",
			"digest", ev.Digest,
			"completed", humanize.IBytes(uint64(max(ev.Completed, 0))),
			"total", humanize.IBytes(uint64(max(ev.Total, 0))),
		)
		return
	}
	log.Debug("status update", "status", ev.Raw, "message", ev.Message)
}

func transportMessage(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		if errors.Is(cause, ErrAborted) || errors.Is(cause, ErrIdleTimeout) {
			return cause.Error()
		}
		return fmt.Sprintf("progress stream: %v", cause)
	}
	if errors.Is(err, context.Canceled) {
		return "progress stream cancelled"
	}
	return fmt.Sprintf("progress stream: %v", err)
}

type chunk struct {
	data []byte
	err  error
}

// readChunks moves blocking reads off the select loop so cancellation and the
// idle timer are observed while a Read is pending. The channel closes after the
// first read error.
func readChunks(ctx context.Context, r io.Reader) <-chan chunk {
	out := make(chan chunk)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, readChunkSize)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case out <- chunk{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case out <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out
}
