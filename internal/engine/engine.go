// Package engine adapts the external fetch (yt-dlp style) and transcode
// (ffmpeg style) programs behind a uniform cancellable interface. Engines
// are black boxes: one subprocess per job, a line-oriented output stream,
// and a terminal exit status.
package engine

import (
	"context"

	"mediadeck/internal/model"
)

// Result is the terminal status of an engine invocation. Err is nil on
// success, otherwise a *model.ClassifiedError.
type Result struct {
	ExitCode int
	Err      error
}

// Handle monitors and controls one running engine invocation.
type Handle struct {
	// Lines streams raw output in production order. Closed when the
	// process exits.
	Lines <-chan string

	// Done receives exactly one Result after Lines is closed.
	Done <-chan Result

	// Total is the expected total work in parser units (bytes for
	// downloads, microseconds for conversions), 0 when unknown.
	Total int64

	// Output is the concrete output path the engine resolved at start
	// time, empty when the engine does not resolve one. The caller owns
	// copying it onto the job; engines never write shared job state.
	Output string

	cancel func()
	kill   func()
}

// NewHandle builds a handle around an already-started invocation. cancel
// and kill may be nil for engines that cannot be interrupted.
func NewHandle(lines <-chan string, done <-chan Result, total int64, cancel, kill func()) *Handle {
	return &Handle{Lines: lines, Done: done, Total: total, cancel: cancel, kill: kill}
}

// Cancel requests a graceful stop. Downloads keep their partial file for
// resume; conversions discard partial output before Done is delivered.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Kill force-terminates the process. Used when the engine ignores Cancel
// past the cancellation timeout.
func (h *Handle) Kill() {
	if h.kill != nil {
		h.kill()
	}
}

// Engine launches jobs of one kind. Start must not block beyond spawning
// the process; all engine I/O happens off the caller's goroutine.
type Engine interface {
	Kind() model.JobKind
	Start(ctx context.Context, job *model.Job) (*Handle, error)
}
