package engine

import (
	"bufio"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"mediadeck/internal/model"
)

const maxDiagnosticLines = 50

// runProcess spawns cmd, streams merged stdout/stderr lines, and delivers a
// classified Result once the process exits. onExit runs after the process
// terminates but before Done is signalled (partial-file cleanup hooks in
// here). cancelSignal is sent on Cancel; Kill always sends SIGKILL.
func runProcess(cmd *exec.Cmd, kind model.JobKind, cancelSignal syscall.Signal, onExit func(cancelled bool, err error)) (*Handle, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.NewClassified(model.ErrKindInternal, "failed to open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.NewClassified(model.ErrKindInternal, "failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, model.NewClassified(model.ErrKindNotFound, "engine failed to start: "+err.Error(), err)
	}

	lines := make(chan string, 64)
	done := make(chan Result, 1)

	var mu sync.Mutex
	cancelled := false
	var diagnostics []string

	recordDiagnostic := func(line string) {
		mu.Lock()
		if len(diagnostics) < maxDiagnosticLines {
			diagnostics = append(diagnostics, line)
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	scan := func(r *bufio.Scanner) {
		defer wg.Done()
		r.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for r.Scan() {
			line := r.Text()
			if line == "" {
				continue
			}
			if strings.Contains(line, "ERROR") || strings.Contains(line, "error") {
				recordDiagnostic(line)
			}
			lines <- line
		}
	}
	wg.Add(2)
	go scan(bufio.NewScanner(stdout))
	go scan(bufio.NewScanner(stderr))

	go func() {
		wg.Wait()
		close(lines)

		err := cmd.Wait()

		mu.Lock()
		wasCancelled := cancelled
		diag := strings.Join(diagnostics, "\n")
		mu.Unlock()

		if onExit != nil {
			onExit(wasCancelled, err)
		}

		res := Result{}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		switch {
		case wasCancelled:
			res.Err = model.NewClassified(model.ErrKindCancelled, "cancelled by user", err)
		case err != nil:
			res.Err = classifyEngineFailure(kind, diag, err)
		}
		done <- res
	}()

	h := &Handle{
		Lines: lines,
		Done:  done,
		cancel: func() {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			if cmd.Process != nil {
				cmd.Process.Signal(cancelSignal)
			}
		},
		kill: func() {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		},
	}
	return h, nil
}
