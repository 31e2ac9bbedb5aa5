package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"mediadeck/internal/engine"
	"mediadeck/internal/model"
	"mediadeck/internal/progress"
	"mediadeck/internal/storage"
)

// Progress rows are rewritten at most this often per job; the bus still
// sees every parsed event.
const persistInterval = 250 * time.Millisecond

// killGrace is how long to wait for the exit status after a force kill
// before synthesizing a cancelled result.
const killGrace = 2 * time.Second

// runWorker executes one job to a terminal (or paused) state. Every exit
// path reports a state transition; nothing escapes the recover.
func (s *Scheduler) runWorker(job *model.Job) {
	defer s.workerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panic recovered", "id", job.ID, "panic", r)
			s.finalize(job, model.StateFailed,
				model.NewClassified(model.ErrKindInternal, fmt.Sprintf("internal worker error: %v", r), nil))
		}
		s.releaseSlot()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Claim the job. It may have been cancelled while sitting between the
	// queue and this worker.
	s.mu.Lock()
	if cur, ok := s.jobs[job.ID]; !ok || cur.State != model.StateQueued {
		s.mu.Unlock()
		return
	}
	job.State = model.StateRunning
	job.StartedAt = time.Now()
	s.active[job.ID] = &activeJob{job: job, cancel: cancel}
	s.mu.Unlock()

	s.storage.UpdateJobStatus(job.ID, string(model.StateRunning))
	s.publishState(job, model.StateQueued, nil)

	cerr := s.executeJob(ctx, job)
	s.settle(job, cerr)
}

// preflight rejects a job before the engine is invoked when the destination
// volume is below the free-space floor.
func (s *Scheduler) preflight(job *model.Job) *model.ClassifiedError {
	var dir string
	switch job.Kind {
	case model.KindDownload:
		dir = s.cfg.GetDownloadPath()
	case model.KindConvert:
		dir = filepath.Dir(job.Source)
	}
	if dir == "" {
		dir, _ = os.Getwd()
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		// Unknown volumes do not block the job; the engine will surface
		// real write failures.
		s.logger.Warn("disk usage check failed", "dir", dir, "error", err)
		return nil
	}

	if floor := s.cfg.GetMinFreeDisk(); usage.Free < floor {
		return model.NewClassified(model.ErrKindResource,
			fmt.Sprintf("only %d MB free on %s, %d MB required", usage.Free/(1024*1024), dir, floor/(1024*1024)), nil)
	}
	return nil
}

// executeJob runs the engine and relays progress until a terminal result.
// Returns nil on success, otherwise the classified failure.
func (s *Scheduler) executeJob(ctx context.Context, job *model.Job) *model.ClassifiedError {
	eng := s.engines[job.Kind]

	if cerr := s.preflight(job); cerr != nil {
		return cerr
	}

	handle, err := eng.Start(ctx, job)
	if err != nil {
		return model.Classify(err)
	}

	// Engines report the output path they resolved; job fields are only
	// ever written under s.mu.
	if handle.Output != "" {
		s.mu.Lock()
		job.Target = handle.Output
		s.mu.Unlock()
	}

	parser := progress.New(job.Kind, job.ID, handle.Total)
	persistLimiter := rate.NewLimiter(rate.Every(persistInterval), 1)

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for line := range handle.Lines {
			ev, ok := parser.ParseLine(line)
			if !ok {
				continue
			}
			s.applyProgress(job, ev, persistLimiter)
		}
	}()

	var res engine.Result
	select {
	case res = <-handle.Done:
	case <-ctx.Done():
		// Cancel requested (or shutdown). The engine gets the cancellation
		// timeout to exit on its own, then a force kill, then a short grace
		// before we stop waiting for it entirely.
		handle.Cancel()
		select {
		case res = <-handle.Done:
		case <-time.After(s.cfg.GetCancelTimeout()):
			s.logger.Warn("engine ignored cancel, force killing", "id", job.ID)
			handle.Kill()
			select {
			case res = <-handle.Done:
			case <-time.After(killGrace):
				res = engine.Result{Err: model.NewClassified(model.ErrKindCancelled, "engine unresponsive, abandoned", nil)}
			}
		}
	}
	<-relayDone

	if res.Err == nil {
		return nil
	}
	return model.Classify(res.Err)
}

// settle routes the engine outcome: pause, cancel, retry or finalize.
func (s *Scheduler) settle(job *model.Job, cerr *model.ClassifiedError) {
	s.mu.Lock()
	mode := stopNone
	if a, ok := s.active[job.ID]; ok {
		mode = a.mode
	}
	delete(s.active, job.ID)
	s.mu.Unlock()

	switch {
	case mode == stopPause:
		s.pauseJob(job)
	case mode == stopCancel || (cerr != nil && cerr.Kind == model.ErrKindCancelled):
		s.finalize(job, model.StateCancelled, model.NewClassified(model.ErrKindCancelled, "cancelled by user", nil))
	case cerr == nil:
		s.completeJob(job)
	case cerr.Retryable() && job.Attempts < s.cfg.GetMaxRetries():
		s.retryJob(job, cerr)
	default:
		s.finalize(job, model.StateFailed, cerr)
	}
}

func (s *Scheduler) completeJob(job *model.Job) {
	s.mu.Lock()
	job.Progress.Percent = 100
	job.Progress.Stage = "done"
	job.Progress.ETA = 0
	s.mu.Unlock()
	s.finalize(job, model.StateCompleted, nil)
}

// pauseJob keeps the job in the active set (and on disk) with its partial
// progress markers so Resume can hand the engine a resume flag.
func (s *Scheduler) pauseJob(job *model.Job) {
	s.mu.Lock()
	from := job.State
	job.State = model.StatePaused
	job.Resume = true
	s.mu.Unlock()

	s.storage.SaveJob(storage.RecordFromJob(job))
	s.logger.Info("job paused", "id", job.ID, "percent", job.Progress.Percent)
	s.publishState(job, from, nil)
}

// retryJob re-enters the queue at the tail of its priority class after an
// exponentially growing delay.
func (s *Scheduler) retryJob(job *model.Job, cerr *model.ClassifiedError) {
	s.mu.Lock()
	from := job.State
	job.State = model.StateQueued
	job.Attempts++
	job.LastError = cerr.Message
	attempts := job.Attempts
	s.mu.Unlock()

	delay := s.cfg.GetBackoffBase() << (attempts - 1)
	s.logger.Warn("retrying job", "id", job.ID, "attempt", attempts, "delay", delay, "error", cerr.Message)

	s.storage.SaveJob(storage.RecordFromJob(job))
	s.publishState(job, from, cerr)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.jobs[job.ID]
		stillQueued := ok && cur.State == model.StateQueued
		s.mu.Unlock()
		if stillQueued {
			s.enqueue(job)
		}
	})
}

// finalize performs the terminal transition exactly once and moves the job
// from the active set into history.
func (s *Scheduler) finalize(job *model.Job, to model.JobState, cerr *model.ClassifiedError) {
	s.mu.Lock()
	from, ok := s.terminateLocked(job, to, cerr)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.recordTerminal(job, from, cerr)
}

// terminateLocked flips the job into a terminal state and unregisters it.
// Returns false when the job was already finalized by another path. Caller
// holds s.mu.
func (s *Scheduler) terminateLocked(job *model.Job, to model.JobState, cerr *model.ClassifiedError) (model.JobState, bool) {
	if job.State.IsTerminal() {
		return job.State, false
	}
	from := job.State
	job.State = to
	job.EndedAt = time.Now()
	if cerr != nil && to == model.StateFailed {
		job.LastError = cerr.Message
	}
	delete(s.jobs, job.ID)
	delete(s.active, job.ID)
	return from, true
}

// recordTerminal writes the outcome to history, drops the persisted job row
// and announces the transition. Called after terminateLocked, without s.mu.
func (s *Scheduler) recordTerminal(job *model.Job, from model.JobState, cerr *model.ClassifiedError) {
	if err := s.history.Record(job, cerr); err != nil {
		s.logger.Error("failed to record history", "id", job.ID, "error", err)
	}
	s.storage.DeleteJob(job.ID)

	s.logger.Info("job finalized", "id", job.ID, "state", job.State, "attempts", job.Attempts)
	s.publishState(job, from, cerr)
}

// applyProgress copies the parsed event onto the job, publishes it and
// persists counters at a bounded rate.
func (s *Scheduler) applyProgress(job *model.Job, ev model.ProgressEvent, limiter *rate.Limiter) {
	s.mu.Lock()
	job.Progress = ev.Progress
	s.mu.Unlock()

	s.bus.Publish(model.NewProgressEvent(ev))

	if limiter.Allow() {
		s.storage.UpdateJobProgress(job.ID, ev.Percent, ev.Downloaded, ev.Total)
	}
}

// releaseSlot frees the worker slot and wakes the dispatcher.
func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.running--
	s.cond.Broadcast()
	s.mu.Unlock()
}
