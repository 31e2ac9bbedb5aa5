// Package scheduler owns the queue and the active-job set. All shared state
// is mutated here, behind one lock, in response to submit/cancel/pause/
// resume calls and worker reports; workers touch only their own job and the
// engine handle they hold.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediadeck/internal/config"
	"mediadeck/internal/engine"
	"mediadeck/internal/events"
	"mediadeck/internal/history"
	"mediadeck/internal/model"
	"mediadeck/internal/queue"
	"mediadeck/internal/storage"
)

// stopMode records what a user asked of a running job, observed by its
// worker once the engine terminates.
type stopMode int

const (
	stopNone stopMode = iota
	stopCancel
	stopPause
)

// activeJob is the control block for a job currently held by a worker.
type activeJob struct {
	job    *model.Job
	cancel context.CancelFunc
	mode   stopMode
}

// scheduledJob waits for its due time before entering the queue.
type scheduledJob struct {
	job *model.Job
	due time.Time
}

// Scheduler dispatches queued jobs to a bounded pool of workers and applies
// the retry policy on recoverable failures.
type Scheduler struct {
	logger  *slog.Logger
	storage *storage.Storage
	cfg     *config.Manager
	bus     *events.Bus
	history *history.Manager
	engines map[model.JobKind]engine.Engine
	queue   *queue.JobQueue

	ctx      context.Context
	stop     context.CancelFunc
	workerWg sync.WaitGroup

	mu            sync.Mutex
	cond          *sync.Cond
	maxConcurrent int
	running       int
	active        map[string]*activeJob
	jobs          map[string]*model.Job // every non-terminal job: queued, running, paused
	scheduled     []*scheduledJob
	stopped       bool

	// shortened in tests
	scheduleTick time.Duration
}

// New wires a scheduler. Engines are registered per job kind; a kind with
// no engine fails at submit, not dispatch.
func New(logger *slog.Logger, st *storage.Storage, cfg *config.Manager, bus *events.Bus, hist *history.Manager, engines ...engine.Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:        logger,
		storage:       st,
		cfg:           cfg,
		bus:           bus,
		history:       hist,
		engines:       make(map[model.JobKind]engine.Engine),
		queue:         queue.New(),
		ctx:           ctx,
		stop:          cancel,
		maxConcurrent: cfg.GetMaxConcurrent(),
		active:        make(map[string]*activeJob),
		jobs:          make(map[string]*model.Job),
		scheduleTick:  5 * time.Second,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, e := range engines {
		s.engines[e.Kind()] = e
	}
	return s
}

// Run recovers persisted jobs and starts the dispatch and schedule loops.
func (s *Scheduler) Run() {
	s.recoverPersisted()
	go s.dispatchLoop()
	go s.scheduleLoop()
}

// dispatchLoop pulls queued jobs whenever a worker slot is free. The slot
// count and the queue are checked under the same lock the wakers signal on,
// so a push or a freed slot can never be missed.
func (s *Scheduler) dispatchLoop() {
	for {
		s.mu.Lock()
		for !s.stopped && (s.running >= s.maxConcurrent || s.queue.Len() == 0) {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		job := s.queue.PopNext()
		if job == nil {
			s.mu.Unlock()
			continue
		}
		s.running++
		s.mu.Unlock()

		s.workerWg.Add(1)
		go s.runWorker(job)
	}
}

// wake nudges the dispatcher after a push, a freed slot, or shutdown.
func (s *Scheduler) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// scheduleLoop moves due scheduled submissions into the queue.
func (s *Scheduler) scheduleLoop() {
	ticker := time.NewTicker(s.scheduleTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var due []*model.Job

		s.mu.Lock()
		remaining := s.scheduled[:0]
		for _, sj := range s.scheduled {
			if !sj.due.After(now) {
				due = append(due, sj.job)
			} else {
				remaining = append(remaining, sj)
			}
		}
		s.scheduled = remaining
		s.mu.Unlock()

		for _, job := range due {
			s.logger.Info("scheduled job due", "id", job.ID, "title", job.Title)
			s.enqueue(job)
		}
	}
}

// Shutdown stops dispatch, interrupts active jobs so downloads persist as
// paused, and waits a bounded time for workers to report in.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.logger.Info("scheduler shutting down")

	s.mu.Lock()
	s.stopped = true
	for _, a := range s.active {
		if a.mode == stopNone {
			a.mode = stopPause
		}
		a.cancel()
	}
	s.mu.Unlock()

	s.stop()
	s.wake()

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout; some workers still running")
	}
	s.logger.Info("scheduler shutdown complete")
}

// enqueue pushes a queued job and wakes the dispatcher.
func (s *Scheduler) enqueue(job *model.Job) {
	s.queue.Push(job)
	s.wake()
}

// publishState announces a transition on the bus.
func (s *Scheduler) publishState(job *model.Job, from model.JobState, cerr *model.ClassifiedError) {
	sc := model.StateChange{
		JobID: job.ID,
		Kind:  job.Kind,
		From:  from,
		To:    job.State,
		At:    time.Now(),
	}
	if cerr != nil {
		sc.ErrorKind = cerr.Kind
		sc.Message = cerr.Message
	}
	s.bus.Publish(model.NewStateChangeEvent(sc))
}

// recoverPersisted reloads the job table at startup. Jobs interrupted while
// queued or running become paused (downloads keep their partial markers and
// can be resumed); interrupted conversions cannot reuse partial output and
// are finalized as failed.
func (s *Scheduler) recoverPersisted() {
	recs, err := s.storage.GetAllJobs()
	if err != nil {
		s.logger.Error("failed to recover persisted jobs", "error", err)
		return
	}

	for _, rec := range recs {
		job := rec.ToJob()
		switch job.State {
		case model.StateQueued, model.StateRunning, model.StatePaused:
		default:
			// Terminal rows should not exist here; drop them.
			s.storage.DeleteJob(job.ID)
			continue
		}

		if job.Kind == model.KindConvert && job.State != model.StateQueued {
			from := job.State
			job.State = model.StateFailed
			job.EndedAt = time.Now()
			cerr := model.NewClassified(model.ErrKindInternal, "interrupted by restart", nil)
			job.LastError = cerr.Message
			s.history.Record(job, cerr)
			s.storage.DeleteJob(job.ID)
			s.publishState(job, from, cerr)
			continue
		}

		if job.State != model.StateQueued {
			from := job.State
			job.State = model.StatePaused
			job.Resume = true
			if from != model.StatePaused {
				s.storage.SaveJob(storage.RecordFromJob(job))
				s.logger.Info("recovered interrupted job", "id", job.ID, "title", job.Title)
			}
		}

		s.mu.Lock()
		s.jobs[job.ID] = job
		// A deferred job whose due time has not passed goes back on the
		// schedule list, not into the queue.
		if job.State == model.StateQueued && job.ScheduledAt.After(time.Now()) {
			s.scheduled = append(s.scheduled, &scheduledJob{job: job, due: job.ScheduledAt})
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if job.State == model.StateQueued {
			s.enqueue(job)
		}
	}
}
