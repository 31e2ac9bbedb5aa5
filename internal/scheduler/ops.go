package scheduler

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediadeck/internal/model"
	"mediadeck/internal/storage"
)

// SubmitRequest carries everything needed to create a job.
type SubmitRequest struct {
	Kind     model.JobKind
	Title    string
	Source   string
	Target   string
	Priority bool
	Download model.DownloadOptions
	Convert  model.ConvertOptions
}

// Submit validates the request, assigns an id and appends the job to its
// priority class. Returns immediately; the job runs when a slot frees up.
func (s *Scheduler) Submit(req SubmitRequest) (string, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return "", err
	}

	if err := s.storage.SaveJob(storage.RecordFromJob(job)); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("job submitted", "id", job.ID, "kind", job.Kind, "title", job.Title)
	s.publishState(job, "", nil)
	s.enqueue(job)
	return job.ID, nil
}

// SubmitAt registers a job that enters the queue at the given time. The due
// time is persisted with the job so a restart cannot dispatch it early.
func (s *Scheduler) SubmitAt(req SubmitRequest, due time.Time) (string, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return "", err
	}
	job.ScheduledAt = due

	if err := s.storage.SaveJob(storage.RecordFromJob(job)); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.scheduled = append(s.scheduled, &scheduledJob{job: job, due: due})
	s.mu.Unlock()

	s.logger.Info("job scheduled", "id", job.ID, "title", job.Title, "due", due)
	s.publishState(job, "", nil)
	return job.ID, nil
}

func (s *Scheduler) buildJob(req SubmitRequest) (*model.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, ok := s.engines[req.Kind]; !ok {
		return nil, model.NewClassified(model.ErrKindValidation,
			fmt.Sprintf("no engine registered for kind %q", req.Kind), nil)
	}

	return &model.Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Title:     req.Title,
		Source:    req.Source,
		Target:    req.Target,
		Download:  req.Download,
		Convert:   req.Convert,
		State:     model.StateQueued,
		Priority:  req.Priority,
		CreatedAt: time.Now(),
	}, nil
}

// validate rejects malformed descriptors before they enter the queue.
func validate(req SubmitRequest) error {
	reject := func(msg string) error {
		return model.NewClassified(model.ErrKindValidation, msg, nil)
	}

	switch req.Kind {
	case model.KindDownload:
		u, err := url.Parse(req.Source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return reject("source must be an http(s) URL")
		}
	case model.KindConvert:
		if strings.TrimSpace(req.Source) == "" {
			return reject("source file path is required")
		}
		if req.Convert.TargetFormat == "" && req.Target == "" {
			return reject("conversion needs a target format or output path")
		}
	default:
		return reject(fmt.Sprintf("unknown job kind %q", req.Kind))
	}
	return nil
}

// Cancel stops a job wherever it is. Queued jobs are removed without ever
// touching the engine; running jobs are signalled and reach Cancelled within
// the cancellation timeout even if the engine misbehaves.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	if a, ok := s.active[id]; ok {
		if a.mode == stopNone {
			a.mode = stopCancel
		}
		a.cancel()
		s.mu.Unlock()
		return nil
	}
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}

	// Queued and paused jobs are finalized here, under the same lock workers
	// claim jobs with, so a job mid-handoff to a worker cannot slip through.
	var note string
	switch job.State {
	case model.StateQueued:
		if removed := s.queue.Remove(id); removed == nil {
			// Scheduled but not yet due.
			for i, sj := range s.scheduled {
				if sj.job.ID == id {
					s.scheduled = append(s.scheduled[:i], s.scheduled[i+1:]...)
					break
				}
			}
		}
		note = "cancelled while queued"
	case model.StatePaused:
		note = "cancelled while paused"
	default:
		state := job.State
		s.mu.Unlock()
		return fmt.Errorf("job %s is already %s", id, state)
	}

	cerr := model.NewClassified(model.ErrKindCancelled, note, nil)
	from, _ := s.terminateLocked(job, model.StateCancelled, cerr)
	s.mu.Unlock()

	s.recordTerminal(job, from, cerr)
	return nil
}

// Pause suspends a download, keeping partial data for resume. Conversions
// cannot be paused; their partial output is unusable.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	if a, ok := s.active[id]; ok {
		if a.job.Kind != model.KindDownload {
			s.mu.Unlock()
			return fmt.Errorf("only download jobs can be paused")
		}
		if a.mode == stopNone {
			a.mode = stopPause
		}
		a.cancel()
		s.mu.Unlock()
		return nil
	}
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Kind != model.KindDownload {
		s.mu.Unlock()
		return fmt.Errorf("only download jobs can be paused")
	}
	if job.State != model.StateQueued {
		state := job.State
		s.mu.Unlock()
		return fmt.Errorf("job %s cannot be paused while %s", id, state)
	}

	s.queue.Remove(id)
	from := job.State
	job.State = model.StatePaused
	s.mu.Unlock()

	s.storage.SaveJob(storage.RecordFromJob(job))
	s.publishState(job, from, nil)
	return nil
}

// Resume re-enqueues a paused download with its partial state intact; the
// engine receives a resume flag, not a fresh request.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State != model.StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("job %s is not paused", id)
	}

	from := job.State
	job.State = model.StateQueued
	job.Resume = true
	s.mu.Unlock()

	s.storage.SaveJob(storage.RecordFromJob(job))
	s.publishState(job, from, nil)
	s.enqueue(job)
	return nil
}

// SetMaxConcurrent adjusts the worker pool bound at runtime.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.cfg.SetMaxConcurrent(n)
	s.mu.Lock()
	s.maxConcurrent = n
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Get returns a snapshot of one non-terminal job.
func (s *Scheduler) Get(id string) (*model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Jobs returns snapshots of every non-terminal job.
func (s *Scheduler) Jobs() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// RunningCount reports how many workers hold a job right now.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
