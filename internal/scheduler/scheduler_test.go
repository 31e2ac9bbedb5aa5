package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediadeck/internal/config"
	"mediadeck/internal/engine"
	"mediadeck/internal/events"
	"mediadeck/internal/history"
	"mediadeck/internal/model"
	"mediadeck/internal/storage"
)

// fakeRun is the control surface a scripted behavior drives one invocation
// through.
type fakeRun struct {
	lines     chan<- string
	done      chan<- engine.Result
	cancelled <-chan struct{}
	killed    <-chan struct{}
}

func (r *fakeRun) emit(line string)         { r.lines <- line }
func (r *fakeRun) finish(res engine.Result) { r.done <- res }
func (r *fakeRun) succeed()                 { r.finish(engine.Result{}) }
func (r *fakeRun) failWith(kind model.ErrorKind, msg string) {
	r.finish(engine.Result{ExitCode: 1, Err: model.NewClassified(kind, msg, nil)})
}

// fakeEngine runs a scripted behavior per invocation. attempt counts prior
// starts of the same job id, starting at 0.
type fakeEngine struct {
	kind   model.JobKind
	behave func(attempt int, job *model.Job, run *fakeRun)
	output string // resolved output path reported on the handle

	mu     sync.Mutex
	starts []*model.Job
}

func newFakeEngine(kind model.JobKind, behave func(attempt int, job *model.Job, run *fakeRun)) *fakeEngine {
	if behave == nil {
		behave = func(_ int, _ *model.Job, run *fakeRun) { run.succeed() }
	}
	return &fakeEngine{kind: kind, behave: behave}
}

func (e *fakeEngine) Kind() model.JobKind { return e.kind }

func (e *fakeEngine) Start(_ context.Context, job *model.Job) (*engine.Handle, error) {
	e.mu.Lock()
	attempt := 0
	for _, s := range e.starts {
		if s.ID == job.ID {
			attempt++
		}
	}
	e.starts = append(e.starts, job.Clone())
	e.mu.Unlock()

	lines := make(chan string)
	done := make(chan engine.Result, 1)
	cancelled := make(chan struct{})
	killed := make(chan struct{})
	var cancelOnce, killOnce sync.Once

	h := engine.NewHandle(lines, done, 0,
		func() { cancelOnce.Do(func() { close(cancelled) }) },
		func() { killOnce.Do(func() { close(killed) }) },
	)
	h.Output = e.output

	run := &fakeRun{lines: lines, done: done, cancelled: cancelled, killed: killed}
	go func() {
		defer close(lines)
		e.behave(attempt, job, run)
	}()
	return h, nil
}

func (e *fakeEngine) startedJobs() []*model.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Job, len(e.starts))
	copy(out, e.starts)
	return out
}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

type testEnv struct {
	st    *storage.Storage
	cfg   *config.Manager
	bus   *events.Bus
	hist  *history.Manager
	sched *Scheduler
	sub   *events.Subscription

	// state changes already consumed off the shared subscription
	seen map[string]map[model.JobState]model.StateChange
}

func newTestEnv(t *testing.T, maxConcurrent int, engines ...engine.Engine) *testEnv {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewManager(st)
	require.NoError(t, cfg.SetMaxConcurrent(maxConcurrent))
	require.NoError(t, cfg.SetBackoffBase(5*time.Millisecond))
	require.NoError(t, cfg.SetCancelTimeout(100*time.Millisecond))
	require.NoError(t, cfg.SetMinFreeDiskMB(0))
	require.NoError(t, cfg.SetDownloadPath(t.TempDir()))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(log)
	hist := history.NewManager(log, st, 0)

	sched := New(log, st, cfg, bus, hist, engines...)
	sched.scheduleTick = 20 * time.Millisecond

	sub := bus.Subscribe()
	t.Cleanup(func() {
		sched.Shutdown(2 * time.Second)
		sub.Close()
		bus.Close()
	})

	return &testEnv{st: st, cfg: cfg, bus: bus, hist: hist, sched: sched, sub: sub}
}

func downloadReq(url string) SubmitRequest {
	return SubmitRequest{Kind: model.KindDownload, Source: url}
}

// waitState blocks until the job reaches the wanted state on the bus.
// Transitions consumed for other jobs along the way are remembered so later
// waits do not miss them.
func (env *testEnv) waitState(t *testing.T, id string, want model.JobState) model.StateChange {
	t.Helper()
	if env.seen == nil {
		env.seen = make(map[string]map[model.JobState]model.StateChange)
	}
	if sc, ok := env.seen[id][want]; ok {
		return sc
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-env.sub.Events():
			if !open {
				t.Fatalf("event stream closed waiting for %s to reach %s", id, want)
			}
			if ev.Type != model.EventStateChange {
				continue
			}
			sc := *ev.StateChange
			if env.seen[sc.JobID] == nil {
				env.seen[sc.JobID] = make(map[model.JobState]model.StateChange)
			}
			env.seen[sc.JobID][sc.To] = sc
			if sc.JobID == id && sc.To == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", id, want)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScheduler_CompletesSubmittedJobs(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		run.emit("[download]  50.0% of 10.00MiB at 1.00MiB/s ETA 00:05")
		run.emit("[download] 100.0% of 10.00MiB at 1.00MiB/s ETA 00:00")
		run.succeed()
	})
	env := newTestEnv(t, 2, eng)
	env.sched.Run()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := env.sched.Submit(downloadReq(fmt.Sprintf("https://example.com/v%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		env.waitState(t, id, model.StateCompleted)
	}

	// Terminal jobs leave the active table and land in history.
	eventually(t, func() bool {
		recs, err := env.st.GetAllJobs()
		return err == nil && len(recs) == 0
	}, "job rows were not removed after completion")

	n, err := env.hist.Count(storage.HistoryFilter{Outcome: string(model.StateCompleted)})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Empty(t, env.sched.Jobs())
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		<-release
		run.succeed()
	})
	env := newTestEnv(t, 2, eng)
	env.sched.Run()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := env.sched.Submit(downloadReq(fmt.Sprintf("https://example.com/v%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	eventually(t, func() bool { return eng.startCount() == 2 }, "first two jobs never started")

	// Give the dispatcher a chance to overshoot; it must not.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, eng.startCount(), "more engine invocations than worker slots")
	require.Equal(t, 2, env.sched.RunningCount())

	close(release)
	for _, id := range ids {
		env.waitState(t, id, model.StateCompleted)
	}
	require.Equal(t, 5, eng.startCount())
}

func TestScheduler_FIFOAndPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		<-gate
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	first, err := env.sched.Submit(downloadReq("https://example.com/first"))
	require.NoError(t, err)
	eventually(t, func() bool { return eng.startCount() == 1 }, "first job never started")

	n1, err := env.sched.Submit(downloadReq("https://example.com/n1"))
	require.NoError(t, err)
	n2, err := env.sched.Submit(downloadReq("https://example.com/n2"))
	require.NoError(t, err)
	p1, err := env.sched.Submit(SubmitRequest{
		Kind:     model.KindDownload,
		Source:   "https://example.com/p1",
		Priority: true,
	})
	require.NoError(t, err)

	// Unblock every invocation; order is fixed by the queue, not the gate.
	close(gate)
	for _, id := range []string{first, n1, n2, p1} {
		env.waitState(t, id, model.StateCompleted)
	}

	var order []string
	for _, j := range eng.startedJobs() {
		order = append(order, j.Source)
	}
	require.Equal(t, []string{
		"https://example.com/first",
		"https://example.com/p1",
		"https://example.com/n1",
		"https://example.com/n2",
	}, order)
}

func TestScheduler_RetriesRecoverableThenFails(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		run.failWith(model.ErrKindRecoverable, "connection reset")
	})
	env := newTestEnv(t, 1, eng)
	require.NoError(t, env.cfg.SetMaxRetries(2))
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/flaky"))
	require.NoError(t, err)

	sc := env.waitState(t, id, model.StateFailed)
	require.Equal(t, model.ErrKindRecoverable, sc.ErrorKind)

	// Initial attempt plus two retries.
	require.Equal(t, 3, eng.startCount())

	entries, err := env.hist.Query(storage.HistoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(model.StateFailed), entries[0].Outcome)
	require.Equal(t, 2, entries[0].Attempts)
	require.Equal(t, "connection reset", entries[0].Message)
}

func TestScheduler_RetrySucceedsOnSecondAttempt(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(attempt int, _ *model.Job, run *fakeRun) {
		if attempt == 0 {
			run.failWith(model.ErrKindRecoverable, "timed out")
			return
		}
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/flaky"))
	require.NoError(t, err)

	env.waitState(t, id, model.StateCompleted)
	require.Equal(t, 2, eng.startCount())

	entries, err := env.hist.Query(storage.HistoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Attempts)
}

func TestScheduler_PermanentFailureNotRetried(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		run.failWith(model.ErrKindPermanent, "http error 404")
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/gone"))
	require.NoError(t, err)

	sc := env.waitState(t, id, model.StateFailed)
	require.Equal(t, model.ErrKindPermanent, sc.ErrorKind)
	require.Equal(t, 1, eng.startCount())
}

func TestScheduler_CancelQueuedNeverInvokesEngine(t *testing.T) {
	block := make(chan struct{})
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		<-block
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	running, err := env.sched.Submit(downloadReq("https://example.com/running"))
	require.NoError(t, err)
	eventually(t, func() bool { return eng.startCount() == 1 }, "first job never started")

	queued, err := env.sched.Submit(downloadReq("https://example.com/queued"))
	require.NoError(t, err)

	require.NoError(t, env.sched.Cancel(queued))
	env.waitState(t, queued, model.StateCancelled)

	close(block)
	env.waitState(t, running, model.StateCompleted)
	require.Equal(t, 1, eng.startCount(), "cancelled queued job must never reach the engine")

	entries, err := env.hist.Query(storage.HistoryFilter{Outcome: string(model.StateCancelled)}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestScheduler_CancelRunningGraceful(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		<-run.cancelled
		run.failWith(model.ErrKindCancelled, "interrupted")
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/long"))
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)

	require.NoError(t, env.sched.Cancel(id))
	env.waitState(t, id, model.StateCancelled)
	require.Empty(t, env.sched.Jobs())
}

func TestScheduler_CancelStubbornEngineForcedWithinTimeout(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		// Ignores the graceful cancel entirely; only dies when killed.
		<-run.killed
		run.failWith(model.ErrKindCancelled, "killed")
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/stubborn"))
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)

	started := time.Now()
	require.NoError(t, env.sched.Cancel(id))
	env.waitState(t, id, model.StateCancelled)

	// Cancel timeout is 100ms; the force kill must land well before the
	// engine could have run forever.
	require.Less(t, time.Since(started), 3*time.Second)
}

func TestScheduler_PauseAndResumeCarriesPartialState(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(attempt int, _ *model.Job, run *fakeRun) {
		if attempt == 0 {
			run.emit("[download]  40.0% of 100.00MiB at 1.00MiB/s ETA 00:30")
			<-run.cancelled
			run.failWith(model.ErrKindCancelled, "interrupted")
			return
		}
		run.emit("[download] 100.0% of 100.00MiB at 1.00MiB/s ETA 00:00")
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/pausable"))
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)
	eventually(t, func() bool {
		job, ok := env.sched.Get(id)
		return ok && job.Progress.Percent == 40
	}, "progress never reached 40%")

	require.NoError(t, env.sched.Pause(id))
	env.waitState(t, id, model.StatePaused)

	// Paused jobs survive in the job table with their partial markers.
	rec, err := env.st.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, string(model.StatePaused), rec.Status)
	require.True(t, rec.Resumable)
	require.Equal(t, 40.0, rec.Progress)

	require.NoError(t, env.sched.Resume(id))
	env.waitState(t, id, model.StateCompleted)

	starts := eng.startedJobs()
	require.Len(t, starts, 2)
	require.False(t, starts[0].Resume, "first attempt must be a fresh request")
	require.True(t, starts[1].Resume, "resumed attempt must carry the resume flag")
}

func TestScheduler_PauseRejectsConversions(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	eng := newFakeEngine(model.KindConvert, func(_ int, _ *model.Job, run *fakeRun) {
		<-block
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(SubmitRequest{
		Kind:    model.KindConvert,
		Source:  "/tmp/in.mkv",
		Convert: model.ConvertOptions{TargetFormat: "mp4"},
	})
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)

	require.Error(t, env.sched.Pause(id))
}

func TestScheduler_SubmitValidation(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, nil)
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"not a URL", SubmitRequest{Kind: model.KindDownload, Source: "not a url"}},
		{"ftp scheme", SubmitRequest{Kind: model.KindDownload, Source: "ftp://example.com/f"}},
		{"missing host", SubmitRequest{Kind: model.KindDownload, Source: "https:///nohost"}},
		{"convert without source", SubmitRequest{Kind: model.KindConvert, Source: "  "}},
		{"convert without format or target", SubmitRequest{Kind: model.KindConvert, Source: "/tmp/in.mkv"}},
		{"unknown kind", SubmitRequest{Kind: "archive", Source: "https://example.com/f"}},
		{"kind without engine", SubmitRequest{Kind: model.KindConvert, Source: "/tmp/in.mkv", Convert: model.ConvertOptions{TargetFormat: "mp4"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.sched.Submit(tt.req)
			require.Error(t, err)
			cerr := model.Classify(err)
			require.Equal(t, model.ErrKindValidation, cerr.Kind)
		})
	}

	require.Empty(t, env.sched.Jobs(), "rejected submissions must not enter the queue")
	require.Zero(t, eng.startCount())
}

func TestScheduler_ScheduledSubmissionEntersQueueWhenDue(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, nil)
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.SubmitAt(downloadReq("https://example.com/later"), time.Now().Add(60*time.Millisecond))
	require.NoError(t, err)

	job, ok := env.sched.Get(id)
	require.True(t, ok)
	require.Equal(t, model.StateQueued, job.State)
	require.Zero(t, eng.startCount(), "scheduled job must not start before its due time")

	env.waitState(t, id, model.StateCompleted)
}

func TestScheduler_ResolvedOutputVisibleThroughSnapshots(t *testing.T) {
	block := make(chan struct{})
	eng := newFakeEngine(model.KindConvert, func(_ int, _ *model.Job, run *fakeRun) {
		<-block
		run.succeed()
	})
	eng.output = "/media/converted/clip.mp4"
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(SubmitRequest{
		Kind:    model.KindConvert,
		Source:  "/tmp/clip.mkv",
		Convert: model.ConvertOptions{TargetFormat: "mp4"},
	})
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)

	// The path the engine resolved at start reaches concurrent readers
	// through the snapshot, not through a bare write to the shared job.
	eventually(t, func() bool {
		job, ok := env.sched.Get(id)
		return ok && job.Target == "/media/converted/clip.mp4"
	}, "resolved output path never appeared in the job snapshot")

	close(block)
	env.waitState(t, id, model.StateCompleted)

	entries, err := env.hist.Query(storage.HistoryFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/media/converted/clip.mp4", entries[0].Target)
}

func TestScheduler_ScheduledSubmissionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(dir)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.NewManager(st)
	require.NoError(t, cfg.SetMinFreeDiskMB(0))
	bus := events.NewBus(log)
	hist := history.NewManager(log, st, 0)
	eng := newFakeEngine(model.KindDownload, nil)
	sched := New(log, st, cfg, bus, hist, eng)

	id, err := sched.SubmitAt(downloadReq("https://example.com/later"), time.Now().Add(time.Hour))
	require.NoError(t, err)
	sched.Shutdown(time.Second)
	bus.Close()
	require.NoError(t, st.Close())

	// Reopen the same data dir; the due time must come back with the job.
	st, err = storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg = config.NewManager(st)
	bus = events.NewBus(log)
	t.Cleanup(bus.Close)
	hist = history.NewManager(log, st, 0)
	eng2 := newFakeEngine(model.KindDownload, nil)
	sched2 := New(log, st, cfg, bus, hist, eng2)
	sched2.scheduleTick = 20 * time.Millisecond
	t.Cleanup(func() { sched2.Shutdown(time.Second) })
	sched2.Run()

	job, ok := sched2.Get(id)
	require.True(t, ok)
	require.Equal(t, model.StateQueued, job.State)

	// Several schedule ticks pass; the job stays parked until it is due.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, eng2.startCount(), "job due in an hour started right after restart")
}

func TestScheduler_SetMaxConcurrentWakesDispatcher(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		<-release
		run.succeed()
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.sched.Submit(downloadReq(fmt.Sprintf("https://example.com/v%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	eventually(t, func() bool { return eng.startCount() == 1 }, "first job never started")

	env.sched.SetMaxConcurrent(3)
	eventually(t, func() bool { return eng.startCount() == 3 }, "raising the limit did not dispatch waiting jobs")

	close(release)
	for _, id := range ids {
		env.waitState(t, id, model.StateCompleted)
	}
}

func TestScheduler_ShutdownPausesRunningDownloads(t *testing.T) {
	eng := newFakeEngine(model.KindDownload, func(_ int, _ *model.Job, run *fakeRun) {
		run.emit("[download]  30.0% of 100.00MiB at 1.00MiB/s ETA 00:60")
		<-run.cancelled
		run.failWith(model.ErrKindCancelled, "interrupted")
	})
	env := newTestEnv(t, 1, eng)
	env.sched.Run()

	id, err := env.sched.Submit(downloadReq("https://example.com/interrupted"))
	require.NoError(t, err)
	env.waitState(t, id, model.StateRunning)

	env.sched.Shutdown(2 * time.Second)

	rec, err := env.st.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, string(model.StatePaused), rec.Status)
	require.True(t, rec.Resumable)
}

func TestScheduler_RecoverPersisted(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(dir)
	require.NoError(t, err)

	save := func(id string, kind model.JobKind, state model.JobState) {
		job := &model.Job{
			ID:        id,
			Kind:      kind,
			Source:    "https://example.com/" + id,
			State:     state,
			CreatedAt: time.Now(),
		}
		if kind == model.KindConvert {
			job.Source = "/tmp/" + id + ".mkv"
			job.Convert.TargetFormat = "mp4"
		}
		require.NoError(t, st.SaveJob(storage.RecordFromJob(job)))
	}
	save("dl-running", model.KindDownload, model.StateRunning)
	save("dl-queued", model.KindDownload, model.StateQueued)
	save("cv-running", model.KindConvert, model.StateRunning)
	require.NoError(t, st.Close())

	st, err = storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewManager(st)
	require.NoError(t, cfg.SetMinFreeDiskMB(0))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(log)
	hist := history.NewManager(log, st, 0)
	dl := newFakeEngine(model.KindDownload, nil)
	cv := newFakeEngine(model.KindConvert, nil)

	sched := New(log, st, cfg, bus, hist, dl, cv)
	sub := bus.Subscribe()
	env := &testEnv{st: st, cfg: cfg, bus: bus, hist: hist, sched: sched, sub: sub}
	t.Cleanup(func() {
		sched.Shutdown(2 * time.Second)
		sub.Close()
		bus.Close()
	})

	sched.Run()

	// The interrupted download survives as a resumable paused job.
	job, ok := sched.Get("dl-running")
	require.True(t, ok)
	require.Equal(t, model.StatePaused, job.State)
	require.True(t, job.Resume)

	// The queued download is re-dispatched and completes.
	env.waitState(t, "dl-queued", model.StateCompleted)

	// The interrupted conversion cannot reuse partial output; it is failed
	// into history, not restarted.
	_, ok = sched.Get("cv-running")
	require.False(t, ok)
	require.Zero(t, cv.startCount())

	entries, err := hist.Query(storage.HistoryFilter{Kind: string(model.KindConvert)}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(model.StateFailed), entries[0].Outcome)
	require.Equal(t, "interrupted by restart", entries[0].Message)
}
