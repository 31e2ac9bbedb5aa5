package history

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mediadeck/internal/model"
	"mediadeck/internal/storage"
)

func testManager(t *testing.T, limit int) (*Manager, *storage.Storage) {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(log, st, limit), st
}

func terminalJob(id string, state model.JobState) *model.Job {
	j := &model.Job{
		ID:        id,
		Kind:      model.KindDownload,
		Title:     "t-" + id,
		Source:    "https://example.com/" + id,
		State:     state,
		Attempts:  1,
		CreatedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}
	j.Progress.Downloaded = 1234
	return j
}

func TestManager_RecordOutcomes(t *testing.T) {
	m, _ := testManager(t, 0)

	if err := m.Record(terminalJob("ok", model.StateCompleted), nil); err != nil {
		t.Fatal(err)
	}
	cerr := model.NewClassified(model.ErrKindPermanent, "http error 404", nil)
	if err := m.Record(terminalJob("bad", model.StateFailed), cerr); err != nil {
		t.Fatal(err)
	}
	if err := m.Record(terminalJob("gone", model.StateCancelled), nil); err != nil {
		t.Fatal(err)
	}

	entries, err := m.Query(storage.HistoryFilter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, expected 3", len(entries))
	}

	// Newest first: cancelled, failed, completed.
	if entries[0].Outcome != string(model.StateCancelled) {
		t.Errorf("entry 0 outcome = %q, expected cancelled", entries[0].Outcome)
	}
	failed := entries[1]
	if failed.ErrorKind != string(model.ErrKindPermanent) || failed.Message != "http error 404" {
		t.Errorf("failed entry error = (%q, %q), expected classified kind and message", failed.ErrorKind, failed.Message)
	}
	completed := entries[2]
	if completed.ErrorKind != "" || completed.Message != "" {
		t.Errorf("completed entry carries error fields: (%q, %q)", completed.ErrorKind, completed.Message)
	}
	if completed.Bytes != 1234 {
		t.Errorf("completed entry bytes = %d, expected 1234", completed.Bytes)
	}
}

func TestManager_ConcurrentRecords(t *testing.T) {
	m, _ := testManager(t, 0)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := terminalJob(fmt.Sprintf("job-%d", i), model.StateCompleted)
			if err := m.Record(job, nil); err != nil {
				t.Errorf("Record(job-%d) failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	count, err := m.Count(storage.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("count = %d, expected exactly %d entries", count, n)
	}
}

func TestManager_TrimOnRecord(t *testing.T) {
	m, _ := testManager(t, 5)

	for i := 0; i < 12; i++ {
		if err := m.Record(terminalJob(fmt.Sprintf("job-%d", i), model.StateCompleted), nil); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := m.Query(storage.HistoryFilter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries after trim, expected 5", len(entries))
	}
	if entries[0].JobID != "job-11" {
		t.Errorf("newest retained = %s, expected job-11", entries[0].JobID)
	}
	if entries[4].JobID != "job-7" {
		t.Errorf("oldest retained = %s, expected job-7", entries[4].JobID)
	}
}

func TestManager_Clear(t *testing.T) {
	m, _ := testManager(t, 0)

	m.Record(terminalJob("a", model.StateCompleted), nil)
	m.Record(terminalJob("b", model.StateFailed), model.NewClassified(model.ErrKindPermanent, "x", nil))

	n, err := m.Clear(storage.HistoryFilter{Outcome: string(model.StateFailed)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Clear removed %d, expected 1", n)
	}

	count, _ := m.Count(storage.HistoryFilter{})
	if count != 1 {
		t.Errorf("count after clear = %d, expected 1", count)
	}
}
