// Package history records terminal job outcomes. The log is append-only:
// entries are immutable once written and Clear is the only permitted
// mutation. Record is safe for concurrent finalize calls from different
// workers; writes are serialized behind a single lock.
package history

import (
	"log/slog"
	"sync"
	"time"

	"mediadeck/internal/model"
	"mediadeck/internal/storage"
)

// Manager persists and queries the outcome log.
type Manager struct {
	logger  *slog.Logger
	storage *storage.Storage
	limit   int

	writeMu sync.Mutex
}

// NewManager creates a history manager. limit caps retained entries
// (oldest trimmed); 0 disables trimming.
func NewManager(logger *slog.Logger, st *storage.Storage, limit int) *Manager {
	return &Manager{logger: logger, storage: st, limit: limit}
}

// Record appends the terminal snapshot of a job. The job must already be in
// a terminal state; cerr may be nil for completed jobs.
func (m *Manager) Record(job *model.Job, cerr *model.ClassifiedError) error {
	entry := storage.HistoryEntry{
		JobID:      job.ID,
		Kind:       string(job.Kind),
		Title:      job.Title,
		Source:     job.Source,
		Target:     job.Target,
		Outcome:    string(job.State),
		Bytes:      job.Progress.Downloaded,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		FinishedAt: job.EndedAt.Format(time.RFC3339),
	}
	if cerr != nil && job.State == model.StateFailed {
		entry.ErrorKind = string(cerr.Kind)
		entry.Message = cerr.Message
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.storage.AppendHistory(entry); err != nil {
		m.logger.Error("failed to append history entry", "id", job.ID, "error", err)
		return err
	}
	if m.limit > 0 {
		if err := m.storage.TrimHistory(m.limit); err != nil {
			m.logger.Warn("failed to trim history", "error", err)
		}
	}
	return nil
}

// Query returns matching entries, newest first.
func (m *Manager) Query(f storage.HistoryFilter, limit int) ([]storage.HistoryEntry, error) {
	return m.storage.QueryHistory(f, limit)
}

// Count returns the number of matching entries.
func (m *Manager) Count(f storage.HistoryFilter) (int64, error) {
	return m.storage.CountHistory(f)
}

// Clear removes matching entries; a zero filter wipes everything.
func (m *Manager) Clear(f storage.HistoryFilter) (int64, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	n, err := m.storage.ClearHistory(f)
	if err != nil {
		return 0, err
	}
	m.logger.Info("history cleared", "removed", n)
	return n, nil
}
