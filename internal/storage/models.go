package storage

import (
	"encoding/json"
	"time"

	"mediadeck/internal/model"
)

// JobRecord is the persisted form of an active (queued/running/paused) job.
// Terminal jobs leave this table and are appended to history instead.
type JobRecord struct {
	ID          string  `gorm:"primaryKey" json:"id"`
	Kind        string  `gorm:"index" json:"kind"`
	Title       string  `json:"title"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Status      string  `gorm:"index" json:"status"`
	OptionsJSON string  `json:"-"` // kind-specific options, JSON serialized
	Priority    bool    `json:"priority"`
	Progress    float64 `json:"progress"` // percent 0..100
	Downloaded  int64   `json:"downloaded"`
	TotalSize   int64   `json:"total_size"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error"`
	Resumable   bool    `json:"resumable"`              // partial data on disk usable with a resume flag
	ScheduledAt string  `json:"scheduled_at,omitempty"` // due time for deferred jobs, RFC3339
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// TableName specifies the table name for JobRecord
func (JobRecord) TableName() string {
	return "jobs"
}

// HistoryEntry is an immutable snapshot of a terminal job. Append-only;
// Clear is the only mutation allowed.
type HistoryEntry struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	JobID      string `gorm:"index" json:"job_id"`
	Kind       string `gorm:"index" json:"kind"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	Outcome    string `gorm:"index" json:"outcome"` // completed, failed, cancelled
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
	Bytes      int64  `json:"bytes"`
	Attempts   int    `json:"attempts"`
	CreatedAt  string `json:"created_at"` // job submission time
	FinishedAt string `json:"finished_at"`
}

// TableName specifies the table name for HistoryEntry
func (HistoryEntry) TableName() string {
	return "history"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}

type jobOptions struct {
	Download *model.DownloadOptions `json:"download,omitempty"`
	Convert  *model.ConvertOptions  `json:"convert,omitempty"`
}

// RecordFromJob converts an in-memory job to its persisted form.
func RecordFromJob(j *model.Job) JobRecord {
	opts := jobOptions{}
	switch j.Kind {
	case model.KindDownload:
		o := j.Download
		opts.Download = &o
	case model.KindConvert:
		o := j.Convert
		opts.Convert = &o
	}
	raw, _ := json.Marshal(opts)

	rec := JobRecord{
		ID:          j.ID,
		Kind:        string(j.Kind),
		Title:       j.Title,
		Source:      j.Source,
		Target:      j.Target,
		Status:      string(j.State),
		OptionsJSON: string(raw),
		Priority:    j.Priority,
		Progress:    j.Progress.Percent,
		Downloaded:  j.Progress.Downloaded,
		TotalSize:   j.Progress.Total,
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		Resumable:   j.Resume || (j.Kind == model.KindDownload && j.State == model.StatePaused),
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
	}
	if !j.ScheduledAt.IsZero() {
		rec.ScheduledAt = j.ScheduledAt.Format(time.RFC3339)
	}
	return rec
}

// ToJob converts a persisted record back to an in-memory job.
func (r JobRecord) ToJob() *model.Job {
	j := &model.Job{
		ID:        r.ID,
		Kind:      model.JobKind(r.Kind),
		Title:     r.Title,
		Source:    r.Source,
		Target:    r.Target,
		State:     model.JobState(r.Status),
		Priority:  r.Priority,
		Resume:    r.Resumable,
		Attempts:  r.Attempts,
		LastError: r.LastError,
	}
	j.Progress.Percent = r.Progress
	j.Progress.Downloaded = r.Downloaded
	j.Progress.Total = r.TotalSize

	var opts jobOptions
	if err := json.Unmarshal([]byte(r.OptionsJSON), &opts); err == nil {
		if opts.Download != nil {
			j.Download = *opts.Download
		}
		if opts.Convert != nil {
			j.Convert = *opts.Convert
		}
	}

	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, r.ScheduledAt); err == nil {
		j.ScheduledAt = t
	}
	return j
}
