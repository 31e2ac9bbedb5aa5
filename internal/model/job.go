package model

import (
	"time"
)

// JobKind identifies which engine a job is dispatched to.
type JobKind string

const (
	KindDownload JobKind = "download"
	KindConvert  JobKind = "convert"
)

// JobState is the lifecycle state of a job.
// Transitions are monotonic except Queued<->Paused and the Running->Queued retry edge.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state can never change again.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// DownloadOptions are the recognized options for download jobs.
type DownloadOptions struct {
	Quality        string `json:"quality,omitempty"` // "best", "1080p", "720p", "worst"
	AudioOnly      bool   `json:"audio_only,omitempty"`
	EmbedSubtitles bool   `json:"embed_subtitles,omitempty"`
}

// ConvertOptions are the recognized options for convert jobs.
type ConvertOptions struct {
	TargetFormat string `json:"target_format,omitempty"` // "mp4", "mkv", "mp3", ...
	TargetCodec  string `json:"target_codec,omitempty"`  // "libx264", "aac", ...
}

// Progress is the latest known in-flight progress of a job.
type Progress struct {
	Percent    float64       // 0..100
	Downloaded int64         // bytes (download) or processed microseconds (convert)
	Total      int64         // expected total, 0 if unknown
	Stage      string        // e.g. "downloading", "merging", "transcoding"
	Rate       float64       // bytes/sec or speed multiplier
	RateLabel  string        // human readable, e.g. "1.2 MiB/s" or "2.3x"
	ETA        time.Duration // -1 means indeterminate
}

// Job is one requested download or conversion tracked through its lifecycle.
// A job lives in exactly one of the active set or the history at any time.
type Job struct {
	ID          string
	Kind        JobKind
	Title       string
	Source      string // URL for downloads, input file path for conversions
	Target      string // output file path (template for downloads until resolved)
	Download    DownloadOptions
	Convert     ConvertOptions
	State       JobState
	Progress    Progress
	Priority    bool // priority submissions dispatch ahead of normal ones
	Resume      bool // re-enqueued paused download, engine receives a resume flag
	Attempts    int
	LastError   string
	ScheduledAt time.Time // deferred entry into the queue; zero for immediate jobs
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// Clone returns a shallow copy safe to hand to subscribers.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
