// Package progress turns raw engine output lines into structured progress
// events. Parsers are per-job: each instance is seeded with the job's
// expected total size or duration when known. Unparseable lines are
// dropped, never errors.
package progress

import (
	"mediadeck/internal/model"
)

// Stage labels reported on ProgressEvent.
const (
	StageDownloading = "downloading"
	StageMerging     = "merging"
	StageExtracting  = "extracting audio"
	StageFinalizing  = "finalizing"
	StageTranscoding = "transcoding"
)

// IndeterminateETA marks an ETA that cannot be estimated.
const IndeterminateETA = -1

// Parser consumes one raw output line and reports whether it produced an
// event. Events for a given job are produced in input order.
type Parser interface {
	ParseLine(line string) (model.ProgressEvent, bool)
}

// New returns the parser for an engine kind. total is expected bytes for
// downloads and expected duration in microseconds for conversions; pass 0
// when unknown.
func New(kind model.JobKind, jobID string, total int64) Parser {
	switch kind {
	case model.KindConvert:
		return NewConvertParser(jobID, total)
	default:
		return NewDownloadParser(jobID, total)
	}
}
