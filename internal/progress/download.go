package progress

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mediadeck/internal/model"
)

// yt-dlp --newline progress line:
//   [download]  40.0% of 100.00MiB at 1.00MiB/s ETA 00:30
//   [download]  12.5% of ~ 4.20GiB at Unknown speed ETA Unknown
var downloadLineRe = regexp.MustCompile(
	`\[download\]\s+([\d.]+)%(?:\s+of\s+~?\s*([\d.]+[KMGT]?i?B))?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

// DownloadParser interprets yt-dlp output for a single download job.
type DownloadParser struct {
	jobID      string
	totalBytes int64
	lastPct    float64
	stage      string
}

// NewDownloadParser seeds the parser with the expected size when known,
// improving byte counts for lines that only carry a percentage.
func NewDownloadParser(jobID string, totalBytes int64) *DownloadParser {
	return &DownloadParser{jobID: jobID, totalBytes: totalBytes, stage: StageDownloading}
}

// ParseLine produces at most one event per raw line.
func (p *DownloadParser) ParseLine(line string) (model.ProgressEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.ProgressEvent{}, false
	}

	// Post-processing stages carry no percentage of their own; the
	// original reports them as a near-complete fixed stage.
	switch {
	case strings.HasPrefix(line, "[Merger]"):
		return p.stageEvent(StageMerging), true
	case strings.HasPrefix(line, "[ExtractAudio]"):
		return p.stageEvent(StageExtracting), true
	case strings.HasPrefix(line, "[Fixup"):
		return p.stageEvent(StageFinalizing), true
	}

	m := downloadLineRe.FindStringSubmatch(line)
	if m == nil {
		return model.ProgressEvent{}, false
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil || pct < 0 || pct > 100 {
		return model.ProgressEvent{}, false
	}
	p.lastPct = pct
	p.stage = StageDownloading

	ev := model.ProgressEvent{
		JobID: p.jobID,
		Kind:  model.KindDownload,
		At:    time.Now(),
	}
	ev.Percent = pct
	ev.Stage = StageDownloading
	ev.ETA = IndeterminateETA

	if m[2] != "" {
		if total, err := humanize.ParseBytes(m[2]); err == nil {
			p.totalBytes = int64(total)
		}
	}
	ev.Total = p.totalBytes
	if p.totalBytes > 0 {
		ev.Downloaded = int64(pct / 100 * float64(p.totalBytes))
	}

	if rate := strings.TrimSuffix(m[3], "/s"); rate != "" && !strings.EqualFold(rate, "Unknown") {
		if bps, err := humanize.ParseBytes(rate); err == nil {
			ev.Rate = float64(bps)
			ev.RateLabel = humanize.IBytes(bps) + "/s"
		}
	}

	if eta := m[4]; eta != "" && !strings.EqualFold(eta, "Unknown") {
		if d, ok := parseClock(eta); ok {
			ev.ETA = d
		}
	}

	return ev, true
}

func (p *DownloadParser) stageEvent(stage string) model.ProgressEvent {
	p.stage = stage
	ev := model.ProgressEvent{
		JobID: p.jobID,
		Kind:  model.KindDownload,
		At:    time.Now(),
	}
	// Download finished, post-processing underway.
	ev.Percent = 99
	ev.Stage = stage
	ev.Total = p.totalBytes
	ev.Downloaded = p.totalBytes
	ev.ETA = IndeterminateETA
	return ev
}

// parseClock parses "SS", "MM:SS" or "HH:MM:SS".
func parseClock(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, true
}
