package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mediadeck/internal/model"
)

// ffmpeg -progress key=value stream:
//   out_time_us=5400000
//   speed=2.31x
//   progress=continue
const (
	keyOutTimeUS = "out_time_us="
	keySpeed     = "speed="
)

// ConvertParser interprets the ffmpeg -progress stream for one transcode job.
type ConvertParser struct {
	jobID   string
	totalUS int64 // expected duration in microseconds, 0 if unknown
	lastUS  int64
	speed   float64 // realtime multiplier from the last speed= line
}

// NewConvertParser seeds the parser with the probed input duration in
// microseconds. With an unknown duration percent stays 0 and ETA is
// indeterminate rather than guessed.
func NewConvertParser(jobID string, totalUS int64) *ConvertParser {
	return &ConvertParser{jobID: jobID, totalUS: totalUS}
}

// ParseLine produces an event for position updates; speed lines only update
// internal state used by the next position event.
func (p *ConvertParser) ParseLine(line string) (model.ProgressEvent, bool) {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, keySpeed) {
		raw := strings.TrimSuffix(strings.TrimPrefix(line, keySpeed), "x")
		if raw != "" && raw != "N/A" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				p.speed = v
			}
		}
		return model.ProgressEvent{}, false
	}

	if !strings.HasPrefix(line, keyOutTimeUS) {
		return model.ProgressEvent{}, false
	}
	us, err := strconv.ParseInt(strings.TrimPrefix(line, keyOutTimeUS), 10, 64)
	if err != nil || us < 0 {
		return model.ProgressEvent{}, false
	}
	p.lastUS = us

	ev := model.ProgressEvent{
		JobID: p.jobID,
		Kind:  model.KindConvert,
		At:    time.Now(),
	}
	ev.Stage = StageTranscoding
	ev.Downloaded = us
	ev.Total = p.totalUS
	ev.Rate = p.speed
	if p.speed > 0 {
		ev.RateLabel = fmt.Sprintf("%.1fx", p.speed)
	}
	ev.ETA = IndeterminateETA

	if p.totalUS > 0 {
		pct := float64(us) / float64(p.totalUS) * 100
		if pct > 100 {
			pct = 100
		}
		ev.Percent = pct

		if p.speed > 0 {
			remaining := time.Duration(p.totalUS-us) * time.Microsecond
			if remaining < 0 {
				remaining = 0
			}
			ev.ETA = time.Duration(float64(remaining) / p.speed)
		}
	}

	return ev, true
}
