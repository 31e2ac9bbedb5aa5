package progress

import (
	"testing"
	"time"

	"mediadeck/internal/model"
)

func TestConvertParser_ParseLine(t *testing.T) {
	const totalUS = int64(60_000_000) // one minute of input

	tests := []struct {
		name        string
		lines       []string // all but the last only prime parser state
		wantEvent   bool
		wantPercent float64
		wantETA     time.Duration
		wantRate    float64
	}{
		{
			name:        "position without speed",
			lines:       []string{"out_time_us=30000000"},
			wantEvent:   true,
			wantPercent: 50,
			wantETA:     IndeterminateETA,
		},
		{
			name:        "position after speed line",
			lines:       []string{"speed=2.0x", "out_time_us=30000000"},
			wantEvent:   true,
			wantPercent: 50,
			wantETA:     15 * time.Second,
			wantRate:    2.0,
		},
		{
			name:        "position past probed duration is capped",
			lines:       []string{"speed=1.0x", "out_time_us=90000000"},
			wantEvent:   true,
			wantPercent: 100,
			wantETA:     0,
			wantRate:    1.0,
		},
		{
			name:      "speed line alone yields no event",
			lines:     []string{"speed=1.5x"},
			wantEvent: false,
		},
		{
			name:      "speed N/A yields no event",
			lines:     []string{"speed=N/A"},
			wantEvent: false,
		},
		{
			name:      "unrelated key is ignored",
			lines:     []string{"frame=120"},
			wantEvent: false,
		},
		{
			name:      "progress terminator is ignored",
			lines:     []string{"progress=end"},
			wantEvent: false,
		},
		{
			name:      "malformed position is ignored",
			lines:     []string{"out_time_us=abc"},
			wantEvent: false,
		},
		{
			name:      "negative position is ignored",
			lines:     []string{"out_time_us=-1"},
			wantEvent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewConvertParser("job-1", totalUS)

			var (
				ev model.ProgressEvent
				ok bool
			)
			for _, line := range tt.lines {
				ev, ok = p.ParseLine(line)
			}

			if ok != tt.wantEvent {
				t.Fatalf("ok = %v, expected %v for lines %v", ok, tt.wantEvent, tt.lines)
			}
			if !ok {
				return
			}
			if ev.Kind != model.KindConvert {
				t.Errorf("Kind = %q, expected %q", ev.Kind, model.KindConvert)
			}
			if ev.Percent != tt.wantPercent {
				t.Errorf("Percent = %v, expected %v", ev.Percent, tt.wantPercent)
			}
			if ev.ETA != tt.wantETA {
				t.Errorf("ETA = %v, expected %v", ev.ETA, tt.wantETA)
			}
			if tt.wantRate != 0 && ev.Rate != tt.wantRate {
				t.Errorf("Rate = %v, expected %v", ev.Rate, tt.wantRate)
			}
		})
	}
}

func TestConvertParser_UnknownDuration(t *testing.T) {
	p := NewConvertParser("job-2", 0)
	p.ParseLine("speed=3.0x")

	ev, ok := p.ParseLine("out_time_us=5000000")
	if !ok {
		t.Fatal("expected an event for a position line")
	}
	if ev.Percent != 0 {
		t.Errorf("Percent = %v, expected 0 with unknown duration", ev.Percent)
	}
	if ev.ETA != IndeterminateETA {
		t.Errorf("ETA = %v, expected indeterminate with unknown duration", ev.ETA)
	}
	if ev.Downloaded != 5000000 {
		t.Errorf("Downloaded = %d, expected raw position 5000000", ev.Downloaded)
	}
}
