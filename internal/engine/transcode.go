package engine

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"mediadeck/internal/model"
)

const (
	transcodeBinary = "ffmpeg"
	probeBinary     = "ffprobe"
)

// TranscodeEngine drives ffmpeg. Partial output is never left behind: a
// cancelled or failed conversion removes whatever was written so an
// incomplete file is never mistaken for a finished one.
type TranscodeEngine struct {
	logger     *slog.Logger
	binary     string
	convertDir string
}

func NewTranscodeEngine(logger *slog.Logger, convertDir string) *TranscodeEngine {
	return &TranscodeEngine{logger: logger, binary: transcodeBinary, convertDir: convertDir}
}

func (e *TranscodeEngine) Kind() model.JobKind { return model.KindConvert }

// Start probes the input duration, resolves a collision-free output path and
// spawns ffmpeg with machine-readable progress on stdout.
func (e *TranscodeEngine) Start(ctx context.Context, job *model.Job) (*Handle, error) {
	bin, err := exec.LookPath(e.binary)
	if err != nil {
		return nil, model.NewClassified(model.ErrKindNotFound, "transcode engine not found on PATH", err)
	}

	if _, err := os.Stat(job.Source); err != nil {
		return nil, model.NewClassified(model.ErrKindValidation, "input file not found: "+job.Source, err)
	}

	output := e.resolveOutput(job)

	totalUS := e.probeDurationUS(ctx, job.Source)

	args := e.BuildArgs(job, output)
	e.logger.Info("starting transcode engine", "id", job.ID, "output", output)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	h, err := runProcess(cmd, model.KindConvert, syscall.SIGTERM, func(cancelled bool, exitErr error) {
		if cancelled || exitErr != nil {
			os.Remove(output)
		}
	})
	if err != nil {
		return nil, err
	}
	h.Total = totalUS
	h.Output = output
	return h, nil
}

// BuildArgs assembles the ffmpeg command line for a job.
func (e *TranscodeEngine) BuildArgs(job *model.Job, output string) []string {
	args := []string{"-i", job.Source}

	// Sidecar subtitles next to the input are muxed in when present.
	subFile := findSubtitleFile(job.Source)
	if subFile != "" {
		args = append(args, "-i", subFile)
	}

	args = append(args, "-y")

	if subFile != "" {
		args = append(args, "-map", "0:v?", "-map", "0:a?", "-map", "1:s?")
		if strings.EqualFold(job.Convert.TargetFormat, "mp4") {
			args = append(args, "-c:s", "mov_text")
		} else {
			args = append(args, "-c:s", "copy")
		}
	}

	if job.Convert.TargetCodec != "" {
		args = append(args, "-c:v", job.Convert.TargetCodec)
	}

	args = append(args, "-map_metadata", "0")
	args = append(args, "-progress", "pipe:1", "-nostats")
	return append(args, output)
}

func (e *TranscodeEngine) resolveOutput(job *model.Job) string {
	if job.Target != "" {
		return UniquePath(job.Target)
	}

	dir := e.convertDir
	if dir == "" {
		dir = filepath.Dir(job.Source)
	}
	format := job.Convert.TargetFormat
	if format == "" {
		format = "mp4"
	}
	base := strings.TrimSuffix(filepath.Base(job.Source), filepath.Ext(job.Source))
	return UniquePath(filepath.Join(dir, base+"."+format))
}

// probeDurationUS returns the input duration in microseconds, 0 if the
// probe fails. A zero total makes the parser report indeterminate ETA
// instead of guessing.
func (e *TranscodeEngine) probeDurationUS(ctx context.Context, input string) int64 {
	cmd := exec.CommandContext(ctx, probeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		e.logger.Warn("duration probe failed", "input", input, "error", err)
		return 0
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" || raw == "N/A" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return int64(seconds * 1e6)
}

func findSubtitleFile(input string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	for _, ext := range []string{".srt", ".vtt", ".ass"} {
		candidate := base + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
