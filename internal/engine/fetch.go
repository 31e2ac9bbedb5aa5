package engine

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"

	"mediadeck/internal/model"
)

const fetchBinary = "yt-dlp"

// FetchEngine drives the external downloader. Cancellation sends SIGINT so
// the engine exits cleanly and leaves its .part file on disk; a paused or
// cancelled download can later resume from that partial data.
type FetchEngine struct {
	logger      *slog.Logger
	binary      string
	downloadDir string
}

func NewFetchEngine(logger *slog.Logger, downloadDir string) *FetchEngine {
	return &FetchEngine{logger: logger, binary: fetchBinary, downloadDir: downloadDir}
}

func (e *FetchEngine) Kind() model.JobKind { return model.KindDownload }

// Start spawns one downloader process for the job. The returned handle's
// line stream carries --newline progress output.
func (e *FetchEngine) Start(ctx context.Context, job *model.Job) (*Handle, error) {
	bin, err := exec.LookPath(e.binary)
	if err != nil {
		return nil, model.NewClassified(model.ErrKindNotFound, "download engine not found on PATH", err)
	}

	args := e.BuildArgs(job)
	e.logger.Info("starting fetch engine", "id", job.ID, "resume", job.Resume)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		// Graceful stop on context cancellation, same as Handle.Cancel.
		return cmd.Process.Signal(syscall.SIGINT)
	}

	return runProcess(cmd, model.KindDownload, syscall.SIGINT, nil)
}

// BuildArgs assembles the downloader command line for a job.
func (e *FetchEngine) BuildArgs(job *model.Job) []string {
	args := []string{
		"--no-warnings",
		"--newline",
		"--no-playlist",
		"--ignore-config",
		"-o", e.outputTemplate(job),
	}

	if job.Resume {
		// Resume from the existing .part file instead of refetching.
		args = append(args, "--continue")
	}

	if job.Download.AudioOnly {
		format := job.Download.Quality
		if format == "" || format == "best" {
			format = "bestaudio/best"
		}
		args = append(args,
			"-f", format,
			"--extract-audio",
			"--audio-format", audioExt(job),
			"--audio-quality", "0",
		)
	} else {
		args = append(args, "-f", selectFormat(job.Download.Quality))
		if ext := filepath.Ext(job.Target); ext != "" {
			args = append(args, "--merge-output-format", ext[1:])
		}
	}

	if job.Download.EmbedSubtitles {
		args = append(args, "--embed-subs", "--sub-langs", "all,-live_chat")
	}

	return append(args, job.Source)
}

func (e *FetchEngine) outputTemplate(job *model.Job) string {
	if job.Target != "" {
		return job.Target
	}
	name := SanitizeFilename(job.Title)
	if name == "" {
		name = "media_" + job.ID
	}
	return filepath.Join(e.downloadDir, name+".%(ext)s")
}

func audioExt(job *model.Job) string {
	if ext := filepath.Ext(job.Target); ext != "" {
		return ext[1:]
	}
	return "mp3"
}

// selectFormat maps the quality option to a downloader format selector.
func selectFormat(quality string) string {
	switch quality {
	case "", "best":
		return "bv*+ba/b"
	case "1080p", "1080":
		return "bv*[height<=1080]+ba/b[height<=1080]"
	case "720p", "720":
		return "bv*[height<=720]+ba/b[height<=720]"
	case "worst":
		return "wv*+wa/w"
	default:
		return "bv*+ba/b"
	}
}
