package engine

import (
	"fmt"
	"strings"

	"mediadeck/internal/model"
)

// Diagnostic substrings grouped by classification. Matched case-insensitively
// against the engine's error lines; first match wins, resource exhaustion
// checked first since "no space left" lines often also mention I/O errors.
var (
	resourcePatterns = []string{
		"no space left",
		"disk quota exceeded",
		"permission denied",
		"read-only file system",
	}
	recoverablePatterns = []string{
		"timed out",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"unable to connect",
		"network is unreachable",
		"http error 5",
		"incomplete read",
		"getaddrinfo",
	}
	permanentPatterns = []string{
		"sign in",
		"login required",
		"authentication",
		"private video",
		"video unavailable",
		"this video is unavailable",
		"http error 404",
		"http error 410",
		"http error 403",
		"unsupported url",
		"requested format is not available",
		"invalid data found",
		"unknown encoder",
		"invalid argument",
	}
)

// classifyEngineFailure maps a non-zero exit plus collected diagnostic lines
// to the error taxonomy. Unknown failures are treated as permanent so the
// scheduler does not burn retries on them.
func classifyEngineFailure(kind model.JobKind, diagnostics string, err error) *model.ClassifiedError {
	lower := strings.ToLower(diagnostics)

	match := func(patterns []string) bool {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
		return false
	}

	msg := firstDiagnosticLine(diagnostics)
	if msg == "" {
		msg = fmt.Sprintf("%s engine exited with an error", kind)
	}

	switch {
	case match(resourcePatterns):
		return model.NewClassified(model.ErrKindResource, msg, err)
	case match(recoverablePatterns):
		return model.NewClassified(model.ErrKindRecoverable, msg, err)
	case match(permanentPatterns):
		return model.NewClassified(model.ErrKindPermanent, msg, err)
	default:
		return model.NewClassified(model.ErrKindPermanent, msg, err)
	}
}

func firstDiagnosticLine(diagnostics string) string {
	for _, line := range strings.Split(diagnostics, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
