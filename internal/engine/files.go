package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SanitizeFilename strips characters that are unsafe in output filenames.
func SanitizeFilename(title string) string {
	var b strings.Builder
	for _, c := range title {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case strings.ContainsRune(" -_().", c):
			b.WriteRune(c)
		}
	}
	return strings.TrimSpace(b.String())
}

// UniquePath appends " (n)" before the extension until path does not exist.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, counter, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// DependencyReport lists which engine binaries are on PATH.
type DependencyReport struct {
	FetchFound     bool   `json:"fetch_found"`
	FetchPath      string `json:"fetch_path,omitempty"`
	TranscodeFound bool   `json:"transcode_found"`
	TranscodePath  string `json:"transcode_path,omitempty"`
	ProbeFound     bool   `json:"probe_found"`
}

// DependencyStatus probes PATH for the external engines.
func DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(fetchBinary); err == nil {
		report.FetchFound = true
		report.FetchPath = path
	}
	if path, err := exec.LookPath(transcodeBinary); err == nil {
		report.TranscodeFound = true
		report.TranscodePath = path
	}
	if _, err := exec.LookPath(probeBinary); err == nil {
		report.ProbeFound = true
	}
	return report
}
