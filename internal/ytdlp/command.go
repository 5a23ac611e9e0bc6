package ytdlp

import (
	"fmt"
)

// DefaultBinary is the yt-dlp executable resolved from PATH.
const DefaultBinary = "yt-dlp"

// Size limiting is enforced by --max-filesize during the download, not by
// pre-filtering formats; filesize metadata is often missing and pre-filtering
// produces spurious "format not available" errors.
const formatSelector = "bestvideo+bestaudio/best"

// Request describes one download invocation.
type Request struct {
	URL string
	// OutputTemplate must contain the %(ext)s placeholder; the tool
	// substitutes the real extension at runtime.
	OutputTemplate string
	MaxSizeMB      int
	MergeFormat    string
}

// Args builds the argument vector for a download. Progress is requested in
// line-buffered, newline-delimited form so a scanner can consume it.
func (r Request) Args() []string {
	merge := r.MergeFormat
	if merge == "" {
		merge = "mp4"
	}
	return []string{
		"--format", formatSelector,
		"--merge-output-format", merge,
		"--output", r.OutputTemplate,
		"--no-playlist",
		"--progress",
		"--newline",
		"--max-filesize", fmt.Sprintf("%dM", r.MaxSizeMB),
		r.URL,
	}
}
