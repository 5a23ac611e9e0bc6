package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Info is the subset of media metadata used for admission checks.
type Info struct {
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	Ext            string  `json:"ext"`
	Uploader       string  `json:"uploader"`
}

// EstimatedSize returns the best available size estimate in bytes, or zero
// when the source exposes none.
func (i Info) EstimatedSize() int64 {
	if i.Filesize > 0 {
		return i.Filesize
	}
	return i.FilesizeApprox
}

// Probe extracts media metadata without downloading, via --dump-json.
func (r *Runner) Probe(ctx context.Context, url string) (Info, error) {
	cmd := exec.CommandContext(ctx, r.binary, "--dump-json", "--no-playlist", url)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Info{}, fmt.Errorf("probe %s: %w", url, ctx.Err())
		}
		return Info{}, fmt.Errorf("probe %s: %w", url, err)
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("parse probe output: %w", err)
	}
	if info.Ext == "" {
		info.Ext = "mp4"
	}
	return info, nil
}
