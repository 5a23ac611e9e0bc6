// Package progress fans job-progress events out from worker goroutines to
// per-account subscribers without blocking either side.
package progress

import (
	"github.com/Sychedelic-but-cooler/vidnag/internal/media"
)

// Event is the payload delivered to subscribers. Delivery is best-effort and
// at-most-once per subscriber; clients re-fetch authoritative job state on
// reconnect instead of relying on replay.
type Event struct {
	JobID        string          `json:"job_id"`
	Status       media.JobStatus `json:"status"`
	Progress     float64         `json:"progress"`
	CurrentStep  string          `json:"current_step"`
	Speed        string          `json:"speed,omitempty"`
	ETA          string          `json:"eta,omitempty"`
	TotalSize    string          `json:"total_size,omitempty"`
	Artifact     *media.Artifact `json:"artifact,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}
