package polling

import "time"

// Status describes the lifecycle state of a polling job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

// Job is a scheduled, recurring fetch task for a set of symbols. Interval is
// immutable after creation; changing it requires delete and recreate.
type Job struct {
	ID                  string        `json:"id"`
	Symbols             []string      `json:"symbols"`
	Interval            time.Duration `json:"interval"`
	Provider            string        `json:"provider,omitempty"`
	Status              Status        `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	LastRunAt           time.Time     `json:"last_run_at,omitempty"`
	NextRunAt           time.Time     `json:"next_run_at"`
	ConsecutiveFailures int           `json:"consecutive_failure_count"`
}
