package models

import "time"

// Job statuses reported by the gateway.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is a long-running gateway operation (migration, snapshot, clone).
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	TargetID  string    `json:"target_id,omitempty"` // host or VM the job acts on
	Status    string    `json:"status"`
	Progress  int       `json:"progress"` // 0-100
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// JobEvent is one update on a job stream. JobID and Action ride on the
// envelope; the remaining fields come from its data payload.
type JobEvent struct {
	JobID    string `json:"job_id,omitempty"`
	Action   string `json:"action,omitempty"`
	Status   string `json:"status,omitempty"`   // set when action is "status"
	Progress int    `json:"progress,omitempty"` // set when action is "status"
	Error    string `json:"error,omitempty"`
	Line     string `json:"line,omitempty"` // set when action is "output"
}

// Terminal reports whether the event carries a final job status.
func (e JobEvent) Terminal() bool {
	switch e.Status {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}
