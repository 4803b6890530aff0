package eventbus

import "time"

const (
	JobClaimed   = "job.claimed"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobRearmed   = "job.rearmed"
	JobRetry     = "job.retry"
	JobReclaimed = "job.reclaimed"
	JobSubmitted = "job.submitted"
	JobCancelled = "job.cancelled"

	LifecycleTransition = "lifecycle.transition"
	ConfigReloaded      = "config.reloaded"
)

// JobEvent carries the fields alert sinks and tests care about.
type JobEvent struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Handler string    `json:"handler"`
	Kind    string    `json:"kind"`
	Attempt int       `json:"attempt"`
	Owner   string    `json:"owner,omitempty"`
	DueAt   time.Time `json:"due_at"`
	Err     string    `json:"err,omitempty"`
}

// ReclaimEvent reports lease-expiry reclamation in one poll round.
type ReclaimEvent struct {
	Count int `json:"count"`
}

// TransitionEvent reports a supervised task state change.
type TransitionEvent struct {
	Task string `json:"task"`
	From string `json:"from"`
	To   string `json:"to"`
	Err  string `json:"err,omitempty"`
}

// ConfigEvent reports an applied config reload.
type ConfigEvent struct {
	Changed []string `json:"changed"`
}
