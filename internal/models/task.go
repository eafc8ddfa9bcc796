package models

import "time"

// TaskState is the scheduler state machine position of one named task.
type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskRunning   TaskState = "running"
	TaskRetryWait TaskState = "retry_wait"
	// TaskFailed is terminal: the task exhausted its retries and will not
	// run again until explicitly reset.
	TaskFailed TaskState = "failed"
)

// RunStatus is the outcome of the most recent completed execution.
type RunStatus string

const (
	RunStatusNone    RunStatus = "never_run"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// TaskStatus is the non-blocking health view of one scheduled task.
type TaskStatus struct {
	Name       string    `json:"name"`
	State      TaskState `json:"state"`
	Interval   string    `json:"interval"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus RunStatus `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int       `json:"run_count"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
}
