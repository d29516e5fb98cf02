package types

import "time"

// RunStatus is the lifecycle state of a scheduled report run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// ReportRun is one execution of the scheduled trigger on the instance that won
// the lock.
type ReportRun struct {
	JobRunID       string     `json:"jobRunId"`
	JobName        string     `json:"jobName"`
	ReportDate     string     `json:"reportDate"`
	LockedBy       string     `json:"lockedBy"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Status         RunStatus  `json:"status"`
	PagesFetched   int        `json:"pagesFetched"`
	UsersPublished int        `json:"usersPublished"`
	Error          string     `json:"error,omitempty"`
}

// RunStats is the progress recorded when a run finishes.
type RunStats struct {
	PagesFetched   int
	UsersPublished int
}
