// Package pipeline provides pipeline management, run tracking and healing history.
package pipeline

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("pipeline run not found")
)

// ErrInvalidRunState is returned when a run transition is not allowed from
// the run's current status.
var ErrInvalidRunState = errors.New("invalid pipeline run state transition")

// Status is the operational state of a pipeline. The error status is set
// only by the self-healer after retries are exhausted and is cleared by the
// next successful run.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// RunStatus is the lifecycle state of a single pipeline run.
//
// Runs move pending -> running -> success | failed. A pending run may also
// fail directly when it never gets picked up before its timeout.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// HealOutcome is the result of one self-healing attempt.
type HealOutcome string

const (
	HealSucceeded HealOutcome = "success"
	HealFailed    HealOutcome = "failed"
)

// Pipeline is a monitored data pipeline.
type Pipeline struct {
	ID           string
	Name         string
	Description  string
	DataSourceID string
	Schedule     string

	Status  Status
	Timeout time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	AutoHealEnabled bool
	HealScript      string

	// UptimePercentage is the share of successful runs over the trailing
	// thirty days, recomputed whenever a run finishes.
	UptimePercentage float64

	Tags      []string
	LastRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is a single execution of a pipeline.
type Run struct {
	ID         string
	PipelineID string
	Status     RunStatus

	StartedAt  *time.Time
	FinishedAt *time.Time

	RecordsProcessed int64
	Error            string

	// Manual marks runs triggered through the API rather than the schedule.
	Manual bool

	CreatedAt time.Time
}

// HealingAttempt is one self-healing attempt recorded against a failed run.
type HealingAttempt struct {
	ID         string
	PipelineID string
	RunID      string

	Attempt     int
	Outcome     HealOutcome
	Detail      string
	AttemptedAt time.Time
}
