package models

// Pipeline represents a monitored data pipeline.
type Pipeline struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	DataSourceID      string     `json:"dataSourceId,omitempty"`
	Schedule          string     `json:"schedule,omitempty"`
	Status            string     `json:"status"`
	TimeoutMinutes    int        `json:"timeoutMinutes"`
	RetryAttempts     int        `json:"retryAttempts"`
	RetryDelayMinutes int        `json:"retryDelayMinutes"`
	AutoHealEnabled   bool       `json:"autoHealEnabled"`
	HealScript        string     `json:"healScript,omitempty"`
	UptimePercentage  float64    `json:"uptimePercentage"`
	Tags              []string   `json:"tags,omitempty"`
	LastRunAt         *Timestamp `json:"lastRunAt,omitempty"`
	CreatedAt         Timestamp  `json:"createdAt"`
	UpdatedAt         Timestamp  `json:"updatedAt"`
}

// PipelineCreateRequest is the request body for creating a pipeline.
type PipelineCreateRequest struct {
	Name              string   `json:"name" validate:"required"`
	Description       string   `json:"description,omitempty"`
	DataSourceID      string   `json:"dataSourceId,omitempty"`
	Schedule          string   `json:"schedule,omitempty"`
	TimeoutMinutes    int      `json:"timeoutMinutes,omitempty" validate:"omitempty,gte=1"`
	RetryAttempts     int      `json:"retryAttempts,omitempty" validate:"omitempty,gte=0,lte=10"`
	RetryDelayMinutes int      `json:"retryDelayMinutes,omitempty" validate:"omitempty,gte=0"`
	AutoHealEnabled   bool     `json:"autoHealEnabled,omitempty"`
	HealScript        string   `json:"healScript,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// PipelineUpdateRequest is the request body for updating a pipeline.
type PipelineUpdateRequest struct {
	Name              *string  `json:"name,omitempty"`
	Description       *string  `json:"description,omitempty"`
	Schedule          *string  `json:"schedule,omitempty"`
	Status            *string  `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	TimeoutMinutes    *int     `json:"timeoutMinutes,omitempty"`
	RetryAttempts     *int     `json:"retryAttempts,omitempty"`
	RetryDelayMinutes *int     `json:"retryDelayMinutes,omitempty"`
	AutoHealEnabled   *bool    `json:"autoHealEnabled,omitempty"`
	HealScript        *string  `json:"healScript,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

// PagedPipelines represents a paginated list of pipelines.
type PagedPipelines struct {
	Items []Pipeline        `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// PipelineRun represents one execution of a pipeline.
type PipelineRun struct {
	ID               string     `json:"id"`
	PipelineID       string     `json:"pipelineId"`
	Status           string     `json:"status"`
	StartedAt        *Timestamp `json:"startedAt,omitempty"`
	FinishedAt       *Timestamp `json:"finishedAt,omitempty"`
	RecordsProcessed int64      `json:"recordsProcessed"`
	Error            string     `json:"error,omitempty"`
	Manual           bool       `json:"manual"`
}

// PagedPipelineRuns represents a list of pipeline runs.
type PagedPipelineRuns struct {
	Items []PipelineRun     `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// HealingAttempt represents one self-healing attempt for a failed run.
type HealingAttempt struct {
	ID          string    `json:"id"`
	PipelineID  string    `json:"pipelineId"`
	RunID       string    `json:"runId"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	AttemptedAt Timestamp `json:"attemptedAt"`
}
