// Package datasource provides data source management and health history.
package datasource

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrSourceNotFound = errors.New("data source not found")
)

// SourceType identifies the kind of system a data source points at.
type SourceType string

const (
	TypePostgres SourceType = "postgresql"
	TypeMySQL    SourceType = "mysql"
	TypeAPI      SourceType = "api"
	TypeCustom   SourceType = "custom"
)

// Status is the derived connectivity state of a data source.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusWarning      Status = "warning"
	StatusUnknown      Status = "unknown"
)

// Connection describes how to reach a data source. Credentials are not
// stored here; SecretRef names an entry in the external credential store.
type Connection struct {
	Type     SourceType
	Host     string
	Port     int
	Database string
	User     string
	// SecretRef names the credential held by the external secret store.
	SecretRef string
	// BaseURL is used by api-type sources instead of host/port.
	BaseURL string
	// FreshnessQuery optionally returns the source's last update timestamp.
	FreshnessQuery string
	// VolumeQuery optionally returns the source's current record volume.
	VolumeQuery string
}

// DataSource is a monitored external system.
//
// Status, HealthScore and LastCheckAt are derived fields written only by the
// health check path; no two checks for the same source run concurrently.
type DataSource struct {
	ID          string
	Name        string
	Description string
	Connection  Connection

	Enabled       bool
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	Tags          []string

	Status      Status
	HealthScore float64
	LastCheckAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckResult is one health probe outcome. Results are append-only and
// immutable once written.
type CheckResult struct {
	ID       string
	SourceID string

	CheckedAt    time.Time
	Latency      time.Duration
	Success      bool
	FreshnessAge time.Duration
	Volume       float64
	HasVolume    bool
	Error        string

	// Recorded reports whether this result belongs to the rolling window
	// used for alerting. One-off connection tests are persisted with
	// Recorded=false unless explicitly flagged.
	Recorded bool
}
