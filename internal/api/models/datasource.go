package models

// DataSource represents a monitored data source.
// Connection credentials are never echoed back; only the secret reference is.
type DataSource struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	SourceType           string     `json:"sourceType"`
	Host                 string     `json:"host,omitempty"`
	Port                 int        `json:"port,omitempty"`
	Database             string     `json:"database,omitempty"`
	User                 string     `json:"user,omitempty"`
	SecretRef            string     `json:"secretRef,omitempty"`
	BaseURL              string     `json:"baseUrl,omitempty"`
	Enabled              bool       `json:"enabled"`
	CheckIntervalSeconds int        `json:"checkIntervalSeconds"`
	ProbeTimeoutSeconds  int        `json:"probeTimeoutSeconds"`
	Tags                 []string   `json:"tags,omitempty"`
	Status               string     `json:"status"`
	HealthScore          float64    `json:"healthScore"`
	LastCheckAt          *Timestamp `json:"lastCheckAt,omitempty"`
	CreatedAt            Timestamp  `json:"createdAt"`
	UpdatedAt            Timestamp  `json:"updatedAt"`
}

// DataSourceCreateRequest is the request body for creating a data source.
type DataSourceCreateRequest struct {
	Name                 string   `json:"name" validate:"required"`
	Description          string   `json:"description,omitempty"`
	SourceType           string   `json:"sourceType" validate:"required,oneof=postgresql mysql api custom"`
	Host                 string   `json:"host,omitempty"`
	Port                 int      `json:"port,omitempty"`
	Database             string   `json:"database,omitempty"`
	User                 string   `json:"user,omitempty"`
	SecretRef            string   `json:"secretRef,omitempty"`
	BaseURL              string   `json:"baseUrl,omitempty"`
	FreshnessQuery       string   `json:"freshnessQuery,omitempty"`
	VolumeQuery          string   `json:"volumeQuery,omitempty"`
	Enabled              *bool    `json:"enabled,omitempty"`
	CheckIntervalSeconds int      `json:"checkIntervalSeconds,omitempty" validate:"omitempty,gte=30"`
	ProbeTimeoutSeconds  int      `json:"probeTimeoutSeconds,omitempty" validate:"omitempty,gte=1,lte=300"`
	Tags                 []string `json:"tags,omitempty"`
}

// DataSourceUpdateRequest is the request body for updating a data source.
type DataSourceUpdateRequest struct {
	Name                 *string  `json:"name,omitempty"`
	Description          *string  `json:"description,omitempty"`
	Host                 *string  `json:"host,omitempty"`
	Port                 *int     `json:"port,omitempty"`
	Database             *string  `json:"database,omitempty"`
	User                 *string  `json:"user,omitempty"`
	SecretRef            *string  `json:"secretRef,omitempty"`
	BaseURL              *string  `json:"baseUrl,omitempty"`
	FreshnessQuery       *string  `json:"freshnessQuery,omitempty"`
	VolumeQuery          *string  `json:"volumeQuery,omitempty"`
	Enabled              *bool    `json:"enabled,omitempty"`
	CheckIntervalSeconds *int     `json:"checkIntervalSeconds,omitempty"`
	ProbeTimeoutSeconds  *int     `json:"probeTimeoutSeconds,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
}

// PagedDataSources represents a paginated list of data sources.
type PagedDataSources struct {
	Items []DataSource      `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// CheckResult represents one health check outcome.
type CheckResult struct {
	ID                  string    `json:"id"`
	SourceID            string    `json:"sourceId"`
	CheckedAt           Timestamp `json:"checkedAt"`
	LatencyMillis       int64     `json:"latencyMillis"`
	Success             bool      `json:"success"`
	FreshnessAgeSeconds int64     `json:"freshnessAgeSeconds"`
	Volume              *float64  `json:"volume,omitempty"`
	Error               string    `json:"error,omitempty"`
	Recorded            bool      `json:"recorded"`
}

// PagedCheckResults represents a list of health check results.
type PagedCheckResults struct {
	Items []CheckResult     `json:"items"`
	Meta  PagedResponseMeta `json:"meta"`
}

// TestConnectionRequest is the request body for a one-off connection test.
type TestConnectionRequest struct {
	// Record persists the result into the rolling window used for alerting.
	Record bool `json:"record,omitempty"`
}
