package datasource

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pipepulse/pipepulse/internal/api/models"
)

// Validation constants.
const (
	MaxNameLength        = 120
	MaxDescriptionLength = 500
	MinCheckInterval     = 30 * time.Second
	MaxProbeTimeout      = 5 * time.Minute

	DefaultCheckInterval = 5 * time.Minute
	DefaultProbeTimeout  = 30 * time.Second
)

// warningScoreThreshold is the health score below which a reachable source
// is reported as warning rather than connected.
const warningScoreThreshold = 60.0

// Prober performs a single health probe against a data source. It never
// returns an error; failures are encoded in the result.
type Prober interface {
	Probe(ctx context.Context, src *DataSource) *CheckResult
}

// Service provides data source operations.
type Service struct {
	repo   Repository
	prober Prober
	now    func() time.Time
}

// NewService creates a new data source service.
func NewService(repo Repository, prober Prober) *Service {
	return &Service{repo: repo, prober: prober, now: time.Now}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// List retrieves data sources with cursor pagination.
func (s *Service) List(ctx context.Context, limit int, cursor string) (*models.PagedDataSources, error) {
	result, err := s.repo.List(ctx, ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, err
	}

	items := make([]models.DataSource, 0, len(result.Items))
	for _, src := range result.Items {
		items = append(items, s.toAPIDataSource(src))
	}

	var nextCursor *string
	if result.NextCursor != "" {
		nextCursor = &result.NextCursor
	}

	return &models.PagedDataSources{
		Items: items,
		Meta: models.PagedResponseMeta{
			Limit:      limit,
			NextCursor: nextCursor,
		},
	}, nil
}

// Get retrieves a data source by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.DataSource, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := s.toAPIDataSource(src)
	return &result, nil
}

// Create creates a new data source. New sources start in the unknown status
// until the first probe completes.
func (s *Service) Create(ctx context.Context, input *models.DataSourceCreateRequest) (*models.DataSource, error) {
	if fieldErrors := s.validateCreateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	now := s.now()

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	checkInterval := DefaultCheckInterval
	if input.CheckIntervalSeconds > 0 {
		checkInterval = time.Duration(input.CheckIntervalSeconds) * time.Second
	}

	probeTimeout := DefaultProbeTimeout
	if input.ProbeTimeoutSeconds > 0 {
		probeTimeout = time.Duration(input.ProbeTimeoutSeconds) * time.Second
	}

	src := &DataSource{
		ID:          "src_" + uuid.New().String()[:22],
		Name:        input.Name,
		Description: input.Description,
		Connection: Connection{
			Type:           SourceType(input.SourceType),
			Host:           input.Host,
			Port:           input.Port,
			Database:       input.Database,
			User:           input.User,
			SecretRef:      input.SecretRef,
			BaseURL:        input.BaseURL,
			FreshnessQuery: input.FreshnessQuery,
			VolumeQuery:    input.VolumeQuery,
		},
		Enabled:       enabled,
		CheckInterval: checkInterval,
		ProbeTimeout:  probeTimeout,
		Tags:          input.Tags,
		Status:        StatusUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Create(ctx, src); err != nil {
		return nil, err
	}

	result := s.toAPIDataSource(src)
	return &result, nil
}

// Update updates an existing data source. The source type is immutable.
func (s *Service) Update(ctx context.Context, id string, input *models.DataSourceUpdateRequest) (*models.DataSource, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if fieldErrors := s.validateUpdateInput(input); len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	if input.Name != nil {
		src.Name = *input.Name
	}
	if input.Description != nil {
		src.Description = *input.Description
	}
	if input.Host != nil {
		src.Connection.Host = *input.Host
	}
	if input.Port != nil {
		src.Connection.Port = *input.Port
	}
	if input.Database != nil {
		src.Connection.Database = *input.Database
	}
	if input.User != nil {
		src.Connection.User = *input.User
	}
	if input.SecretRef != nil {
		src.Connection.SecretRef = *input.SecretRef
	}
	if input.BaseURL != nil {
		src.Connection.BaseURL = *input.BaseURL
	}
	if input.FreshnessQuery != nil {
		src.Connection.FreshnessQuery = *input.FreshnessQuery
	}
	if input.VolumeQuery != nil {
		src.Connection.VolumeQuery = *input.VolumeQuery
	}
	if input.Enabled != nil {
		src.Enabled = *input.Enabled
	}
	if input.CheckIntervalSeconds != nil {
		src.CheckInterval = time.Duration(*input.CheckIntervalSeconds) * time.Second
	}
	if input.ProbeTimeoutSeconds != nil {
		src.ProbeTimeout = time.Duration(*input.ProbeTimeoutSeconds) * time.Second
	}
	if input.Tags != nil {
		src.Tags = input.Tags
	}
	src.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, src); err != nil {
		return nil, err
	}

	result := s.toAPIDataSource(src)
	return &result, nil
}

// Delete deletes a data source by ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// TestConnection runs a one-off probe against a data source. The result is
// always returned to the caller; it only joins the rolling alerting window
// when record is true. The derived source status is updated either way.
func (s *Service) TestConnection(ctx context.Context, id string, record bool) (*models.CheckResult, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.prober == nil {
		return nil, errors.New("no prober configured")
	}

	result := s.prober.Probe(ctx, src)
	result.Recorded = record

	if err := s.ApplyCheckOutcome(ctx, src, result); err != nil {
		return nil, err
	}

	out := s.toAPICheckResult(result)
	return &out, nil
}

// RecentResults retrieves the recorded check results for a source within the
// trailing window, oldest first.
func (s *Service) RecentResults(ctx context.Context, id string, window time.Duration) (*models.PagedCheckResults, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}

	results, err := s.repo.RecentResults(ctx, id, window)
	if err != nil {
		return nil, err
	}

	items := make([]models.CheckResult, 0, len(results))
	for _, r := range results {
		items = append(items, s.toAPICheckResult(r))
	}

	return &models.PagedCheckResults{
		Items: items,
		Meta:  models.PagedResponseMeta{Limit: len(items)},
	}, nil
}

// Source returns the domain record for a data source. Internal callers such
// as the evaluation engine use this instead of the API DTO.
func (s *Service) Source(ctx context.Context, id string) (*DataSource, error) {
	return s.repo.Get(ctx, id)
}

// EnabledSources returns every source that should be scheduled for checks.
func (s *Service) EnabledSources(ctx context.Context) ([]*DataSource, error) {
	return s.repo.ListEnabled(ctx)
}

// ResultsWindow returns the recorded check results for a source within the
// trailing window, oldest first.
func (s *Service) ResultsWindow(ctx context.Context, sourceID string, window time.Duration) ([]*CheckResult, error) {
	return s.repo.RecentResults(ctx, sourceID, window)
}

// ApplyCheckOutcome persists a probe result and folds it into the source's
// derived status fields. It is the single writer for Status, HealthScore and
// LastCheckAt; callers serialise probes per source.
func (s *Service) ApplyCheckOutcome(ctx context.Context, src *DataSource, result *CheckResult) error {
	if result.ID == "" {
		result.ID = "chk_" + uuid.New().String()[:22]
	}
	if result.SourceID == "" {
		result.SourceID = src.ID
	}

	if err := s.repo.SaveCheckResult(ctx, result); err != nil {
		return err
	}

	src.Status = deriveStatus(result, src.HealthScore)
	checkedAt := result.CheckedAt
	src.LastCheckAt = &checkedAt
	src.UpdatedAt = s.now()

	return s.repo.Update(ctx, src)
}

// ApplyHealthScore records a freshly computed health score. Called after the
// metric window is recomputed for the source.
func (s *Service) ApplyHealthScore(ctx context.Context, src *DataSource, score float64) error {
	src.HealthScore = score
	if src.Status == StatusConnected && score < warningScoreThreshold {
		src.Status = StatusWarning
	}
	src.UpdatedAt = s.now()
	return s.repo.Update(ctx, src)
}

// deriveStatus maps a probe outcome onto the source status.
func deriveStatus(result *CheckResult, healthScore float64) Status {
	if !result.Success {
		return StatusDisconnected
	}
	if healthScore > 0 && healthScore < warningScoreThreshold {
		return StatusWarning
	}
	return StatusConnected
}

// validateCreateInput validates the create data source input.
func (s *Service) validateCreateInput(input *models.DataSourceCreateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name == "" {
		errs = append(errs, models.FieldError{Field: "name", Message: "is required"})
	} else if len(input.Name) > MaxNameLength {
		errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
	}

	if len(input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	switch SourceType(input.SourceType) {
	case TypePostgres, TypeMySQL:
		if input.Host == "" {
			errs = append(errs, models.FieldError{Field: "host", Message: "is required for database sources"})
		}
		if input.Database == "" {
			errs = append(errs, models.FieldError{Field: "database", Message: "is required for database sources"})
		}
		if input.Port < 0 || input.Port > 65535 {
			errs = append(errs, models.FieldError{Field: "port", Message: "must be between 0 and 65535"})
		}
	case TypeAPI:
		errs = append(errs, s.validateBaseURL(input.BaseURL, true)...)
	case TypeCustom:
		// Custom sources carry whatever connection detail their prober needs.
	default:
		errs = append(errs, models.FieldError{Field: "sourceType", Message: "must be one of postgresql, mysql, api, custom"})
	}

	if input.CheckIntervalSeconds != 0 && time.Duration(input.CheckIntervalSeconds)*time.Second < MinCheckInterval {
		errs = append(errs, models.FieldError{Field: "checkIntervalSeconds", Message: "must be at least 30 seconds"})
	}
	if input.ProbeTimeoutSeconds != 0 {
		if input.ProbeTimeoutSeconds < 1 || time.Duration(input.ProbeTimeoutSeconds)*time.Second > MaxProbeTimeout {
			errs = append(errs, models.FieldError{Field: "probeTimeoutSeconds", Message: "must be between 1 and 300 seconds"})
		}
	}

	return errs
}

// validateUpdateInput validates the update data source input.
func (s *Service) validateUpdateInput(input *models.DataSourceUpdateRequest) []models.FieldError {
	var errs []models.FieldError

	if input.Name != nil {
		if *input.Name == "" {
			errs = append(errs, models.FieldError{Field: "name", Message: "cannot be empty"})
		} else if len(*input.Name) > MaxNameLength {
			errs = append(errs, models.FieldError{Field: "name", Message: "must be at most 120 characters"})
		}
	}

	if input.Description != nil && len(*input.Description) > MaxDescriptionLength {
		errs = append(errs, models.FieldError{Field: "description", Message: "must be at most 500 characters"})
	}

	if input.Port != nil && (*input.Port < 0 || *input.Port > 65535) {
		errs = append(errs, models.FieldError{Field: "port", Message: "must be between 0 and 65535"})
	}

	if input.BaseURL != nil && *input.BaseURL != "" {
		errs = append(errs, s.validateBaseURL(*input.BaseURL, false)...)
	}

	if input.CheckIntervalSeconds != nil && time.Duration(*input.CheckIntervalSeconds)*time.Second < MinCheckInterval {
		errs = append(errs, models.FieldError{Field: "checkIntervalSeconds", Message: "must be at least 30 seconds"})
	}
	if input.ProbeTimeoutSeconds != nil {
		if *input.ProbeTimeoutSeconds < 1 || time.Duration(*input.ProbeTimeoutSeconds)*time.Second > MaxProbeTimeout {
			errs = append(errs, models.FieldError{Field: "probeTimeoutSeconds", Message: "must be between 1 and 300 seconds"})
		}
	}

	return errs
}

// validateBaseURL validates an api-type source base URL.
func (s *Service) validateBaseURL(baseURL string, required bool) []models.FieldError {
	if baseURL == "" {
		if required {
			return []models.FieldError{{Field: "baseUrl", Message: "is required for api sources"}}
		}
		return nil
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return []models.FieldError{{Field: "baseUrl", Message: "must be a valid http(s) URL"}}
	}
	return nil
}

// toAPIDataSource converts a domain DataSource to an API DataSource.
func (s *Service) toAPIDataSource(src *DataSource) models.DataSource {
	return models.DataSource{
		ID:                   src.ID,
		Name:                 src.Name,
		Description:          src.Description,
		SourceType:           string(src.Connection.Type),
		Host:                 src.Connection.Host,
		Port:                 src.Connection.Port,
		Database:             src.Connection.Database,
		User:                 src.Connection.User,
		SecretRef:            src.Connection.SecretRef,
		BaseURL:              src.Connection.BaseURL,
		Enabled:              src.Enabled,
		CheckIntervalSeconds: int(src.CheckInterval / time.Second),
		ProbeTimeoutSeconds:  int(src.ProbeTimeout / time.Second),
		Tags:                 src.Tags,
		Status:               string(src.Status),
		HealthScore:          src.HealthScore,
		LastCheckAt:          models.TimestampPtr(src.LastCheckAt),
		CreatedAt:            models.Timestamp(src.CreatedAt),
		UpdatedAt:            models.Timestamp(src.UpdatedAt),
	}
}

// toAPICheckResult converts a domain CheckResult to an API CheckResult.
func (s *Service) toAPICheckResult(r *CheckResult) models.CheckResult {
	var volume *float64
	if r.HasVolume {
		v := r.Volume
		volume = &v
	}
	return models.CheckResult{
		ID:                  r.ID,
		SourceID:            r.SourceID,
		CheckedAt:           models.Timestamp(r.CheckedAt),
		LatencyMillis:       r.Latency.Milliseconds(),
		Success:             r.Success,
		FreshnessAgeSeconds: int64(r.FreshnessAge / time.Second),
		Volume:              volume,
		Error:               r.Error,
		Recorded:            r.Recorded,
	}
}

// ValidationError represents validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
