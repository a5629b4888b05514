// Package health executes connectivity, freshness and volume probes against
// data sources.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/resilience"
)

// DefaultProbeTimeout bounds probes for sources that do not set their own.
const DefaultProbeTimeout = 30 * time.Second

// Checker runs one probe per call. It never returns an error and never
// panics through: every outcome, including a timeout or a prober bug, comes
// back as a CheckResult. It holds no state between probes, so it is
// substitutable in tests.
type Checker struct {
	creds  CredentialResolver
	client *resilience.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewChecker creates a health checker. The registry is optional; when set
// the shared probe client shows up in system status.
func NewChecker(creds CredentialResolver, logger zerolog.Logger, registry *resilience.Registry) *Checker {
	cfg := resilience.DefaultClientConfig("health-probe")
	// The scheduler owns retrying via the next cadence; a probe is a single
	// shot.
	cfg.MaxRetries = 0
	cfg.Registry = registry
	return &Checker{
		creds:  creds,
		client: resilience.NewClient(cfg),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the checker clock for tests.
func (c *Checker) SetClock(now func() time.Time) {
	c.now = now
}

// Probe runs one health probe against the source.
func (c *Checker) Probe(ctx context.Context, src *datasource.DataSource) (result *datasource.CheckResult) {
	start := c.now()
	result = &datasource.CheckResult{
		SourceID:  src.ID,
		CheckedAt: start,
		Recorded:  true,
	}

	timeout := src.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("source_id", src.ID).
				Interface("panic", r).
				Msg("probe panicked")
			result.Success = false
			result.Error = fmt.Sprintf("probe panicked: %v", r)
		}
		result.Latency = c.now().Sub(start)
	}()

	var err error
	switch src.Connection.Type {
	case datasource.TypePostgres:
		err = c.probeSQL(ctx, src, result, "postgres")
	case datasource.TypeMySQL:
		err = c.probeSQL(ctx, src, result, "mysql")
	case datasource.TypeAPI:
		err = c.probeHTTP(ctx, src, result)
	case datasource.TypeCustom:
		if src.Connection.BaseURL != "" {
			err = c.probeHTTP(ctx, src, result)
		} else {
			err = fmt.Errorf("custom source %s has no probe endpoint", src.ID)
		}
	default:
		err = fmt.Errorf("unsupported source type %q", src.Connection.Type)
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	result.Success = true
	return result
}

// probeSQL opens a connection, pings, then runs the optional freshness and
// volume queries. A failing optional query fails the probe: it points at a
// configuration problem the operator needs to see.
func (c *Checker) probeSQL(ctx context.Context, src *datasource.DataSource, result *datasource.CheckResult, driver string) error {
	dsn, err := c.buildDSN(ctx, src, driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if q := src.Connection.FreshnessQuery; q != "" {
		var lastUpdate time.Time
		if err := db.QueryRowContext(ctx, q).Scan(&lastUpdate); err != nil {
			return fmt.Errorf("freshness query: %w", err)
		}
		result.FreshnessAge = c.now().Sub(lastUpdate)
	}

	if q := src.Connection.VolumeQuery; q != "" {
		var volume float64
		if err := db.QueryRowContext(ctx, q).Scan(&volume); err != nil {
			return fmt.Errorf("volume query: %w", err)
		}
		result.Volume = volume
		result.HasVolume = true
	}

	return nil
}

// healthResponse is the optional body an api-type source may return.
type healthResponse struct {
	LastUpdatedAt *time.Time `json:"lastUpdatedAt"`
	Volume        *float64   `json:"volume"`
}

// probeHTTP issues a GET against the source's base URL. Any 2xx is healthy;
// a JSON body with freshness or volume fields enriches the result but is not
// required.
func (c *Checker) probeHTTP(ctx context.Context, src *datasource.DataSource, result *datasource.CheckResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Connection.BaseURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.LastUpdatedAt != nil {
			result.FreshnessAge = c.now().Sub(*body.LastUpdatedAt)
		}
		if body.Volume != nil {
			result.Volume = *body.Volume
			result.HasVolume = true
		}
	}

	return nil
}

func (c *Checker) buildDSN(ctx context.Context, src *datasource.DataSource, driver string) (string, error) {
	password := ""
	if src.Connection.SecretRef != "" {
		var err error
		password, err = c.creds.Resolve(ctx, src.Connection.SecretRef)
		if err != nil {
			return "", fmt.Errorf("resolve credentials: %w", err)
		}
	}

	conn := src.Connection
	switch driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			conn.Host, portOrDefault(conn.Port, 5432), conn.Database, conn.User, password,
		), nil
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?timeout=5s",
			conn.User, password, conn.Host, portOrDefault(conn.Port, 3306), conn.Database,
		), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

func portOrDefault(port, fallback int) int {
	if port > 0 {
		return port
	}
	return fallback
}

// Ensure Checker satisfies the data source prober contract.
var _ datasource.Prober = (*Checker)(nil)
