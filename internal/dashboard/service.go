// Package dashboard aggregates platform state for the overview page.
package dashboard

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pipepulse/pipepulse/internal/alert"
	"github.com/pipepulse/pipepulse/internal/api/models"
	"github.com/pipepulse/pipepulse/internal/datasource"
	"github.com/pipepulse/pipepulse/internal/pipeline"
)

const (
	// listCap bounds how many records each population query pulls in.
	listCap = 500
	// activityCap bounds the recent activity feed.
	activityCap = 10
)

// Service assembles the dashboard summary from the domain services.
type Service struct {
	sources   *datasource.Service
	pipelines *pipeline.Service
	alerts    *alert.Service
	now       func() time.Time
}

// NewService creates a dashboard service.
func NewService(sources *datasource.Service, pipelines *pipeline.Service, alerts *alert.Service) *Service {
	return &Service{sources: sources, pipelines: pipelines, alerts: alerts, now: time.Now}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Summary computes the current platform snapshot.
func (s *Service) Summary(ctx context.Context) (*models.DashboardSummary, error) {
	srcs, err := s.sources.List(ctx, listCap, "")
	if err != nil {
		return nil, err
	}
	pipes, err := s.pipelines.List(ctx, listCap, "")
	if err != nil {
		return nil, err
	}
	alerts, err := s.alerts.ListAlerts(ctx, "", "", listCap, "")
	if err != nil {
		return nil, err
	}

	summary := &models.DashboardSummary{
		Time:        models.Timestamp(s.now()),
		DataSources: models.EntityCounts{ByStatus: make(map[string]int)},
		Pipelines:   models.EntityCounts{ByStatus: make(map[string]int)},
		Alerts:      models.AlertCounts{BySeverity: make(map[string]int)},
	}

	for _, src := range srcs.Items {
		summary.DataSources.Total++
		summary.DataSources.ByStatus[src.Status]++
	}

	var uptimeSum float64
	for _, p := range pipes.Items {
		summary.Pipelines.Total++
		summary.Pipelines.ByStatus[p.Status]++
		uptimeSum += p.UptimePercentage
	}
	if len(pipes.Items) > 0 {
		summary.AverageUptime = math.Round(uptimeSum/float64(len(pipes.Items))*10) / 10
	}

	for _, a := range alerts.Items {
		switch alert.AlertStatus(a.Status) {
		case alert.AlertActive:
			summary.Alerts.Open++
			summary.Alerts.BySeverity[a.Severity]++
		case alert.AlertAcknowledged:
			summary.Alerts.Open++
			summary.Alerts.Acknowledged++
			summary.Alerts.BySeverity[a.Severity]++
		}
	}

	summary.RecentActivity = s.recentActivity(alerts.Items, pipes.Items)
	return summary, nil
}

// recentActivity merges alert events and pipeline runs into one feed,
// newest first.
func (s *Service) recentActivity(alerts []models.Alert, pipes []models.Pipeline) []models.ActivityEntry {
	entries := make([]models.ActivityEntry, 0, len(alerts)+len(pipes))

	for _, a := range alerts {
		at := a.TriggeredAt
		kind := "alert_triggered"
		if a.ResolvedAt != nil {
			at = *a.ResolvedAt
			kind = "alert_resolved"
		}
		entries = append(entries, models.ActivityEntry{
			Kind:       kind,
			EntityID:   a.ID,
			EntityName: a.RuleName,
			Detail:     a.Message,
			OccurredAt: at,
		})
	}
	for _, p := range pipes {
		if p.LastRunAt == nil {
			continue
		}
		entries = append(entries, models.ActivityEntry{
			Kind:       "pipeline_run",
			EntityID:   p.ID,
			EntityName: p.Name,
			Detail:     p.Status,
			OccurredAt: *p.LastRunAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return time.Time(entries[i].OccurredAt).After(time.Time(entries[j].OccurredAt))
	})
	if len(entries) > activityCap {
		entries = entries[:activityCap]
	}
	return entries
}
