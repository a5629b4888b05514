package models

// DashboardSummary aggregates current platform state for the overview page.
type DashboardSummary struct {
	Time           Timestamp       `json:"time"`
	DataSources    EntityCounts    `json:"dataSources"`
	Pipelines      EntityCounts    `json:"pipelines"`
	Alerts         AlertCounts     `json:"alerts"`
	AverageUptime  float64         `json:"averageUptime"`
	RecentActivity []ActivityEntry `json:"recentActivity"`
}

// EntityCounts breaks an entity population down by status.
type EntityCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// AlertCounts summarizes the alert population.
type AlertCounts struct {
	Open         int            `json:"open"`
	Acknowledged int            `json:"acknowledged"`
	BySeverity   map[string]int `json:"bySeverity"`
}

// ActivityEntry is one recent event on the dashboard feed.
type ActivityEntry struct {
	Kind       string    `json:"kind"`
	EntityID   string    `json:"entityId"`
	EntityName string    `json:"entityName,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt Timestamp `json:"occurredAt"`
}
