package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// EndpointHealth represents the health status of an outbound endpoint,
// such as a notification webhook or an API-type probe target.
type EndpointHealth struct {
	// Name is the endpoint identifier.
	Name string

	// CircuitState is the current circuit breaker state.
	CircuitState gobreaker.State

	// Counts contains circuit breaker statistics.
	Counts gobreaker.Counts

	// LastSuccessAt is the timestamp of the last successful request.
	LastSuccessAt *time.Time

	// LastFailureAt is the timestamp of the last failed request.
	LastFailureAt *time.Time

	// LastError is the most recent error message, if any.
	LastError string
}

// IsHealthy returns true if the endpoint is considered healthy.
func (h *EndpointHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded returns true if the endpoint is in a degraded state (half-open).
func (h *EndpointHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy returns true if the endpoint is unhealthy (circuit open).
func (h *EndpointHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks registered endpoints and their health status.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*registeredEndpoint
}

type registeredEndpoint struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*registeredEndpoint),
	}
}

// Register adds an endpoint client to the registry.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = &registeredEndpoint{
		client: client,
	}
}

// Unregister removes an endpoint from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

// RecordSuccess records a successful request for an endpoint.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[name]; ok {
		now := time.Now()
		e.lastSuccessAt = &now
	}
}

// RecordFailure records a failed request for an endpoint.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[name]; ok {
		now := time.Now()
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

// GetHealth returns the health status of a specific endpoint.
func (r *Registry) GetHealth(name string) *EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.endpoints[name]
	if !ok {
		return nil
	}

	return &EndpointHealth{
		Name:          name,
		CircuitState:  e.client.CircuitBreakerState(),
		Counts:        e.client.CircuitBreakerCounts(),
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
		LastError:     e.lastError,
	}
}

// GetAllHealth returns the health status of all registered endpoints.
func (r *Registry) GetAllHealth() []*EndpointHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*EndpointHealth, 0, len(r.endpoints))
	for name, e := range r.endpoints {
		health = append(health, &EndpointHealth{
			Name:          name,
			CircuitState:  e.client.CircuitBreakerState(),
			Counts:        e.client.CircuitBreakerCounts(),
			LastSuccessAt: e.lastSuccessAt,
			LastFailureAt: e.lastFailureAt,
			LastError:     e.lastError,
		})
	}

	return health
}

// EndpointNames returns the names of all registered endpoints.
func (r *Registry) EndpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}

// EndpointCount returns the number of registered endpoints.
func (r *Registry) EndpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
