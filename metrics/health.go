package metrics

import "time"

// HealthStatus is the coarse state reported by health checks.
type HealthStatus string

// Health states.
const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is a point-in-time view of engine health.
type Health struct {
	Status           HealthStatus `json:"status"`
	RuntimeAvailable bool         `json:"runtime_available"`
	Runtime          string       `json:"runtime,omitempty"`
	Error            string       `json:"error,omitempty"`
	QueueLength      int          `json:"queue_length"`
	ActiveJobs       int          `json:"active_jobs"`
	MaxConcurrent    int          `json:"max_concurrent"`
	CheckedAt        time.Time    `json:"checked_at"`
}

// Classify reports unhealthy when the runtime is down and degraded when every
// slot is busy or the queue has reached backlog. A non-positive backlog
// disables the queue check.
func Classify(runtimeOK bool, queueLen, active, maxConcurrent, backlog int) HealthStatus {
	switch {
	case !runtimeOK:
		return StatusUnhealthy
	case active >= maxConcurrent:
		return StatusDegraded
	case backlog > 0 && queueLen >= backlog:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
