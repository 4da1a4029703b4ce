// Package metrics aggregates job outcomes for health checks and Prometheus
// scraping.
package metrics
