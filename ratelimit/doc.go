// Package ratelimit admits job submissions against sliding-window limits
// kept per user and per project.
package ratelimit
