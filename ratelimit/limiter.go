package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Admission errors.
var (
	ErrUserLimitExceeded    = errors.New("user rate limit exceeded")
	ErrProjectLimitExceeded = errors.New("project rate limit exceeded")
)

// Limits are the per-window thresholds. Zero disables a threshold.
type Limits struct {
	PerUser    int
	PerProject int
	Window     time.Duration
}

// Limiter keeps the admission timestamps of every key seen in the window.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string][]time.Time
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a limiter enforcing limits.
func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits:  limits,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func userKey(id string) string    { return "user:" + id }
func projectKey(id string) string { return "project:" + id }

// Admit records one submission for userID and projectID, or refuses it
// without recording anything. An empty projectID skips the project check.
func (l *Limiter) Admit(userID, projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.limits.Window)

	uk := userKey(userID)
	if l.limits.PerUser > 0 && l.countLocked(uk, cutoff) >= l.limits.PerUser {
		return ErrUserLimitExceeded
	}

	pk := ""
	if projectID != "" {
		pk = projectKey(projectID)
		if l.limits.PerProject > 0 && l.countLocked(pk, cutoff) >= l.limits.PerProject {
			return ErrProjectLimitExceeded
		}
	}

	l.windows[uk] = append(l.windows[uk], now)
	if pk != "" {
		l.windows[pk] = append(l.windows[pk], now)
	}
	return nil
}

// countLocked drops expired timestamps of key and returns what is left.
func (l *Limiter) countLocked(key string, cutoff time.Time) int {
	stamps := l.windows[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		l.windows[key] = stamps
	}
	return len(stamps)
}

// Sweep discards expired timestamps and forgets idle keys.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.limits.Window)
	for key := range l.windows {
		if l.countLocked(key, cutoff) == 0 {
			delete(l.windows, key)
		}
	}
}

// SetLimits replaces the thresholds. Recorded timestamps are kept.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// UserUsage returns the number of in-window admissions of a user.
func (l *Limiter) UserUsage(userID string) int {
	return l.usage(userKey(userID))
}

// ProjectUsage returns the number of in-window admissions of a project.
func (l *Limiter) ProjectUsage(projectID string) int {
	return l.usage(projectKey(projectID))
}

func (l *Limiter) usage(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(key, l.now().Add(-l.limits.Window))
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
