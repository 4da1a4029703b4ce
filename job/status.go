package job

// Status is the position of a job in its lifecycle.
type Status string

// Job statuses. Completed, failed and timeout are terminal.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next. Queued jobs may go
// straight to failed (cancellation before dispatch).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}
