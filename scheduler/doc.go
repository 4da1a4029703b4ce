// Package scheduler queues admitted jobs and dispatches them to the lifecycle
// manager without exceeding the concurrency cap.
//
// The scheduler owns the result table. Every job moves through
// queued, running and one terminal status. Subscribers receive the terminal
// result exactly once, and terminal entries are kept until Evict removes
// them after the retention window.
package scheduler
