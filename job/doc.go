// Package job defines the values that flow through the execution engine: the
// caller's ExecutionRequest, the sanitized Config the scheduler dispatches,
// and the Result that records a job's progress and terminal outcome.
package job
