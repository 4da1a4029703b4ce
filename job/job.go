package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/runbox/languages"
	"github.com/isdmx/runbox/workspace"
)

// ExecutionRequest is a caller's submission. It is never modified by the engine.
type ExecutionRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	Code      string `json:"code"`
	Language  string `json:"language"`

	// Zero values mean "use the policy maximum".
	Timeout  time.Duration `json:"timeout,omitempty"`
	MemoryMB int           `json:"memory_mb,omitempty"`
	CPUs     float64       `json:"cpus,omitempty"`

	Environment      map[string]string `json:"environment,omitempty"`
	InputFiles       []workspace.File  `json:"input_files,omitempty"`
	WorkspaceArchive []byte            `json:"workspace_archive,omitempty"` // tar.gz
	ExpectedOutputs  []string          `json:"expected_outputs,omitempty"`
	Dependencies     []string          `json:"dependencies,omitempty"`
	PackageManager   string            `json:"package_manager,omitempty"`
	Stdin            string            `json:"stdin,omitempty"`
}

// Limits are the policy-clamped resource bounds of one job.
type Limits struct {
	Timeout        time.Duration
	MemoryMB       int
	CPUs           float64
	SetupTimeout   time.Duration
	CompileTimeout time.Duration
	// Deadline bounds the whole pipeline, from dispatch to teardown.
	Deadline time.Duration
	// MaxOutputBytes bounds every text field returned to the caller.
	MaxOutputBytes int
}

// Config is the sanitized, resolved form of an ExecutionRequest.
type Config struct {
	ID        string
	UserID    string
	ProjectID string

	Language string
	Runtime  languages.Runtime

	Code            string
	Environment     map[string]string
	InputFiles      []workspace.File
	ExpectedOutputs []string
	Stdin           string

	Dependencies   []string
	InstallCommand []string

	Limits  Limits
	Network bool

	SubmittedAt time.Time
}

// ErrorKind classifies why a job did not complete normally.
type ErrorKind string

// Error kinds recorded on a Result.
const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindSetupFailed        ErrorKind = "setup_failed"
	ErrorKindCompilationFailed  ErrorKind = "compilation_failed"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindRuntimeUnavailable ErrorKind = "runtime_unavailable"
	ErrorKindSandbox            ErrorKind = "sandbox_error"
)

// Cancellation causes attached to a job context.
var (
	ErrCancelled        = errors.New("job cancelled")
	ErrShutdown         = errors.New("job cancelled: engine shutting down")
	ErrDeadlineExceeded = errors.New("job exceeded its overall deadline")
)

// Result is the outcome of a job. OutputFiles holds the expected outputs that
// were found in the sandbox.
type Result struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	Output      string           `json:"output"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	ExitCode    int              `json:"exit_code"`
	Duration    time.Duration    `json:"duration"`
	MemoryUsage uint64           `json:"memory_usage"`
	CPUUsage    float64          `json:"cpu_usage"`
	OutputFiles []workspace.File `json:"output_files,omitempty"`

	Language    string    `json:"language"`
	UserID      string    `json:"user_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewResult returns the queued record for a freshly admitted job.
func NewResult(cfg *Config, now time.Time) Result {
	return Result{
		ID:        cfg.ID,
		Status:    StatusQueued,
		Language:  cfg.Language,
		UserID:    cfg.UserID,
		ProjectID: cfg.ProjectID,
		CreatedAt: now,
	}
}

// Clone returns a deep copy that shares no slices with r.
func (r Result) Clone() Result {
	if r.OutputFiles != nil {
		files := make([]workspace.File, len(r.OutputFiles))
		for i, f := range r.OutputFiles {
			files[i] = workspace.File{Path: f.Path, Mode: f.Mode, Content: append([]byte(nil), f.Content...)}
		}
		r.OutputFiles = files
	}
	return r
}

// Transition moves r to status to, rejecting non-monotonic changes.
func (r *Result) Transition(to Status) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("job %s: illegal status transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}
