package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/isdmx/runbox/workspace"
)

// Labels set on every sandbox container.
const (
	LabelJob     = "runbox.job"
	LabelManaged = "runbox.managed"
)

// DefaultMaxCapture bounds the stdout and stderr kept by Exec.
const DefaultMaxCapture = 1 << 20

// ErrNotFound is returned by ReadFile for absent paths.
var ErrNotFound = errors.New("sandbox: file not found")

// Spec describes the container of one job.
type Spec struct {
	JobID   string
	Image   string
	Workdir string
	User    string
	Env     map[string]string

	MemoryMB    int
	CPUs        float64
	PidsLimit   int64
	TmpfsSizeMB int
	Network     bool

	// KeepAlive is the container's main process.
	KeepAlive []string
}

// Handle identifies a provisioned container.
type Handle struct {
	ID    string
	JobID string
	Name  string
}

// ExecRequest is one command run inside a container.
type ExecRequest struct {
	Cmd     []string
	Workdir string
	Stdin   io.Reader
	// Log receives stdout and stderr as they are produced.
	Log io.Writer
	// MaxCapture bounds each captured stream; zero means DefaultMaxCapture.
	MaxCapture int
}

// ExecResult is the outcome of a finished or interrupted command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Usage is one resource sample of a container.
type Usage struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// Runtime manages sandbox containers.
//
// PullImage fetches ref unless it is already present. Provision either
// returns a running container or leaves nothing behind.
// Exec returns the context error, together with the output captured so far,
// when ctx ends before the command does.
type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	Provision(ctx context.Context, spec Spec) (Handle, error)
	CopyIn(ctx context.Context, h Handle, dir string, files []workspace.File) error
	Exec(ctx context.Context, h Handle, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, h Handle, path string, maxBytes int64) ([]byte, error)
	Stats(ctx context.Context, h Handle) (Usage, error)
	Destroy(ctx context.Context, h Handle) error
	// Reap removes containers left by a previous process.
	Reap(ctx context.Context) (int, error)
	Close() error
}

// Owner is the tar identity of copied files. It matches the default
// sandbox user.
var Owner = workspace.Owner{UID: 65534, GID: 65534}

// containerName returns the name used for the container of jobID.
func containerName(jobID string) string {
	return "runbox-" + jobID
}

func labels(jobID string) map[string]string {
	return map[string]string{
		LabelJob:     jobID,
		LabelManaged: "true",
	}
}

func captureLimit(req *ExecRequest) int {
	if req.MaxCapture > 0 {
		return req.MaxCapture
	}
	return DefaultMaxCapture
}
