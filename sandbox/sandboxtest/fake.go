// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/workspace"
)

// Step scripts the outcome of an exec.
type Step struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	// Delay is how long the command runs. Block runs until ctx ends.
	Delay time.Duration
	Block bool
	// Produce writes files (absolute paths) when the command finishes.
	Produce map[string]string
}

type script struct {
	match string
	step  Step
}

// Runtime is a scriptable fake. The zero value is not usable; call New.
type Runtime struct {
	mu sync.Mutex

	ProvisionErr error
	DestroyErr   error
	PingErr      error
	PullErr      error
	Usage        sandbox.Usage
	// PullDelay is how long PullImage takes; it returns early when ctx ends.
	PullDelay time.Duration

	scripts []script
	files   map[string]map[string][]byte
	specs   []sandbox.Spec
	execs   [][]string
	stdin   []string
	pulls   []string

	seq         int
	provisioned int
	destroyed   int
	destroys    int
	active      int
	maxActive   int
	live        map[string]bool
	reapable    int
	destroyWait chan struct{}
}

// New returns a fake where every command succeeds with no output.
func New() *Runtime {
	return &Runtime{
		files: map[string]map[string][]byte{},
		live:  map[string]bool{},
	}
}

// Script makes every exec whose space-joined command contains match behave
// as step. Later scripts take precedence.
func (r *Runtime) Script(match string, step Step) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, script{match: match, step: step})
	return r
}

// SetReapable sets how many orphans Reap reports.
func (r *Runtime) SetReapable(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapable = n
}

// HoldDestroy makes Destroy wait until the returned function is called.
func (r *Runtime) HoldDestroy() (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.destroyWait = ch
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (*Runtime) Name() string { return "fake" }

func (r *Runtime) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PingErr
}

func (*Runtime) Close() error { return nil }

func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	delay, err := r.PullDelay, r.PullErr
	r.pulls = append(r.pulls, ref)
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (r *Runtime) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if err := ctx.Err(); err != nil {
		return sandbox.Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ProvisionErr != nil {
		return sandbox.Handle{}, r.ProvisionErr
	}

	r.seq++
	h := sandbox.Handle{ID: fmt.Sprintf("fake-%d", r.seq), JobID: spec.JobID, Name: "runbox-" + spec.JobID}
	r.specs = append(r.specs, spec)
	r.files[h.ID] = map[string][]byte{}
	r.live[h.ID] = true
	r.provisioned++
	r.active++
	r.maxActive = max(r.maxActive, r.active)
	return h, nil
}

func (r *Runtime) CopyIn(_ context.Context, h sandbox.Handle, dir string, files []workspace.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live[h.ID] {
		return fmt.Errorf("copy into unknown sandbox %s", h.ID)
	}
	for _, f := range files {
		r.files[h.ID][path.Join(dir, f.Path)] = append([]byte(nil), f.Content...)
	}
	return nil
}

func (r *Runtime) Exec(ctx context.Context, h sandbox.Handle, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	start := time.Now()

	var stdin string
	if req.Stdin != nil {
		data, _ := io.ReadAll(req.Stdin)
		stdin = string(data)
	}

	r.mu.Lock()
	if !r.live[h.ID] {
		r.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("exec in unknown sandbox %s", h.ID)
	}
	r.execs = append(r.execs, append([]string(nil), req.Cmd...))
	r.stdin = append(r.stdin, stdin)
	step := r.stepFor(strings.Join(req.Cmd, " "))
	r.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return sandbox.ExecResult{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return sandbox.ExecResult{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return sandbox.ExecResult{ExitCode: -1, Duration: time.Since(start)}, step.Err
	}

	if req.Log != nil {
		_, _ = io.WriteString(req.Log, step.Stdout)
		_, _ = io.WriteString(req.Log, step.Stderr)
	}

	r.mu.Lock()
	for p, content := range step.Produce {
		r.files[h.ID][p] = []byte(content)
	}
	r.mu.Unlock()

	return sandbox.ExecResult{
		Stdout:   step.Stdout,
		Stderr:   step.Stderr,
		ExitCode: step.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (r *Runtime) stepFor(cmd string) Step {
	for i := len(r.scripts) - 1; i >= 0; i-- {
		if strings.Contains(cmd, r.scripts[i].match) {
			return r.scripts[i].step
		}
	}
	return Step{}
}

func (r *Runtime) ReadFile(_ context.Context, h sandbox.Handle, p string, maxBytes int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[h.ID][p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, p)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return append([]byte(nil), data...), nil
}

func (r *Runtime) Stats(context.Context, sandbox.Handle) (sandbox.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Usage, nil
}

func (r *Runtime) Destroy(ctx context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	wait := r.destroyWait
	r.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys++
	if r.live[h.ID] {
		delete(r.live, h.ID)
		r.destroyed++
		r.active--
	}
	return r.DestroyErr
}

func (r *Runtime) Reap(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.reapable
	r.reapable = 0
	return n, nil
}

// Provisioned returns how many sandboxes were created.
func (r *Runtime) Provisioned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provisioned
}

// Destroyed returns how many sandboxes were torn down.
func (r *Runtime) Destroyed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// DestroyCalls returns how many times Destroy was called.
func (r *Runtime) DestroyCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroys
}

// Active returns how many sandboxes are alive.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// MaxActive returns the highest number of sandboxes alive at once.
func (r *Runtime) MaxActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// Execs returns every command run so far.
func (r *Runtime) Execs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.execs))
	copy(out, r.execs)
	return out
}

// Stdin returns the stdin passed to each exec, in order.
func (r *Runtime) Stdin() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stdin...)
}

// Pulls returns every image passed to PullImage, in order.
func (r *Runtime) Pulls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulls...)
}

// Specs returns the spec of every provisioned sandbox.
func (r *Runtime) Specs() []sandbox.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.Spec(nil), r.specs...)
}

// Files returns the files of the sandbox with the given handle id.
func (r *Runtime) Files(handleID string) map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]byte, len(r.files[handleID]))
	for k, v := range r.files[handleID] {
		out[k] = v
	}
	return out
}

var _ sandbox.Runtime = (*Runtime)(nil)
