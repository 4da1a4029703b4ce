package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/workspace"
)

// CLI implements Runtime by invoking a docker-compatible binary. It serves
// both docker and podman.
type CLI struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIOption defines a functional option for CLI
type CLIOption func(*CLI)

// WithCommandRunner sets the CommandRunner for CLI
func WithCommandRunner(cmdRunner CommandRunner) CLIOption {
	return func(c *CLI) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLI creates a runtime driving binary ("docker" or "podman").
func NewCLI(logger *zap.Logger, binary string, opts ...CLIOption) *CLI {
	c := &CLI{
		logger:    logger.Named(binary),
		binary:    binary,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) Name() string { return c.binary }

func (*CLI) Close() error { return nil }

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	return output(ctx, c.cmdRunner, nil, append([]string{c.binary}, args...)...)
}

func (c *CLI) Ping(ctx context.Context) error {
	if _, err := c.run(ctx, "version"); err != nil {
		return fmt.Errorf("ping %s: %w", c.binary, err)
	}
	return nil
}

func (c *CLI) PullImage(ctx context.Context, ref string) error {
	if _, err := c.run(ctx, "image", "inspect", ref); err == nil {
		return nil
	}
	c.logger.Info("pulling image", zap.String("image", ref))
	if _, err := c.run(ctx, "pull", "--quiet", ref); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (c *CLI) Provision(ctx context.Context, spec Spec) (Handle, error) {
	name := containerName(spec.JobID)
	args := []string{
		"create",
		"--name", name,
		"--label", LabelJob + "=" + spec.JobID,
		"--label", LabelManaged + "=true",
		"--workdir", spec.Workdir,
		"--user", spec.User,
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(spec.PidsLimit, 10),
		"--network", string(networkMode(spec.Network)),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--tmpfs", "/tmp:" + tmpfsOptions(spec.TmpfsSizeMB),
	}
	for _, kv := range envList(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, spec.Image)
	args = append(args, spec.KeepAlive...)

	id, err := c.run(ctx, args...)
	if err != nil {
		return Handle{}, fmt.Errorf("create sandbox container: %w", err)
	}
	// Pull progress precedes the id on some versions.
	if lines := strings.Split(id, "\n"); len(lines) > 1 {
		id = strings.TrimSpace(lines[len(lines)-1])
	}
	h := Handle{ID: id, JobID: spec.JobID, Name: name}

	if _, err := c.run(ctx, "start", id); err != nil {
		if rmErr := c.Destroy(context.WithoutCancel(ctx), h); rmErr != nil {
			c.logger.Warn("failed to remove unstarted sandbox", zap.String("container", id), zap.Error(rmErr))
		}
		return Handle{}, fmt.Errorf("start sandbox container: %w", err)
	}
	return h, nil
}

func (c *CLI) CopyIn(ctx context.Context, h Handle, dir string, files []workspace.File) error {
	archive, err := workspace.BuildTar(strings.TrimPrefix(path.Clean(dir), "/"), files, Owner)
	if err != nil {
		return err
	}
	if _, err := output(ctx, c.cmdRunner, archive, c.binary, "cp", "--archive", "-", h.ID+":/"); err != nil {
		return fmt.Errorf("copy files into sandbox: %w", err)
	}
	return nil
}

func (c *CLI) Exec(ctx context.Context, h Handle, req ExecRequest) (ExecResult, error) {
	if len(req.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("no command provided")
	}

	args := []string{c.binary, "exec"}
	if req.Stdin != nil {
		args = append(args, "--interactive")
	}
	if req.Workdir != "" {
		args = append(args, "--workdir", req.Workdir)
	}
	args = append(args, h.ID)
	args = append(args, req.Cmd...)

	limit := captureLimit(&req)
	stdout := newCaptureBuffer(limit, req.Log)
	stderr := newCaptureBuffer(limit, req.Log)

	start := time.Now()
	code, err := c.cmdRunner.RunCommand(ctx, args, req.Stdin, stdout, stderr)
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Duration: time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("exec in sandbox: %w", err)
	}
	return res, nil
}

func (c *CLI) ReadFile(ctx context.Context, h Handle, filePath string, maxBytes int64) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	args := []string{c.binary, "cp", h.ID + ":" + filePath, "-"}
	code, err := c.cmdRunner.RunCommand(ctx, args, nil, &stdout, &stderr)
	if err != nil {
		return nil, fmt.Errorf("copy %s from sandbox: %w", filePath, err)
	}
	if code != 0 {
		cmdErr := &CommandError{Args: args, ExitCode: code, Stderr: strings.TrimSpace(stderr.String())}
		if noSuchPath(cmdErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("copy %s from sandbox: %w", filePath, cmdErr)
	}

	data, err := workspace.ReadFirstFile(&stdout, maxBytes)
	if errors.Is(err, workspace.ErrNoFile) {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, filePath)
	}
	return data, err
}

func (c *CLI) Stats(ctx context.Context, h Handle) (Usage, error) {
	out, err := c.run(ctx, "stats", "--no-stream", "--format", "{{.MemUsage}}|{{.CPUPerc}}", h.ID)
	if err != nil {
		return Usage{}, fmt.Errorf("container stats: %w", err)
	}
	return parseCLIStats(out)
}

// parseCLIStats reads a "12.5MiB / 512MiB|3.20%" line.
func parseCLIStats(line string) (Usage, error) {
	memPart, cpuPart, ok := strings.Cut(strings.TrimSpace(line), "|")
	if !ok {
		return Usage{}, fmt.Errorf("unexpected stats output: %q", line)
	}

	used, _, _ := strings.Cut(memPart, "/")
	used = strings.TrimSpace(used)
	var mem int64
	if used != "" && used != "--" {
		var err error
		if mem, err = units.RAMInBytes(used); err != nil {
			return Usage{}, fmt.Errorf("parse memory usage %q: %w", used, err)
		}
	}

	var cpu float64
	cpuPart = strings.TrimSuffix(strings.TrimSpace(cpuPart), "%")
	if cpuPart != "" && cpuPart != "--" {
		var err error
		if cpu, err = strconv.ParseFloat(cpuPart, 64); err != nil {
			return Usage{}, fmt.Errorf("parse cpu usage %q: %w", cpuPart, err)
		}
	}
	return Usage{MemoryBytes: uint64(max(mem, 0)), CPUPercent: cpu}, nil
}

func (c *CLI) Destroy(ctx context.Context, h Handle) error {
	_, err := c.run(ctx, "rm", "--force", "--volumes", h.ID)
	if err != nil && !noSuchContainer(err) {
		return fmt.Errorf("remove sandbox container %s: %w", h.ID, err)
	}
	return nil
}

func (c *CLI) Reap(ctx context.Context) (int, error) {
	out, err := c.run(ctx, "ps", "--all", "--quiet", "--filter", "label="+LabelManaged+"=true")
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, id := range strings.Fields(out) {
		if err := c.Destroy(ctx, Handle{ID: id}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
