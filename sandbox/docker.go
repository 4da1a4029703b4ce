package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/workspace"
)

type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
}

// Docker implements Runtime with the Docker Engine API.
type Docker struct {
	logger       *zap.Logger
	cli          dockerClient
	pollInterval time.Duration
}

// DockerOption defines a functional option for Docker
type DockerOption func(*Docker)

// WithDockerClient replaces the Engine API client.
func WithDockerClient(cli dockerClient) DockerOption {
	return func(d *Docker) {
		d.cli = cli
	}
}

// NewDocker connects to the daemon named by host, or by DOCKER_HOST and the
// other client environment variables when host is empty.
func NewDocker(logger *zap.Logger, host string, opts ...DockerOption) (*Docker, error) {
	d := &Docker{
		logger:       logger.Named("docker"),
		pollInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cli != nil {
		return d, nil
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	d.cli = cli
	return d, nil
}

func (*Docker) Name() string { return "docker" }

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Provision(ctx context.Context, spec Spec) (Handle, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return Handle{}, err
	}

	name := containerName(spec.JobID)
	pids := spec.PidsLimit
	memory := int64(spec.MemoryMB) * 1024 * 1024

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.KeepAlive,
		WorkingDir:      spec.Workdir,
		User:            spec.User,
		Env:             envList(spec.Env),
		Labels:          labels(spec.JobID),
		NetworkDisabled: !spec.Network,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.CPUs * 1e9),
			PidsLimit:  &pids,
		},
		NetworkMode: networkMode(spec.Network),
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs:       map[string]string{"/tmp": tmpfsOptions(spec.TmpfsSizeMB)},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("create sandbox container: %w", err)
	}
	h := Handle{ID: resp.ID, JobID: spec.JobID, Name: name}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.Destroy(context.WithoutCancel(ctx), h); rmErr != nil {
			d.logger.Warn("failed to remove unstarted sandbox", zap.String("container", resp.ID), zap.Error(rmErr))
		}
		return Handle{}, fmt.Errorf("start sandbox container: %w", err)
	}

	d.logger.Debug("sandbox provisioned",
		zap.String("container", resp.ID),
		zap.String("job.id", spec.JobID),
		zap.String("image", spec.Image))
	return h, nil
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	return d.ensureImage(ctx, ref)
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	d.logger.Info("pulling image", zap.String("image", ref))
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) CopyIn(ctx context.Context, h Handle, dir string, files []workspace.File) error {
	archive, err := workspace.BuildTar(strings.TrimPrefix(path.Clean(dir), "/"), files, Owner)
	if err != nil {
		return err
	}
	if err := d.cli.CopyToContainer(ctx, h.ID, "/", archive, container.CopyToContainerOptions{CopyUIDGID: true}); err != nil {
		return fmt.Errorf("copy files into sandbox: %w", err)
	}
	return nil
}

func (d *Docker) Exec(ctx context.Context, h Handle, req ExecRequest) (ExecResult, error) {
	if len(req.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("no command provided")
	}

	created, err := d.cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.Workdir,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	start := time.Now()
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	limit := captureLimit(&req)
	stdout := newCaptureBuffer(limit, req.Log)
	stderr := newCaptureBuffer(limit, req.Log)

	if req.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, req.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	partial := func() ExecResult {
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Duration: time.Since(start)}
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return partial(), fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		return partial(), ctx.Err()
	}
	if ctx.Err() != nil {
		return partial(), ctx.Err()
	}

	inspect, err := d.waitExec(ctx, created.ID)
	if err != nil {
		return partial(), err
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// waitExec polls until the daemon reports the exec as finished. The output
// stream can close slightly before the exit code is recorded.
func (d *Docker) waitExec(ctx context.Context, execID string) (container.ExecInspect, error) {
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return container.ExecInspect{}, fmt.Errorf("inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect, nil
		}
		select {
		case <-ctx.Done():
			return container.ExecInspect{}, ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Docker) ReadFile(ctx context.Context, h Handle, filePath string, maxBytes int64) ([]byte, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, h.ID, filePath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("copy %s from sandbox: %w", filePath, err)
	}
	defer reader.Close()

	data, err := workspace.ReadFirstFile(reader, maxBytes)
	if errors.Is(err, workspace.ErrNoFile) {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, filePath)
	}
	return data, err
}

// statsJSON is the subset of the Engine stats document used for sampling.
type statsJSON struct {
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
	CPUStats    cpuStatsJSON `json:"cpu_stats"`
	PreCPUStats cpuStatsJSON `json:"precpu_stats"`
}

type cpuStatsJSON struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (d *Docker) Stats(ctx context.Context, h Handle) (Usage, error) {
	resp, err := d.cli.ContainerStats(ctx, h.ID, false)
	if err != nil {
		return Usage{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var s statsJSON
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Usage{}, fmt.Errorf("decode container stats: %w", err)
	}
	return s.usage(), nil
}

func (s *statsJSON) usage() Usage {
	mem := s.MemoryStats.Usage
	// cgroup v1 counts page cache; v2 reports inactive_file instead.
	if cache, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && cache < mem {
		mem -= cache
	} else if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < mem {
		mem -= cache
	}

	var cpu float64
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(s.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		cpu = cpuDelta / sysDelta * online * 100
	}
	return Usage{MemoryBytes: mem, CPUPercent: cpu}
}

func (d *Docker) Destroy(ctx context.Context, h Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove sandbox container %s: %w", h.ID, err)
	}
	return nil
}

func (d *Docker) Reap(ctx context.Context) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range list {
		if err := d.Destroy(ctx, Handle{ID: c.ID, JobID: c.Labels[LabelJob]}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func networkMode(enabled bool) container.NetworkMode {
	if enabled {
		return "bridge"
	}
	return "none"
}

func tmpfsOptions(sizeMB int) string {
	if sizeMB <= 0 {
		sizeMB = 64
	}
	return fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", sizeMB)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
