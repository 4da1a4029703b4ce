package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/workspace"
)

func newTestDocker(t *testing.T, fake *fakeDockerClient) *Docker {
	t.Helper()
	d, err := NewDocker(zaptest.NewLogger(t), "", WithDockerClient(fake))
	require.NoError(t, err)
	d.pollInterval = time.Millisecond
	return d
}

func testSpec() Spec {
	return Spec{
		JobID:       "job-1",
		Image:       "python:3.11-slim",
		Workdir:     "/workspace",
		User:        "65534:65534",
		Env:         map[string]string{"B": "2", "A": "1"},
		MemoryMB:    256,
		CPUs:        0.5,
		PidsLimit:   64,
		TmpfsSizeMB: 32,
		KeepAlive:   []string{"tail", "-f", "/dev/null"},
	}
}

func TestDockerProvision(t *testing.T) {
	t.Run("hardened container", func(t *testing.T) {
		fake := newFakeDockerClient()
		d := newTestDocker(t, fake)

		h, err := d.Provision(context.Background(), testSpec())
		require.NoError(t, err)
		assert.Equal(t, "container-1", h.ID)
		assert.Equal(t, "job-1", h.JobID)
		assert.Equal(t, []string{"python:3.11-slim"}, fake.pulls, "missing images are pulled")

		require.Len(t, fake.createCalls, 1)
		call := fake.createCalls[0]
		assert.Equal(t, "runbox-job-1", call.name)

		cfg := call.config
		assert.Equal(t, "python:3.11-slim", cfg.Image)
		assert.Equal(t, []string{"tail", "-f", "/dev/null"}, []string(cfg.Cmd))
		assert.Equal(t, "/workspace", cfg.WorkingDir)
		assert.Equal(t, "65534:65534", cfg.User)
		assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
		assert.True(t, cfg.NetworkDisabled)
		assert.Equal(t, "job-1", cfg.Labels[LabelJob])
		assert.Equal(t, "true", cfg.Labels[LabelManaged])

		host := call.hostConfig
		assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
		assert.Equal(t, int64(256*1024*1024), host.Memory)
		assert.Equal(t, host.Memory, host.MemorySwap)
		assert.Equal(t, int64(500_000_000), host.NanoCPUs)
		require.NotNil(t, host.PidsLimit)
		assert.Equal(t, int64(64), *host.PidsLimit)
		assert.Contains(t, host.SecurityOpt, "no-new-privileges")
		assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
		assert.Equal(t, "rw,exec,nosuid,size=32m,mode=1777", host.Tmpfs["/tmp"])
	})

	t.Run("network enabled by spec", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.images["python:3.11-slim"] = true
		d := newTestDocker(t, fake)

		spec := testSpec()
		spec.Network = true
		_, err := d.Provision(context.Background(), spec)
		require.NoError(t, err)
		assert.Empty(t, fake.pulls)
		assert.False(t, fake.createCalls[0].config.NetworkDisabled)
		assert.Equal(t, container.NetworkMode("bridge"), fake.createCalls[0].hostConfig.NetworkMode)
	})

	t.Run("start failure removes the container", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.startErr = errors.New("oci runtime error")
		d := newTestDocker(t, fake)

		_, err := d.Provision(context.Background(), testSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "start sandbox container")
		assert.Equal(t, []string{"container-1"}, fake.removed)
	})
}

func TestDockerPullImage(t *testing.T) {
	fake := newFakeDockerClient()
	fake.images["python:3.11-slim"] = true
	d := newTestDocker(t, fake)

	require.NoError(t, d.PullImage(context.Background(), "python:3.11-slim"))
	assert.Empty(t, fake.pulls, "present images are kept")

	require.NoError(t, d.PullImage(context.Background(), "node:20-slim"))
	assert.Equal(t, []string{"node:20-slim"}, fake.pulls)
	assert.Empty(t, fake.createCalls, "pulling creates no container")
}

func TestDockerCopyIn(t *testing.T) {
	fake := newFakeDockerClient()
	d := newTestDocker(t, fake)

	h := Handle{ID: "c1"}
	err := d.CopyIn(context.Background(), h, "/workspace", []workspace.File{
		{Path: "main.py", Content: []byte("print(1)")},
		{Path: "data/in.txt", Content: []byte("x")},
	})
	require.NoError(t, err)

	require.Len(t, fake.copyTo, 1)
	call := fake.copyTo[0]
	assert.Equal(t, "c1", call.containerID)
	assert.Equal(t, "/", call.path)
	assert.True(t, call.options.CopyUIDGID)

	entries, err := tarEntries(call.data)
	require.NoError(t, err)
	require.Contains(t, entries, "workspace/")
	require.Contains(t, entries, "workspace/data/")
	require.Contains(t, entries, "workspace/main.py")
	assert.Equal(t, 65534, entries["workspace/main.py"].Uid)
	assert.Equal(t, int64(0o777), entries["workspace/"].Mode)
}

func TestDockerExec(t *testing.T) {
	t.Run("captures output and exit code", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.execs = []execScript{{stdout: "hello\n", stderr: "warn\n", exitCode: 3}}
		d := newTestDocker(t, fake)

		var log bytes.Buffer
		res, err := d.Exec(context.Background(), Handle{ID: "c1"}, ExecRequest{
			Cmd:   []string{"python3", "main.py"},
			Stdin: strings.NewReader("input"),
			Log:   &log,
		})
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, "warn\n", res.Stderr)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, log.String(), "hello")
		assert.Contains(t, log.String(), "warn")
		assert.Equal(t, [][]string{{"python3", "main.py"}}, fake.execCmds)
		assert.Eventually(t, func() bool { return fake.stdinOf("exec-0") == "input" }, time.Second, time.Millisecond)
	})

	t.Run("caps captured output", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.execs = []execScript{{stdout: strings.Repeat("x", 100)}}
		d := newTestDocker(t, fake)

		res, err := d.Exec(context.Background(), Handle{ID: "c1"}, ExecRequest{Cmd: []string{"yes"}, MaxCapture: 10})
		require.NoError(t, err)
		assert.Len(t, res.Stdout, 10)
	})

	t.Run("context ends first", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.execs = []execScript{{block: true}}
		d := newTestDocker(t, fake)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		res, err := d.Exec(ctx, Handle{ID: "c1"}, ExecRequest{Cmd: []string{"sleep", "60"}})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, -1, res.ExitCode)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := newTestDocker(t, newFakeDockerClient()).Exec(context.Background(), Handle{ID: "c1"}, ExecRequest{})
		require.Error(t, err)
	})
}

func TestDockerReadFile(t *testing.T) {
	fake := newFakeDockerClient()
	fake.copyFrom["c1|/workspace/out.txt"] = singleFileTar("out.txt", "result")
	d := newTestDocker(t, fake)

	data, err := d.ReadFile(context.Background(), Handle{ID: "c1"}, "/workspace/out.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "result", string(data))

	_, err = d.ReadFile(context.Background(), Handle{ID: "c1"}, "/workspace/missing.txt", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDockerStats(t *testing.T) {
	fake := newFakeDockerClient()
	fake.stats = `{
		"memory_stats": {"usage": 50000000, "stats": {"inactive_file": 10000000}},
		"cpu_stats": {"cpu_usage": {"total_usage": 2000}, "system_cpu_usage": 20000, "online_cpus": 2},
		"precpu_stats": {"cpu_usage": {"total_usage": 1000}, "system_cpu_usage": 10000}
	}`
	d := newTestDocker(t, fake)

	usage, err := d.Stats(context.Background(), Handle{ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(40000000), usage.MemoryBytes)
	assert.InDelta(t, 20.0, usage.CPUPercent, 1e-9)
}

func TestDockerDestroyAndReap(t *testing.T) {
	t.Run("missing container is not an error", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.removeErr = notFoundError{what: "container"}
		require.NoError(t, newTestDocker(t, fake).Destroy(context.Background(), Handle{ID: "gone"}))
	})

	t.Run("other failures surface", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.removeErr = errors.New("daemon busy")
		require.Error(t, newTestDocker(t, fake).Destroy(context.Background(), Handle{ID: "c1"}))
	})

	t.Run("reap removes labelled containers", func(t *testing.T) {
		fake := newFakeDockerClient()
		fake.listed = []types.Container{
			{ID: "old-1", Labels: map[string]string{LabelJob: "a", LabelManaged: "true"}},
			{ID: "old-2", Labels: map[string]string{LabelJob: "b", LabelManaged: "true"}},
		}
		d := newTestDocker(t, fake)

		n, err := d.Reap(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"old-1", "old-2"}, fake.removed)
	})

	t.Run("ping and close", func(t *testing.T) {
		fake := newFakeDockerClient()
		d := newTestDocker(t, fake)
		require.NoError(t, d.Ping(context.Background()))
		require.NoError(t, d.Close())
		assert.True(t, fake.closed)
		assert.Equal(t, "docker", d.Name())
	})
}
