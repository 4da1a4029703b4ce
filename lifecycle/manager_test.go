package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/languages"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
	"github.com/isdmx/runbox/workspace"
)

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func testConfig(t *testing.T, language, code string) job.Config {
	t.Helper()
	rt, err := languages.NewRegistry(languages.Defaults()...).Get(language)
	require.NoError(t, err)
	return job.Config{
		ID:       "job-1",
		UserID:   "alice",
		Language: rt.Name,
		Runtime:  rt,
		Code:     code,
		Limits: job.Limits{
			Timeout:        2 * time.Second,
			MemoryMB:       256,
			CPUs:           0.5,
			SetupTimeout:   2 * time.Second,
			CompileTimeout: 2 * time.Second,
			Deadline:       10 * time.Second,
			MaxOutputBytes: 10 * 1024,
		},
	}
}

func newTestManager(t *testing.T, rt sandbox.Runtime) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.StatsInterval = time.Millisecond
	return NewManager(rt, zaptest.NewLogger(t), opts)
}

func TestRunHelloWorld(t *testing.T) {
	rt := sandboxtest.New().Script("python3 -u main.py", sandboxtest.Step{Stdout: "Hello, World!\n"})
	rt.Usage = sandbox.Usage{MemoryBytes: 12 << 20, CPUPercent: 4.5}
	m := newTestManager(t, rt)

	cfg := testConfig(t, "python", "print('Hello, World!')")
	cfg.Environment = map[string]string{"DEBUG": "1"}
	var logs syncBuffer
	res := m.Run(context.Background(), cfg, &logs)

	assert.Equal(t, job.StatusCompleted, res.Status)
	assert.Equal(t, "Hello, World!\n", res.Output)
	assert.Empty(t, res.Error)
	assert.Equal(t, job.ErrorKindNone, res.ErrorKind)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "job-1", res.ID)
	assert.Equal(t, "python", res.Language)
	assert.Equal(t, uint64(12<<20), res.MemoryUsage)
	assert.InDelta(t, 4.5, res.CPUUsage, 1e-9)
	assert.Positive(t, res.Duration)

	assert.Equal(t, 1, rt.Provisioned())
	assert.Equal(t, 1, rt.Destroyed())
	assert.Equal(t, 1, rt.DestroyCalls())

	specs := rt.Specs()
	require.Len(t, specs, 1)
	spec := specs[0]
	assert.Equal(t, "python:3.11-slim", spec.Image)
	assert.Equal(t, "/workspace", spec.Workdir)
	assert.Equal(t, "65534:65534", spec.User)
	assert.False(t, spec.Network)
	assert.Equal(t, 256, spec.MemoryMB)
	assert.Equal(t, int64(64), spec.PidsLimit)
	assert.Equal(t, "1", spec.Env["DEBUG"])
	assert.Equal(t, "1", spec.Env["PYTHONUNBUFFERED"], "recipe env is kept")

	files := rt.Files("fake-1")
	assert.Equal(t, "print('Hello, World!')", string(files["/workspace/main.py"]))

	assert.Contains(t, logs.String(), "==> run: python3 -u main.py")
	assert.Contains(t, logs.String(), "Hello, World!")
}

func TestRunCompilationFailure(t *testing.T) {
	rt := sandboxtest.New().Script("javac", sandboxtest.Step{
		Stderr:   "Main.java:1: error: ';' expected\n",
		ExitCode: 1,
	})
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "java", "public class Main { int x = 1 }"), nil)

	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.ErrorKindCompilationFailed, res.ErrorKind)
	assert.True(t, strings.HasPrefix(res.Error, "compilation failed: "))
	assert.Contains(t, res.Error, "error: ';' expected")
	assert.Equal(t, 1, res.ExitCode)
	assert.Len(t, rt.Execs(), 1, "run is skipped after a failed compile")
	assert.Equal(t, 1, rt.Destroyed())
}

func TestRunTimeout(t *testing.T) {
	rt := sandboxtest.New().Script("python3", sandboxtest.Step{Block: true})
	m := newTestManager(t, rt)

	cfg := testConfig(t, "python", "while True: pass")
	cfg.Limits.Timeout = 50 * time.Millisecond

	start := time.Now()
	res := m.Run(context.Background(), cfg, nil)

	assert.Equal(t, job.StatusTimeout, res.Status)
	assert.Equal(t, job.ErrorKindTimeout, res.ErrorKind)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, rt.Destroyed())
}

func TestRunNonZeroExitStillCompletes(t *testing.T) {
	rt := sandboxtest.New().Script("node", sandboxtest.Step{Stdout: "partial\n", Stderr: "Error: boom\n", ExitCode: 3})
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "javascript", "console.log('partial'); throw new Error('boom')"), nil)

	assert.Equal(t, job.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, "Error: boom\n", res.Error)
	assert.Equal(t, job.ErrorKindNone, res.ErrorKind)
}

func TestRunSetup(t *testing.T) {
	t.Run("dependency install runs before the program", func(t *testing.T) {
		rt := sandboxtest.New()
		m := newTestManager(t, rt)

		cfg := testConfig(t, "python", "import requests")
		cfg.Network = true
		cfg.InstallCommand = []string{"pip", "install", "requests"}
		res := m.Run(context.Background(), cfg, nil)

		require.Equal(t, job.StatusCompleted, res.Status)
		execs := rt.Execs()
		require.Len(t, execs, 2)
		assert.Equal(t, []string{"pip", "install", "requests"}, execs[0])
		assert.Equal(t, []string{"python3", "-u", "main.py"}, execs[1])
		assert.True(t, rt.Specs()[0].Network)
	})

	t.Run("failure", func(t *testing.T) {
		rt := sandboxtest.New().Script("pip", sandboxtest.Step{Stderr: "No matching distribution found for nosuchpkg", ExitCode: 1})
		m := newTestManager(t, rt)

		cfg := testConfig(t, "python", "import nosuchpkg")
		cfg.InstallCommand = []string{"pip", "install", "nosuchpkg"}
		res := m.Run(context.Background(), cfg, nil)

		assert.Equal(t, job.StatusFailed, res.Status)
		assert.Equal(t, job.ErrorKindSetupFailed, res.ErrorKind)
		assert.Equal(t, "setup failed: No matching distribution found for nosuchpkg", res.Error)
		assert.Len(t, rt.Execs(), 1)
		assert.Equal(t, 1, rt.Destroyed())
	})

	t.Run("timeout", func(t *testing.T) {
		rt := sandboxtest.New().Script("pip", sandboxtest.Step{Block: true})
		m := newTestManager(t, rt)

		cfg := testConfig(t, "python", "import slow")
		cfg.InstallCommand = []string{"pip", "install", "slow"}
		cfg.Limits.SetupTimeout = 20 * time.Millisecond
		res := m.Run(context.Background(), cfg, nil)

		assert.Equal(t, job.StatusTimeout, res.Status)
		assert.Contains(t, res.Error, "setup timed out")
	})
}

func TestRunProvisionFailure(t *testing.T) {
	rt := sandboxtest.New()
	rt.ProvisionErr = errors.New("Cannot connect to the Docker daemon")
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "python", "print(1)"), nil)

	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.ErrorKindRuntimeUnavailable, res.ErrorKind)
	assert.Contains(t, res.Error, "Cannot connect")
	assert.Zero(t, rt.DestroyCalls(), "nothing was created")
}

func TestRunImagePull(t *testing.T) {
	t.Run("slow pull is not bounded by the provision timeout", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.PullDelay = 100 * time.Millisecond
		opts := DefaultOptions()
		opts.ProvisionTimeout = 20 * time.Millisecond
		m := NewManager(rt, zaptest.NewLogger(t), opts)

		res := m.Run(context.Background(), testConfig(t, "python", "print(1)"), nil)

		assert.Equal(t, job.StatusCompleted, res.Status, res.Error)
		assert.Equal(t, []string{"python:3.11-slim"}, rt.Pulls())
		assert.Equal(t, 1, rt.Provisioned())
	})

	t.Run("pull timeout", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.PullDelay = time.Second
		opts := DefaultOptions()
		opts.PullTimeout = 20 * time.Millisecond
		m := NewManager(rt, zaptest.NewLogger(t), opts)

		res := m.Run(context.Background(), testConfig(t, "python", "print(1)"), nil)

		assert.Equal(t, job.StatusFailed, res.Status)
		assert.Equal(t, job.ErrorKindRuntimeUnavailable, res.ErrorKind)
		assert.Zero(t, rt.Provisioned())
	})

	t.Run("pull failure", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.PullErr = errors.New("manifest unknown")
		m := newTestManager(t, rt)

		res := m.Run(context.Background(), testConfig(t, "python", "print(1)"), nil)

		assert.Equal(t, job.StatusFailed, res.Status)
		assert.Equal(t, job.ErrorKindRuntimeUnavailable, res.ErrorKind)
		assert.Contains(t, res.Error, "manifest unknown")
		assert.Zero(t, rt.Provisioned())
		assert.Zero(t, rt.DestroyCalls())
	})
}

func TestRunSandboxError(t *testing.T) {
	rt := sandboxtest.New().Script("python3", sandboxtest.Step{Err: errors.New("connection reset")})
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "python", "print(1)"), nil)

	assert.Equal(t, job.StatusFailed, res.Status)
	assert.Equal(t, job.ErrorKindSandbox, res.ErrorKind)
	assert.Contains(t, res.Error, "connection reset")
	assert.Equal(t, 1, rt.Destroyed())
}

func TestRunCancellation(t *testing.T) {
	tests := []struct {
		name   string
		cause  error
		status job.Status
		kind   job.ErrorKind
		text   string
	}{
		{"cancelled", job.ErrCancelled, job.StatusFailed, job.ErrorKindCancelled, "cancelled"},
		{"shutdown", job.ErrShutdown, job.StatusFailed, job.ErrorKindCancelled, "cancelled"},
		{"deadline", job.ErrDeadlineExceeded, job.StatusTimeout, job.ErrorKindTimeout, "deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New().Script("python3", sandboxtest.Step{Block: true})
			m := newTestManager(t, rt)

			ctx, cancel := context.WithCancelCause(context.Background())
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel(tt.cause)
			}()

			cfg := testConfig(t, "python", "import time; time.sleep(60)")
			cfg.Limits.Timeout = time.Minute
			res := m.Run(ctx, cfg, nil)

			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Contains(t, res.Error, tt.text)
			assert.Equal(t, 1, rt.Destroyed(), "teardown runs on a cancelled context")
		})
	}
}

func TestRunCollectsOutputs(t *testing.T) {
	rt := sandboxtest.New().Script("python3", sandboxtest.Step{
		Produce: map[string]string{"/workspace/out/result.txt": "42"},
	})
	m := newTestManager(t, rt)

	cfg := testConfig(t, "python", "open('out/result.txt','w').write('42')")
	cfg.ExpectedOutputs = []string{"out/result.txt", "missing.png"}
	res := m.Run(context.Background(), cfg, nil)

	require.Equal(t, job.StatusCompleted, res.Status)
	require.Len(t, res.OutputFiles, 1)
	assert.Equal(t, "out/result.txt", res.OutputFiles[0].Path)
	assert.Equal(t, "42", string(res.OutputFiles[0].Content))
}

func TestRunWorkspace(t *testing.T) {
	rt := sandboxtest.New()
	m := newTestManager(t, rt)

	cfg := testConfig(t, "javascript", "console.log(require('./data.json'))")
	cfg.InputFiles = []workspace.File{
		{Path: "data.json", Content: []byte(`{"a":1}`)},
		{Path: "package.json", Content: []byte(`{"name":"mine"}`)},
	}
	cfg.Stdin = "line\n"
	res := m.Run(context.Background(), cfg, nil)
	require.Equal(t, job.StatusCompleted, res.Status)

	files := rt.Files("fake-1")
	assert.Equal(t, `{"a":1}`, string(files["/workspace/data.json"]))
	assert.Equal(t, `{"name":"mine"}`, string(files["/workspace/package.json"]), "inputs replace manifests")
	assert.Contains(t, files, "/workspace/index.js")
	assert.Equal(t, []string{"line\n"}, rt.Stdin())
}

func TestRunSanitizesOutput(t *testing.T) {
	rt := sandboxtest.New().Script("python3", sandboxtest.Step{
		Stdout:   strings.Repeat("a", 20*1024),
		Stderr:   "Traceback:\n  File \"/workspace/main.py\", line 1\n",
		ExitCode: 1,
	})
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "python", "raise SystemError"), nil)

	assert.True(t, strings.HasSuffix(res.Output, "\n[output truncated]"))
	assert.LessOrEqual(t, len(res.Output), 10*1024)
	assert.Contains(t, res.Error, "[sandbox]/main.py")
	assert.NotContains(t, res.Error, "/workspace")
}

func TestRunCompiledLanguage(t *testing.T) {
	rt := sandboxtest.New().Script("./main", sandboxtest.Step{Stdout: "hi from go\n"})
	m := newTestManager(t, rt)

	res := m.Run(context.Background(), testConfig(t, "go", "package main\nfunc main() { println(\"hi from go\") }"), nil)

	require.Equal(t, job.StatusCompleted, res.Status)
	assert.Equal(t, "hi from go\n", res.Output)
	execs := rt.Execs()
	require.Len(t, execs, 2)
	assert.Equal(t, "go", execs[0][0])
	assert.Contains(t, rt.Files("fake-1"), "/workspace/go.mod")
}
