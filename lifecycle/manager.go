package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/security"
	"github.com/isdmx/runbox/workspace"
)

// Manager executes jobs on a sandbox runtime.
type Manager struct {
	runtime sandbox.Runtime
	logger  *zap.Logger
	opts    Options
}

// NewManager returns a manager provisioning sandboxes from runtime.
func NewManager(runtime sandbox.Runtime, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		runtime: runtime,
		logger:  logger.Named("lifecycle"),
		opts:    opts,
	}
}

// failure ends a job before it completes.
type failure struct {
	status job.Status
	kind   job.ErrorKind
	msg    string
}

// Run executes cfg and returns its terminal result. A transcript of every
// phase is written to logs. Run never returns before the sandbox, if one was
// created, has been torn down.
func (m *Manager) Run(ctx context.Context, cfg job.Config, logs io.Writer) (res job.Result) {
	start := time.Now()
	log := logger.ForJob(m.logger, cfg.ID, cfg.Language, cfg.UserID)
	if logs == nil {
		logs = io.Discard
	}

	res = job.Result{
		ID:        cfg.ID,
		Language:  cfg.Language,
		UserID:    cfg.UserID,
		ProjectID: cfg.ProjectID,
		CreatedAt: cfg.SubmittedAt,
	}
	defer func() {
		res.Duration = time.Since(start)
		res.Output = security.SanitizeOutput(res.Output, cfg.Limits.MaxOutputBytes)
		res.Error = security.SanitizeOutput(res.Error, cfg.Limits.MaxOutputBytes)
		log.Info("job finished",
			zap.String("status", string(res.Status)),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration))
	}()

	pullCtx, cancel := context.WithTimeout(ctx, m.opts.PullTimeout)
	err := m.runtime.PullImage(pullCtx, cfg.Runtime.Image)
	cancel()
	if err != nil {
		if f := interrupted(ctx); f != nil {
			return fail(res, f)
		}
		log.Error("failed to pull image", zap.String("image", cfg.Runtime.Image), zap.Error(err))
		return fail(res, &failure{job.StatusFailed, job.ErrorKindRuntimeUnavailable, "sandbox runtime unavailable: " + err.Error()})
	}

	fmt.Fprintf(logs, "==> provisioning %s sandbox (%s)\n", cfg.Language, cfg.Runtime.Image)
	provCtx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	h, err := m.runtime.Provision(provCtx, m.spec(&cfg))
	cancel()
	if err != nil {
		if f := interrupted(ctx); f != nil {
			return fail(res, f)
		}
		log.Error("failed to provision sandbox", zap.Error(err))
		return fail(res, &failure{job.StatusFailed, job.ErrorKindRuntimeUnavailable, "sandbox runtime unavailable: " + err.Error()})
	}
	defer m.teardown(ctx, h, log)

	if f := m.materialize(ctx, h, &cfg); f != nil {
		return fail(res, f)
	}

	setups := make([][]string, 0, len(cfg.Runtime.SetupCommands)+1)
	setups = append(setups, cfg.Runtime.SetupCommands...)
	if len(cfg.InstallCommand) > 0 {
		setups = append(setups, cfg.InstallCommand)
	}
	for _, cmd := range setups {
		out, f := m.exec(ctx, h, "setup", cmd, cfg.Limits.SetupTimeout, nil, logs)
		if f != nil {
			return fail(res, f)
		}
		if out.ExitCode != 0 {
			res.ExitCode = out.ExitCode
			return fail(res, &failure{job.StatusFailed, job.ErrorKindSetupFailed, "setup failed: " + diagnostics(out)})
		}
	}

	if cfg.Runtime.Compiles() {
		out, f := m.exec(ctx, h, "compile", cfg.Runtime.CompileCommand, cfg.Limits.CompileTimeout, nil, logs)
		if f != nil {
			return fail(res, f)
		}
		if out.ExitCode != 0 {
			res.ExitCode = out.ExitCode
			return fail(res, &failure{job.StatusFailed, job.ErrorKindCompilationFailed, "compilation failed: " + diagnostics(out)})
		}
	}

	var stdin io.Reader
	if cfg.Stdin != "" {
		stdin = strings.NewReader(cfg.Stdin)
	}
	usage := m.sample(ctx, h, log)
	out, f := m.exec(ctx, h, "run", cfg.Runtime.RunCommand, cfg.Limits.Timeout, stdin, logs)
	res.MemoryUsage, res.CPUUsage = usage()
	res.Output = out.Stdout
	if f != nil {
		res.Error = joinText(out.Stderr, f.msg)
		res.Status, res.ErrorKind, res.ExitCode = f.status, f.kind, out.ExitCode
		return res
	}

	res.Status = job.StatusCompleted
	res.ExitCode = out.ExitCode
	res.Error = out.Stderr
	fmt.Fprintf(logs, "==> exit code %d\n", out.ExitCode)

	res.OutputFiles = m.collect(ctx, h, &cfg, log)
	return res
}

func (m *Manager) spec(cfg *job.Config) sandbox.Spec {
	env := maps.Clone(cfg.Runtime.Env)
	if env == nil {
		env = make(map[string]string, len(cfg.Environment))
	}
	maps.Copy(env, cfg.Environment)

	return sandbox.Spec{
		JobID:       cfg.ID,
		Image:       cfg.Runtime.Image,
		Workdir:     m.opts.Workdir,
		User:        m.opts.User,
		Env:         env,
		MemoryMB:    cfg.Limits.MemoryMB,
		CPUs:        cfg.Limits.CPUs,
		PidsLimit:   m.opts.PidsLimit,
		TmpfsSizeMB: m.opts.TmpfsSizeMB,
		Network:     cfg.Network,
		KeepAlive:   m.opts.KeepAlive,
	}
}

// materialize copies manifests, the source file and input files into the
// workspace. Input files replace manifests of the same name.
func (m *Manager) materialize(ctx context.Context, h sandbox.Handle, cfg *job.Config) *failure {
	byPath := map[string]workspace.File{}
	order := []string{}
	add := func(f workspace.File) {
		if _, ok := byPath[f.Path]; !ok {
			order = append(order, f.Path)
		}
		byPath[f.Path] = f
	}

	for _, mf := range cfg.Runtime.Manifests {
		add(workspace.File{Path: mf.Name, Content: []byte(mf.Content), Mode: workspace.FilePermission})
	}
	add(workspace.File{Path: cfg.Runtime.EntryFile(), Content: []byte(cfg.Code), Mode: workspace.FilePermission})
	for _, f := range cfg.InputFiles {
		add(f)
	}

	files := make([]workspace.File, 0, len(order))
	for _, p := range order {
		files = append(files, byPath[p])
	}

	copyCtx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	defer cancel()
	if err := m.runtime.CopyIn(copyCtx, h, m.opts.Workdir, files); err != nil {
		if f := interrupted(ctx); f != nil {
			return f
		}
		return &failure{job.StatusFailed, job.ErrorKindSandbox, "failed to prepare workspace: " + err.Error()}
	}
	return nil
}

// exec runs one phase command under its own timeout.
func (m *Manager) exec(ctx context.Context, h sandbox.Handle, phase string, cmd []string, timeout time.Duration, stdin io.Reader, logs io.Writer) (sandbox.ExecResult, *failure) {
	fmt.Fprintf(logs, "==> %s: %s\n", phase, strings.Join(cmd, " "))

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := m.runtime.Exec(phaseCtx, h, sandbox.ExecRequest{
		Cmd:     cmd,
		Workdir: m.opts.Workdir,
		Stdin:   stdin,
		Log:     logs,
	})
	if err == nil {
		return out, nil
	}

	if f := interrupted(ctx); f != nil {
		return out, f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(logs, "==> %s timed out after %s\n", phase, timeout)
		return out, &failure{job.StatusTimeout, job.ErrorKindTimeout, fmt.Sprintf("%s timed out after %s", phaseName(phase), timeout)}
	}
	return out, &failure{job.StatusFailed, job.ErrorKindSandbox, fmt.Sprintf("%s failed in sandbox: %v", phase, err)}
}

// interrupted classifies why the job context ended, or returns nil while it
// is still live.
func interrupted(ctx context.Context) *failure {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, job.ErrDeadlineExceeded), errors.Is(cause, context.DeadlineExceeded):
		return &failure{job.StatusTimeout, job.ErrorKindTimeout, job.ErrDeadlineExceeded.Error()}
	case errors.Is(cause, job.ErrCancelled), errors.Is(cause, job.ErrShutdown):
		return &failure{job.StatusFailed, job.ErrorKindCancelled, cause.Error()}
	default:
		return &failure{job.StatusFailed, job.ErrorKindCancelled, job.ErrCancelled.Error()}
	}
}

// sample polls container usage until the returned function is called, which
// reports peak memory and cpu.
func (m *Manager) sample(ctx context.Context, h sandbox.Handle, log *zap.Logger) func() (uint64, float64) {
	sampleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var (
		mu      sync.Mutex
		peakMem uint64
		peakCPU float64
	)
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.StatsInterval)
		defer ticker.Stop()
		for {
			u, err := m.runtime.Stats(sampleCtx, h)
			if err == nil {
				mu.Lock()
				peakMem = max(peakMem, u.MemoryBytes)
				peakCPU = max(peakCPU, u.CPUPercent)
				mu.Unlock()
			} else if sampleCtx.Err() == nil {
				log.Debug("usage sample failed", zap.Error(err))
			}
			select {
			case <-sampleCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() (uint64, float64) {
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return peakMem, peakCPU
	}
}

// collect reads expected outputs. Missing files are skipped.
func (m *Manager) collect(ctx context.Context, h sandbox.Handle, cfg *job.Config, log *zap.Logger) []workspace.File {
	var files []workspace.File
	for _, rel := range cfg.ExpectedOutputs {
		if ctx.Err() != nil {
			break
		}
		readCtx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
		data, err := m.runtime.ReadFile(readCtx, h, path.Join(m.opts.Workdir, rel), m.opts.MaxOutputFileBytes)
		cancel()
		if err != nil {
			log.Warn("expected output not collected", zap.String("path", rel), zap.Error(err))
			continue
		}
		files = append(files, workspace.File{Path: rel, Content: data, Mode: workspace.FilePermission})
	}
	return files
}

func (m *Manager) teardown(ctx context.Context, h sandbox.Handle, log *zap.Logger) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()
	if err := m.runtime.Destroy(tctx, h); err != nil {
		log.Error("failed to destroy sandbox", zap.String("container", h.ID), zap.Error(err))
		return
	}
	log.Debug("sandbox destroyed", zap.String("container", h.ID))
}

func fail(res job.Result, f *failure) job.Result {
	res.Status = f.status
	res.ErrorKind = f.kind
	res.Error = joinText(res.Error, f.msg)
	if res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res
}

// diagnostics prefers stderr and falls back to stdout.
func diagnostics(out sandbox.ExecResult) string {
	if s := strings.TrimSpace(out.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(out.Stdout); s != "" {
		return s
	}
	return fmt.Sprintf("exit code %d", out.ExitCode)
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case strings.HasSuffix(a, "\n"):
		return a + b
	default:
		return a + "\n" + b
	}
}

func phaseName(phase string) string {
	if phase == "run" {
		return "execution"
	}
	return phase
}
