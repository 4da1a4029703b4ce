package security

import (
	"errors"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/isdmx/runbox/job"
	"github.com/isdmx/runbox/languages"
	"github.com/isdmx/runbox/workspace"
)

var dependencyName = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9@/._:=<>~^+-]*$`)

// Gate validates requests against the current policy.
type Gate struct {
	store    *Store
	registry *languages.Registry
}

// NewGate returns a gate reading policy from store and recipes from registry.
func NewGate(store *Store, registry *languages.Registry) *Gate {
	return &Gate{store: store, registry: registry}
}

// Validate checks req and returns the job configuration it describes. The
// returned config has no ID; the caller assigns one when enqueueing.
func (g *Gate) Validate(req job.ExecutionRequest) (job.Config, error) {
	snap := g.store.load()
	p := &snap.policy

	if req.UserID == "" {
		return job.Config{}, invalid(ErrInvalidInput, "user id is required")
	}
	if req.Code == "" {
		return job.Config{}, &ValidationError{Kind: ErrEmptyCode}
	}
	if len(req.Code) > p.MaxCodeSize {
		return job.Config{}, invalid(ErrCodeTooLarge, "%d bytes exceeds the %d byte limit", len(req.Code), p.MaxCodeSize)
	}

	rt, ok := g.registry.Lookup(req.Language)
	if !ok || !p.Allows(rt.Name) {
		return job.Config{}, invalid(ErrUnsupportedLanguage, "%q", req.Language)
	}

	if class, found := match(snap.patterns[rt.Name], req.Code); found {
		return job.Config{}, &ValidationError{
			Kind:    ErrBlockedPattern,
			Class:   class,
			Message: "code uses a forbidden construct (" + class + ")",
		}
	}

	inputs, err := validateInputs(p, &rt, req)
	if err != nil {
		return job.Config{}, err
	}

	outputs, err := validateOutputs(req.ExpectedOutputs)
	if err != nil {
		return job.Config{}, err
	}

	install, err := validateDependencies(p, &rt, req)
	if err != nil {
		return job.Config{}, err
	}

	if int64(len(req.Stdin)) > p.MaxInputBytes && p.MaxInputBytes > 0 {
		return job.Config{}, invalid(ErrInvalidInput, "stdin exceeds %d bytes", p.MaxInputBytes)
	}

	cfg := job.Config{
		UserID:          req.UserID,
		ProjectID:       req.ProjectID,
		Language:        rt.Name,
		Runtime:         rt,
		Code:            req.Code,
		Environment:     sanitizeEnv(p, req.Environment),
		InputFiles:      inputs,
		ExpectedOutputs: outputs,
		Stdin:           req.Stdin,
		Dependencies:    append([]string(nil), req.Dependencies...),
		InstallCommand:  install,
		Limits:          clampLimits(p, &rt, req, install != nil),
		Network:         p.NetworkAccess,
	}
	return cfg, nil
}

func validateInputs(p *Policy, rt *languages.Runtime, req job.ExecutionRequest) ([]workspace.File, error) {
	files := make([]workspace.File, 0, len(req.InputFiles))
	files = append(files, req.InputFiles...)

	if len(req.WorkspaceArchive) > 0 {
		expanded, err := workspace.ExpandArchive(req.WorkspaceArchive, workspace.Limits{
			MaxFiles: p.MaxInputFiles,
			MaxBytes: p.MaxInputBytes,
		}, rt.ExcludePatterns)
		if err != nil {
			return nil, invalid(ErrInvalidInput, "workspace archive: %v", err)
		}
		files = append(files, expanded...)
	}

	if p.MaxInputFiles > 0 && len(files) > p.MaxInputFiles {
		return nil, invalid(ErrInvalidInput, "%d input files exceeds the limit of %d", len(files), p.MaxInputFiles)
	}

	var (
		total  int64
		seen   = make(map[string]bool, len(files))
		entry  = rt.EntryFile()
		result = make([]workspace.File, 0, len(files))
	)
	for _, f := range files {
		name, err := workspace.CleanPath(f.Path)
		if err != nil {
			return nil, invalid(ErrInvalidInput, "input file %q: %v", f.Path, err)
		}
		if name == entry {
			return nil, invalid(ErrInvalidInput, "input file %q collides with the source file", f.Path)
		}
		if seen[name] {
			return nil, invalid(ErrInvalidInput, "duplicate input file %q", name)
		}
		seen[name] = true

		total += int64(len(f.Content))
		if p.MaxInputBytes > 0 && total > p.MaxInputBytes {
			return nil, invalid(ErrInvalidInput, "input files exceed %d bytes", p.MaxInputBytes)
		}

		mode := f.Mode & 0o777
		if mode == 0 {
			mode = workspace.FilePermission
		}
		result = append(result, workspace.File{
			Path:    name,
			Content: append([]byte(nil), f.Content...),
			Mode:    mode,
		})
	}
	return result, nil
}

func validateOutputs(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, raw := range paths {
		name, err := workspace.CleanPath(raw)
		if err != nil {
			return nil, invalid(ErrInvalidInput, "expected output %q: %v", raw, err)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func validateDependencies(p *Policy, rt *languages.Runtime, req job.ExecutionRequest) ([]string, error) {
	if len(req.Dependencies) == 0 {
		return nil, nil
	}
	if !p.NetworkAccess {
		return nil, invalid(ErrInvalidDependency, "dependencies require network access, which is disabled")
	}
	for _, dep := range req.Dependencies {
		if !dependencyName.MatchString(dep) {
			return nil, invalid(ErrInvalidDependency, "%q is not a valid package name", dep)
		}
	}
	cmd, err := rt.InstallCommand(req.PackageManager, req.Dependencies)
	if err != nil {
		return nil, &ValidationError{Kind: ErrInvalidDependency, Message: err.Error()}
	}
	return cmd, nil
}

func sanitizeEnv(p *Policy, env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	allowed := p.envAllowed()
	out := make(map[string]string, len(env))
	for k, v := range env {
		if !allowed[k] {
			continue
		}
		out[k] = truncateRunes(v, p.MaxEnvValueLength)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func clampLimits(p *Policy, rt *languages.Runtime, req job.ExecutionRequest, installs bool) job.Limits {
	l := job.Limits{
		Timeout:        clamp(req.Timeout, p.MaxExecutionTime),
		MemoryMB:       clamp(req.MemoryMB, p.MaxMemoryMB),
		CPUs:           clamp(req.CPUs, p.MaxCPUs),
		SetupTimeout:   p.SetupTimeout,
		CompileTimeout: p.CompileTimeout,
		MaxOutputBytes: p.MaxOutputSize,
	}

	setups := len(rt.SetupCommands)
	if installs {
		setups++
	}
	l.Deadline = l.Timeout + time.Duration(setups)*l.SetupTimeout + p.DeadlineGrace
	if rt.Compiles() {
		l.Deadline += l.CompileTimeout
	}
	return l
}

// clamp lowers v to limit; unset values take the limit.
func clamp[T int | float64 | time.Duration](v, limit T) T {
	if v <= 0 || v > limit {
		return limit
	}
	return v
}

// IsValidation reports whether err is a gate refusal.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
