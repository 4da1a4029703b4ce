package languages

import (
	"fmt"
	"maps"
	"slices"
)

// Manifest is a file written into the workspace before setup runs.
type Manifest struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

// Runtime is the execution recipe of one language.
type Runtime struct {
	Name    string
	Aliases []string
	Image   string

	FileExtension string
	// SourceFile overrides the default "main"+FileExtension entry file name.
	SourceFile string

	SetupCommands  [][]string
	CompileCommand []string
	RunCommand     []string

	Env       map[string]string
	Manifests []Manifest

	// DependencyInstall maps a package manager to the command that installs
	// the packages appended to it.
	DependencyInstall map[string][]string
	DefaultManager    string

	// ExcludePatterns drop matching entries from uploaded workspace archives.
	ExcludePatterns []string
}

// EntryFile returns the name the main source file is written under.
func (r *Runtime) EntryFile() string {
	if r.SourceFile != "" {
		return r.SourceFile
	}
	return "main" + r.FileExtension
}

// Compiles reports whether the recipe has a compile phase.
func (r *Runtime) Compiles() bool {
	return len(r.CompileCommand) > 0
}

// InstallCommand returns the command installing packages with manager. An
// empty manager selects the recipe's default.
func (r *Runtime) InstallCommand(manager string, packages []string) ([]string, error) {
	if manager == "" {
		manager = r.DefaultManager
	}
	base, ok := r.DependencyInstall[manager]
	if !ok || len(base) == 0 {
		return nil, fmt.Errorf("language %s has no package manager %q", r.Name, manager)
	}

	cmd := make([]string, 0, len(base)+len(packages))
	cmd = append(cmd, base...)
	return append(cmd, packages...), nil
}

// Validate checks the fields every recipe needs.
func (r *Runtime) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("runtime missing language name")
	}
	if r.Image == "" {
		return fmt.Errorf("language %s: missing image", r.Name)
	}
	if len(r.RunCommand) == 0 {
		return fmt.Errorf("language %s: missing run command", r.Name)
	}
	if r.SourceFile == "" && r.FileExtension == "" {
		return fmt.Errorf("language %s: needs a file extension or source file", r.Name)
	}
	for i, cmd := range r.SetupCommands {
		if len(cmd) == 0 {
			return fmt.Errorf("language %s: setup command %d is empty", r.Name, i)
		}
	}
	if r.DefaultManager != "" {
		if _, ok := r.DependencyInstall[r.DefaultManager]; !ok {
			return fmt.Errorf("language %s: default manager %q not in install table", r.Name, r.DefaultManager)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (r *Runtime) Clone() Runtime {
	c := *r
	c.Aliases = slices.Clone(r.Aliases)
	c.CompileCommand = slices.Clone(r.CompileCommand)
	c.RunCommand = slices.Clone(r.RunCommand)
	c.Manifests = slices.Clone(r.Manifests)
	c.ExcludePatterns = slices.Clone(r.ExcludePatterns)
	c.Env = maps.Clone(r.Env)
	if r.SetupCommands != nil {
		c.SetupCommands = make([][]string, len(r.SetupCommands))
		for i, cmd := range r.SetupCommands {
			c.SetupCommands[i] = slices.Clone(cmd)
		}
	}
	if r.DependencyInstall != nil {
		c.DependencyInstall = make(map[string][]string, len(r.DependencyInstall))
		for k, v := range r.DependencyInstall {
			c.DependencyInstall[k] = slices.Clone(v)
		}
	}
	return c
}
