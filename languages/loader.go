package languages

import (
	"fmt"
	"os"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// recipeFile is the on-disk layout of a recipes file. Commands are written as
// shell words and split without invoking a shell.
type recipeFile struct {
	Languages []recipeSpec `yaml:"languages"`
}

type recipeSpec struct {
	Name              string            `yaml:"name"`
	Aliases           []string          `yaml:"aliases"`
	Image             string            `yaml:"image"`
	FileExtension     string            `yaml:"file_extension"`
	SourceFile        string            `yaml:"source_file"`
	Setup             []string          `yaml:"setup"`
	Compile           string            `yaml:"compile"`
	Run               string            `yaml:"run"`
	Env               map[string]string `yaml:"env"`
	Manifests         []Manifest        `yaml:"manifests"`
	DependencyInstall map[string]string `yaml:"dependency_install"`
	DefaultManager    string            `yaml:"default_manager"`
	ExcludePatterns   []string          `yaml:"exclude_patterns"`
}

// LoadFile registers every recipe found in a YAML recipes file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read recipes file: %w", err)
	}
	return r.Load(data)
}

// Load registers every recipe in YAML document data.
func (r *Registry) Load(data []byte) error {
	var file recipeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse recipes: %w", err)
	}

	for i, spec := range file.Languages {
		rt, err := spec.runtime()
		if err != nil {
			return fmt.Errorf("recipe %d (%s): %w", i, spec.Name, err)
		}
		if err := r.Register(rt); err != nil {
			return fmt.Errorf("recipe %d (%s): %w", i, spec.Name, err)
		}
	}
	return nil
}

func (s *recipeSpec) runtime() (Runtime, error) {
	rt := Runtime{
		Name:            s.Name,
		Aliases:         s.Aliases,
		Image:           s.Image,
		FileExtension:   s.FileExtension,
		SourceFile:      s.SourceFile,
		Env:             s.Env,
		Manifests:       s.Manifests,
		DefaultManager:  s.DefaultManager,
		ExcludePatterns: s.ExcludePatterns,
	}

	var err error
	for _, line := range s.Setup {
		cmd, splitErr := splitCommand(line)
		if splitErr != nil {
			return Runtime{}, fmt.Errorf("setup command: %w", splitErr)
		}
		rt.SetupCommands = append(rt.SetupCommands, cmd)
	}
	if s.Compile != "" {
		if rt.CompileCommand, err = splitCommand(s.Compile); err != nil {
			return Runtime{}, fmt.Errorf("compile command: %w", err)
		}
	}
	if rt.RunCommand, err = splitCommand(s.Run); err != nil {
		return Runtime{}, fmt.Errorf("run command: %w", err)
	}

	if len(s.DependencyInstall) > 0 {
		rt.DependencyInstall = make(map[string][]string, len(s.DependencyInstall))
		for manager, line := range s.DependencyInstall {
			cmd, splitErr := splitCommand(line)
			if splitErr != nil {
				return Runtime{}, fmt.Errorf("install command for %s: %w", manager, splitErr)
			}
			rt.DependencyInstall[manager] = cmd
		}
	}

	return rt, nil
}

func splitCommand(line string) ([]string, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}
