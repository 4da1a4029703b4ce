package languages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/isdmx/runbox/config"
)

// NewRegistryFromConfig builds the default registry, registers the recipes
// file if one is configured and then applies per-language overrides.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry(Defaults()...)

	if cfg.RecipesFile != "" {
		if err := r.LoadFile(cfg.RecipesFile); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(cfg.Languages))
	for name := range cfg.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.override(name, cfg.Languages[name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) override(name string, o config.Language) error {
	rt, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("languages.%s: %w", name, ErrLanguageNotFound)
	}
	if o.Image != "" {
		rt.Image = o.Image
	}
	if len(o.Environment) > 0 {
		if rt.Env == nil {
			rt.Env = make(map[string]string, len(o.Environment))
		}
		// viper folds keys to lower case
		for k, v := range o.Environment {
			rt.Env[strings.ToUpper(k)] = v
		}
	}
	if err := r.Register(rt); err != nil {
		return fmt.Errorf("languages.%s: %w", name, err)
	}
	return nil
}
