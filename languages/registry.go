package languages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrLanguageNotFound is returned when no recipe is registered for a language.
var ErrLanguageNotFound = errors.New("language not found")

// Registry maps language identifiers and aliases to recipes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	aliases  map[string]string
}

// NewRegistry constructs a registry holding the supplied recipes. Invalid
// recipes are skipped; use Register to see why a recipe was refused.
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime, len(runtimes)),
		aliases:  make(map[string]string),
	}
	for _, rt := range runtimes {
		_ = r.Register(rt)
	}
	return r
}

// Register adds rt, replacing any existing recipe of the same name.
func (r *Registry) Register(rt Runtime) error {
	if err := rt.Validate(); err != nil {
		return err
	}

	name := normalize(rt.Name)
	rt = rt.Clone()
	rt.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, taken := r.aliases[name]; taken {
		return fmt.Errorf("language %s is already an alias of %s", name, owner)
	}
	for _, alias := range rt.Aliases {
		alias = normalize(alias)
		if alias == name {
			continue
		}
		if _, taken := r.runtimes[alias]; taken {
			return fmt.Errorf("alias %q of %s shadows a registered language", alias, name)
		}
		if owner, taken := r.aliases[alias]; taken && owner != name {
			return fmt.Errorf("alias %q of %s already belongs to %s", alias, name, owner)
		}
	}

	if old, ok := r.runtimes[name]; ok {
		for _, alias := range old.Aliases {
			delete(r.aliases, normalize(alias))
		}
	}

	r.runtimes[name] = rt
	for _, alias := range rt.Aliases {
		if alias = normalize(alias); alias != name {
			r.aliases[alias] = name
		}
	}
	return nil
}

// Lookup returns the recipe for name or one of its aliases.
func (r *Registry) Lookup(name string) (Runtime, bool) {
	name = normalize(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	rt, ok := r.runtimes[name]
	if !ok {
		return Runtime{}, false
	}
	return rt.Clone(), true
}

// Get is Lookup with an error for absent languages.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.Lookup(name)
	if !ok {
		return Runtime{}, fmt.Errorf("%w: %s", ErrLanguageNotFound, name)
	}
	return rt, nil
}

// Languages returns the sorted canonical names of all registered recipes.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
