package security

import (
	"sync/atomic"
)

type snapshot struct {
	policy   Policy
	patterns map[string][]compiledPattern
}

// Store publishes the current policy. Readers never block writers.
type Store struct {
	current atomic.Pointer[snapshot]
}

// NewStore validates and compiles p.
func NewStore(p Policy) (*Store, error) {
	s := &Store{}
	if err := s.Update(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Update swaps in p. Jobs already admitted keep the limits they were given.
func (s *Store) Update(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Clone()
	patterns, err := compilePatterns(&p)
	if err != nil {
		return err
	}
	s.current.Store(&snapshot{policy: p, patterns: patterns})
	return nil
}

// Policy returns a copy of the current policy.
func (s *Store) Policy() Policy {
	return s.load().policy.Clone()
}

func (s *Store) load() *snapshot {
	return s.current.Load()
}

// MaxConcurrentJobs returns the current concurrency cap without copying the
// policy.
func (s *Store) MaxConcurrentJobs() int {
	return s.load().policy.MaxConcurrentJobs
}
