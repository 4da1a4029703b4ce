package security

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/languages"
)

// Pattern is one forbidden source construct. Class is what callers are told;
// Expr is never reported.
type Pattern struct {
	Class string
	Expr  string
}

// RateLimits are the admission thresholds. Zero disables a threshold.
type RateLimits struct {
	PerUser    int
	PerProject int
	Window     time.Duration
}

// Policy is the process-wide execution policy.
type Policy struct {
	AllowedLanguages  []string
	MaxExecutionTime  time.Duration
	MaxMemoryMB       int
	MaxCPUs           float64
	MaxConcurrentJobs int
	NetworkAccess     bool

	// BlockedPatterns is keyed by canonical language name.
	BlockedPatterns map[string][]Pattern

	AllowedEnv        []string
	MaxEnvValueLength int

	MaxCodeSize   int
	MaxOutputSize int
	MaxInputFiles int
	MaxInputBytes int64

	SetupTimeout   time.Duration
	CompileTimeout time.Duration
	DeadlineGrace  time.Duration

	RateLimits RateLimits
}

// DefaultPolicy returns the policy used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{
		AllowedLanguages:  []string{"python", "javascript", "java", "go", "cpp", "c", "rust"},
		MaxExecutionTime:  30 * time.Second,
		MaxMemoryMB:       512,
		MaxCPUs:           1,
		MaxConcurrentJobs: 10,
		BlockedPatterns:   DefaultPatterns(),
		AllowedEnv:        slices.Clone(config.DefaultAllowedEnv),
		MaxEnvValueLength: 1000,
		MaxCodeSize:       100 * 1024,
		MaxOutputSize:     10 * 1024,
		MaxInputFiles:     50,
		MaxInputBytes:     5 * 1024 * 1024,
		SetupTimeout:      60 * time.Second,
		CompileTimeout:    30 * time.Second,
		DeadlineGrace:     15 * time.Second,
		RateLimits: RateLimits{
			PerUser:    10,
			PerProject: 50,
			Window:     time.Minute,
		},
	}
}

// PolicyFromConfig builds a policy from the security and rate_limits
// sections. Configured patterns extend the built-in ones unless
// replace_default_patterns is set. Language keys and allowed languages may
// name aliases; they are resolved to recipe names through registry.
func PolicyFromConfig(cfg *config.Config, registry *languages.Registry) Policy {
	s := cfg.Security
	p := Policy{
		AllowedLanguages:  canonicalNames(registry, s.AllowedLanguages),
		MaxExecutionTime:  s.MaxExecutionTime,
		MaxMemoryMB:       s.MaxMemoryMB,
		MaxCPUs:           s.MaxCPUs,
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		NetworkAccess:     s.NetworkAccess,
		BlockedPatterns:   DefaultPatterns(),
		AllowedEnv:        slices.Clone(s.AllowedEnv),
		MaxEnvValueLength: s.MaxEnvValueLength,
		MaxCodeSize:       s.MaxCodeSize,
		MaxOutputSize:     s.MaxOutputSize,
		MaxInputFiles:     s.MaxInputFiles,
		MaxInputBytes:     s.MaxInputBytes,
		SetupTimeout:      s.SetupTimeout,
		CompileTimeout:    s.CompileTimeout,
		DeadlineGrace:     s.DeadlineGrace,
		RateLimits: RateLimits{
			PerUser:    cfg.RateLimits.PerUser,
			PerProject: cfg.RateLimits.PerProject,
			Window:     cfg.RateLimits.Window,
		},
	}

	configured := map[string][]Pattern{}
	for _, key := range slices.Sorted(maps.Keys(s.BlockedPatterns)) {
		lang := canonicalName(registry, key)
		extra := configured[lang]
		if extra == nil {
			extra = []Pattern{}
		}
		for _, pc := range s.BlockedPatterns[key] {
			extra = append(extra, Pattern{Class: pc.Class, Expr: pc.Pattern})
		}
		configured[lang] = extra
	}
	for lang, extra := range configured {
		if s.ReplaceDefaultPatterns {
			p.BlockedPatterns[lang] = extra
		} else {
			p.BlockedPatterns[lang] = append(p.BlockedPatterns[lang], extra...)
		}
	}
	return p
}

// canonicalName resolves a language or alias to its recipe name. Names the
// registry does not know are kept, lowercased.
func canonicalName(registry *languages.Registry, name string) string {
	if registry != nil {
		if rt, ok := registry.Lookup(name); ok {
			return rt.Name
		}
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func canonicalNames(registry *languages.Registry, names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if c := canonicalName(registry, name); !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Validate rejects policies the gate cannot enforce.
func (p *Policy) Validate() error {
	switch {
	case p.MaxExecutionTime <= 0:
		return fmt.Errorf("policy: max execution time must be positive")
	case p.MaxMemoryMB <= 0:
		return fmt.Errorf("policy: max memory must be positive")
	case p.MaxCPUs <= 0:
		return fmt.Errorf("policy: max cpus must be positive")
	case p.MaxConcurrentJobs <= 0:
		return fmt.Errorf("policy: max concurrent jobs must be positive")
	case p.MaxCodeSize <= 0:
		return fmt.Errorf("policy: max code size must be positive")
	case p.MaxOutputSize <= 0:
		return fmt.Errorf("policy: max output size must be positive")
	case p.SetupTimeout <= 0 || p.CompileTimeout <= 0:
		return fmt.Errorf("policy: setup and compile timeouts must be positive")
	case p.DeadlineGrace < 0:
		return fmt.Errorf("policy: deadline grace must not be negative")
	case p.RateLimits.PerUser < 0 || p.RateLimits.PerProject < 0:
		return fmt.Errorf("policy: rate limits must not be negative")
	case p.RateLimits.Window <= 0:
		return fmt.Errorf("policy: rate limit window must be positive")
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Policy) Clone() Policy {
	c := *p
	c.AllowedLanguages = slices.Clone(p.AllowedLanguages)
	c.AllowedEnv = slices.Clone(p.AllowedEnv)
	if p.BlockedPatterns != nil {
		c.BlockedPatterns = make(map[string][]Pattern, len(p.BlockedPatterns))
		for k, v := range p.BlockedPatterns {
			c.BlockedPatterns[k] = slices.Clone(v)
		}
	}
	return c
}

// Allows reports whether language is on the allow-list.
func (p *Policy) Allows(language string) bool {
	return slices.Contains(p.AllowedLanguages, language)
}

func (p *Policy) envAllowed() map[string]bool {
	allowed := make(map[string]bool, len(p.AllowedEnv))
	for _, k := range p.AllowedEnv {
		allowed[k] = true
	}
	return allowed
}

// patternLanguages lists languages with patterns, sorted.
func (p *Policy) patternLanguages() []string {
	return slices.Sorted(maps.Keys(p.BlockedPatterns))
}
