package security

import (
	"fmt"
	"regexp"
)

// Pattern classes reported on rejection.
const (
	ClassProcessExit  = "process_exit"
	ClassDynamicEval  = "dynamic_eval"
	ClassProcessSpawn = "process_spawn"
	ClassOSAccess     = "os_access"
)

// DefaultPatterns returns the built-in forbidden constructs per language.
func DefaultPatterns() map[string][]Pattern {
	cFamily := []Pattern{
		{ClassProcessSpawn, `\bsystem\s*\(`},
		{ClassProcessSpawn, `\bpopen\s*\(`},
		{ClassProcessSpawn, `\bfork\s*\(`},
		{ClassProcessSpawn, `\bexec[lv]p?e?\s*\(`},
	}

	return map[string][]Pattern{
		"python": {
			{ClassOSAccess, `\bimport\s+os\b`},
			{ClassOSAccess, `\bfrom\s+os\b`},
			{ClassProcessSpawn, `\bimport\s+subprocess\b`},
			{ClassProcessSpawn, `\bfrom\s+subprocess\b`},
			{ClassDynamicEval, `\beval\s*\(`},
			{ClassDynamicEval, `\bexec\s*\(`},
			{ClassDynamicEval, `__import__\s*\(`},
			{ClassProcessExit, `\bsys\.exit\s*\(`},
		},
		"javascript": {
			{ClassProcessSpawn, `require\s*\(\s*['"](?:node:)?child_process['"]\s*\)`},
			{ClassProcessSpawn, `from\s+['"](?:node:)?child_process['"]`},
			{ClassProcessExit, `\bprocess\.exit\s*\(`},
			{ClassDynamicEval, `\beval\s*\(`},
			{ClassDynamicEval, `\bnew\s+Function\s*\(`},
		},
		"java": {
			{ClassProcessSpawn, `Runtime\.getRuntime\s*\(\s*\)\s*\.\s*exec`},
			{ClassProcessSpawn, `\bProcessBuilder\b`},
			{ClassProcessExit, `\bSystem\.exit\s*\(`},
		},
		"go": {
			{ClassProcessSpawn, `"os/exec"`},
			{ClassOSAccess, `"syscall"`},
			{ClassOSAccess, `"unsafe"`},
			{ClassProcessExit, `\bos\.Exit\s*\(`},
		},
		"c":   append([]Pattern(nil), cFamily...),
		"cpp": append([]Pattern(nil), cFamily...),
		"rust": {
			{ClassProcessSpawn, `\bprocess::Command\b`},
			{ClassProcessExit, `\bprocess::exit\s*\(`},
			{ClassOSAccess, `\bunsafe\s*\{`},
		},
	}
}

type compiledPattern struct {
	class string
	re    *regexp.Regexp
}

func compilePatterns(p *Policy) (map[string][]compiledPattern, error) {
	compiled := make(map[string][]compiledPattern, len(p.BlockedPatterns))
	for _, lang := range p.patternLanguages() {
		for i, pat := range p.BlockedPatterns[lang] {
			if pat.Class == "" {
				return nil, fmt.Errorf("blocked pattern %s[%d]: missing class", lang, i)
			}
			re, err := regexp.Compile(pat.Expr)
			if err != nil {
				return nil, fmt.Errorf("blocked pattern %s[%d]: %w", lang, i, err)
			}
			compiled[lang] = append(compiled[lang], compiledPattern{class: pat.Class, re: re})
		}
	}
	return compiled, nil
}

// match returns the class of the first pattern found in code.
func match(patterns []compiledPattern, code string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(code) {
			return p.class, true
		}
	}
	return "", false
}
