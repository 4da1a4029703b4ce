package workspace

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// File is a single file placed into, or read back from, a sandbox workspace.
// Path is always relative to the workspace root and uses forward slashes.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    int64  `json:"mode,omitempty"`
}

// CleanPath validates a caller-supplied relative path and returns its clean form.
func CleanPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("path contains NUL byte: %q", name)
	}

	slashed := filepath.ToSlash(name)
	if path.IsAbs(slashed) || filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}

	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("path resolves to workspace root: %s", name)
	}
	for _, segment := range strings.Split(clean, "/") {
		if segment == ".." {
			return "", fmt.Errorf("unsafe relative path: %s", name)
		}
	}

	return clean, nil
}

// ShouldExclude reports whether relPath matches one of the exclude patterns.
//
// Patterns ending in "/" match any directory segment with that name. Other
// patterns are glob patterns matched against the base name. Invalid glob
// patterns never match.
func ShouldExclude(relPath string, patterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	segments := strings.Split(relPath, "/")
	base := segments[len(segments)-1]

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}

		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			for _, segment := range segments[:len(segments)-1] {
				if segment == dir {
					return true
				}
			}
			continue
		}

		matched, err := filepath.Match(pattern, base)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}

	return false
}
