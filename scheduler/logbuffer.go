package scheduler

import (
	"strings"
	"sync"

	"github.com/isdmx/runbox/security"
)

// logBuffer collects a job transcript up to limit bytes.
type logBuffer struct {
	mu        sync.Mutex
	sb        strings.Builder
	limit     int
	truncated bool
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.sb.Len()
		if room < len(p) {
			b.truncated = true
			p = p[:max(room, 0)]
		}
	}
	b.sb.Write(p)
	return n, nil
}

// String returns the sanitized transcript.
func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := security.SanitizeOutput(b.sb.String(), 0)
	if b.truncated {
		s += security.TruncationMarker
	}
	return s
}
