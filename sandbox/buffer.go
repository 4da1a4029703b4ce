package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// captureBuffer keeps the first limit bytes written to it and forwards
// everything to tee.
type captureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	tee       io.Writer
}

func newCaptureBuffer(limit int, tee io.Writer) *captureBuffer {
	return &captureBuffer{limit: limit, tee: tee}
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tee != nil {
		_, _ = b.tee.Write(p)
	}

	n := len(p)
	room := b.limit - b.buf.Len()
	if room < len(p) {
		b.truncated = true
		p = p[:max(room, 0)]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *captureBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
