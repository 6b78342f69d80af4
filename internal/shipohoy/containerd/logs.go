package containerd

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

const defaultLogBufferBytes = 256 * 1024

// logCapture is a combined stdout/stderr sink that stamps each line with its
// arrival time and keeps a bounded tail.
type logCapture struct {
	mu        sync.Mutex
	ring      *ringBuffer
	lineStart bool
	now       func() time.Time
}

func newLogCapture(size int) *logCapture {
	return &logCapture{ring: newRingBuffer(size), lineStart: true, now: time.Now}
}

func (l *logCapture) Write(p []byte) (int, error) {
	n := len(p)
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(p) > 0 {
		if l.lineStart {
			_, _ = l.ring.Write([]byte(l.now().UTC().Format(time.RFC3339Nano) + " "))
			l.lineStart = false
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			_, _ = l.ring.Write(p)
			break
		}
		_, _ = l.ring.Write(p[:i+1])
		l.lineStart = true
		p = p[i+1:]
	}
	return n, nil
}

// tail returns the last limit lines (all when limit <= 0). A ring that has
// wrapped may start mid-line; that partial line is dropped.
func (l *logCapture) tail(limit int, timestamps bool) string {
	l.mu.Lock()
	data := string(l.ring.Snapshot())
	wrapped := l.ring.wrapped()
	l.mu.Unlock()
	if data == "" {
		return ""
	}
	lines := strings.SplitAfter(data, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if wrapped && len(lines) > 0 {
		lines = lines[1:]
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if !timestamps {
		for i, line := range lines {
			if _, rest, ok := strings.Cut(line, " "); ok {
				lines[i] = rest
			}
		}
	}
	return strings.Join(lines, "")
}

func (r *Runtime) logCapture(id string) *logCapture {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	if capture, ok := r.logs[id]; ok {
		return capture
	}
	capture := newLogCapture(r.logBytes)
	r.logs[id] = capture
	return capture
}

func (r *Runtime) clearLogCapture(id string) {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	delete(r.logs, id)
}

type ringBuffer struct {
	buf     []byte
	size    int
	start   int
	length  int
	dropped bool
}

func newRingBuffer(size int) *ringBuffer {
	if size < 0 {
		size = 0
	}
	return &ringBuffer{size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	if r.size == 0 {
		return len(p), nil
	}
	if r.buf == nil {
		r.buf = make([]byte, r.size)
	}
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.start = 0
		r.length = r.size
		r.dropped = true
		return len(p), nil
	}
	for _, b := range p {
		if r.length < r.size {
			r.buf[(r.start+r.length)%r.size] = b
			r.length++
		} else {
			r.buf[r.start] = b
			r.start = (r.start + 1) % r.size
			r.dropped = true
		}
	}
	return len(p), nil
}

func (r *ringBuffer) wrapped() bool { return r.dropped }

func (r *ringBuffer) Snapshot() []byte {
	if r.length == 0 {
		return nil
	}
	out := make([]byte, r.length)
	if r.start+r.length <= r.size {
		copy(out, r.buf[r.start:r.start+r.length])
		return out
	}
	n := r.size - r.start
	copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:r.length-n])
	return out
}
