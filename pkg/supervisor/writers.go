package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// prefixedWriter adds a prefix to each line written.
type prefixedWriter struct {
	mu     sync.Mutex
	prefix string
	writer io.Writer
	buf    []byte
}

func (w *prefixedWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n = len(p)
	w.buf = append(w.buf, p...)

	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}

		line := w.buf[:idx+1]
		w.buf = w.buf[idx+1:]

		if _, err := fmt.Fprintf(w.writer, "%s%s", w.prefix, line); err != nil {
			return n, err
		}
	}

	return n, nil
}

// lockedWriter serializes writes from several producers onto one writer.
type lockedWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.writer.Write(p)
}

// lineRing keeps the last N complete lines written to it.
type lineRing struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newLineRing(size int) *lineRing {
	return &lineRing{max: size, lines: make([]string, 0, size)}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial = append(r.partial, p...)

	for {
		idx := bytes.IndexByte(r.partial, '\n')
		if idx == -1 {
			break
		}

		r.push(string(bytes.TrimRight(r.partial[:idx], "\r")))
		r.partial = r.partial[idx+1:]
	}

	return len(p), nil
}

func (r *lineRing) push(line string) {
	if len(r.lines) == r.max {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:r.max-1]
	}

	r.lines = append(r.lines, line)
}

// Lines returns a copy of the retained lines, including an unterminated
// trailing line.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.lines)+1)
	out = append(out, r.lines...)

	if len(r.partial) > 0 {
		out = append(out, string(r.partial))
	}

	if len(out) > r.max {
		out = out[len(out)-r.max:]
	}

	return out
}
