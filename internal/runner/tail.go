package runner

import (
	"bytes"
	"strings"
)

// maxLineBytes caps one retained line so a command printing without
// newlines cannot grow the tail unbounded.
const maxLineBytes = 4096

// tail keeps the last n lines of output.
type tail struct {
	n       int
	lines   []string
	partial []byte
}

func newTail(n int) *tail {
	if n <= 0 {
		n = 1
	}
	return &tail{n: n}
}

func (t *tail) Write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			t.partial = append(t.partial, p...)
			if len(t.partial) > maxLineBytes {
				t.partial = t.partial[len(t.partial)-maxLineBytes:]
			}
			return
		}
		t.partial = append(t.partial, p[:i]...)
		t.push(string(t.partial))
		t.partial = t.partial[:0]
		p = p[i+1:]
	}
}

func (t *tail) push(line string) {
	line = strings.TrimRight(line, "\r")
	if len(line) > maxLineBytes {
		line = line[len(line)-maxLineBytes:]
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = append(t.lines[:0], t.lines[len(t.lines)-t.n:]...)
	}
}

// Lines returns the retained lines, including an unterminated last line.
func (t *tail) Lines() []string {
	out := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		out = append(out, strings.TrimRight(string(t.partial), "\r"))
		if len(out) > t.n {
			out = out[len(out)-t.n:]
		}
	}
	return out
}
