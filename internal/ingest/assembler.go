package ingest

import (
	"bytes"
	"strings"
)

// DefaultMaxLineBytes bounds one buffered access log line.
const DefaultMaxLineBytes = 64 << 10

// LineAssembler splits raw byte chunks into complete lines.
// Params: bytes as read from a growing file.
// Returns: only newline-terminated lines; the unterminated tail stays buffered.
type LineAssembler struct {
	partial    []byte
	maxLine    int
	discarding bool
	overflows  int
}

// NewLineAssembler creates assembler with max line length.
// Params: max bytes per line (<=0 uses DefaultMaxLineBytes).
// Returns: empty assembler.
func NewLineAssembler(maxLineBytes int) *LineAssembler {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &LineAssembler{maxLine: maxLineBytes}
}

// Feed appends chunk and returns every completed non-blank line.
// Params: raw chunk (not retained).
// Returns: completed lines in order, without terminators.
func (a *LineAssembler) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			a.buffer(chunk)
			break
		}
		if a.discarding {
			a.discarding = false
			chunk = chunk[idx+1:]
			continue
		}
		a.buffer(chunk[:idx])
		if a.discarding {
			a.discarding = false
			chunk = chunk[idx+1:]
			continue
		}
		line := strings.TrimRight(string(a.partial), "\r")
		a.partial = a.partial[:0]
		chunk = chunk[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// buffer appends bytes to the unterminated tail, switching to discard mode on overflow.
func (a *LineAssembler) buffer(part []byte) {
	if a.discarding {
		return
	}
	if len(a.partial)+len(part) > a.maxLine {
		a.partial = a.partial[:0]
		a.discarding = true
		a.overflows++
		return
	}
	a.partial = append(a.partial, part...)
}

// Pending returns number of buffered bytes waiting for a terminator.
func (a *LineAssembler) Pending() int {
	return len(a.partial)
}

// Overflows returns how many over-long lines were dropped.
func (a *LineAssembler) Overflows() int {
	return a.overflows
}

// Reset drops buffered partial line (used after truncation/rotation).
func (a *LineAssembler) Reset() {
	a.partial = a.partial[:0]
	a.discarding = false
}
