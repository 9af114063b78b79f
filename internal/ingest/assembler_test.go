package ingest

import (
	"reflect"
	"strings"
	"testing"
)

func TestLineAssemblerBuffersPartialLine(t *testing.T) {
	t.Parallel()

	assembler := NewLineAssembler(0)
	if lines := assembler.Feed([]byte(`{"a":1}` + "\n" + `{"b":`)); !reflect.DeepEqual(lines, []string{`{"a":1}`}) {
		t.Fatalf("first feed=%v", lines)
	}
	if assembler.Pending() != len(`{"b":`) {
		t.Fatalf("pending=%d", assembler.Pending())
	}
	if lines := assembler.Feed([]byte(`2}`)); len(lines) != 0 {
		t.Fatalf("unterminated line emitted early: %v", lines)
	}
	if lines := assembler.Feed([]byte("\r\n\n")); !reflect.DeepEqual(lines, []string{`{"b":2}`}) {
		t.Fatalf("third feed=%v", lines)
	}
	if assembler.Pending() != 0 {
		t.Fatalf("pending=%d", assembler.Pending())
	}
}

func TestLineAssemblerDropsOverlongLine(t *testing.T) {
	t.Parallel()

	assembler := NewLineAssembler(8)
	lines := assembler.Feed([]byte(strings.Repeat("x", 5)))
	lines = append(lines, assembler.Feed([]byte(strings.Repeat("y", 10)+"\nok\n"))...)
	if !reflect.DeepEqual(lines, []string{"ok"}) {
		t.Fatalf("lines=%v", lines)
	}
	if assembler.Overflows() != 1 {
		t.Fatalf("overflows=%d", assembler.Overflows())
	}
}

func TestLineAssemblerReset(t *testing.T) {
	t.Parallel()

	assembler := NewLineAssembler(0)
	assembler.Feed([]byte("half"))
	assembler.Reset()
	if lines := assembler.Feed([]byte("whole\n")); !reflect.DeepEqual(lines, []string{"whole"}) {
		t.Fatalf("lines=%v", lines)
	}
}
