package logsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"poolwatch/internal/logging"
)

func fastOptions() Options {
	return Options{
		PollInterval: 10 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		MaxFailures:  200,
	}
}

func appendFile(t *testing.T, path, body string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(body); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func nextLine(t *testing.T, reader *Reader) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	line, err := reader.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return line
}

func expectLines(t *testing.T, reader *Reader, want ...string) {
	t.Helper()
	for _, expected := range want {
		if got := nextLine(t, reader); got != expected {
			t.Fatalf("line=%q want %q", got, expected)
		}
	}
}

func TestReaderFromStartAndPartialLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "one\ntwo\nthr")

	opts := fastOptions()
	opts.FromStart = true
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()

	expectLines(t, reader, "one", "two")

	done := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		line, _ := reader.Next(ctx)
		done <- line
	}()
	time.Sleep(30 * time.Millisecond)
	appendFile(t, path, "ee\n")

	if got := <-done; got != "three" {
		t.Fatalf("partial line joined as %q", got)
	}
}

func TestReaderTailsFromEndByDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "old-1\nold-2\n")

	reader := Open(path, fastOptions(), logging.Discard())
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := reader.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no historical lines, got err=%v", err)
	}

	appendFile(t, path, "new-1\n")
	expectLines(t, reader, "new-1")
}

func TestReaderFollowsRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	appendFile(t, path, "a\n")

	opts := fastOptions()
	opts.FromStart = true
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()
	expectLines(t, reader, "a")

	appendFile(t, path, "b\n")
	if err := os.Rename(path, filepath.Join(dir, "access.log.1")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	appendFile(t, path, "c\n")

	expectLines(t, reader, "b", "c")
}

func TestReaderHandlesTruncation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "first-line\nsecond-line\n")

	opts := fastOptions()
	opts.FromStart = true
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()
	expectLines(t, reader, "first-line", "second-line")

	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	expectLines(t, reader, "x")
}

func TestReaderDetectsRewriteLongerThanOffset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "old-1\nold-2\n")

	opts := fastOptions()
	opts.FromStart = true
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()
	expectLines(t, reader, "old-1", "old-2")

	// copytruncate followed by fast writes: same inode, already past the old offset.
	if err := os.WriteFile(path, []byte("new-line-1\nnew-line-2\nnew-line-3\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	expectLines(t, reader, "new-line-1", "new-line-2", "new-line-3")
}

func TestReaderWaitsForMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	reader := Open(path, fastOptions(), logging.Discard())
	defer reader.Close()

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = os.WriteFile(path, []byte("late\n"), 0o644)
	}()

	expectLines(t, reader, "late")
}

func TestReaderReportsUnavailableSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "access.log")
	opts := fastOptions()
	opts.MaxFailures = 3
	opts.RetryInitial = time.Millisecond
	opts.RetryMax = time.Millisecond
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := reader.Next(ctx)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *UnavailableError, got %T", err)
	}
	if unavailable.Path != path || unavailable.Attempts != 3 {
		t.Fatalf("unexpected error details: %+v", unavailable)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cause must be preserved: %v", err)
	}
}

func TestReaderCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "access.log")
	appendFile(t, path, "")
	reader := Open(path, fastOptions(), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reader.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReaderReportsUnreadableSource(t *testing.T) {
	t.Parallel()

	// A directory opens fine but every read fails.
	path := t.TempDir()
	opts := fastOptions()
	opts.FromStart = true
	opts.MaxFailures = 3
	opts.RetryInitial = 5 * time.Millisecond
	opts.RetryMax = 5 * time.Millisecond
	reader := Open(path, opts, logging.Discard())
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	_, err := reader.Next(ctx)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *UnavailableError, got %T", err)
	}
	if unavailable.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", unavailable.Attempts)
	}
	if elapsed < 8*time.Millisecond {
		t.Fatalf("read failures must back off between attempts, elapsed %s", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("unreadable source must fail promptly, elapsed %s", elapsed)
	}
}
