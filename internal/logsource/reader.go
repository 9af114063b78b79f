package logsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"poolwatch/internal/config"
	"poolwatch/internal/ingest"
	"poolwatch/internal/metrics"
)

const headFingerprintBytes = 256

// ErrSourceUnavailable reports that the log file stayed unreadable for too many attempts.
var ErrSourceUnavailable = errors.New("log source unavailable")

// UnavailableError names the path and attempt count behind ErrSourceUnavailable.
type UnavailableError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("log source %s unavailable after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Options configures tailing behavior.
type Options struct {
	FromStart    bool
	PollInterval time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxFailures  int
	MaxLineBytes int
}

// OptionsFromConfig converts the source config section.
func OptionsFromConfig(cfg config.SourceConfig) Options {
	return Options{
		FromStart:    cfg.FromStart,
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		RetryInitial: time.Duration(cfg.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(cfg.RetryMaxMS) * time.Millisecond,
		MaxFailures:  cfg.MaxFailures,
		MaxLineBytes: cfg.MaxLineBytes,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = o.RetryInitial
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 30
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = ingest.DefaultMaxLineBytes
	}
	return o
}

// Reader follows one access log file across rotation and truncation.
// Params: path, options, and logger.
// Returns: complete lines in file order through Next; one goroutine may call Next.
type Reader struct {
	path   string
	opts   Options
	logger *slog.Logger

	file      *os.File
	info      os.FileInfo
	offset    int64
	opened    bool
	rotated   bool
	assembler *ingest.LineAssembler
	pending   []string
	buf       []byte
	head      []byte
	scratch   []byte
	backoff   *backoff.ExponentialBackOff

	watcher   *fsnotify.Watcher
	wake      chan struct{}
	closeOnce sync.Once
}

// Open prepares a reader; the file itself is opened lazily by Next so a missing file is retried.
// Params: log path, tail options, and logger.
// Returns: reader; fsnotify failures fall back to polling.
func Open(path string, opts Options, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	r := &Reader{
		path:      filepath.Clean(path),
		opts:      opts,
		logger:    logger,
		assembler: ingest.NewLineAssembler(opts.MaxLineBytes),
		buf:       make([]byte, 32<<10),
		head:      make([]byte, 0, headFingerprintBytes),
		scratch:   make([]byte, headFingerprintBytes),
		backoff:   newBackOff(opts),
		wake:      make(chan struct{}, 1),
	}
	r.startWatcher()
	return r
}

func newBackOff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInitial
	bo.MaxInterval = opts.RetryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	return bo
}

// startWatcher watches the parent directory so create/rename of the file itself is seen.
func (r *Reader) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Debug("fsnotify unavailable, polling only", "error", err.Error())
		return
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.logger.Debug("fsnotify watch failed, polling only", "dir", filepath.Dir(r.path), "error", err.Error())
		_ = watcher.Close()
		return
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != r.path {
					continue
				}
				select {
				case r.wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Debug("fsnotify error", "error", err.Error())
			}
		}
	}()
}

// Next blocks until one complete line is available.
// Params: context; cancellation returns ctx error.
// Returns: line without trailing newline, or *UnavailableError after MaxFailures consecutive open or read failures.
func (r *Reader) Next(ctx context.Context) (string, error) {
	for {
		if len(r.pending) > 0 {
			line := r.pending[0]
			r.pending = r.pending[1:]
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		read, err := r.fill(ctx)
		if err != nil {
			return "", err
		}
		if read > 0 || len(r.pending) > 0 {
			continue
		}

		if r.checkRotation() {
			continue
		}
		if err := r.wait(ctx); err != nil {
			return "", err
		}
	}
}

// fill opens the file when needed and drains it to EOF, retrying with exponential backoff.
// Open and read failures share one consecutive-failure budget; any successful drain resets it.
// Params: context.
// Returns: bytes read, or *UnavailableError once MaxFailures attempts in a row failed.
func (r *Reader) fill(ctx context.Context) (int, error) {
	attempts := 0
	operation := func() (int, error) {
		attempts++
		if r.file == nil {
			if err := r.openFile(attempts); err != nil {
				metrics.SourceFailures.Inc()
				return 0, err
			}
		}
		if err := r.checkTruncation(); err != nil {
			metrics.SourceFailures.Inc()
			r.closeFile()
			return 0, err
		}
		read, err := r.readAvailable()
		if err != nil {
			metrics.SourceFailures.Inc()
			r.closeFile()
			return read, fmt.Errorf("read %s: %w", r.path, err)
		}
		return read, nil
	}

	read, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.backoff),
		backoff.WithMaxTries(uint(r.opts.MaxFailures)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("log source not readable, retrying", "path", r.path, "attempt", attempts, "retry_in", next.String(), "error", err.Error())
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		r.logger.Error("log source unavailable", "path", r.path, "attempts", attempts, "error", err.Error())
		return 0, &UnavailableError{Path: r.path, Attempts: attempts, Err: err}
	}
	return read, nil
}

// openFile opens and positions the file for one attempt.
// Params: attempt number inside the current retry cycle.
// Returns: nil when file is open and positioned.
func (r *Reader) openFile(attempt int) error {
	file, err := os.Open(r.path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat %s: %w", r.path, err)
	}

	sameFile := r.info != nil && os.SameFile(r.info, info)
	var offset int64
	switch {
	case sameFile && info.Size() >= r.offset:
		offset = r.offset
	case !r.opened && !r.opts.FromStart && attempt == 1:
		offset = info.Size()
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			_ = file.Close()
			return fmt.Errorf("seek %s: %w", r.path, err)
		}
	}

	if r.opened || attempt > 1 {
		reason := "recovered"
		if r.rotated {
			reason = "rotated"
		}
		metrics.SourceReopens.WithLabelValues(reason).Inc()
		r.logger.Info("log source reopened", "path", r.path, "reason", reason, "offset", offset)
	} else {
		r.logger.Info("log source opened", "path", r.path, "offset", offset)
	}

	r.file = file
	r.info = info
	r.offset = offset
	r.opened = true
	r.rotated = false
	if !sameFile || offset == 0 {
		r.head = r.head[:0]
	}
	if len(r.head) == 0 && offset > 0 {
		r.captureHead()
	}
	return nil
}

// captureHead records the first bytes already behind the offset as the truncation fingerprint.
func (r *Reader) captureHead() {
	size := min(int64(headFingerprintBytes), r.offset)
	head := make([]byte, size)
	n, err := r.file.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return
	}
	r.head = append(r.head[:0], head[:n]...)
}

// checkTruncation detects a file rewritten in place before reading at the saved offset.
// A shorter file or a changed head both mean the writer started over, even when the new
// content already grew past the old offset.
// Params: none.
// Returns: stat or seek failure on the open handle.
func (r *Reader) checkTruncation() error {
	if r.offset == 0 {
		return nil
	}
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", r.path, err)
	}
	if info.Size() >= r.offset && r.headMatches() {
		return nil
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", r.path, err)
	}
	r.logger.Info("log truncation detected", "path", r.path, "size", info.Size(), "offset", r.offset)
	metrics.SourceReopens.WithLabelValues("truncated").Inc()
	r.assembler.Reset()
	r.offset = 0
	r.head = r.head[:0]
	return nil
}

func (r *Reader) headMatches() bool {
	if len(r.head) == 0 {
		return true
	}
	current := r.scratch[:len(r.head)]
	n, err := r.file.ReadAt(current, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return true
	}
	return bytes.Equal(current[:n], r.head)
}

// readAvailable drains the file to EOF into pending lines.
func (r *Reader) readAvailable() (int, error) {
	total := 0
	for {
		n, err := r.file.Read(r.buf)
		if n > 0 {
			if room := int64(headFingerprintBytes) - r.offset; room > 0 && int64(len(r.head)) == r.offset {
				r.head = append(r.head, r.buf[:min(int64(n), room)]...)
			}
			total += n
			r.offset += int64(n)
			overflows := r.assembler.Overflows()
			r.pending = append(r.pending, r.assembler.Feed(r.buf[:n])...)
			if r.assembler.Overflows() > overflows {
				r.logger.Warn("oversized log line dropped", "path", r.path, "limit_bytes", r.opts.MaxLineBytes)
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n < len(r.buf) {
			return total, nil
		}
	}
}

// checkRotation handles a replaced file once the current handle hit EOF.
// Params: none.
// Returns: true when the reader repositioned and should read again.
func (r *Reader) checkRotation() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		// Renamed away and not yet recreated; keep the old handle.
		return false
	}
	if !os.SameFile(r.info, info) {
		r.logger.Info("log rotation detected", "path", r.path)
		r.closeFile()
		r.assembler.Reset()
		r.info = nil
		r.offset = 0
		r.head = r.head[:0]
		r.rotated = true
		return true
	}
	return false
}

func (r *Reader) wait(ctx context.Context) error {
	timer := time.NewTimer(r.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
	case <-timer.C:
	}
	return nil
}

func (r *Reader) closeFile() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}

// Close stops the watcher and releases the file handle.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
		r.closeFile()
	})
	return nil
}

// Path returns the followed file path.
func (r *Reader) Path() string {
	return r.path
}
