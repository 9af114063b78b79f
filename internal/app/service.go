package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poolwatch/internal/clock"
	"poolwatch/internal/config"
	"poolwatch/internal/logging"
	"poolwatch/internal/logsource"
	"poolwatch/internal/notify"
)

// ErrInvalidConfig wraps configuration load and validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable watcher service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	sink      notify.Sink
	reader    *logsource.Reader
	pipeline  *Pipeline
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService loads config from source and builds the service.
// Params: config source and clock implementation.
// Returns: initialized service, ErrInvalidConfig-wrapped config error, or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return NewServiceFromConfig(cfg, clk)
}

// NewServiceFromConfig builds logger, sinks, notifier, reader, and pipeline.
// Params: validated config and clock.
// Returns: initialized service or setup error.
func NewServiceFromConfig(cfg config.Config, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	sink, err := notify.BuildSink(cfg.Notify, logger)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.sink = sink

	notifier, err := notify.NewNotifier(cfg, sink, clk, logger)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	service.reader = logsource.Open(cfg.Source.Path, logsource.OptionsFromConfig(cfg.Source), logger)
	service.pipeline = NewPipeline(cfg, service.reader, notifier, clk, logger)

	if cfg.HTTP.Enabled {
		service.httpSrv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           service.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return service, nil
}

// Run starts the pipeline and blocks until shutdown or fatal source loss.
// Params: root context for service runtime.
// Returns: nil on graceful shutdown, wrapped source or HTTP error otherwise.
func (s *Service) Run(ctx context.Context) error {
	s.logBanner()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- s.pipeline.Run(runCtx)
	}()
	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		cancel()
		<-pipelineDone
		return s.shutdown()
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		<-pipelineDone
		return s.shutdown()
	case err := <-errChan:
		cancel()
		<-pipelineDone
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case err := <-pipelineDone:
		_ = s.shutdown()
		if err != nil {
			return fmt.Errorf("pipeline stopped: %w", err)
		}
		return nil
	}
}

func (s *Service) logBanner() {
	s.logger.Info("poolwatch starting",
		"service", s.cfg.Service.Name,
		"log_path", s.cfg.Source.Path,
		"error_rate_threshold_pct", s.cfg.Detect.Threshold(),
		"window_size", s.cfg.Window.Size,
		"rate_warmup_samples", s.cfg.Detect.RateWarmup(s.cfg.Window.Size),
		"cooldown", s.cfg.Notify.Cooldown().String(),
		"min_run_length", s.cfg.Detect.MinRunLength,
		"notify", s.sink.Channel(),
	)
}

// routes builds probe and metrics handlers.
func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, promhttp.Handler())
	return mux
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}
	if s.reader != nil {
		_ = s.reader.Close()
	}
	if s.sink != nil {
		notify.CloseSink(s.sink)
	}
	s.logger.Info("poolwatch stopped", "requests", s.pipeline.Processed(), "malformed", s.pipeline.Malformed())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.sink != nil {
		notify.CloseSink(s.sink)
		s.sink = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}
