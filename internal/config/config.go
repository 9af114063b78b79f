package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"poolwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName       = "poolwatch"
	defaultStatusEvery       = 50
	defaultHTTPListen        = ":9102"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMetricsPath       = "/metrics"
	defaultLogPath           = "/var/log/nginx/access.log"
	defaultPollIntervalMS    = 250
	defaultRetryInitialMS    = 1000
	defaultRetryMaxMS        = 5000
	defaultSourceMaxFailures = 30
	defaultWindowSize        = 200
	defaultThresholdPercent  = 2
	defaultMinRunLength      = 1
	defaultEvaluateEvery     = 1
	defaultCooldownSec       = 300
	defaultSendTimeoutSec    = 10
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "poolwatch.alerts"
	defaultTelegramAPIBase   = "https://api.telegram.org"

	// WebhookFormatText posts {"text": message}.
	WebhookFormatText = "text"
	// WebhookFormatSlack posts one Slack attachment with color/title/footer.
	WebhookFormatSlack = "slack"
)

// Config holds watcher runtime settings.
// Params: TOML sections from file or merged directory snapshot plus environment overrides.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	HTTP    HTTPConfig    `toml:"http"`
	Source  SourceConfig  `toml:"source"`
	Window  WindowConfig  `toml:"window"`
	Detect  DetectConfig  `toml:"detect"`
	Notify  NotifyConfig  `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: service name and periodic status cadence.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name        string `toml:"name"`
	StatusEvery int    `toml:"status_every"`
}

// HTTPConfig configures probe and metrics endpoints.
// Params: enable flag, listen address, and paths.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled     bool   `toml:"enabled"`
	Listen      string `toml:"listen"`
	HealthPath  string `toml:"health_path"`
	ReadyPath   string `toml:"ready_path"`
	MetricsPath string `toml:"metrics_path"`
}

// SourceConfig configures access log tailing.
// Params: path, start position, poll cadence, and retry policy.
// Returns: log source reader options.
type SourceConfig struct {
	Path           string `toml:"path"`
	FromStart      bool   `toml:"from_start"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	RetryInitialMS int    `toml:"retry_initial_ms"`
	RetryMaxMS     int    `toml:"retry_max_ms"`
	MaxFailures    int    `toml:"max_failures"`
	MaxLineBytes   int    `toml:"max_line_bytes"`
}

// WindowConfig sizes the sliding window.
type WindowConfig struct {
	Size int `toml:"size"`
}

// DetectConfig configures failover and error-rate detection.
// Params: threshold in percent, pool run length, evaluation cadence, and min samples (0 = full window).
// Returns: detector settings.
type DetectConfig struct {
	ErrorRateThreshold *float64 `toml:"error_rate_threshold"`
	MinRunLength       int      `toml:"min_run_length"`
	EvaluateEvery      int      `toml:"evaluate_every"`
	MinSamples         int      `toml:"min_samples"`
}

// Threshold returns the error-rate threshold in percent; unset means the default.
func (d DetectConfig) Threshold() float64 {
	if d.ErrorRateThreshold == nil {
		return defaultThresholdPercent
	}
	return *d.ErrorRateThreshold
}

// RateWarmup returns how many window events must be present before the error rate is evaluated.
// Params: configured window size.
// Returns: min_samples, or the whole window when min_samples is 0.
func (d DetectConfig) RateWarmup(windowSize int) int {
	if d.MinSamples <= 0 {
		return windowSize
	}
	return d.MinSamples
}

// NotifyConfig defines outbound notification behavior.
// Params: cooldown, send timeout, per-channel transport settings, and message templates.
// Returns: notification controls.
type NotifyConfig struct {
	CooldownSec    *int             `toml:"cooldown_sec"`
	SendTimeoutSec int              `toml:"send_timeout_sec"`
	Webhook        WebhookNotifier  `toml:"webhook"`
	Telegram       TelegramNotifier `toml:"telegram"`
	Mattermost     MattermostConfig `toml:"mattermost"`
	NATS           NATSNotifier     `toml:"nats"`
	Template       TemplateConfig   `toml:"template"`
}

// Cooldown returns the per-kind suppression interval; unset means the default.
func (n NotifyConfig) Cooldown() time.Duration {
	if n.CooldownSec == nil {
		return defaultCooldownSec * time.Second
	}
	return time.Duration(*n.CooldownSec) * time.Second
}

// SendTimeout returns the per-notification delivery budget.
func (n NotifyConfig) SendTimeout() time.Duration {
	if n.SendTimeoutSec <= 0 {
		return defaultSendTimeoutSec * time.Second
	}
	return time.Duration(n.SendTimeoutSec) * time.Second
}

// NotifyRetry configures in-budget delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for one channel.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// WebhookNotifier posts JSON to an incoming-webhook URL; empty URL disables it.
// Params: URL, payload format, optional headers, and retry policy.
// Returns: webhook sink configuration.
type WebhookNotifier struct {
	URL     string            `toml:"url"`
	Format  string            `toml:"format"`
	Headers map[string]string `toml:"headers"`
	Retry   NotifyRetry       `toml:"retry"`
}

// Enabled reports whether webhook URL is configured.
func (w WebhookNotifier) Enabled() bool {
	return strings.TrimSpace(w.URL) != ""
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, and retry policy.
// Returns: Telegram sink configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
}

// MattermostConfig defines Mattermost API channel settings.
// Params: enabled flag, API base URL, bot token, channel id, and retry policy.
// Returns: Mattermost sink configuration.
type MattermostConfig struct {
	Enabled   bool        `toml:"enabled"`
	BaseURL   string      `toml:"base_url"`
	BotToken  string      `toml:"bot_token"`
	ChannelID string      `toml:"channel_id"`
	Retry     NotifyRetry `toml:"retry"`
}

// NATSNotifier publishes notifications as JSON on a NATS subject.
// Params: enabled flag, server URLs, and subject.
// Returns: NATS sink configuration.
type NATSNotifier struct {
	Enabled bool        `toml:"enabled"`
	URL     []string    `toml:"url"`
	Subject string      `toml:"subject"`
	Retry   NotifyRetry `toml:"retry"`
}

// TemplateConfig overrides message bodies per condition kind.
// Params: Go text/template bodies rendered against domain.Notification.
// Returns: message templates; empty values use built-in defaults.
type TemplateConfig struct {
	Failover      string `toml:"failover"`
	HighErrorRate string `toml:"high_error_rate"`
	Recovery      string `toml:"recovery"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file, directory, or environment-only config source.
// Params: at most one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	return ConfigSource{File: filePath, Dir: dirPath}, nil
}

// LoadSnapshot reads source, applies environment overrides and defaults, and validates.
// Params: config source and environment lookup (os.LookupEnv when nil).
// Returns: runtime config or error.
func LoadSnapshot(src ConfigSource, lookupEnv func(string) (string, bool)) (Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	var cfg Config
	var err error
	switch {
	case src.File != "":
		err = loadFile(src.File, &cfg)
	case src.Dir != "":
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML file over cfg.
// Params: path and destination (already-set fields survive unless overridden).
// Returns: read/decode error.
func loadFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir overlays every *.toml file of dir in lexical order.
// Params: directory path and destination.
// Returns: read/decode error.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := loadFile(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// envBinding maps one environment variable (with aliases) onto config field.
type envBinding struct {
	names []string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{
		names: []string{"ERROR_RATE_THRESHOLD"},
		apply: func(cfg *Config, value string) error {
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			cfg.Detect.ErrorRateThreshold = &parsed
			return nil
		},
	},
	{
		names: []string{"WINDOW_SIZE"},
		apply: func(cfg *Config, value string) error {
			return setInt(&cfg.Window.Size, value)
		},
	},
	{
		names: []string{"ALERT_COOLDOWN_SEC", "ALERT_COOLDOWN_SECONDS"},
		apply: func(cfg *Config, value string) error {
			var sec int
			if err := setInt(&sec, value); err != nil {
				return err
			}
			cfg.Notify.CooldownSec = &sec
			return nil
		},
	},
	{
		names: []string{"LOG_PATH", "LOG_FILE"},
		apply: func(cfg *Config, value string) error {
			cfg.Source.Path = value
			return nil
		},
	},
	{
		names: []string{"NOTIFY_ENDPOINT", "SLACK_WEBHOOK_URL"},
		apply: func(cfg *Config, value string) error {
			cfg.Notify.Webhook.URL = value
			return nil
		},
	},
	{
		names: []string{"POOL_SWITCH_RUN_LENGTH"},
		apply: func(cfg *Config, value string) error {
			return setInt(&cfg.Detect.MinRunLength, value)
		},
	},
}

// applyEnv overrides config from environment; first set alias wins.
// Params: destination config and lookup function.
// Returns: parse error naming the variable.
func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	for _, binding := range envBindings {
		for _, name := range binding.names {
			value, ok := lookupEnv(name)
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if err := binding.apply(cfg, value); err != nil {
				return fmt.Errorf("environment %s=%q: %w", name, value, err)
			}
			break
		}
	}
	return nil
}

func setInt(dst *int, value string) error {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

// applyDefaults fills zero values with runtime defaults.
// Params: mutable config.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.StatusEvery == 0 {
		cfg.Service.StatusEvery = defaultStatusEvery
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}

	if strings.TrimSpace(cfg.Source.Path) == "" {
		cfg.Source.Path = defaultLogPath
	}
	if cfg.Source.PollIntervalMS <= 0 {
		cfg.Source.PollIntervalMS = defaultPollIntervalMS
	}
	if cfg.Source.RetryInitialMS <= 0 {
		cfg.Source.RetryInitialMS = defaultRetryInitialMS
	}
	if cfg.Source.RetryMaxMS <= 0 {
		cfg.Source.RetryMaxMS = defaultRetryMaxMS
	}
	if cfg.Source.MaxFailures <= 0 {
		cfg.Source.MaxFailures = defaultSourceMaxFailures
	}

	if cfg.Window.Size == 0 {
		cfg.Window.Size = defaultWindowSize
	}
	if cfg.Detect.ErrorRateThreshold == nil {
		threshold := float64(defaultThresholdPercent)
		cfg.Detect.ErrorRateThreshold = &threshold
	}
	if cfg.Detect.MinRunLength == 0 {
		cfg.Detect.MinRunLength = defaultMinRunLength
	}
	if cfg.Detect.EvaluateEvery == 0 {
		cfg.Detect.EvaluateEvery = defaultEvaluateEvery
	}

	if cfg.Notify.CooldownSec == nil {
		sec := defaultCooldownSec
		cfg.Notify.CooldownSec = &sec
	}
	if cfg.Notify.SendTimeoutSec == 0 {
		cfg.Notify.SendTimeoutSec = defaultSendTimeoutSec
	}
	cfg.Notify.Webhook.Format = strings.ToLower(strings.TrimSpace(cfg.Notify.Webhook.Format))
	if cfg.Notify.Webhook.Format == "" {
		cfg.Notify.Webhook.Format = WebhookFormatText
	}
	fillNotifyRetryDefaults(&cfg.Notify.Webhook.Retry)
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = defaultTelegramAPIBase
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	fillNotifyRetryDefaults(&cfg.Notify.Mattermost.Retry)
	cfg.Notify.NATS.URL = normalizeNATSURLs(cfg.Notify.NATS.URL)
	if len(cfg.Notify.NATS.URL) == 0 {
		cfg.Notify.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Notify.NATS.Subject) == "" {
		cfg.Notify.NATS.Subject = defaultNATSSubject
	}
	fillNotifyRetryDefaults(&cfg.Notify.NATS.Retry)
}

// fillNotifyRetryDefaults fills missing retry policy fields.
// Params: mutable retry policy.
// Returns: policy mutated in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 4000
	}
}

// validateConfig checks value ranges and channel requirements.
// Params: config after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Service.StatusEvery < 0 {
		return errors.New("service.status_every must be >=0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if cfg.HTTP.Enabled {
		for name, path := range map[string]string{
			"http.health_path":  cfg.HTTP.HealthPath,
			"http.ready_path":   cfg.HTTP.ReadyPath,
			"http.metrics_path": cfg.HTTP.MetricsPath,
		} {
			if !strings.HasPrefix(path, "/") {
				return fmt.Errorf("%s must start with /", name)
			}
		}
	}

	if cfg.Source.RetryMaxMS < cfg.Source.RetryInitialMS {
		return errors.New("source.retry_max_ms must be >= source.retry_initial_ms")
	}
	if cfg.Source.MaxLineBytes < 0 {
		return errors.New("source.max_line_bytes must be >=0")
	}

	if cfg.Window.Size < 1 {
		return errors.New("window.size must be >0")
	}
	if threshold := cfg.Detect.Threshold(); threshold <= 0 || threshold > 100 {
		return fmt.Errorf("detect.error_rate_threshold must be in (0,100] percent, got %v", threshold)
	}
	if cfg.Detect.MinRunLength < 1 {
		return errors.New("detect.min_run_length must be >=1")
	}
	if cfg.Detect.EvaluateEvery < 1 {
		return errors.New("detect.evaluate_every must be >=1")
	}
	if cfg.Detect.MinSamples < 0 || cfg.Detect.MinSamples > cfg.Window.Size {
		return fmt.Errorf("detect.min_samples must be in [0,%d]", cfg.Window.Size)
	}

	if *cfg.Notify.CooldownSec < 0 {
		return errors.New("notify.cooldown_sec must be >=0")
	}
	if cfg.Notify.SendTimeoutSec < 1 || cfg.Notify.SendTimeoutSec > 60 {
		return errors.New("notify.send_timeout_sec must be in [1,60]")
	}
	if cfg.Notify.Webhook.Enabled() {
		parsed, err := url.Parse(strings.TrimSpace(cfg.Notify.Webhook.URL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return errors.New("notify.webhook.url must be an absolute http(s) URL")
		}
	}
	switch cfg.Notify.Webhook.Format {
	case WebhookFormatText, WebhookFormatSlack:
	default:
		return fmt.Errorf("notify.webhook.format has unsupported value %q", cfg.Notify.Webhook.Format)
	}
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when notify.telegram.enabled=true")
		}
	}
	if cfg.Notify.Mattermost.Enabled {
		if strings.TrimSpace(cfg.Notify.Mattermost.BaseURL) == "" {
			return errors.New("notify.mattermost.base_url is required when notify.mattermost.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Mattermost.BotToken) == "" {
			return errors.New("notify.mattermost.bot_token is required when notify.mattermost.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Mattermost.ChannelID) == "" {
			return errors.New("notify.mattermost.channel_id is required when notify.mattermost.enabled=true")
		}
	}
	if cfg.Notify.NATS.Enabled && strings.ContainsAny(cfg.Notify.NATS.Subject, " *>") {
		return fmt.Errorf("notify.nats.subject %q must be a literal subject", cfg.Notify.NATS.Subject)
	}
	for path, body := range map[string]string{
		"notify.template.failover":        cfg.Notify.Template.Failover,
		"notify.template.high_error_rate": cfg.Notify.Template.HighErrorRate,
		"notify.template.recovery":        cfg.Notify.Template.Recovery,
	} {
		if strings.TrimSpace(body) == "" {
			continue
		}
		if _, err := templatefmt.ParseNotificationTemplate(path, body); err != nil {
			return fmt.Errorf("%s is invalid: %w", path, err)
		}
	}
	return nil
}

// validateLogSink checks one log sink section.
// Params: section name, sink config, and path requirement.
// Returns: validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

// normalizeNATSURLs trims URL list and drops empty entries.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
