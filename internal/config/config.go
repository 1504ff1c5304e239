// Package config holds the immutable configuration records consumed by the
// download engine: per-process defaults (Config) and the HTTP/FTP/SFTP
// session knobs shared by every transfer (SessionConfig).
package config

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SessionConfig holds the defaults applied to every transfer's network
// operations. Fields mirror pymatris's SessionConfig dataclass: headers,
// chunksize, timeouts, file-level progress, and log level are all
// caller-overridable; ChunkSize, Timeout and MaxTries are clamped to their
// minimums at construction time.
type SessionConfig struct {
	Headers      http.Header
	ChunkSize    int
	FileProgress bool
	Timeout      time.Duration
	MaxTries     int
	LogLevel     zerolog.Level
}

// Config is the process-wide, immutable set of downloader defaults.
// DownloaderConfig.__getattr__ in the original delegates unknown lookups to
// the embedded SessionConfig; the Go port achieves the same flattened view
// via struct embedding.
type Config struct {
	SessionConfig

	MaxParallel int
	MaxSplits   int
	AllProgress bool
	Overwrite   bool
}

// Option configures a Config at construction time.
type Option func(*Config)

const (
	defaultMaxParallel = 5
	defaultMaxSplits   = 5
	defaultMaxTries    = 5
	defaultChunkSize   = 1024
	defaultTimeout     = 300 * time.Second
)

// New builds a Config from defaults plus the supplied options, then clamps
// every quantity named in the spec (max_parallel, max_splits, max_tries,
// chunksize, timeouts) to at least 1.
func New(opts ...Option) *Config {
	cfg := &Config{
		MaxParallel: defaultMaxParallel,
		MaxSplits:   defaultMaxSplits,
		AllProgress: true,
		Overwrite:   true,
		SessionConfig: SessionConfig{
			Headers:      defaultHeaders(),
			ChunkSize:    defaultChunkSize,
			FileProgress: true,
			Timeout:      defaultTimeout,
			MaxTries:     defaultMaxTries,
			LogLevel:     zerolog.InfoLevel,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.clamp()
	return cfg
}

func (c *Config) clamp() {
	if c.MaxParallel < 1 {
		c.MaxParallel = 1
	}
	if c.MaxSplits < 1 {
		c.MaxSplits = 1
	}
	if c.MaxTries < 1 {
		c.MaxTries = 1
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = 1
	}
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
	// Mirrors DownloaderConfig.__post_init__: turning off the aggregate bar
	// also turns off the per-file bar.
	if !c.AllProgress {
		c.FileProgress = false
	}
}

func defaultHeaders() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", "matris/1.0 (+https://github.com/rescale/matris)")
	return h
}

// WithMaxParallel sets the number of concurrently in-flight file transfers.
func WithMaxParallel(n int) Option { return func(c *Config) { c.MaxParallel = n } }

// WithMaxSplits sets the default number of HTTP/SFTP range workers per file.
func WithMaxSplits(n int) Option { return func(c *Config) { c.MaxSplits = n } }

// WithMaxTries sets the default retry budget per network operation.
func WithMaxTries(n int) Option { return func(c *Config) { c.MaxTries = n } }

// WithAllProgress toggles the aggregate "files downloaded" progress bar.
func WithAllProgress(enabled bool) Option { return func(c *Config) { c.AllProgress = enabled } }

// WithFileProgress toggles per-file progress bars independently of the
// aggregate bar.
func WithFileProgress(enabled bool) Option { return func(c *Config) { c.FileProgress = enabled } }

// WithOverwrite sets the default overwrite behavior for name collisions.
func WithOverwrite(enabled bool) Option { return func(c *Config) { c.Overwrite = enabled } }

// WithChunkSize sets the read/write chunk size in bytes.
func WithChunkSize(n int) Option { return func(c *Config) { c.ChunkSize = n } }

// WithTimeout sets the per-request network timeout.
func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

// WithHeaders sets the default headers merged into every HTTP request.
func WithHeaders(h http.Header) Option { return func(c *Config) { c.Headers = h } }

// WithLogLevel sets the session's default log level.
func WithLogLevel(level zerolog.Level) Option { return func(c *Config) { c.LogLevel = level } }
