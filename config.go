// Package matris is a parallel, multi-protocol file download manager: enqueue
// a batch of HTTP/HTTPS, FTP, or SFTP URLs, then run a single synchronous
// Download call that transfers every queued file concurrently and returns a
// consolidated result set of successes and failures.
package matris

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/matris/internal/config"
)

// Config is the process-wide, immutable set of downloader defaults.
type Config = config.Config

// Option configures a Config at construction time; see the With* functions.
type Option = config.Option

// WithMaxParallel sets the number of concurrently in-flight file transfers.
func WithMaxParallel(n int) Option { return config.WithMaxParallel(n) }

// WithMaxSplits sets the default number of HTTP/SFTP range workers per file.
func WithMaxSplits(n int) Option { return config.WithMaxSplits(n) }

// WithMaxTries sets the default retry budget per network operation.
func WithMaxTries(n int) Option { return config.WithMaxTries(n) }

// WithAllProgress toggles the aggregate "files downloaded" progress bar.
func WithAllProgress(enabled bool) Option { return config.WithAllProgress(enabled) }

// WithFileProgress toggles per-file progress bars independently of the
// aggregate bar.
func WithFileProgress(enabled bool) Option { return config.WithFileProgress(enabled) }

// WithOverwrite sets the default overwrite behavior for name collisions.
func WithOverwrite(enabled bool) Option { return config.WithOverwrite(enabled) }

// WithChunkSize sets the read/write chunk size in bytes.
func WithChunkSize(n int) Option { return config.WithChunkSize(n) }

// WithTimeout sets the per-request network timeout.
func WithTimeout(d time.Duration) Option { return config.WithTimeout(d) }

// WithHeaders sets the default headers merged into every HTTP request.
func WithHeaders(h http.Header) Option { return config.WithHeaders(h) }

// WithLogLevel sets the session's default log level.
func WithLogLevel(level zerolog.Level) Option { return config.WithLogLevel(level) }
