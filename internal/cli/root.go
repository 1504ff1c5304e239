// Package cli provides the matris command-line interface: a thin cobra
// front end over the matris library that enqueues every URL argument and
// runs a single batched download.
package cli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/matris"
	"github.com/rescale/matris/internal/logging"
	"github.com/rescale/matris/internal/version"
)

var (
	maxParallel int
	maxSplits   int
	maxTries    int
	timeoutSecs int
	dir         string
	overwrite   bool
	quiet       bool
	showErrors  bool
	verbose     bool
)

// NewRootCmd builds the matris root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "matris URL [URL...]",
		Short:   "Parallel, multi-protocol file download manager",
		Version: version.Version,
		Long: `matris downloads one or more HTTP(S), FTP, or SFTP URLs concurrently.
Range-capable HTTP and SFTP transfers are split across multiple workers;
transient failures retry with backoff up to --max-tries.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runDownload,
	}

	rootCmd.Flags().IntVar(&maxParallel, "max-parallel", 5, "maximum files downloaded concurrently")
	rootCmd.Flags().IntVar(&maxSplits, "max-splits", 5, "maximum range workers per file")
	rootCmd.Flags().IntVar(&maxTries, "max-tries", 5, "maximum retry attempts per network operation")
	rootCmd.Flags().IntVar(&timeoutSecs, "timeouts", 300, "per-request network timeout, in seconds")
	rootCmd.Flags().StringVar(&dir, "dir", "./", "destination directory")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite name collisions instead of numbering them")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "suppress all progress output")
	rootCmd.Flags().BoolVar(&showErrors, "show-errors", false, "print failed URLs to stderr and exit 1 if any failed")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return rootCmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	logLevel := zerolog.InfoLevel
	if verbose {
		logLevel = zerolog.DebugLevel
	}

	d := matris.NewDownloader(
		matris.WithMaxParallel(maxParallel),
		matris.WithMaxSplits(maxSplits),
		matris.WithMaxTries(maxTries),
		matris.WithTimeout(time.Duration(timeoutSecs)*time.Second),
		matris.WithOverwrite(overwrite),
		matris.WithAllProgress(!quiet),
		matris.WithLogLevel(logLevel),
	)

	for _, rawURL := range args {
		if err := d.EnqueueFile(rawURL, matris.WithPath(dir)); err != nil {
			return err
		}
	}

	ctx, stop := matris.WithSignalCancellation(cmd.Context())
	defer stop()

	results, err := d.Download(ctx)
	if err != nil {
		return err
	}

	if showErrors {
		logger := GetLogger()
		for _, e := range results.Errors() {
			logger.Errorf("%s: %v", e.URL, e.Cause)
		}
	}

	if showErrors && results.FailedCount() > 0 {
		os.Exit(1)
	}
	return nil
}

// Execute runs the CLI, returning the error cobra surfaced (if any).
func Execute() error {
	return NewRootCmd().Execute()
}

// GetLogger returns a fresh CLI logger routed to stderr, where --show-errors
// prints failed URLs (the Downloader's own logger writes to stdout).
func GetLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(os.Stderr)
	return l
}
