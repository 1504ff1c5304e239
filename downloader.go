package matris

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/rescale/matris/internal/config"
	internalhttp "github.com/rescale/matris/internal/http"
	"github.com/rescale/matris/internal/logging"
	"github.com/rescale/matris/internal/matriserr"
	"github.com/rescale/matris/internal/pathres"
	"github.com/rescale/matris/internal/pathutil"
	"github.com/rescale/matris/internal/progress"
	"github.com/rescale/matris/internal/transport"
	"github.com/rescale/matris/internal/transport/ftpxfer"
	"github.com/rescale/matris/internal/transport/httpxfer"
	"github.com/rescale/matris/internal/transport/sftpxfer"
)

// enqueueOptions collects the per-file overrides accepted by EnqueueFile.
type enqueueOptions struct {
	dir       string
	filename  string
	overwrite *bool
	headers   http.Header
	maxSplits int
	maxTries  int
}

// EnqueueOption configures one queued file independently of the session
// defaults captured in Config.
type EnqueueOption func(*enqueueOptions)

// WithPath sets the destination directory for this file, overriding the
// current working directory default.
func WithPath(dir string) EnqueueOption { return func(o *enqueueOptions) { o.dir = dir } }

// WithFilename pins the destination filename, bypassing Content-Disposition
// and URL-derived name detection entirely.
func WithFilename(name string) EnqueueOption { return func(o *enqueueOptions) { o.filename = name } }

// WithFileOverwrite overrides the session's default overwrite behavior for
// this file only.
func WithFileOverwrite(enabled bool) EnqueueOption {
	return func(o *enqueueOptions) { o.overwrite = &enabled }
}

// WithFileHeaders overrides the session's default request headers for this
// file only (HTTP/HTTPS transfers only; ignored by FTP and SFTP).
func WithFileHeaders(h http.Header) EnqueueOption {
	return func(o *enqueueOptions) { o.headers = h }
}

// WithFileMaxSplits overrides the session's default range-worker count for
// this file only.
func WithFileMaxSplits(n int) EnqueueOption { return func(o *enqueueOptions) { o.maxSplits = n } }

// WithFileMaxTries overrides the session's default retry budget for this
// file only.
func WithFileMaxTries(n int) EnqueueOption { return func(o *enqueueOptions) { o.maxTries = n } }

// queuedRequest is one EnqueueFile call, resolved to a scheme up front so
// Download can dispatch without reparsing the URL.
type queuedRequest struct {
	rawURL string
	scheme string
	opts   enqueueOptions
}

// Downloader is the entry point: build one with NewDownloader, enqueue every
// file with EnqueueFile, then run the whole batch with Download.
type Downloader struct {
	cfg        *Config
	logger     *logging.Logger
	registry   *transport.Registry
	httpClient *http.Client

	mu       sync.Mutex
	requests []queuedRequest
}

// NewDownloader builds a Downloader from the given session options, wiring
// up the HTTP/HTTPS, FTP/FTPS, and SFTP transfer handlers.
func NewDownloader(opts ...Option) *Downloader {
	cfg := config.New(opts...)

	logging.SetGlobalLevel(cfg.LogLevel)
	logging.SetDebugFromEnv("PYMATRIS_DEBUG")
	logger := logging.New()

	registry := transport.NewRegistry()
	registry.Register([]string{"http", "https"}, httpxfer.New)
	registry.Register([]string{"ftp", "ftps"}, ftpxfer.New)
	registry.Register([]string{"sftp"}, sftpxfer.New)

	return &Downloader{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		httpClient: internalhttp.NewSharedClient(cfg.MaxParallel, cfg.MaxSplits),
	}
}

// EnqueueFile queues one URL for download. The scheme is validated against
// the registered protocol handlers immediately so an unsupported scheme
// fails at enqueue time rather than surfacing as a batch error later.
func (d *Downloader) EnqueueFile(rawURL string, opts ...EnqueueOption) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("matris: invalid URL %q: %w", rawURL, err)
	}
	if _, err := d.registry.GetHandler(u.Scheme); err != nil {
		return err
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, queuedRequest{rawURL: rawURL, scheme: u.Scheme, opts: o})
	return nil
}

// QueuedDownloads returns the number of files currently enqueued.
func (d *Downloader) QueuedDownloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// Download runs every queued file concurrently, bounded by MaxParallel, and
// blocks until all of them have either been promoted to their final path or
// failed. It is safe to call only once per Downloader; queued files are not
// cleared afterward, so a second call would re-run the same batch.
func (d *Downloader) Download(ctx context.Context) (*Results, error) {
	d.mu.Lock()
	reqs := append([]queuedRequest(nil), d.requests...)
	d.mu.Unlock()

	urls := make([]string, len(reqs))
	for i, r := range reqs {
		urls[i] = r.rawURL
	}
	results := newResults(urls)

	var sink transport.ProgressSink = progress.NoOpSink{}
	var ui *progress.DownloadUI
	if d.cfg.AllProgress {
		ui = progress.NewDownloadUI(len(reqs), d.cfg.FileProgress)
		sink = ui
	}

	type outcome struct {
		res transport.Result
		err error
	}
	outcomes := make(chan outcome, len(reqs))
	tokens := make(chan transport.Token, d.cfg.MaxParallel)
	for i := 1; i <= d.cfg.MaxParallel; i++ {
		tokens <- transport.Token{N: i}
	}

	var wg sync.WaitGroup
	for _, req := range reqs {
		req := req
		token := <-tokens
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { tokens <- token }()

			handler, err := d.registry.GetHandler(req.scheme)
			if err != nil {
				outcomes <- outcome{err: &matriserr.FailedDownload{URL: req.rawURL, Cause: err}}
				return
			}

			overwrite := d.cfg.Overwrite
			if req.opts.overwrite != nil {
				overwrite = *req.opts.overwrite
			}

			res, err := handler.RunDownload(transport.RunParams{
				Ctx:        ctx,
				Config:     d.cfg,
				HTTPClient: d.httpClient,
				URL:        req.rawURL,
				Resolver:   d.buildResolver(req.opts),
				Overwrite:  overwrite,
				Token:      token,
				Progress:   sink,
				Overrides: transport.Overrides{
					Headers:   req.opts.headers,
					MaxSplits: req.opts.maxSplits,
					MaxTries:  req.opts.maxTries,
				},
				Logger: d.logger,
			})
			outcomes <- outcome{res: res, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for oc := range outcomes {
		if oc.err != nil {
			var fd *matriserr.FailedDownload
			if errors.As(oc.err, &fd) {
				if fd.IntendedPath != "" {
					pathres.Remove(fd.IntendedPath+pathres.TempSuffix, warnFunc(d.logger))
				}
				results.addError(Error{IntendedPath: fd.IntendedPath, URL: fd.URL, Cause: fd.Cause})
				continue
			}
			// Anything not wrapped as a FailedDownload is a programmer error
			// in a transfer handler, not a network/filesystem failure — it
			// must not be silently folded into the error list.
			panic(oc.err)
		}
		results.addSuccess(Success{FilePath: oc.res.FilePath, URL: oc.res.URL})
	}

	if ui != nil {
		ui.Wait()
	}

	if n := results.FailedCount(); n > 0 {
		d.logger.Infof("%d/%d files failed to download.", n, len(reqs))
	}

	return results, nil
}

// buildResolver closes over one request's enqueue-time options to produce
// the PathResolver a transfer handler calls once it knows the
// Content-Disposition header (HTTP) or has nothing beyond the URL (FTP/SFTP).
func (d *Downloader) buildResolver(o enqueueOptions) transport.PathResolver {
	return func(contentDisposition, rawURL string) (string, error) {
		dir, err := pathutil.ResolveAbsolutePath(o.dir)
		if err != nil {
			return "", err
		}
		if o.filename != "" {
			return filepath.Join(dir, o.filename), nil
		}
		return pathres.DefaultFilename(dir, rawURL, contentDisposition), nil
	}
}

func warnFunc(l *logging.Logger) pathres.WarnFunc {
	return func(format string, args ...interface{}) { l.Warnf(format, args...) }
}
