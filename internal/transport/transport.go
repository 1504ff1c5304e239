// Package transport defines the handler polymorphism described in
// SPEC_FULL.md §4.7 and §9 ("Handler polymorphism"): the capability every
// protocol transfer implements, the scheme -> factory registry that resolves
// a handler at dispatch time, and the shared types transfers exchange with
// the scheduler (tokens, progress sinks, per-request overrides).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rescale/matris/internal/chunkqueue"
	"github.com/rescale/matris/internal/config"
	"github.com/rescale/matris/internal/logging"
	"github.com/rescale/matris/internal/matriserr"
)

// Chunk is re-exported for transfer implementations so they don't need to
// import chunkqueue directly just to speak the writer's vocabulary.
type Chunk = chunkqueue.Chunk

// Token is a dispatch ticket bearing a progress-bar row number 1..max_parallel.
type Token struct {
	N int
}

// FileProgress is the per-file progress handle a transfer reports through.
type FileProgress interface {
	Add(n int)
	SetRetry(count int)
	Complete(err error)
}

// ProgressSink creates a FileProgress handle for a file about to start
// transferring, or returns nil if no progress display is configured.
type ProgressSink interface {
	StartFile(token Token, name string, size int64) FileProgress
}

// PathResolver computes the destination path for a download given the
// caller's target directory plus whatever filename hint the protocol
// handler could obtain (an HTTP Content-Disposition header value, or "" for
// FTP/SFTP, which have no equivalent response object).
type PathResolver func(contentDisposition, rawURL string) (string, error)

// Overrides carries the per-request overrides accepted by EnqueueFile:
// headers, max_splits, max_tries. A zero value means "use the config default".
type Overrides struct {
	Headers   http.Header
	MaxSplits int
	MaxTries  int
}

// RunParams bundles everything a Handler needs to run one file's transfer.
type RunParams struct {
	Ctx        context.Context
	Config     *config.Config
	HTTPClient *http.Client
	URL        string
	Resolver   PathResolver
	Overwrite  bool
	Token      Token
	Progress   ProgressSink
	Overrides  Overrides
	Logger     *logging.Logger
}

// Result is the success triple (final_url, filepath, tempfilepath) returned
// by a handler once its transfer, writer, and all workers have joined.
type Result struct {
	URL          string
	FilePath     string
	TempFilePath string
}

// Handler is the one capability every protocol transfer implements.
type Handler interface {
	RunDownload(p RunParams) (Result, error)
}

// HandlerFactory returns a fresh Handler instance; handlers are stateless
// across calls but may hold per-transfer state once constructed.
type HandlerFactory func() Handler

// Registry maps a URL scheme to the factory that builds its handler.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]HandlerFactory)}
}

// Register associates one or more schemes with a handler factory.
func (r *Registry) Register(schemes []string, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.factories[scheme] = factory
	}
}

// GetHandler returns a fresh handler for scheme, or an UnsupportedSchemeError
// if no factory is registered for it.
func (r *Registry) GetHandler(scheme string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[scheme]
	if !ok {
		return nil, &matriserr.UnsupportedSchemeError{Scheme: scheme, Supported: r.supportedLocked()}
	}
	return factory(), nil
}

// SupportedProtocols returns the set of registered schemes.
func (r *Registry) SupportedProtocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supportedLocked()
}

func (r *Registry) supportedLocked() []string {
	out := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		out = append(out, scheme)
	}
	return out
}

// GenerateRanges computes the split plan shared by HTTP and SFTP transfers
// (SPEC_FULL.md §4.4 step 3 / §4.6 step 3): split = max(1, length/maxSplits),
// with the last range's upper bound left open (-1) so the tail byte is
// always covered even when length doesn't divide evenly.
func GenerateRanges(length int64, maxSplits int) []ByteRange {
	if maxSplits < 1 {
		maxSplits = 1
	}
	splitLen := length / int64(maxSplits)
	if splitLen < 1 {
		splitLen = 1
	}

	var ranges []ByteRange
	for start := int64(0); start < length; start += splitLen {
		ranges = append(ranges, ByteRange{Start: start, End: start + splitLen})
	}
	if len(ranges) > 0 {
		ranges[len(ranges)-1].End = -1
	}
	return ranges
}

// ByteRange is a half-open [Start, End) byte range; End == -1 means "to end
// of file", the open-ended last range in the split plan.
type ByteRange struct {
	Start int64
	End   int64
}

// HeaderString renders a Range request header value, e.g. "bytes=0-1023" or
// "bytes=1024-" for an open-ended range.
func (b ByteRange) HeaderString() string {
	if b.End < 0 {
		return fmt.Sprintf("bytes=%d-", b.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", b.Start, b.End-1)
}
