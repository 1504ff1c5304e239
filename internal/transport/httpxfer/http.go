// Package httpxfer implements the HTTP/HTTPS transfer state machine
// (SPEC_FULL.md §4.4): a HEAD probe to learn size and range support, a split
// plan over byte ranges, one GET worker per range feeding a shared writer
// queue, and per-worker retry of the whole range on failure.
package httpxfer

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/matris/internal/chunkqueue"
	"github.com/rescale/matris/internal/matriserr"
	"github.com/rescale/matris/internal/pathres"
	"github.com/rescale/matris/internal/retry"
	"github.com/rescale/matris/internal/transport"
)

// Handler implements transport.Handler for the http and https schemes.
type Handler struct{}

// New returns a fresh HTTP transfer handler.
func New() transport.Handler { return &Handler{} }

// RunDownload runs one file's HTTP transfer end to end: probe, resolve,
// split, fetch, write, promote.
func (h *Handler) RunDownload(p transport.RunParams) (transport.Result, error) {
	maxSplits := p.Config.MaxSplits
	if p.Overrides.MaxSplits > 0 {
		maxSplits = p.Overrides.MaxSplits
	}
	maxTries := p.Config.MaxTries
	if p.Overrides.MaxTries > 0 {
		maxTries = p.Overrides.MaxTries
	}
	headers := mergeHeaders(p.Config.Headers, p.Overrides.Headers)

	policy := retry.Policy{
		MaxTries: maxTries,
		Classify: retry.ClassifyHTTP,
		OnRetry: func(attempt int, class retry.Class, err error) {
			if p.Logger != nil {
				p.Logger.Debugf("http retry: url=%s attempt=%d class=%d err=%v", p.URL, attempt, class, err)
			}
		},
	}

	probe, err := h.probeHead(p, headers, policy)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}

	desiredPath, err := p.Resolver(probe.contentDisposition, probe.finalURL)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{URL: p.URL, Cause: err}
	}
	finalPath, tempPath, err := pathres.Claim(desiredPath, p.Overwrite)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: desiredPath, URL: p.URL, Cause: err}
	}

	file, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	defer file.Close()

	var fp transport.FileProgress
	if p.Progress != nil {
		fp = p.Progress.StartFile(p.Token, filepath.Base(finalPath), probe.contentLength)
	}

	ranges := h.splitPlan(probe, maxSplits)

	chunks := make(chan transport.Chunk, maxSplits*2+1)
	writeErrCh := make(chan error, 1)
	go func() {
		writeErrCh <- chunkqueue.Run(file, chunks, func(n int) {
			if fp != nil {
				fp.Add(n)
			}
		})
	}()

	g, gctx := errgroup.WithContext(p.Ctx)
	if len(ranges) == 0 {
		g.Go(func() error {
			return h.fetchRange(gctx, p.HTTPClient, p.URL, headers, nil, p.Config.ChunkSize, p.Config.Timeout, chunks, policy)
		})
	} else {
		for i := range ranges {
			rng := ranges[i]
			g.Go(func() error {
				return h.fetchRange(gctx, p.HTTPClient, p.URL, headers, &rng, p.Config.ChunkSize, p.Config.Timeout, chunks, policy)
			})
		}
	}
	workerErr := g.Wait()
	close(chunks)
	writeErr := <-writeErrCh

	if workerErr != nil {
		if fp != nil {
			fp.Complete(workerErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: workerErr}
	}
	if writeErr != nil {
		if fp != nil {
			fp.Complete(writeErr)
		}
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: writeErr}
	}

	if err := file.Close(); err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	promoted, err := pathres.Promote(tempPath)
	if err != nil {
		return transport.Result{}, &matriserr.FailedDownload{IntendedPath: finalPath, URL: p.URL, Cause: err}
	}
	if fp != nil {
		fp.Complete(nil)
	}

	return transport.Result{URL: probe.finalURL, FilePath: promoted, TempFilePath: tempPath}, nil
}

type headProbe struct {
	contentLength      int64
	acceptRanges       bool
	contentDisposition string
	// finalURL is the URL of the response actually received, after the HTTP
	// client has followed any redirects. Filename derivation and the
	// reported result URL both treat this as authoritative, not the
	// originally-requested URL.
	finalURL string
}

func (h *Handler) probeHead(p transport.RunParams, headers http.Header, policy retry.Policy) (headProbe, error) {
	probe := headProbe{finalURL: p.URL}
	err := policy.Do(p.Ctx, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(p.Ctx, p.Config.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodHead, p.URL, nil)
		if err != nil {
			return err
		}
		applyHeaders(req, headers)

		resp, err := p.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return &matriserr.HTTPStatusError{URL: p.URL, StatusCode: resp.StatusCode}
		}

		finalURL := p.URL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}

		probe = headProbe{
			contentLength:      resp.ContentLength,
			acceptRanges:       resp.Header.Get("Accept-Ranges") == "bytes",
			contentDisposition: resp.Header.Get("Content-Disposition"),
			finalURL:           finalURL,
		}
		return nil
	})
	return probe, err
}

// splitPlan returns nil when the server didn't advertise length/range support
// or max_splits collapses to one worker — a single unranged GET is used
// instead of a degenerate one-element range plan.
func (h *Handler) splitPlan(probe headProbe, maxSplits int) []transport.ByteRange {
	if maxSplits <= 1 || probe.contentLength <= 0 || !probe.acceptRanges {
		return nil
	}
	return transport.GenerateRanges(probe.contentLength, maxSplits)
}

// fetchRange performs one GET, optionally range-scoped, streaming the body
// into chunkSize-sized positioned chunks. The whole range is re-fetched from
// its start offset on each retry attempt; positioned writes make that replay
// idempotent.
func (h *Handler) fetchRange(
	ctx context.Context,
	client *http.Client,
	url string,
	headers http.Header,
	rng *transport.ByteRange,
	chunkSize int,
	timeout time.Duration,
	chunks chan<- transport.Chunk,
	policy retry.Policy,
) error {
	startOffset := int64(0)
	if rng != nil {
		startOffset = rng.Start
	}

	return policy.Do(ctx, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		applyHeaders(req, headers)
		if rng != nil {
			req.Header.Set("Range", rng.HeaderString())
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		wantStatus := http.StatusOK
		if rng != nil {
			wantStatus = http.StatusPartialContent
		}
		if resp.StatusCode != wantStatus {
			return &matriserr.MultiPartRangeError{URL: url, StatusCode: resp.StatusCode}
		}

		pos := startOffset
		buf := make([]byte, chunkSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- transport.Chunk{Offset: pos, Data: data}:
				case <-attemptCtx.Done():
					return attemptCtx.Err()
				}
				pos += int64(n)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	})
}

func applyHeaders(req *http.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func mergeHeaders(base, override http.Header) http.Header {
	merged := make(http.Header, len(base)+len(override))
	for k, vs := range base {
		merged[k] = append([]string(nil), vs...)
	}
	for k, vs := range override {
		merged[k] = append([]string(nil), vs...)
	}
	return merged
}
