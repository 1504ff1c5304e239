// Package retry implements the engine's cross-cutting retry policy: a
// higher-order wrapper around a fallible operation that distinguishes
// timeout-class, retryable-class, and fatal errors, as described in
// SPEC_FULL.md §4.3. Two concrete classifiers share this skeleton — one for
// HTTP-class errors, one for FTP/SFTP-class errors — using a three-way
// timeout/retryable/fatal split and linear (not exponential) backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rescale/matris/internal/matriserr"
)

// Class is the outcome of classifying a failed attempt.
type Class int

const (
	// ClassFatal errors propagate immediately; no retry is attempted.
	ClassFatal Class = iota
	// ClassTimeout errors are free retries: sleep 1s, don't count against max_tries.
	ClassTimeout
	// ClassRetryable errors count against max_tries and back off linearly.
	ClassRetryable
)

// Classifier maps an error to a retry Class.
type Classifier func(err error) Class

// Policy decorates an operation with bounded retries and backoff.
type Policy struct {
	// MaxTries is the per-call retry budget (a policy property, not a
	// build-time constant — the same Policy value is reused across calls
	// with differing MaxTries via WithMaxTries).
	MaxTries int
	// Classify determines how a non-nil error from the operation is handled.
	Classify Classifier
	// OnRetry, if set, is invoked before each sleep-and-retry (not before a
	// terminal failure). Used by callers to log retry attempts.
	OnRetry func(attempt int, class Class, err error)
}

// WithMaxTries returns a copy of the policy with a different retry budget.
func (p Policy) WithMaxTries(maxTries int) Policy {
	p.MaxTries = maxTries
	return p
}

// Do runs op, retrying according to the policy's classifier until it
// succeeds, exhausts its retry budget, or ctx is cancelled. attempt passed to
// op starts at 1 and only increments on retryable-class failures —
// timeout-class failures retry the same attempt number, matching the "free
// retry" semantics in SPEC_FULL.md §4.3.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	attempts := 1
	for {
		err := op(attempts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		class := ClassFatal
		if p.Classify != nil {
			class = p.Classify(err)
		}

		switch class {
		case ClassTimeout:
			if p.OnRetry != nil {
				p.OnRetry(attempts, class, err)
			}
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			// Free retry: attempts is not incremented.

		case ClassRetryable:
			if attempts < p.MaxTries {
				if p.OnRetry != nil {
					p.OnRetry(attempts, class, err)
				}
				backoff := time.Duration(attempts) * time.Second / 2
				if !sleepCtx(ctx, backoff) {
					return ctx.Err()
				}
				attempts++
				continue
			}
			return err

		default: // ClassFatal
			return err
		}
	}
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isTimeout reports whether err represents an expired context deadline or a
// network-level timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// ClassifyHTTP implements the HTTP-class error set: HTTP non-2xx
// (HTTPStatusError/MultiPartRangeError), generic transport/DNS errors, and
// context/network timeouts.
func ClassifyHTTP(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if isTimeout(err) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	var statusErr *matriserr.HTTPStatusError
	if errors.As(err, &statusErr) {
		return ClassRetryable
	}
	var rangeErr *matriserr.MultiPartRangeError
	if errors.As(err, &rangeErr) {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassRetryable
	}

	return ClassFatal
}

// ClassifyFTPSFTP implements the FTP/SFTP-class error set: library-level
// protocol faults and DNS/transport errors, plus timeouts.
func ClassifyFTPSFTP(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if isTimeout(err) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	var protoErr *matriserr.ProtocolError
	if errors.As(err, &protoErr) {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassRetryable
	}

	return ClassFatal
}
