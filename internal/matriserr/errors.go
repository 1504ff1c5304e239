// Package matriserr defines the error kinds the download engine raises and
// the outer FailedDownload wrapper that is the only network-layer error the
// result aggregator is allowed to see.
package matriserr

import "fmt"

// UnsupportedSchemeError is raised at enqueue time for a URL whose scheme has
// no registered transfer handler.
type UnsupportedSchemeError struct {
	Scheme    string
	Supported []string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported URL scheme %q (supported: %v)", e.Scheme, e.Supported)
}

// HTTPStatusError is raised when the HEAD probe returns a status outside
// [200,400).
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HEAD %s: unexpected status %d", e.URL, e.StatusCode)
}

// MultiPartRangeError is raised when a GET worker receives any status other
// than 206 Partial Content (ranged request) or 200 OK (unranged request).
type MultiPartRangeError struct {
	URL        string
	StatusCode int
}

func (e *MultiPartRangeError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// ProtocolError wraps an FTP or SFTP library-level protocol fault.
type ProtocolError struct {
	Protocol string // "ftp" or "sftp"
	URL      string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Protocol, e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FailedDownload is the outer wrapper carrying (intended_path, url, cause).
// It is the only network-layer error the result aggregator accepts; every
// protocol handler is responsible for converting any other error into one of
// these before it escapes the handler.
//
// IntendedPath may be empty: if the path resolver callback itself failed,
// no path was ever computed, and the aggregator must skip sidecar cleanup
// (see the first Open Question resolution in SPEC_FULL.md).
type FailedDownload struct {
	IntendedPath string
	URL          string
	Cause        error
}

func (e *FailedDownload) Error() string {
	return fmt.Sprintf("download failed: %s: %v", e.URL, e.Cause)
}

func (e *FailedDownload) Unwrap() error { return e.Cause }
