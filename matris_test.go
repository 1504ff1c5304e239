package matris

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

// S1: a single HTTP file carrying a Content-Disposition filename downloads
// to that filename with the exact expected content.
func TestDownload_ContentDispositionFilename(t *testing.T) {
	body := []byte("HIRE ME! I'M A TEST FILE!")
	wantSum := "e74f4c92ee3794ed642d88e9a470d9d582e7e946aa5ffdb3b6f7060b9856046e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename=testfile.txt`)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(WithMaxSplits(1))
	if err := d.EnqueueFile(srv.URL+"/download", WithPath(dir)); err != nil {
		t.Fatalf("EnqueueFile: %v", err)
	}

	results, err := d.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n := results.FailedCount(); n != 0 {
		t.Fatalf("expected no failures, got %d: %v", n, results.Errors())
	}
	successes := results.Successes()
	if len(successes) != 1 {
		t.Fatalf("expected exactly one success, got %d", len(successes))
	}

	got := successes[0]
	if filepath.Base(got.FilePath) != "testfile.txt" {
		t.Errorf("FilePath basename = %q, want testfile.txt", filepath.Base(got.FilePath))
	}

	data, err := os.ReadFile(got.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != wantSum {
		t.Errorf("sha256 = %s, want %s", hex.EncodeToString(sum[:]), wantSum)
	}

	if _, err := os.Stat(got.FilePath + ".matris"); !os.IsNotExist(err) {
		t.Errorf("sidecar still present after success")
	}
}

// S2: a 404 HEAD response retries up to max_tries, ends up as an Error, and
// leaves nothing on disk.
func TestDownload_404ExhaustsRetriesAndLeavesNoFiles(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(WithMaxTries(3))
	if err := d.EnqueueFile(srv.URL+"/missing", WithPath(dir)); err != nil {
		t.Fatalf("EnqueueFile: %v", err)
	}

	results, err := d.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n := results.FailedCount(); n != 1 {
		t.Fatalf("expected exactly one failure, got %d", n)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty directory after failure, found %v", entries)
	}
}

// S3: a range-capable multipart server splits into max_splits workers, makes
// 1 HEAD + S GET requests, and reassembles the exact byte stream.
func TestDownload_RangeServerSplitsIntoExactlyMaxSplitsRequests(t *testing.T) {
	content := bytesRepeat("multipart", 100)
	var requests int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))

		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}

		start, end, ok := parseTestRangeHeader(r.Header.Get("Range"), len(content))
		if !ok {
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(WithMaxSplits(10))
	if err := d.EnqueueFile(srv.URL+"/multipart.bin", WithPath(dir), WithFilename("multipart.bin")); err != nil {
		t.Fatalf("EnqueueFile: %v", err)
	}

	results, err := d.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n := results.FailedCount(); n != 0 {
		t.Fatalf("expected no failures, got %d: %v", n, results.Errors())
	}

	if got := atomic.LoadInt32(&requests); got != 11 {
		t.Errorf("server saw %d requests, want 11 (1 HEAD + 10 splits)", got)
	}

	got, err := os.ReadFile(filepath.Join(dir, "multipart.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file in %s, found %d", dir, len(entries))
	}
}

// Name-collision property (testable property 5): enqueueing N URLs that
// resolve to the same filename in the same directory with overwrite=false
// produces N distinct, numbered files.
func TestDownload_NameCollisionProducesNumberedVariants(t *testing.T) {
	content := []byte("same name, different source")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(WithOverwrite(false))
	for i := 0; i < 3; i++ {
		if err := d.EnqueueFile(srv.URL+"/a"+strconv.Itoa(i), WithPath(dir), WithFilename("same.txt")); err != nil {
			t.Fatalf("EnqueueFile %d: %v", i, err)
		}
	}

	results, err := d.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n := results.FailedCount(); n != 0 {
		t.Fatalf("expected no failures, got %d: %v", n, results.Errors())
	}

	want := map[string]bool{"same.txt": false, "same.1.txt": false, "same.2.txt": false}
	for _, s := range results.Successes() {
		base := filepath.Base(s.FilePath)
		if _, ok := want[base]; !ok {
			t.Errorf("unexpected file name %q", base)
			continue
		}
		want[base] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected %q to have been produced", name)
		}
	}
}

// Testable property 1: |success| + |errors| always equals the enqueued
// count, across a mixed batch of successes and failures.
func TestDownload_SuccessPlusErrorsEqualsEnqueued(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fine"))
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	dir := t.TempDir()
	d := NewDownloader(WithMaxTries(1))
	urls := []string{ok.URL + "/one", bad.URL + "/two", ok.URL + "/three"}
	for i, u := range urls {
		if err := d.EnqueueFile(u, WithPath(dir), WithFilename(fmt.Sprintf("f%d.txt", i))); err != nil {
			t.Fatalf("EnqueueFile: %v", err)
		}
	}

	results, err := d.Download(context.Background())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := len(results.Successes()) + len(results.Errors()); got != len(urls) {
		t.Errorf("success+errors = %d, want %d", got, len(urls))
	}
	if len(results.URLs()) != len(urls) {
		t.Errorf("URLs() returned %d entries, want %d", len(results.URLs()), len(urls))
	}
}

// Testable property 4: construction clamps every knob to >= 1.
func TestNewDownloader_ClampsConfig(t *testing.T) {
	d := NewDownloader(WithMaxParallel(0), WithMaxSplits(-1), WithMaxTries(0))
	if d.cfg.MaxParallel < 1 || d.cfg.MaxSplits < 1 || d.cfg.MaxTries < 1 {
		t.Errorf("expected clamped config, got %+v", d.cfg)
	}
}

// EnqueueFile must reject unsupported schemes immediately rather than
// deferring the failure to Download.
func TestEnqueueFile_UnsupportedSchemeFailsImmediately(t *testing.T) {
	d := NewDownloader()
	if err := d.EnqueueFile("gopher://example.com/thing"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
	if d.QueuedDownloads() != 0 {
		t.Errorf("expected nothing queued after a rejected enqueue, got %d", d.QueuedDownloads())
	}
}

func bytesRepeat(s string, n int) []byte {
	return []byte(strings.Repeat(s, n))
}

func parseTestRangeHeader(h string, total int) (start, end int, ok bool) {
	h = strings.TrimPrefix(h, "bytes=")
	if h == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(h, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		end = total - 1
	} else {
		end, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return start, end, true
}
