package httpxfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rescale/matris/internal/config"
	"github.com/rescale/matris/internal/transport"
)

// rangeServer serves content with full Accept-Ranges support, used to
// exercise the multi-worker split path.
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))

		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}

		start, end, ok := parseRangeHeader(rangeHeader, len(content))
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
}

func parseRangeHeader(h string, total int) (start, end int, ok bool) {
	h = strings.TrimPrefix(h, "bytes=")
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

// noRangeServer never advertises range support; its GET always returns the
// whole body, regardless of any Range header sent.
func noRangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
}

func dirResolver(dir string) transport.PathResolver {
	return func(contentDisposition, rawURL string) (string, error) {
		name := filepath.Base(rawURL)
		if name == "" || name == "/" {
			name = "download"
		}
		return filepath.Join(dir, name), nil
	}
}

func runParams(ctx context.Context, url string, dir string) transport.RunParams {
	cfg := config.New(config.WithMaxSplits(4), config.WithMaxTries(2))
	return transport.RunParams{
		Ctx:        ctx,
		Config:     cfg,
		HTTPClient: http.DefaultClient,
		URL:        url,
		Resolver:   dirResolver(dir),
		Overwrite:  true,
		Token:      transport.Token{N: 1},
	}
}

func TestRunDownload_RangeServerSplitsAcrossWorkers(t *testing.T) {
	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	h := New()
	result, err := h.RunDownload(runParams(context.Background(), srv.URL+"/data.bin", dir))
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}

	got, err := os.ReadFile(result.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

func TestRunDownload_NoRangeSupportFallsBackToSingleFetch(t *testing.T) {
	content := []byte("no ranges here, just the whole body every time")
	srv := noRangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	h := New()
	result, err := h.RunDownload(runParams(context.Background(), srv.URL+"/plain.txt", dir))
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}

	got, err := os.ReadFile(result.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestRunDownload_HeadFailureWrapsAsFailedDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.New(config.WithMaxTries(1))
	p := runParams(context.Background(), srv.URL+"/missing.bin", dir)
	p.Config = cfg

	h := New()
	_, err := h.RunDownload(p)
	if err == nil {
		t.Fatal("expected an error for a 404 HEAD response")
	}
}

// redirectServer 3xx-redirects its HEAD and GET requests for /old/* to the
// matching /new/* path, which serves content with no Content-Disposition.
func redirectServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/old/") {
			target := srv.URL + "/new/" + strings.TrimPrefix(r.URL.Path, "/old/")
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	return srv
}

// TestRunDownload_RedirectDerivesFilenameFromFinalURL covers the arbiter's
// treat-final-URL-as-authoritative rule: a HEAD redirect with no
// Content-Disposition must name the file after the URL it actually landed
// on, not the one originally requested.
func TestRunDownload_RedirectDerivesFilenameFromFinalURL(t *testing.T) {
	content := []byte("served from the redirect target")
	srv := redirectServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	h := New()
	result, err := h.RunDownload(runParams(context.Background(), srv.URL+"/old/report.csv", dir))
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}

	wantPath := filepath.Join(dir, "report.csv")
	if result.FilePath != wantPath {
		t.Errorf("expected file at %s, got %s", wantPath, result.FilePath)
	}
	if !strings.Contains(result.URL, "/new/report.csv") {
		t.Errorf("expected result URL to reflect the redirect target, got %s", result.URL)
	}
}

func TestRunDownload_NoSidecarLeftBehindAfterSuccess(t *testing.T) {
	content := []byte("tidy up the sidecar once promoted")
	srv := noRangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	h := New()
	result, err := h.RunDownload(runParams(context.Background(), srv.URL+"/clean.txt", dir))
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}
	if _, err := os.Stat(result.TempFilePath); !os.IsNotExist(err) {
		t.Errorf("expected sidecar %s to be gone after promotion", result.TempFilePath)
	}
}
