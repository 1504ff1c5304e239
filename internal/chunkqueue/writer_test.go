package chunkqueue

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRun_OutOfOrderChunksWritePositionally(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	chunks := make(chan Chunk, 4)
	chunks <- Chunk{Offset: 5, Data: []byte("world")}
	chunks <- Chunk{Offset: 0, Data: []byte("hello")}
	close(chunks)

	var written int
	if err := Run(f, chunks, func(n int) { written += n }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if written != 10 {
		t.Errorf("expected 10 bytes reported written, got %d", written)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "helloworld" {
		t.Errorf("expected helloworld, got %q", got)
	}
}

func TestRun_EmptyChunkIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	chunks := make(chan Chunk, 1)
	chunks <- Chunk{Offset: 0, Data: nil}
	close(chunks)

	calls := 0
	if err := Run(f, chunks, func(n int) { calls++ }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected onWrite not to be called for an empty chunk, got %d calls", calls)
	}
}
