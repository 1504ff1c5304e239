package progress

import (
	"testing"

	"github.com/rescale/matris/internal/transport"
)

func TestTruncatePath_ShortPathUnchanged(t *testing.T) {
	if got := truncatePath("file.txt", 2); got != "file.txt" {
		t.Errorf("got %q, want file.txt", got)
	}
}

func TestTruncatePath_LongPathKeepsLastComponents(t *testing.T) {
	got := truncatePath("/a/b/c/d/file.txt", 2)
	want := ".../d/file.txt"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNoOpSink_NeverPanics(t *testing.T) {
	var sink NoOpSink
	fp := sink.StartFile(transport.Token{N: 1}, "name", 100)
	fp.Add(10)
	fp.SetRetry(1)
	fp.Complete(nil)
}
