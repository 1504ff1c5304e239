// Package chunkqueue implements the writer task (SPEC_FULL.md §4.2): the
// single consumer of a per-file chunk queue that performs positioned writes
// to the sidecar temp file, making producer order irrelevant.
package chunkqueue

import "os"

// Chunk is one (offset, bytes) item produced by a download worker.
type Chunk struct {
	Offset int64
	Data   []byte
}

// ProgressFunc is invoked after each chunk is durably written, with the
// number of bytes just written.
type ProgressFunc func(n int)

// Run consumes chunks from the queue, performing a positioned write followed
// by a flush for each one, until the channel is closed. The caller is
// responsible for closing chunks once every producer goroutine has
// returned — that closure is this writer's only termination signal,
// matching the "cancelled by its owning transfer once the queue reports
// drained" behavior in SPEC_FULL.md §4.2 expressed in channel-idiomatic Go.
// After a failed write or flush, the remaining chunks are drained without
// being written, and the first error is returned once the channel is closed.
func Run(file *os.File, chunks <-chan Chunk, onWrite ProgressFunc) error {
	var firstErr error
	for c := range chunks {
		if firstErr != nil || len(c.Data) == 0 {
			continue
		}
		if _, err := file.WriteAt(c.Data, c.Offset); err != nil {
			firstErr = err
			continue
		}
		if err := file.Sync(); err != nil {
			firstErr = err
			continue
		}
		if onWrite != nil {
			onWrite(len(c.Data))
		}
	}
	return firstErr
}
