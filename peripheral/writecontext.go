package peripheral

import (
	"sync/atomic"

	"github.com/scchn/smurfble/adapter"
)

// CompletionFunc receives the terminal outcome of a write: nil on success,
// or a *WriteError. It is invoked exactly once, from an engine goroutine,
// never synchronously from the enqueue call. It must not block.
type CompletionFunc func(err error)

// CancelFunc requests removal of a queued write. Safe to call from any
// goroutine, idempotent, and a no-op once the write has completed. Writes
// rejected by validation return an inert CancelFunc.
type CancelFunc func()

// writeSeq issues write identities. Identities are unique per process and
// never reused, so a stale cancel or ack can always be told apart from a
// live one.
var writeSeq atomic.Uint64

// writeContext is one queued write: its identity, target, mode, the chunks
// still to be sent (consumed from the front), and the caller's completion.
type writeContext struct {
	id       uint64
	char     *Characteristic
	mode     adapter.WriteMode
	chunks   [][]byte
	complete CompletionFunc
}

func newWriteContext(char *Characteristic, mode adapter.WriteMode, value []byte, chunkSize int, complete CompletionFunc) *writeContext {
	return &writeContext{
		id:       writeSeq.Add(1),
		char:     char,
		mode:     mode,
		chunks:   Chunks(value, chunkSize),
		complete: complete,
	}
}

// nextChunk pops the front chunk. Callers check exhausted first; popping an
// exhausted context returns nil.
func (w *writeContext) nextChunk() []byte {
	if len(w.chunks) == 0 {
		return nil
	}
	c := w.chunks[0]
	w.chunks = w.chunks[1:]
	return c
}

// exhausted reports whether every chunk has been consumed.
func (w *writeContext) exhausted() bool {
	return len(w.chunks) == 0
}
