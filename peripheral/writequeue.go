package peripheral

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/groutine"
)

// queueCmd is one mutation request for a write queue. All queue state is
// owned by the queue's drain goroutine; commands are the only way in.
type queueCmd struct {
	op       cmdOp
	wctx     *writeContext // cmdAdd
	id       uint64        // cmdCancel
	services []string      // cmdInvalidate, normalized service UUIDs
	cause    error         // cmdTeardown, for logging only
}

type cmdOp int

const (
	cmdAdd cmdOp = iota
	cmdCancel
	cmdInvalidate
	cmdTeardown
	cmdOnline
)

// writeQueue serializes chunked writes of one mode toward one peripheral.
// Contexts join a FIFO; a single drain goroutine issues at most one
// platform write at a time (with-response) or streams chunks while the
// platform reports ready (without-response). The goroutine owns the FIFO
// exclusively, so removal, completion, and head re-reads never race.
type writeQueue struct {
	mode adapter.WriteMode
	link adapter.Peripheral
	log  *logrus.Entry

	cmds  chan queueCmd
	acks  chan error    // with-response platform acks
	ready chan struct{} // without-response readiness edges, coalesced

	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool

	// Drain-goroutine state. Never touched elsewhere.
	items      *orderedmap.OrderedMap[uint64, *writeContext]
	awaitingID uint64 // id the outstanding with-response chunk was issued for
	awaiting   bool
	down       bool // between teardown and the next online
}

func newWriteQueue(link adapter.Peripheral, mode adapter.WriteMode, log *logrus.Entry) *writeQueue {
	q := &writeQueue{
		mode:  mode,
		link:  link,
		log:   log.WithField("queue", mode.String()),
		cmds:  make(chan queueCmd, 16),
		acks:  make(chan error, 1),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		items: orderedmap.New[uint64, *writeContext](),
		down:  true, // nothing writable until the first connect
	}
	groutine.Go(nil, "writequeue/"+mode.String()+"/"+link.ID(), func(_ context.Context) { q.run() })
	return q
}

// enqueue hands a validated context to the drain goroutine and returns its
// armed cancel handle.
func (q *writeQueue) enqueue(w *writeContext) CancelFunc {
	q.send(queueCmd{op: cmdAdd, wctx: w})
	id := w.id
	return func() { q.cancel(id) }
}

// cancel removes the identified context if it is still queued.
func (q *writeQueue) cancel(id uint64) {
	q.send(queueCmd{op: cmdCancel, id: id})
}

// invalidate removes every context targeting one of the named services.
func (q *writeQueue) invalidate(serviceUUIDs []string) {
	q.send(queueCmd{op: cmdInvalidate, services: serviceUUIDs})
}

// teardown flushes the whole queue with Disconnected completions.
func (q *writeQueue) teardown(cause error) {
	q.send(queueCmd{op: cmdTeardown, cause: cause})
}

// online re-arms the queue after a connect.
func (q *writeQueue) online() {
	q.send(queueCmd{op: cmdOnline})
}

// send delivers a command unless the queue is closed. The closed flag is
// flipped before done closes, so a command that gets into the channel here
// is always seen by the drain goroutine's final sweep; adds that arrive
// after close still complete, just never from the caller's goroutine.
func (q *writeQueue) send(cmd queueCmd) {
	q.closeMu.RLock()
	if q.closed {
		q.closeMu.RUnlock()
		if cmd.op == cmdAdd {
			go q.finishDetached(cmd.wctx)
		}
		return
	}
	q.cmds <- cmd
	q.closeMu.RUnlock()
}

func (q *writeQueue) finishDetached(w *writeContext) {
	q.log.WithField("write_id", w.id).Debug("write arrived after queue close")
	if w.complete != nil {
		w.complete(ErrDisconnected)
	}
}

// ack delivers a with-response platform completion. Non-blocking: the
// platform dispatcher must never stall on a slow queue, and at most one
// ack can be outstanding, so a full buffer means the ack is spurious.
func (q *writeQueue) ack(err error) {
	select {
	case q.acks <- err:
	default:
		q.log.Warn("dropping unexpected write ack")
	}
}

// signalReady delivers a readiness edge. Coalesced.
func (q *writeQueue) signalReady() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// close stops the drain goroutine after flushing queued writes.
func (q *writeQueue) close() {
	q.closeOnce.Do(func() {
		q.closeMu.Lock()
		q.closed = true
		q.closeMu.Unlock()
		close(q.done)
	})
}

// run is the drain loop. Between steps it polls for commands so a cancel
// lands within one chunk even when the platform stays ready; once no
// progress is possible it parks until a command, ack, or readiness edge.
func (q *writeQueue) run() {
	for {
		if q.step() {
			select {
			case cmd := <-q.cmds:
				q.handleCmd(cmd)
			case err := <-q.acks:
				q.handleAck(err)
			case <-q.ready:
			case <-q.done:
				q.shutdown()
				return
			default:
			}
			continue
		}

		select {
		case cmd := <-q.cmds:
			q.handleCmd(cmd)
		case err := <-q.acks:
			q.handleAck(err)
		case <-q.ready:
		case <-q.done:
			q.shutdown()
			return
		}
	}
}

// step issues at most one chunk. Reports whether it made progress. The
// head is re-read from the FIFO on every call, so a context removed while
// the loop was parked is never written for again.
func (q *writeQueue) step() bool {
	if q.down {
		return false
	}
	pair := q.items.Oldest()
	if pair == nil {
		return false
	}
	head := pair.Value

	switch q.mode {
	case adapter.WriteWithResponse:
		if q.awaiting {
			return false
		}
		chunk := head.nextChunk()
		q.log.WithFields(logrus.Fields{
			"write_id": head.id,
			"char":     head.char.UUID,
			"len":      len(chunk),
			"left":     len(head.chunks),
		}).Debug("issuing chunk")
		q.awaiting, q.awaitingID = true, head.id
		q.link.WriteCharacteristic(head.char.handle, chunk, q.mode)
		return true

	default: // adapter.WriteWithoutResponse
		if !q.link.CanSendWriteWithoutResponse() {
			// Parked until the readiness edge; the unsent chunk stays
			// on the context.
			return false
		}
		chunk := head.nextChunk()
		q.log.WithFields(logrus.Fields{
			"write_id": head.id,
			"char":     head.char.UUID,
			"len":      len(chunk),
			"left":     len(head.chunks),
		}).Debug("issuing chunk")
		q.link.WriteCharacteristic(head.char.handle, chunk, q.mode)
		if head.exhausted() {
			q.items.Delete(head.id)
			q.finish(head, nil)
		}
		return true
	}
}

func (q *writeQueue) handleCmd(cmd queueCmd) {
	switch cmd.op {
	case cmdAdd:
		if q.down {
			q.finish(cmd.wctx, ErrDisconnected)
			return
		}
		q.items.Set(cmd.wctx.id, cmd.wctx)

	case cmdCancel:
		w, ok := q.items.Get(cmd.id)
		if !ok {
			return // already completed, canceled twice, or torn down
		}
		q.items.Delete(cmd.id)
		q.finish(w, ErrOperationCanceled)

	case cmdInvalidate:
		invalid := make(map[string]bool, len(cmd.services))
		for _, u := range cmd.services {
			invalid[u] = true
		}
		var hit []*writeContext
		for pair := q.items.Oldest(); pair != nil; pair = pair.Next() {
			if invalid[pair.Value.char.ServiceUUID] {
				hit = append(hit, pair.Value)
			}
		}
		for _, w := range hit {
			q.items.Delete(w.id)
			q.finish(w, ErrInvalidService)
		}

	case cmdTeardown:
		q.flush(cmd.cause)

	case cmdOnline:
		q.down = false
	}
}

// handleAck resolves the outstanding with-response chunk. An ack whose
// context was removed while the chunk was in flight is dropped; the next
// step starts on the new head.
func (q *writeQueue) handleAck(err error) {
	if !q.awaiting {
		q.log.Warn("write ack with nothing outstanding")
		return
	}
	q.awaiting = false
	id := q.awaitingID
	q.awaitingID = 0

	pair := q.items.Oldest()
	if pair == nil || pair.Value.id != id {
		q.log.WithField("write_id", id).Debug("ack for removed write")
		return
	}
	head := pair.Value

	if err != nil {
		q.items.Delete(head.id)
		q.finish(head, wrapWriteFailed(err))
		return
	}
	if head.exhausted() {
		q.items.Delete(head.id)
		q.finish(head, nil)
	}
}

// flush completes everything with Disconnected, in enqueue order, and
// clears the outstanding-ack marker: the link is gone, no ack will come.
func (q *writeQueue) flush(cause error) {
	q.down = true
	q.awaiting = false
	q.awaitingID = 0

	n := q.items.Len()
	for pair := q.items.Oldest(); pair != nil; pair = q.items.Oldest() {
		w := pair.Value
		q.items.Delete(w.id)
		q.finish(w, ErrDisconnected)
	}
	if n > 0 {
		q.log.WithFields(logrus.Fields{"flushed": n, "cause": cause}).Info("write queue flushed")
	}
}

// shutdown runs once when the queue is closed for good. Every command
// that made it into the channel before the closed flag flipped is swept
// here; anything later takes the detached path in send.
func (q *writeQueue) shutdown() {
	q.flush(nil)
	for {
		select {
		case cmd := <-q.cmds:
			if cmd.op == cmdAdd {
				q.finish(cmd.wctx, ErrDisconnected)
			}
		default:
			return
		}
	}
}

// finish fires a completion exactly once: the context left the FIFO in the
// same action. Runs on the drain goroutine only.
func (q *writeQueue) finish(w *writeContext, err error) {
	if err != nil {
		q.log.WithFields(logrus.Fields{"write_id": w.id, "err": err}).Debug("write completed")
	} else {
		q.log.WithField("write_id", w.id).Debug("write completed")
	}
	if w.complete != nil {
		w.complete(err)
	}
}
