package peripheral

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/testutils"
)

const (
	waitTimeout = 2 * time.Second
	// settleTime is how long a test waits before asserting that the engine
	// issued nothing further. A correct engine is deterministic here: the
	// forbidden write can only happen through a logic error, not a timing
	// one, so the window just needs to let the goroutine run.
	settleTime = 50 * time.Millisecond
)

// outcome is one labeled completion.
type outcome struct {
	label string
	err   error
}

type WriteQueueSuite struct {
	suitelib.Suite

	logger *logrus.Logger
}

func TestWriteQueueSuite(t *testing.T) {
	suitelib.Run(t, new(WriteQueueSuite))
}

func (s *WriteQueueSuite) SetupSuite() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
}

// newQueue builds an armed queue over a fresh fake link.
func (s *WriteQueueSuite) newQueue(mode adapter.WriteMode) (*writeQueue, *testutils.FakePeripheral) {
	link := testutils.NewFakePeripheral()
	q := newWriteQueue(link, mode, s.logger.WithField("component", "test"))
	q.online()
	s.T().Cleanup(q.close)
	return q, link
}

// newChar builds a characteristic wired to a fake handle.
func (s *WriteQueueSuite) newChar(serviceUUID, uuid string) *Characteristic {
	h := testutils.NewFakeCharacteristic(serviceUUID, uuid,
		adapter.PropertyWrite|adapter.PropertyWriteWithoutResponse)
	return &Characteristic{
		UUID:        uuid,
		ServiceUUID: serviceUUID,
		Properties:  h.Props,
		handle:      h,
	}
}

// enqueue adds a labeled write and returns its cancel handle.
func (s *WriteQueueSuite) enqueue(q *writeQueue, ch *Characteristic, value []byte, chunkSize int, label string, outcomes chan outcome) CancelFunc {
	w := newWriteContext(ch, q.mode, value, chunkSize, func(err error) {
		outcomes <- outcome{label: label, err: err}
	})
	return q.enqueue(w)
}

// nextChunk waits for the next platform write.
func (s *WriteQueueSuite) nextChunk(link *testutils.FakePeripheral) testutils.WriteCall {
	call, ok := link.NextWrite(waitTimeout)
	s.Require().True(ok, "timed out waiting for a chunk")
	return call
}

// nextOutcome waits for the next completion.
func (s *WriteQueueSuite) nextOutcome(outcomes chan outcome) outcome {
	select {
	case o := <-outcomes:
		return o
	case <-time.After(waitTimeout):
		s.Require().Fail("timed out waiting for a completion")
		return outcome{}
	}
}

// settle gives the drain goroutine time to do anything it should not.
func (s *WriteQueueSuite) settle() {
	time.Sleep(settleTime)
}

func (s *WriteQueueSuite) TestWithResponseChunkSequence() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)

	s.enqueue(q, ch, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 4, "w", outcomes)

	first := s.nextChunk(link)
	s.Equal([]byte{0, 1, 2, 3}, first.Value)
	s.Equal(adapter.WriteWithResponse, first.Mode)
	s.Same(ch.handle, first.Char)

	// Single outstanding chunk until the ack lands.
	s.settle()
	s.Equal(0, link.PendingWrites())

	q.ack(nil)
	s.Equal([]byte{4, 5, 6, 7}, s.nextChunk(link).Value)
	q.ack(nil)
	s.Equal([]byte{8, 9}, s.nextChunk(link).Value)
	q.ack(nil)

	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestWithResponsePlatformError() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)
	cause := errors.New("att error 0x0e")

	s.enqueue(q, ch, []byte{1, 2, 3, 4}, 2, "w", outcomes)

	s.nextChunk(link)
	q.ack(cause)

	got := s.nextOutcome(outcomes)
	s.ErrorIs(got.err, ErrWriteFailed)
	s.True(IsWriteFailure(got.err, WriteFailed))
	s.ErrorIs(got.err, cause)

	// The failed context is gone; the remaining chunk is never issued.
	s.settle()
	s.Equal(0, link.PendingWrites())

	// A fresh write proceeds normally.
	s.enqueue(q, ch, []byte{9}, 2, "next", outcomes)
	s.Equal([]byte{9}, s.nextChunk(link).Value)
	q.ack(nil)
	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestCompletionOrderAcrossWrites() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 2)

	s.enqueue(q, ch, []byte{0xA0, 0xA1, 0xA2, 0xA3}, 2, "a", outcomes)
	s.enqueue(q, ch, []byte{0xB0}, 2, "b", outcomes)

	s.Equal([]byte{0xA0, 0xA1}, s.nextChunk(link).Value)
	q.ack(nil)
	s.Equal([]byte{0xA2, 0xA3}, s.nextChunk(link).Value)
	q.ack(nil)
	s.Equal([]byte{0xB0}, s.nextChunk(link).Value)
	q.ack(nil)

	s.Equal("a", s.nextOutcome(outcomes).label)
	s.Equal("b", s.nextOutcome(outcomes).label)
}

func (s *WriteQueueSuite) TestCancelQueuedWrite() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 2)

	s.enqueue(q, ch, []byte{0xA0, 0xA1}, 1, "a", outcomes)
	cancelB := s.enqueue(q, ch, []byte{0xB0}, 1, "b", outcomes)

	s.Equal([]byte{0xA0}, s.nextChunk(link).Value)

	cancelB()
	got := s.nextOutcome(outcomes)
	s.Equal("b", got.label)
	s.ErrorIs(got.err, ErrOperationCanceled)

	q.ack(nil)
	s.Equal([]byte{0xA1}, s.nextChunk(link).Value)
	q.ack(nil)
	s.NoError(s.nextOutcome(outcomes).err)

	// b's payload never reached the platform.
	s.settle()
	s.Equal(0, link.PendingWrites())
}

func (s *WriteQueueSuite) TestCancelInFlightWrite() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 2)

	cancelA := s.enqueue(q, ch, []byte{0xA0, 0xA1, 0xA2}, 1, "a", outcomes)
	s.Equal([]byte{0xA0}, s.nextChunk(link).Value)

	// The completion fires on cancel, not on the eventual stale ack.
	cancelA()
	got := s.nextOutcome(outcomes)
	s.Equal("a", got.label)
	s.ErrorIs(got.err, ErrOperationCanceled)

	// The in-flight chunk still holds the single-outstanding slot.
	s.enqueue(q, ch, []byte{0xB0}, 1, "b", outcomes)
	s.settle()
	s.Equal(0, link.PendingWrites())

	// The stale ack is dropped and frees the slot for b.
	q.ack(nil)
	s.Equal([]byte{0xB0}, s.nextChunk(link).Value)
	q.ack(nil)
	s.Equal("b", s.nextOutcome(outcomes).label)
}

func (s *WriteQueueSuite) TestCancelIsIdempotent() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 2)

	cancel := s.enqueue(q, ch, []byte{1}, 1, "w", outcomes)
	s.nextChunk(link)
	q.ack(nil)
	s.NoError(s.nextOutcome(outcomes).err)

	cancel()
	cancel()
	s.settle()
	s.Empty(outcomes, "a completed write must not complete again")
}

func (s *WriteQueueSuite) TestInvalidateRemovesServiceWrites() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	hr := s.newChar("180d", "2a37")
	batt := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 3)

	s.enqueue(q, hr, []byte{0xA0, 0xA1}, 1, "a", outcomes)
	s.enqueue(q, batt, []byte{0xB0}, 1, "b", outcomes)
	s.enqueue(q, hr, []byte{0xC0}, 1, "c", outcomes)

	s.Equal([]byte{0xA0}, s.nextChunk(link).Value)

	q.invalidate([]string{"180d"})

	got := s.nextOutcome(outcomes)
	s.Equal("a", got.label)
	s.ErrorIs(got.err, ErrInvalidService)
	got = s.nextOutcome(outcomes)
	s.Equal("c", got.label)
	s.ErrorIs(got.err, ErrInvalidService)

	// Stale ack for a's in-flight chunk, then b proceeds untouched.
	q.ack(nil)
	s.Equal([]byte{0xB0}, s.nextChunk(link).Value)
	q.ack(nil)
	got = s.nextOutcome(outcomes)
	s.Equal("b", got.label)
	s.NoError(got.err)
}

func (s *WriteQueueSuite) TestTeardownFlushesInOrder() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 4)

	s.enqueue(q, ch, []byte{0xA0, 0xA1}, 1, "a", outcomes)
	s.enqueue(q, ch, []byte{0xB0}, 1, "b", outcomes)
	s.enqueue(q, ch, []byte{0xC0}, 1, "c", outcomes)
	s.nextChunk(link)

	q.teardown(io.EOF)

	for _, want := range []string{"a", "b", "c"} {
		got := s.nextOutcome(outcomes)
		s.Equal(want, got.label)
		s.ErrorIs(got.err, ErrDisconnected)
	}

	// The queue is down until the next online: adds complete immediately.
	s.enqueue(q, ch, []byte{0xD0}, 1, "d", outcomes)
	got := s.nextOutcome(outcomes)
	s.Equal("d", got.label)
	s.ErrorIs(got.err, ErrDisconnected)

	// Coming back online restores normal service.
	q.online()
	s.enqueue(q, ch, []byte{0xE0}, 1, "e", outcomes)
	s.Equal([]byte{0xE0}, s.nextChunk(link).Value)
	q.ack(nil)
	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestWithoutResponseStreams() {
	q, link := s.newQueue(adapter.WriteWithoutResponse)
	ch := s.newChar("6e400001b5a3f393e0a9e50e24dcca9e", "6e400002b5a3f393e0a9e50e24dcca9e")
	outcomes := make(chan outcome, 1)

	s.enqueue(q, ch, []byte{1, 2, 3, 4, 5}, 2, "w", outcomes)

	for _, want := range [][]byte{{1, 2}, {3, 4}, {5}} {
		call := s.nextChunk(link)
		s.Equal(want, call.Value)
		s.Equal(adapter.WriteWithoutResponse, call.Mode)
	}
	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestWithoutResponseWaitsForReadiness() {
	q, link := s.newQueue(adapter.WriteWithoutResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)

	link.SetCanSend(false)
	s.enqueue(q, ch, []byte{1, 2, 3}, 2, "w", outcomes)

	s.settle()
	s.Equal(0, link.PendingWrites(), "no chunk may be issued while the platform is not ready")

	link.SetCanSend(true)
	q.signalReady()

	s.Equal([]byte{1, 2}, s.nextChunk(link).Value)
	s.Equal([]byte{3}, s.nextChunk(link).Value)
	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestWithoutResponseCancelWhileParked() {
	q, link := s.newQueue(adapter.WriteWithoutResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)

	link.SetCanSend(false)
	cancel := s.enqueue(q, ch, []byte{1, 2, 3}, 1, "w", outcomes)

	cancel()
	got := s.nextOutcome(outcomes)
	s.ErrorIs(got.err, ErrOperationCanceled)

	link.SetCanSend(true)
	q.signalReady()
	s.settle()
	s.Equal(0, link.PendingWrites(), "a canceled write must not emit chunks")
}

func (s *WriteQueueSuite) TestSpuriousAckIsIgnored() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)

	q.ack(nil)
	s.settle()

	s.enqueue(q, ch, []byte{7}, 1, "w", outcomes)
	s.Equal([]byte{7}, s.nextChunk(link).Value)
	q.ack(nil)
	s.NoError(s.nextOutcome(outcomes).err)
}

func (s *WriteQueueSuite) TestEnqueueAfterClose() {
	q, _ := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 1)

	q.close()
	s.enqueue(q, ch, []byte{1}, 1, "late", outcomes)

	got := s.nextOutcome(outcomes)
	s.Equal("late", got.label)
	s.ErrorIs(got.err, ErrDisconnected)
}

func (s *WriteQueueSuite) TestCloseFlushesQueued() {
	q, link := s.newQueue(adapter.WriteWithResponse)
	ch := s.newChar("180f", "2a19")
	outcomes := make(chan outcome, 2)

	s.enqueue(q, ch, []byte{0xA0, 0xA1}, 1, "a", outcomes)
	s.enqueue(q, ch, []byte{0xB0}, 1, "b", outcomes)
	s.nextChunk(link)

	q.close()

	got := s.nextOutcome(outcomes)
	s.Equal("a", got.label)
	s.ErrorIs(got.err, ErrDisconnected)
	got = s.nextOutcome(outcomes)
	s.Equal("b", got.label)
	s.ErrorIs(got.err, ErrDisconnected)
}
