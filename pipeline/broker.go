package pipeline

import (
	"encoding/binary"
	"errors"
	"log"
	"sync"

	"github.com/tabrmd/tabrmd/api"
	"github.com/tabrmd/tabrmd/session"
	"github.com/tabrmd/tabrmd/transport"
)

var (
	_ api.Source[TaggedBuffer] = (*Broker)(nil)
	_ api.GracefulShutdown     = (*Broker)(nil)
)

// ErrNothingToCancel is returned by Broker.Cancel when the session has
// no command queued or executing.
var ErrNothingToCancel = errors.New("pipeline: nothing to cancel")

// cancelResponseCode is the synthesized TPM response code used when a
// still-queued command is dropped in response to Cancel. It mirrors the
// wire shape of a real TPM response (2-byte tag, 4-byte size, 4-byte
// response code) without the broker needing to understand command
// semantics otherwise.
const cancelResponseCode uint32 = 0x00000909 // TPM_RC_CANCELED

// genericFailureResponseCode is used for a dispatched command that never
// reached the TPM, or whose response never came back, for a reason other
// than the caller's own Cancel — an invalid locality, or a transport
// fault that carries no TPM response code of its own. Reusing
// cancelResponseCode there would tell the client it asked to cancel a
// command it never touched.
const genericFailureResponseCode uint32 = 0x00000101 // TPM_RC_FAILURE

func synthesizedResponse(code uint32) []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], 0x8001)
	binary.BigEndian.PutUint32(buf[2:6], uint32(headerSize))
	binary.BigEndian.PutUint32(buf[6:10], code)
	return buf
}

func synthesizedCancelResponse() []byte {
	return synthesizedResponse(cancelResponseCode)
}

func synthesizedFailureResponse() []byte {
	return synthesizedResponse(genericFailureResponseCode)
}

type activeSlot struct {
	sessionID uint64
	valid     bool
}

// Broker serializes TaggedBuffers of kind Command onto a single
// transport.Transport, one at a time, and produces TaggedBuffers of
// kind Response.
type Broker struct {
	input    *Queue[TaggedBuffer]
	output   *Queue[TaggedBuffer]
	registry *session.Registry
	tr       transport.Transport
	metrics  Metrics
	onFatal  func(error)

	activeMu     sync.Mutex
	active       activeSlot
	lastLocality uint8
	localitySet  bool

	done chan struct{}
}

// Metrics is the narrow counter surface the Broker (and other stages)
// report through; control.MetricsRegistry satisfies it.
type Metrics interface {
	Incr(key string)
}

// NewBroker constructs a Broker reading from input and writing to
// output. onFatal is invoked (and the pipeline torn down) if the
// transport reports an unusable error.
func NewBroker(input, output *Queue[TaggedBuffer], reg *session.Registry, tr transport.Transport, m Metrics, onFatal func(error)) *Broker {
	return &Broker{
		input:    input,
		output:   output,
		registry: reg,
		tr:       tr,
		metrics:  m,
		onFatal:  onFatal,
		done:     make(chan struct{}),
	}
}

// Run is the Broker's thread body (api.Source[TaggedBuffer]).
func (b *Broker) Run() {
	defer close(b.done)
	for {
		tb, ok := b.input.Pop()
		if !ok {
			b.output.Close()
			return
		}
		if tb.Kind == Close {
			// Forward the close marker unchanged: the Broker neither owns
			// nor interprets session teardown, but must preserve this
			// session's FIFO position so any Response already ahead of it
			// in the queue reaches ResponseSink first.
			b.output.Push(tb)
			continue
		}
		b.dispatch(tb)
	}
}

func (b *Broker) dispatch(tb TaggedBuffer) {
	sess, err := b.registry.LookupByID(tb.SessionID)
	if err != nil {
		// Session was torn down racing with its own queued command;
		// nothing to deliver a response to.
		return
	}

	desired := sess.Locality()
	if !b.localitySet || desired != b.lastLocality {
		if err := b.tr.SetLocality(desired); err != nil {
			if errors.Is(err, transport.ErrUnusable) {
				b.escalate(err)
				return
			}
			// An invalid locality value fails only this dispatch; the
			// transport itself is still usable for the next command.
			log.Printf("pipeline: set locality %d for session %d: %v", desired, tb.SessionID, err)
			sess.SetPending(false)
			if b.metrics != nil {
				b.metrics.Incr("locality_errors_total")
			}
			b.output.Push(TaggedBuffer{SessionID: tb.SessionID, Bytes: synthesizedFailureResponse(), Kind: Response, Session: sess})
			return
		}
		b.lastLocality = desired
		b.localitySet = true
	}

	b.activeMu.Lock()
	b.active = activeSlot{sessionID: tb.SessionID, valid: true}
	b.activeMu.Unlock()

	var respBytes []byte
	sendErr := b.tr.Send(tb.Bytes)
	recvErr := sendErr
	if sendErr == nil {
		respBytes, recvErr = b.tr.Receive()
	}

	b.activeMu.Lock()
	b.active = activeSlot{}
	b.activeMu.Unlock()
	sess.SetPending(false)

	switch {
	case errors.Is(recvErr, transport.ErrUnusable):
		b.escalate(recvErr)
		return
	case errors.Is(recvErr, transport.ErrCanceled):
		respBytes = synthesizedCancelResponse()
	case recvErr != nil:
		// A transport fault that is neither ErrUnusable nor a cancel: the
		// client gets a generic TPM failure, not a cancellation it never
		// requested.
		log.Printf("pipeline: transport error for session %d: %v", tb.SessionID, recvErr)
		respBytes = synthesizedFailureResponse()
	}

	if b.metrics != nil {
		b.metrics.Incr("commands_processed_total")
	}
	b.output.Push(TaggedBuffer{SessionID: tb.SessionID, Bytes: respBytes, Kind: Response, Session: sess})
}

func (b *Broker) escalate(err error) {
	log.Printf("pipeline: fatal transport error, shutting down: %v", err)
	b.output.Close()
	if b.onFatal != nil {
		b.onFatal(err)
	}
}

// Cancel arbitrates cancellation for a session: if its sole in-flight
// command is on the transport, Cancel is invoked on the transport; if
// it is still queued, it is dropped and a synthesized response is
// enqueued; otherwise ErrNothingToCancel.
func (b *Broker) Cancel(sessionID uint64) error {
	b.activeMu.Lock()
	if b.active.valid && b.active.sessionID == sessionID {
		b.activeMu.Unlock()
		if b.metrics != nil {
			b.metrics.Incr("cancel_total")
		}
		return b.tr.Cancel()
	}
	b.activeMu.Unlock()

	if tb, ok := b.input.RemoveMatch(func(tb TaggedBuffer) bool {
		return tb.SessionID == sessionID && tb.Kind == Command
	}); ok {
		sess, err := b.registry.LookupByID(sessionID)
		if err != nil {
			// Session was torn down the instant its queued command was
			// dropped; there is no endpoint left to answer.
			return ErrNothingToCancel
		}
		sess.SetPending(false)
		if b.metrics != nil {
			b.metrics.Incr("cancel_total")
		}
		b.output.Push(TaggedBuffer{SessionID: tb.SessionID, Bytes: synthesizedCancelResponse(), Kind: Response, Session: sess})
		return nil
	}

	if b.metrics != nil {
		b.metrics.Incr("cancel_nothing_total")
	}
	return ErrNothingToCancel
}

// Shutdown blocks until Run has returned after the input queue is
// closed by whoever owns it (CommandSource, on shutdown).
func (b *Broker) Shutdown() {
	<-b.done
}
