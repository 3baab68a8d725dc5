package pipeline

import (
	"log"

	"github.com/tabrmd/tabrmd/api"
	"github.com/tabrmd/tabrmd/session"
)

var (
	_ api.Source[TaggedBuffer] = (*ResponseSink)(nil)
	_ api.GracefulShutdown     = (*ResponseSink)(nil)
)

// ResponseSink is the pipeline's final stage: it writes each Response
// buffer to its session's response endpoint in full, and
// tears down a session's endpoints once its Close marker arrives (which,
// by the upstream stages' strict FIFO ordering, is only after every
// Response already queued for that session has been written).
type ResponseSink struct {
	input    *Queue[TaggedBuffer]
	registry *session.Registry
	done     chan struct{}
}

// NewResponseSink constructs a ResponseSink draining input. registry is
// used to remove a session atomically with closing its endpoints when a
// response write fails, mirroring CommandSource's own teardown so a
// session can never outlive both of its endpoints.
func NewResponseSink(input *Queue[TaggedBuffer], registry *session.Registry) *ResponseSink {
	return &ResponseSink{input: input, registry: registry, done: make(chan struct{})}
}

// Run is ResponseSink's thread body (api.Source[TaggedBuffer]).
func (rs *ResponseSink) Run() {
	defer close(rs.done)
	for {
		tb, ok := rs.input.Pop()
		if !ok {
			return
		}
		switch tb.Kind {
		case Response:
			rs.deliver(tb)
		case Close:
			if tb.Session != nil {
				if err := tb.Session.Close(); err != nil {
					log.Printf("pipeline: session %d close error: %v", tb.SessionID, err)
				}
			}
		}
	}
}

func (rs *ResponseSink) deliver(tb TaggedBuffer) {
	// The session may already be gone (a write failure on a previous
	// response, or a raced close); there is nothing left to deliver to.
	if tb.Session == nil {
		return
	}
	if _, err := writeFull(tb.Session.ResponseEndpoint, tb.Bytes); err != nil {
		log.Printf("pipeline: session %d response write failed, closing: %v", tb.SessionID, err)
		rs.closeSession(tb.Session)
	}
}

// closeSession removes sess from the registry and closes its endpoints.
// Removal happens first so that closing the command endpoint here (which
// produces no further epoll readiness event for CommandSource to react
// to) can never leave a dangling Registry entry behind.
func (rs *ResponseSink) closeSession(sess *session.Session) {
	if _, err := rs.registry.Remove(sess.ID()); err != nil {
		// Already torn down by CommandSource; nothing left to do.
		return
	}
	if err := sess.Close(); err != nil {
		log.Printf("pipeline: session %d close error: %v", sess.ID(), err)
	}
}

func writeFull(w interface{ Write([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Shutdown blocks until Run has returned after the Broker closes input.
func (rs *ResponseSink) Shutdown() {
	<-rs.done
}
