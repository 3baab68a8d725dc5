package pipeline

import "github.com/tabrmd/tabrmd/session"

// Kind distinguishes what a TaggedBuffer carries through the pipeline.
type Kind int

const (
	// Command flows CommandSource -> Broker.
	Command Kind = iota
	// Response flows Broker -> ResponseSink.
	Response
	// Close flows CommandSource -> Broker -> ResponseSink. It carries no
	// command/response bytes; it hands ownership of a torn-down Session
	// to ResponseSink so that, thanks to strict per-stage FIFO ordering,
	// it arrives only after every Response already queued for that
	// session, letting ResponseSink flush them before closing the
	// endpoint.
	Close
)

// TaggedBuffer is the pipeline's internal message: a session id plus an
// owned byte buffer, or (for Kind == Close) an owned Session to tear
// down. Ownership transfers down the pipeline; a TaggedBuffer is never
// aliased across stages.
type TaggedBuffer struct {
	SessionID uint64
	Bytes     []byte
	Kind      Kind
	Session   *session.Session
}
