// Package session implements the broker's per-client session state and
// registry: a single coarse lock protecting the id-to-session mapping,
// keyed by 64-bit unpredictable session ids.
package session

import (
	"io"
	"sync"
)

// Endpoint is a session's half of a duplex byte stream to its client.
// It is satisfied by fdEndpoint (one end of a socketpair, see
// NewEndpointPair) in production and by in-memory pipes in tests.
type Endpoint interface {
	io.ReadWriteCloser
	// RawFD returns the underlying OS file descriptor so the reactor can
	// register it for readiness notifications.
	RawFD() uintptr
}

// Session is a single client's binding to (id, locality, command
// endpoint, response endpoint). Once inserted into a Registry its id is
// immutable; CommandEndpoint/ResponseEndpoint are owned solely by the
// pipeline stages after insertion. locality and pending are mutated
// only under the Session's own lock.
type Session struct {
	id uint64

	// CommandEndpoint and ResponseEndpoint are set once at construction
	// and never reassigned; no lock is needed to read them.
	CommandEndpoint  Endpoint
	ResponseEndpoint Endpoint

	mu        sync.Mutex
	locality  uint8
	pending   bool
	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Session bound to the given endpoints and id. Locality
// defaults to 0.
func New(id uint64, cmd, resp Endpoint) *Session {
	return &Session{
		id:               id,
		CommandEndpoint:  cmd,
		ResponseEndpoint: resp,
		closed:           make(chan struct{}),
	}
}

// ID returns the session's immutable identifier.
func (s *Session) ID() uint64 { return s.id }

// Locality returns the session's current locality.
func (s *Session) Locality() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locality
}

// SetLocality updates the locality that will be applied to the next
// command dispatched for this session. It never affects a command
// already in flight.
func (s *Session) SetLocality(locality uint8) {
	s.mu.Lock()
	s.locality = locality
	s.mu.Unlock()
}

// SetPending records whether the session currently has a command queued
// or executing. It is maintained by the pipeline stages (CommandSource
// sets it true on enqueue, Broker clears it once dispatch completes or
// the command is canceled) purely for diagnostics; Broker.Cancel does
// not consult it, since the Broker's input queue and active slot are
// themselves the source of truth.
func (s *Session) SetPending(pending bool) {
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
}

// Pending reports whether a command is currently outstanding.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close closes both endpoints exactly once and unblocks anything
// selecting on Done.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if e := s.CommandEndpoint.Close(); e != nil {
			err = e
		}
		if e := s.ResponseEndpoint.Close(); e != nil && err == nil {
			err = e
		}
		close(s.closed)
	})
	return err
}

// Done reports session teardown.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
