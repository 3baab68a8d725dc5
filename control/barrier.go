package control

import "sync"

// InitBarrier is a one-shot gate opened once the daemon's pipeline
// (Registry, CommandSource, Broker, ResponseSink) is fully constructed
// and running. ControlPlane calls Wait before servicing any RPC, so a
// client connecting during startup blocks rather than racing a half-
// built pipeline, the same role the source's init-thread completion
// mutex plays before tabd accepts D-Bus calls.
type InitBarrier struct {
	once sync.Once
	ch   chan struct{}
}

// NewInitBarrier constructs a closed gate.
func NewInitBarrier() *InitBarrier {
	return &InitBarrier{ch: make(chan struct{})}
}

// Open releases every current and future Wait call. Calling it more than
// once is a no-op.
func (b *InitBarrier) Open() {
	b.once.Do(func() { close(b.ch) })
}

// Wait blocks until Open has been called.
func (b *InitBarrier) Wait() {
	<-b.ch
}
