package transport

import "sync"

// Echo is a transport that returns whatever command was last sent as
// the response, for exercising round-trip and fairness properties in
// tests. It records locality/cancel calls for assertions.
type Echo struct {
	mu         sync.Mutex
	last       []byte
	locality   uint8
	localities []uint8
	cancels    int
	closed     bool
}

// NewEcho constructs an Echo transport.
func NewEcho() *Echo {
	return &Echo{}
}

func init() {
	Register("echo", func(Options) (Transport, error) { return NewEcho(), nil })
}

func (e *Echo) SetLocality(locality uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locality = locality
	e.localities = append(e.localities, locality)
	return nil
}

func (e *Echo) Send(command []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, len(command))
	copy(buf, command)
	e.last = buf
	return nil
}

func (e *Echo) Receive() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, nil
}

func (e *Echo) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	return nil
}

func (e *Echo) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Localities returns every locality value observed by SetLocality, for
// assertions that a driver observes no redundant SetLocality calls.
func (e *Echo) Localities() []uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint8, len(e.localities))
	copy(out, e.localities)
	return out
}

// Cancels returns how many times Cancel was invoked.
func (e *Echo) Cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}
