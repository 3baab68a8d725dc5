package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrCanceled is returned by Delay.Receive when Cancel interrupts a
// pending Receive before its delay elapses.
var ErrCanceled = errors.New("transport: canceled")

// Delay wraps another Transport and stalls Receive by a fixed duration,
// for exercising cancellation of a long-running command in tests. Send
// passes straight through to inner so the command is already "on the
// device" while Receive is stalled, matching real TPM latency.
type Delay struct {
	inner Transport
	delay time.Duration

	mu        sync.Mutex
	interrupt chan struct{}
}

// NewDelay wraps inner with a fixed per-command delay before Receive
// returns.
func NewDelay(inner Transport, delay time.Duration) *Delay {
	return &Delay{inner: inner, delay: delay}
}

func (d *Delay) SetLocality(locality uint8) error { return d.inner.SetLocality(locality) }

func (d *Delay) Send(command []byte) error {
	d.mu.Lock()
	d.interrupt = make(chan struct{})
	d.mu.Unlock()
	return d.inner.Send(command)
}

func (d *Delay) Receive() ([]byte, error) {
	d.mu.Lock()
	interrupt := d.interrupt
	d.mu.Unlock()

	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.inner.Receive()
	case <-interrupt:
		return nil, ErrCanceled
	}
}

func (d *Delay) Cancel() error {
	d.mu.Lock()
	interrupt := d.interrupt
	d.mu.Unlock()
	if interrupt != nil {
		select {
		case <-interrupt:
		default:
			close(interrupt)
		}
	}
	return d.inner.Cancel()
}

func (d *Delay) Close() error { return d.inner.Close() }
