// Package transport defines the pluggable TPM transport driver contract
// and a small registry of concrete drivers selected by identifier plus
// opaque options.
package transport

import "errors"

// ErrUnusable is returned (or wrapped) by Send/Receive when the
// transport has suffered an I/O fault severe enough that the daemon
// must escalate to shutdown.
var ErrUnusable = errors.New("transport: unusable")

// Transport is the broker's view of the TPM: a strictly serial
// send/receive channel plus out-of-band cancel and locality control.
// Exactly one command may be outstanding at a time; the Broker enforces
// that invariant, not the Transport implementation.
type Transport interface {
	// SetLocality applies locality to subsequently sent commands. It is
	// only called when the locality differs from the last value set.
	SetLocality(locality uint8) error

	// Send writes a single TPM command buffer to the device.
	Send(command []byte) error

	// Receive blocks for the response to the most recent Send. For a
	// returned error that is not ErrUnusable the Broker answers the
	// requesting session with a synthesized TPM response (TPM_RC_CANCELED
	// for ErrCanceled, TPM_RC_FAILURE otherwise) and the session stays
	// open; ErrUnusable (or an error wrapping it) is fatal to the daemon.
	Receive() ([]byte, error)

	// Cancel requests that the command currently executing on the
	// device be aborted. It is only meaningful while a Send/Receive pair
	// is outstanding.
	Cancel() error

	// Close releases the underlying device or connection.
	Close() error
}

// Options carries the opaque, driver-specific configuration string map
// alongside the driver identifier used to select it.
type Options map[string]string

// Factory constructs a Transport from opaque options.
type Factory func(opts Options) (Transport, error)

var registry = map[string]Factory{}

// Register adds a named driver factory. Drivers register themselves
// from an init function so Open can select a driver by configured
// identifier without the caller importing it directly.
func Register(name string, f Factory) {
	registry[name] = f
}

// Open constructs the named driver with opts. It returns an error for
// an unknown driver identifier.
func Open(name string, opts Options) (Transport, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.New("transport: unknown driver " + name)
	}
	return f(opts)
}
