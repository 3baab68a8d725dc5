// Package api defines the small set of capability interfaces shared across
// the command-processing pipeline. Each pipeline stage is composed from
// Source[T] and/or Sink[T] rather than inheriting from a common base type,
// so a stage that is both (e.g. a future fan-out stage) gets both
// capabilities through composition.

package api

// Source produces a stream of T values to whatever Sink it is wired to.
type Source[T any] interface {
	// Run starts the stage's processing loop. Run blocks until the stage
	// observes shutdown (via its own cancellation source) and returns.
	Run()
}

// Sink consumes a stream of T values, transferring ownership of each one.
type Sink[T any] interface {
	// Accept enqueues val for processing. Accept blocks if the sink's
	// internal queue is full, providing backpressure to the caller.
	Accept(val T) error
}

// GracefulShutdown is implemented by every long-lived pipeline stage.
type GracefulShutdown interface {
	// Shutdown blocks until the component's thread has been joined. It
	// does not itself trigger the stop, which each component receives
	// through its own cancellation source. Calling Shutdown more than
	// once is safe.
	Shutdown()
}
