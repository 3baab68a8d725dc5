package reactor

// Event is a single readiness notification: the fd that became ready and
// the opaque value it was registered with (a session id, or the
// all-bits-set sentinel CommandSource uses for its wakeup pipe).
type Event struct {
	Fd       uintptr
	UserData uintptr
}

// Watcher multiplexes readiness across a dynamic set of file descriptors,
// the structure CommandSource drives from its single thread over its
// wakeup pipe and the command endpoint of every session in the registry.
// It is not safe for concurrent use; CommandSource owns a Watcher
// exclusively.
type Watcher interface {
	// Register begins watching fd for read-readiness, tagging future
	// events for it with userData.
	Register(fd uintptr, userData uintptr) error

	// Unregister stops watching fd. A no-op if fd is not registered.
	Unregister(fd uintptr) error

	// Wait blocks until at least one registered fd is ready and fills
	// events with the ready set, returning the count written.
	Wait(events []Event) (n int, err error)

	// Close releases the underlying poller.
	Close() error
}
