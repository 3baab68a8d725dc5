//go:build linux
// +build linux

// Linux epoll(7)-based reactor implementation and factory.

package reactor

import (
	"golang.org/x/sys/unix"
)

// linuxWatcher is an epoll-based Watcher. CommandSource reads commands in
// level-triggered mode (no EPOLLET): a partially-read frame simply leaves
// the fd ready again on the next Wait, which is what lets CommandSource
// resume a partial read across wakeups without its own readiness
// bookkeeping.
type linuxWatcher struct {
	epfd int
	tags map[int32]uintptr
}

// New constructs the Linux epoll Watcher.
func New() (Watcher, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &linuxWatcher{epfd: epfd, tags: make(map[int32]uintptr)}, nil
}

// Register adds fd to epoll, tagging it with udata.
func (r *linuxWatcher) Register(fd uintptr, udata uintptr) error {
	event := &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), event); err != nil {
		return err
	}
	r.tags[int32(fd)] = udata
	return nil
}

// Unregister removes fd from epoll.
func (r *linuxWatcher) Unregister(fd uintptr) error {
	delete(r.tags, int32(fd))
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

// Wait waits for epoll events and fills the result into events slice.
func (r *linuxWatcher) Wait(events []Event) (int, error) {
	rawEvents := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(r.epfd, rawEvents, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		events[i] = Event{
			Fd:       uintptr(rawEvents[i].Fd),
			UserData: r.tags[rawEvents[i].Fd],
		}
	}
	return n, nil
}

// Close closes the epoll instance.
func (r *linuxWatcher) Close() error {
	return unix.Close(r.epfd)
}
