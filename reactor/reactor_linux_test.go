//go:build linux

package reactor_test

import (
	"testing"
	"time"

	"github.com/tabrmd/tabrmd/reactor"
	"golang.org/x/sys/unix"
)

func TestLinuxWatcherReportsReadinessWithUserData(t *testing.T) {
	w, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	const tag = uintptr(0xabcd)
	if err := w.Register(uintptr(fds[0]), tag); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	events := make([]reactor.Event, 4)
	n, err := w.Wait(events)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("Wait returned %d events, want 1", n)
	}
	if events[0].UserData != tag {
		t.Fatalf("UserData = %x, want %x", events[0].UserData, tag)
	}
}

func TestLinuxWatcherUnregisterStopsNotifications(t *testing.T) {
	w, err := reactor.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := w.Register(uintptr(fds[0]), 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := w.Unregister(uintptr(fds[0])); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan struct{})
	go func() {
		events := make([]reactor.Event, 4)
		w.Wait(events)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned after Unregister; fd should no longer be watched")
	case <-time.After(100 * time.Millisecond):
	}
}
