package internal

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// NSEntry wraps the peer-namespace fd and runs scoped callbacks inside it
//. The C original spawns a short-lived child via
// clone(CLONE_VM|CLONE_VFORK|CLONE_FILES) because setns(2) is
// thread-affine and the loop thread must stay in the initial namespace;
// a Go process can't safely share an address space across a raw clone
// without also sharing the runtime's per-thread scheduling state, so the
// idiomatic equivalent locks a dedicated goroutine to its OS thread,
// setns()s only that thread, and lets the goroutine exit (which retires
// the thread) once the callback returns — the caller blocks on a channel
// exactly as the real parent blocks on CLONE_VFORK.
type NSEntry struct {
	peer netns.NsHandle
	init netns.NsHandle
}

// OpenByPID attaches to /proc/<pid>/ns/net. If netnsOnly is false (the
// default) it also opens /proc/<pid>/ns/user and closes it again at once;
// the user namespace is never entered, and Run switches only the network
// namespace.
func OpenByPID(pid int, netnsOnly bool) (*NSEntry, error) {
	if !netnsOnly {
		if uh, err := netns.GetFromPath(fmt.Sprintf("/proc/%d/ns/user", pid)); err == nil {
			uh.Close()
		}
	}
	peer, err := netns.GetFromPath(fmt.Sprintf("/proc/%d/ns/net", pid))
	if err != nil {
		return nil, fmt.Errorf("attach ns for pid %d: %w", pid, err)
	}
	init, err := netns.Get()
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("get init ns: %w", err)
	}
	return &NSEntry{peer: peer, init: init}, nil
}

// OpenByPath attaches to an arbitrary namespace path (e.g. /run/netns/foo).
func OpenByPath(path string) (*NSEntry, error) {
	peer, err := netns.GetFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("attach ns %q: %w", path, err)
	}
	init, err := netns.Get()
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("get init ns: %w", err)
	}
	return &NSEntry{peer: peer, init: init}, nil
}

// Run executes fn with the calling logical task's OS thread switched into
// the peer namespace, then switches back and reports fn's error. Exactly
// one goroutine is in flight for the peer-namespace work at a time; the
// caller (the event-loop thread) blocks until it completes, mirroring the
// CLONE_VFORK parent/child relationship.
func (n *NSEntry) Run(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		// No UnlockOSThread: a goroutine that exits while locked takes its
		// OS thread with it, so the namespace-switched thread is never
		// reused by another goroutine.
		runtime.LockOSThread()

		if err := netns.Set(n.peer); err != nil {
			done <- fmt.Errorf("setns peer: %w", err)
			return
		}
		err := fn()
		// Best-effort restore; this thread is discarded when the goroutine
		// returns regardless, because it exits still locked.
		_ = netns.Set(n.init)
		done <- err
	}()
	return <-done
}

// Close releases both namespace fds.
func (n *NSEntry) Close() error {
	err1 := n.peer.Close()
	err2 := n.init.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
