package internal

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FlowTimerInterval is the minimum spacing between periodic timer passes
// (ICMP, splice-UDP expiry) run from the deferred pass.
const FlowTimerInterval = 1000 * time.Millisecond

// Handler is invoked once per ready fd with the decoded reference, the
// epoll event mask and a loop-wide "now" timestamp. Handlers must not
// re-enter the loop; the epoll
// ADD/MOD/DEL calls on *Loop are the only coordination point between a
// handler and the loop.
type Handler func(l *Loop, ref EpollRef, events uint32, now time.Time)

// Loop owns the single epoll set and dispatches strictly by RefType.
type Loop struct {
	epfd     int
	handlers [RefTapListen + 1]Handler

	mu       sync.Mutex
	deferred []func(now time.Time)

	lastFlowTick time.Time
	now          time.Time
}

// NewLoop creates the epoll set. Callers register per-type handlers with
// Register before calling Run.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{epfd: epfd, now: time.Now()}, nil
}

// Register installs the handler invoked for every ready fd of type t.
func (l *Loop) Register(t RefType, h Handler) { l.handlers[t] = h }

// AddDeferred appends a flush hook run after every dispatch batch, in
// registration order.
func (l *Loop) AddDeferred(f func(now time.Time)) {
	l.mu.Lock()
	l.deferred = append(l.deferred, f)
	l.mu.Unlock()
}

func refToEvent(events uint32, ref EpollRef) unix.EpollEvent {
	var ev unix.EpollEvent
	ev.Events = events
	// unix.EpollEvent's Fd/Pad fields are the two int32 halves of the
	// kernel's 8-byte epoll_data_t union; writing the ref across both via
	// unsafe lets us carry an opaque 64-bit tag instead of a bare fd, the
	// same trick most raw-epoll Go code uses since x/sys/unix doesn't
	// expose the union directly.
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = uint64(ref)
	return ev
}

func eventToRef(ev *unix.EpollEvent) EpollRef {
	return EpollRef(*(*uint64)(unsafe.Pointer(&ev.Fd)))
}

// Add registers fd for events, tagged with ref. Enforces the 24-bit fd
// invariant before the fd ever reaches epoll.
func (l *Loop) Add(fd int, events uint32, ref EpollRef) error {
	if fd >= FdRefMax {
		return ErrFdExhausted
	}
	ev := refToEvent(events, ref)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod updates the event mask/ref for an already-registered fd.
func (l *Loop) Mod(fd int, events uint32, ref EpollRef) error {
	ev := refToEvent(events, ref)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Del unregisters fd.
func (l *Loop) Del(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Now returns the coarse timestamp for the current loop iteration
//.
func (l *Loop) Now() time.Time { return l.now }

// Run drains up to len(events) ready fds per wakeup, dispatches them by
// type, then runs the deferred flush chain and (at most once per
// FlowTimerInterval) the periodic-timer deferred pass. It returns when
// stop is closed or epoll_wait returns a fatal error.
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		l.now = time.Now()

		for i := 0; i < n; i++ {
			ref := eventToRef(&events[i])
			h := l.handlers[ref.Type()]
			if h != nil {
				h(l, ref, events[i].Events, l.now)
			}
		}

		l.mu.Lock()
		deferred := append([]func(now time.Time){}, l.deferred...)
		l.mu.Unlock()
		for _, f := range deferred {
			f(l.now)
		}
	}
}

// ShouldRunPeriodic reports whether at least FlowTimerInterval has elapsed
// since the last periodic tick, and if so marks now as the new baseline.
// The per-flow deferred pass uses this to gate ICMP/splice-UDP timers
// without arming a dedicated timerfd for them.
func (l *Loop) ShouldRunPeriodic(now time.Time) bool {
	if now.Sub(l.lastFlowTick) < FlowTimerInterval {
		return false
	}
	l.lastFlowTick = now
	return true
}

// Close releases the epoll fd.
func (l *Loop) Close() error { return unix.Close(l.epfd) }
