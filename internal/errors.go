package internal

import "errors"

// Error kinds surfaced by the core. All are recovered locally
// except TapDisconnected in NS mode and the setup failures callers mark
// fatal explicitly; nothing here panics.
var (
	ErrFdExhausted    = errors.New("fd exhausted: socket fd >= FD_REF_MAX")
	ErrFlowTableFull  = errors.New("flow table full")
	ErrPeerReset      = errors.New("peer reset")
	ErrSendPartial    = errors.New("partial send to tap")
	ErrProtocolInvalid = errors.New("invalid protocol data")
	ErrNamespaceGone  = errors.New("peer namespace gone")
	ErrTapDisconnected = errors.New("tap disconnected")
)

// checkNewFd enforces the 24-bit fd invariant at every point a
// new fd enters the system: accept(), socket(), and the tuntap/UDS opens.
// Any fd at or above FdRefMax is closed immediately and reported as
// ErrFdExhausted rather than ever handed to an epoll ref that can't
// represent it.
func checkNewFd(fd int, closeFn func(int) error) error {
	if fd >= FdRefMax {
		_ = closeFn(fd)
		return ErrFdExhausted
	}
	return nil
}
