package internal

import "golang.org/x/sys/unix"

// TCPSockPoolSize bounds the init-namespace pool of pre-opened connect
// sockets per family.
const TCPSockPoolSize = 32

// TCPSockPool holds pre-opened SOCK_STREAM|SOCK_NONBLOCK sockets so the
// inbound (guest-originated) setup path can grab one without a syscall
// on the hot path, refilling lazily as entries are taken.
type TCPSockPool struct {
	v4 []int
	v6 []int
}

// NewTCPSockPool pre-fills both per-family pools up to TCPSockPoolSize.
func NewTCPSockPool() *TCPSockPool {
	p := &TCPSockPool{}
	p.refill(false)
	p.refill(true)
	return p
}

func (p *TCPSockPool) refill(v6 bool) {
	slice := &p.v4
	family := unix.AF_INET
	if v6 {
		slice = &p.v6
		family = unix.AF_INET6
	}
	for len(*slice) < TCPSockPoolSize {
		fd, err := newSocket(family, unix.SOCK_STREAM)
		if err != nil {
			return
		}
		*slice = append(*slice, fd)
	}
}

// Take removes and returns one pooled socket, refilling the pool
// opportunistically for next time.
func (p *TCPSockPool) Take(v6 bool) (int, bool) {
	slice := &p.v4
	if v6 {
		slice = &p.v6
	}
	if len(*slice) == 0 {
		p.refill(v6)
	}
	if len(*slice) == 0 {
		return -1, false
	}
	fd := (*slice)[len(*slice)-1]
	*slice = (*slice)[:len(*slice)-1]
	return fd, true
}

// Close releases every pooled fd (shutdown only).
func (p *TCPSockPool) Close() {
	for _, fd := range p.v4 {
		_ = unix.Close(fd)
	}
	for _, fd := range p.v6 {
		_ = unix.Close(fd)
	}
	p.v4, p.v6 = nil, nil
}
