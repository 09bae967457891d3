package internal

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// rcvSndBuf is INT_MAX/2, the default SO_RCVBUF/SO_SNDBUF,
// except where a startup probe marks the kernel limit low (probeLowBufs).
var rcvSndBuf = math.MaxInt32 / 2

// probeLowBufs is filled in once at startup by probeBufferLimits; when
// true, newSocket skips the large SO_RCVBUF/SO_SNDBUF request and leaves
// the kernel default in place.
var probeLowBufs bool

// probeBufferLimits opens a throwaway socket and checks whether the
// kernel honors a large SO_RCVBUF request; when it doesn't, newSocket
// leaves the kernel default in place instead of requesting it.
func probeBufferLimits() {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvSndBuf); err != nil {
		probeLowBufs = true
		return
	}
	got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil || got < rcvSndBuf/4 {
		probeLowBufs = true
	}
}

// outboundMark, set once from Config.Net.OutboundMark, is applied to
// every outbound socket newSocket creates via SO_MARK so the host's
// routing policy can steer translated traffic onto a specific route or
// table (e.g. to avoid routing loops back into the tap device itself).
var outboundMark uint32

// SetOutboundMark configures the SO_MARK applied to sockets newSocket
// creates from here on.
func SetOutboundMark(mark uint32) { outboundMark = mark }

// newSocket creates a non-blocking socket of the given family/type,
// applies SO_RCVBUF/SO_SNDBUF, IPV6_V6ONLY for v6, and the configured
// fwmark, and enforces the 24-bit fd invariant before returning.
func newSocket(family, sotype int) (int, error) {
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := checkNewFd(fd, unix.Close); err != nil {
		return -1, err
	}
	if family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if !probeLowBufs {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvSndBuf)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, rcvSndBuf)
	}
	if outboundMark != 0 {
		if err := setSocketMark(uintptr(fd), outboundMark); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	return fd, nil
}

// bindToDevice applies SO_BINDTODEVICE, used for the configured outbound
// interface.
func bindToDevice(fd int, iface string) error {
	if iface == "" {
		return nil
	}
	return unix.BindToDevice(fd, iface)
}

// sockaddrFor builds a unix.Sockaddr for addr:port, choosing Inet4/Inet6
// to match v6.
func sockaddrFor(addr Inany, port uint16, v6 bool) unix.Sockaddr {
	if !v6 {
		v4, _ := addr.V4()
		b := v4.As4()
		return &unix.SockaddrInet4{Port: int(port), Addr: b}
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: [16]byte(addr)}
}

// tcpInfo fetches TCP_INFO for fd, used by updateAckToTap's ack-mirroring
// policy (tcpdata.go) and by SampleRTT's low-RTT check (tcpwindow.go).
func tcpInfo(fd int) (*unix.TCPInfo, error) {
	return unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
}
