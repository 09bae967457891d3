package internal

import (
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// tcpListenEntry is the pair of listening fds (v4, v6) a forwarded TCP-in
// port owns; either half is -1 if that family failed to bind (logged, not
// fatal: a single-stack host shouldn't prevent the other family's port).
type tcpListenEntry struct {
	v4, v6 int
}

// PortForwarder owns the listening sockets implied by the TCP-in and
// UDP-in forwarding tables (spec.md §4.6): SPEC/ALL mode opens them once
// at startup, AUTO mode rescans /proc/net on a timer and rebinds —
// newly-set bits open a listener, newly-cleared bits close it.
type PortForwarder struct {
	ctx      *Ctx
	tcpPorts map[uint16]*tcpListenEntry
	udpPorts map[uint16]bool // port -> true if a v4 and/or v6 static UDP session exists

	lastScan time.Time
}

// NewPortForwarder creates an empty forwarder; call Sync after it to open
// the ports implied by the current FwdTCPIn/FwdUDPIn tables.
func NewPortForwarder(ctx *Ctx) *PortForwarder {
	return &PortForwarder{
		ctx:      ctx,
		tcpPorts: make(map[uint16]*tcpListenEntry),
		udpPorts: make(map[uint16]bool),
	}
}

// Sync reconciles the live listening sockets against the current
// FwdTCPIn/FwdUDPIn maps, opening newly-forwarded ports and closing ones
// no longer forwarded. Safe to call repeatedly; SPEC/ALL mode only needs
// it once, AUTO mode calls it after every RescanAuto.
func (pf *PortForwarder) Sync() {
	pf.syncTCP()
	pf.syncUDP()
}

func (pf *PortForwarder) syncTCP() {
	fp := pf.ctx.FwdTCPIn
	if fp.Mode == FwdNone {
		return
	}
	for port := range pf.tcpPorts {
		if !fp.Map.Test(uint(port)) {
			pf.closeTCPPort(port)
		}
	}
	for i, ok := fp.Map.NextSet(0); ok; i, ok = fp.Map.NextSet(i + 1) {
		port := uint16(i)
		if _, exists := pf.tcpPorts[port]; exists {
			continue
		}
		pf.openTCPPort(port)
	}
}

func (pf *PortForwarder) syncUDP() {
	fp := pf.ctx.FwdUDPIn
	if fp.Mode == FwdNone {
		return
	}
	for port := range pf.udpPorts {
		if !fp.Map.Test(uint(port)) {
			pf.ctx.UDP.UnbindStatic(port, false)
			pf.ctx.UDP.UnbindStatic(port, true)
			delete(pf.udpPorts, port)
		}
	}
	for i, ok := fp.Map.NextSet(0); ok; i, ok = fp.Map.NextSet(i + 1) {
		port := uint16(i)
		if pf.udpPorts[port] {
			continue
		}
		if err := pf.ctx.UDP.BindStatic(port, false); err != nil {
			log.Printf("port forward: bind udp4 :%d: %v", port, err)
		}
		if err := pf.ctx.UDP.BindStatic(port, true); err != nil {
			log.Printf("port forward: bind udp6 :%d: %v", port, err)
		}
		pf.udpPorts[port] = true
	}
}

func (pf *PortForwarder) openTCPPort(port uint16) {
	entry := &tcpListenEntry{v4: -1, v6: -1}
	if fd, err := listenTCP(port, false); err != nil {
		log.Printf("port forward: listen tcp4 :%d: %v", port, err)
	} else if err := pf.register(fd, port); err != nil {
		log.Printf("port forward: epoll add tcp4 :%d: %v", port, err)
		unix.Close(fd)
	} else {
		entry.v4 = fd
	}
	if fd, err := listenTCP(port, true); err != nil {
		log.Printf("port forward: listen tcp6 :%d: %v", port, err)
	} else if err := pf.register(fd, port); err != nil {
		log.Printf("port forward: epoll add tcp6 :%d: %v", port, err)
		unix.Close(fd)
	} else {
		entry.v6 = fd
	}
	if entry.v4 >= 0 || entry.v6 >= 0 {
		pf.tcpPorts[port] = entry
	}
}

func (pf *PortForwarder) register(fd int, port uint16) error {
	return pf.ctx.Loop.Add(fd, unix.EPOLLIN, MakeTCPListenRef(fd, port))
}

func (pf *PortForwarder) closeTCPPort(port uint16) {
	entry, ok := pf.tcpPorts[port]
	if !ok {
		return
	}
	if entry.v4 >= 0 {
		_ = pf.ctx.Loop.Del(entry.v4)
		_ = unix.Close(entry.v4)
	}
	if entry.v6 >= 0 {
		_ = pf.ctx.Loop.Del(entry.v6)
		_ = unix.Close(entry.v6)
	}
	delete(pf.tcpPorts, port)
}

// listenTCP opens a non-blocking TCP listening socket bound to the
// wildcard address on port, for the given family.
func listenTCP(port uint16, v6 bool) (int, error) {
	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := checkNewFd(fd, unix.Close); err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if v6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		if err := unix.Bind(fd, &unix.SockaddrInet6{Port: int(port)}); err != nil {
			unix.Close(fd)
			return -1, err
		}
	} else {
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// RescanInterval is the spacing between AUTO-mode /proc/net rescans,
// slower than FlowTimerInterval since it involves file I/O (and, in NS
// mode, a namespace crossing for the peer-side scan).
const RescanInterval = 5 * time.Second

// MaybeRescan re-derives the AUTO-mode forwarding maps from /proc/net and
// rebinds listeners when at least RescanInterval has elapsed. procRoot is
// "/proc" for tcp-out/udp-out (host-visible listeners) and the peer
// namespace's /proc for tcp-in/udp-in auto-discovery (entered via
// nsentry.go by the caller when ns is non-nil).
func (pf *PortForwarder) MaybeRescan(now time.Time, procRoot string) {
	if now.Sub(pf.lastScan) < RescanInterval {
		return
	}
	pf.lastScan = now

	rescan := func() error {
		if err := pf.ctx.FwdTCPIn.RescanAuto(procRoot, "tcp", pf.ctx.FwdTCPOut); err != nil {
			return err
		}
		if err := pf.ctx.FwdTCPOut.RescanAuto(procRoot, "tcp", pf.ctx.FwdTCPIn); err != nil {
			return err
		}
		if err := pf.ctx.FwdUDPIn.RescanAuto(procRoot, "udp", pf.ctx.FwdUDPOut); err != nil {
			return err
		}
		return pf.ctx.FwdUDPOut.RescanAuto(procRoot, "udp", pf.ctx.FwdUDPIn)
	}

	var err error
	if pf.ctx.NS != nil {
		err = pf.ctx.NS.Run(rescan)
	} else {
		err = rescan()
	}
	if err != nil {
		log.Printf("port forward: auto rescan: %v", err)
		return
	}
	pf.Sync()
}
