package internal

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// HandleTapSYN processes a guest-originated SYN: allocate a flow slot, take a pre-opened socket from the pool,
// non-blocking connect() to (faddr, fport) after the address policy has
// mapped the destination, and reply with our own SYN-ACK once the socket
// is established (or immediately if connect() completes synchronously).
func (c *Ctx) HandleTapSYN(p *ParsedPacket, now time.Time) error {
	if p.Proto != L4TCP {
		return fmt.Errorf("HandleTapSYN: not a TCP packet")
	}
	t := header.TCP(p.L4)
	if t.Flags()&header.TCPFlagSyn == 0 || t.Flags()&header.TCPFlagAck != 0 {
		return fmt.Errorf("HandleTapSYN: not an initial SYN")
	}

	dst := p.Dst
	if mapped, ok := c.Addr.MapGatewayToLoopback(p.Dst, !p.V6); ok {
		dst = mapped
	}

	idx, ok := c.Flows.Alloc()
	if !ok {
		return ErrFlowTableFull
	}

	sock, ok := c.SockPool.Take(p.V6)
	if !ok {
		c.Flows.AllocCancel(idx)
		return ErrFdExhausted
	}

	sa := sockaddrFor(dst, p.DstPort, p.V6)
	err := unix.Connect(sock, sa)
	inProgress := err == unix.EINPROGRESS
	if err != nil && !inProgress {
		unix.Close(sock)
		c.Flows.AllocCancel(idx)
		return fmt.Errorf("connect: %w", err)
	}

	mss := clampMSS(defaultMSSFor(p.V6), p.V6)
	isn := c.ISN(p.Src, p.Dst, p.SrcPort, p.DstPort, now)

	conn := &TCPConn{
		FlowIdx:        idx,
		Faddr:          p.Src,
		Eport:          p.SrcPort,
		Fport:          p.DstPort,
		Sock:           sock,
		Timer:          -1,
		V6:             p.V6,
		SeqInitFromTap: t.SequenceNumber(),
		SeqFromTap:     t.SequenceNumber() + 1,
		SeqAckFromTap:  t.SequenceNumber() + 1,
		SeqInitToTap:   isn,
		SeqToTap:       isn,
		SeqAckToTap:    isn,
		WndFromTap:     t.WindowSize(),
		MSS:            mss,
		lastActivity:   now,
	}
	conn.SetState(EvTapSynRcvd)

	slot := c.Flows.Get(idx)
	slot.Variant = FlowTCP
	slot.Payload = conn
	slot.Sides[SideTap] = FlowSideInfo{Pif: PifHost, EndpointAddr: p.Src, EndpointPort: p.SrcPort, ForwardAddr: p.Dst, ForwardPort: p.DstPort}
	slot.Sides[SideSock] = FlowSideInfo{Pif: PifHost, EndpointAddr: dst, EndpointPort: p.DstPort}

	c.Hash.Insert(FlowHashKey{Remote: p.Src, LPort: p.DstPort, RPort: p.SrcPort}, idx)

	ref := MakeEpollRef(RefTCP, sock, uint32(idx))
	if err := c.Loop.Add(sock, unix.EPOLLOUT|unix.EPOLLIN|unix.EPOLLRDHUP, ref); err != nil {
		return fmt.Errorf("epoll add: %w", err)
	}
	conn.InEpoll = true

	if !inProgress {
		c.completeTapSynAck(conn, now)
	}
	return nil
}

// completeTapSynAck sends our SYN-ACK to the tap side once the kernel
// socket is connected.
func (c *Ctx) completeTapSynAck(conn *TCPConn, now time.Time) {
	conn.SetState(EvSockAccepted)
	conn.Set(EvTapSynAckSent)

	opts := tcpOptionsMSS(conn.MSS)
	flags := uint8(header.TCPFlagSyn | header.TCPFlagAck)

	frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, flags, windowDefault, nil, opts)
	c.Tap.EnqueueFlags(conn.V6, frame)
	conn.SeqToTap++
	conn.lastActivity = now
}

// HandleSockConnected fires on EPOLLOUT once a pooled outbound socket
// finishes a non-blocking connect.
func (c *Ctx) HandleSockConnected(idx int, now time.Time) error {
	slot := c.Flows.Get(idx)
	conn, ok := slot.Payload.(*TCPConn)
	if !ok {
		return fmt.Errorf("HandleSockConnected: slot %d is not TCP", idx)
	}
	errno, serr := unix.GetsockoptInt(conn.Sock, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil || errno != 0 {
		c.closeTCP(conn, now)
		return fmt.Errorf("connect failed: errno %d", errno)
	}
	if conn.HasState(EvTapSynRcvd) {
		c.completeTapSynAck(conn, now)
	}
	_ = c.Loop.Mod(conn.Sock, unix.EPOLLIN|unix.EPOLLRDHUP, MakeEpollRef(RefTCP, conn.Sock, uint32(idx)))
	return nil
}

// HandleOutboundListenAccept processes a guest-directed connection
// arriving on a configured forward-listen socket: accept, allocate a
// flow, synthesize the tap-side SYN with a fresh ISN.
func (c *Ctx) HandleOutboundListenAccept(listenFD int, guestAddr Inany, eport uint16, now time.Time) error {
	sock, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return err
	}
	if err := checkNewFd(sock, unix.Close); err != nil {
		return err
	}

	sa, err := unix.Getpeername(sock)
	if err != nil {
		unix.Close(sock)
		return err
	}
	faddr, fport, v6 := inanyFromSockaddr(sa)

	// If the connecting peer is itself loopback, this whole flow can be
	// spliced directly to the guest's own listener inside the target
	// namespace without ever going through tap framing (spec.md §4.3.1:
	// "if splice applies, hand to the splice path").
	if c.NS != nil && faddr.IsLoopback() {
		if nsSock, err := c.dialSpliceTarget(eport, v6); err == nil {
			if _, err := c.NewTCPSplice(sock, nsSock, now); err == nil {
				return nil
			}
			unix.Close(nsSock)
		}
	}

	idx, ok := c.Flows.Alloc()
	if !ok {
		unix.Close(sock)
		return ErrFlowTableFull
	}

	isn := c.ISN(faddr, guestAddr, fport, eport, now)
	conn := &TCPConn{
		FlowIdx:      idx,
		Faddr:        faddr,
		Eport:        eport,
		Fport:        fport,
		Sock:         sock,
		Timer:        -1,
		V6:           v6,
		SeqInitToTap: isn,
		SeqToTap:     isn,
		SeqAckToTap:  isn,
		MSS:          clampMSS(defaultMSSFor(v6), v6),
		lastActivity: now,
	}
	conn.SetState(EvSockAccepted)

	slot := c.Flows.Get(idx)
	slot.Variant = FlowTCP
	slot.Payload = conn
	slot.Sides[SideSock] = FlowSideInfo{Pif: PifHost, EndpointAddr: faddr, EndpointPort: fport}
	slot.Sides[SideTap] = FlowSideInfo{Pif: PifHost, EndpointAddr: guestAddr, EndpointPort: eport}

	c.Hash.Insert(FlowHashKey{Remote: faddr, LPort: eport, RPort: fport}, idx)

	ref := MakeEpollRef(RefTCP, sock, uint32(idx))
	if err := c.Loop.Add(sock, unix.EPOLLIN|unix.EPOLLRDHUP, ref); err != nil {
		return err
	}
	conn.InEpoll = true

	opts := tcpOptionsMSS(conn.MSS)
	frame := buildTapFrame(c, conn, conn.SeqToTap, 0, uint8(header.TCPFlagSyn), windowDefault, nil, opts)
	c.Tap.EnqueueFlags(conn.V6, frame)
	conn.SeqToTap++
	return nil
}

// dialSpliceTarget connects to the guest's own loopback listener for a
// forwarded TCP-in port (eport) from inside the target namespace, used
// when the accepted peer is itself loopback so the connection can be
// spliced without ever being translated through tap. Only a connect
// that completes synchronously is usable here: NewTCPSplice registers
// both fds for EPOLLIN immediately and has no pending-connect handshake,
// so a non-blocking connect that doesn't finish right away falls back to
// the normal tap-synthesized path instead.
func (c *Ctx) dialSpliceTarget(eport uint16, v6 bool) (int, error) {
	var sock int
	err := c.NS.Run(func() error {
		fd, err := newSocket(familyFor(v6), unix.SOCK_STREAM)
		if err != nil {
			return err
		}
		sa := sockaddrFor(loopbackInany(v6), eport, v6)
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			return err
		}
		sock = fd
		return nil
	})
	return sock, err
}

func loopbackInany(v6 bool) Inany {
	if v6 {
		return InanyFromIP(net.IP(loopbackV6))
	}
	return InanyFromIP(net.IP(loopbackV4))
}

func defaultMSSFor(v6 bool) int {
	if v6 {
		return 1440
	}
	return 1460
}

// tcpOptionsMSS encodes the single MSS option tap-bound SYN/SYN-ACK
// segments carry.
func tcpOptionsMSS(mss uint16) []byte {
	opt := make([]byte, 4)
	opt[0] = 2 // kind: MSS
	opt[1] = 4 // length
	opt[2] = byte(mss >> 8)
	opt[3] = byte(mss)
	return opt
}

// buildTapFrame builds one outgoing Ethernet+IP+TCP frame for conn using
// the learned guest MAC and our own MAC.
func buildTapFrame(c *Ctx, conn *TCPConn, seq, ack uint32, flags uint8, window uint16, payload, opts []byte) []byte {
	dstMAC := c.GuestMAC
	srcMAC := c.OwnMAC
	slot := c.Flows.Get(conn.FlowIdx)
	src := slot.Sides[SideSock].EndpointAddr
	dst := slot.Sides[SideTap].EndpointAddr
	if conn.V6 {
		return BuildIPv6TCP(dstMAC, srcMAC, src, dst, conn.Fport, conn.Eport, seq, ack, flags, window, payload, opts)
	}
	return BuildIPv4TCP(dstMAC, srcMAC, src, dst, conn.Fport, conn.Eport, seq, ack, flags, window, payload, opts)
}

// closeTCP tears a connection down: closes the socket, disarms the
// timer, and marks it retirable by the next deferred GC pass.
func (c *Ctx) closeTCP(conn *TCPConn, now time.Time) {
	if conn.closed {
		return
	}
	conn.closed = true
	if conn.InEpoll {
		_ = c.Loop.Del(conn.Sock)
	}
	_ = unix.Close(conn.Sock)
	if conn.Timer >= 0 {
		_ = unix.Close(conn.Timer)
		conn.Timer = -1
	}
	c.Hash.Remove(FlowHashKey{Remote: conn.Faddr, LPort: conn.Eport, RPort: conn.Fport})
	conn.Set(EvClosed)
}

func inanyFromSockaddr(sa unix.Sockaddr) (Inany, uint16, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return InanyFromAddr(netip.AddrFrom4(a.Addr)), uint16(a.Port), false
	case *unix.SockaddrInet6:
		return InanyFromAddr(netip.AddrFrom16(a.Addr)), uint16(a.Port), true
	}
	return InanyUnspecified, 0, false
}
