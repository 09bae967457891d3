package internal

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
)

// udpPortTimeout bounds how long a reverse (tap-originated) UDP socket
// stays bound with no traffic before it is reclaimed.
var udpPortTimeout = 180 * time.Second

// udpSession is one kernel UDP socket per originating guest port, keyed
// by that port. Only a splice session's socket is connect()ed; the others
// Sendto whatever destination each guest datagram names.
type udpSession struct {
	sock       int
	eport      uint16
	v6         bool
	remote     Inany
	remotePort uint16
	lastSeen   time.Time

	// static marks a session pre-opened by PortForwarder for a FwdUDPIn
	// port: it is bound before any guest traffic exists and must survive
	// the idle sweep even with zero activity.
	static bool

	// splice marks a session whose socket is connect()ed straight to a
	// loopback destination: both legs of the datagram exchange are
	// local, so the session bypasses per-packet address rewriting and
	// talks to a fixed peer via plain Read/Write instead of
	// Recvfrom/Sendto.
	splice bool
}

// DeferClose implements flowPayload. Sessions are not stored in the flow
// table: they live in UDPEngine's byPort/byPortV6 maps and are reaped by
// Sweep.
func (s *udpSession) DeferClose(now time.Time) bool {
	return now.Sub(s.lastSeen) > udpPortTimeout
}

// UDPEngine owns the per-family maps from guest port to session, plus
// activity bitmaps marking the ports whose session has carried traffic,
// so the idle sweep only visits those ports.
type UDPEngine struct {
	ctx *Ctx

	byPort   map[uint16]*udpSession // keyed by guest (tap) source port, v4
	byPortV6 map[uint16]*udpSession

	active   *bitset.BitSet // ports whose session has carried traffic, v4
	activeV6 *bitset.BitSet
}

func NewUDPEngine(ctx *Ctx) *UDPEngine {
	return &UDPEngine{
		ctx:      ctx,
		byPort:   make(map[uint16]*udpSession),
		byPortV6: make(map[uint16]*udpSession),
		active:   bitset.New(65536),
		activeV6: bitset.New(65536),
	}
}

func (e *UDPEngine) table(v6 bool) map[uint16]*udpSession {
	if v6 {
		return e.byPortV6
	}
	return e.byPort
}

func (e *UDPEngine) activity(v6 bool) *bitset.BitSet {
	if v6 {
		return e.activeV6
	}
	return e.active
}

// HandleTapDatagram processes one UDP datagram arriving from the tap
// side: find or create the per-port session, remap the destination port
// through FwdUDPOut if configured, and forward to the kernel socket. A
// brand-new session whose destination is loopback gets a splice fast
// path (spec.md §1 component 3, §4.4.1): the session socket is
// connect()ed straight to that destination once, so every later
// datagram on this 4-tuple skips the per-packet Sendto/Recvfrom address
// dance for a plain Write/Read pair.
func (e *UDPEngine) HandleTapDatagram(p *ParsedPacket, now time.Time) error {
	tbl := e.table(p.V6)
	sess, ok := tbl[p.SrcPort]

	dstPort := p.DstPort
	if mapped, ok := e.ctx.FwdUDPOut.Forward(p.DstPort); ok {
		dstPort = mapped
	}
	dst := p.Dst
	if m, ok := e.ctx.Addr.MapGatewayToLoopback(p.Dst, !p.V6); ok {
		dst = m
	}

	if !ok {
		sock, err := newSocket(familyFor(p.V6), unix.SOCK_DGRAM)
		if err != nil {
			return err
		}
		sess = &udpSession{sock: sock, eport: p.SrcPort, v6: p.V6}

		pif := PifHost
		if e.ctx.NS != nil && dst.IsLoopback() {
			sa := sockaddrFor(dst, dstPort, p.V6)
			if unix.Connect(sock, sa) == nil {
				sess.splice = true
				sess.remote, sess.remotePort = dst, dstPort
				pif = PifSplice
			}
		}

		tbl[p.SrcPort] = sess
		ref := MakeUDPRef(sock, udpRefData{V6: p.V6, Splice: sess.splice, Pif: pif, Port: p.SrcPort})
		if err := e.ctx.Loop.Add(sock, unix.EPOLLIN, ref); err != nil {
			unix.Close(sock)
			delete(tbl, p.SrcPort)
			return err
		}
	}

	payload := p.L4[8:]
	var sendErr error
	if sess.splice {
		_, sendErr = unix.Write(sess.sock, payload)
	} else {
		sa := sockaddrFor(dst, dstPort, p.V6)
		sendErr = unix.Sendto(sess.sock, payload, 0, sa)
	}
	if sendErr != nil && sendErr != unix.EAGAIN {
		return sendErr
	}

	sess.remote, sess.remotePort = dst, dstPort
	sess.lastSeen = now
	e.activity(p.V6).Set(uint(p.SrcPort))
	return nil
}

// spliceDrainBatch bounds how many datagrams one splice-mode readable
// event drains in a row (spec.md §4.4.4): since the destination is a
// fixed local peer, draining several back-to-back lets the tap side's
// own per-iteration batching (framePool/Flush) carry them out in one
// write instead of one epoll round trip per datagram.
const spliceDrainBatch = 32

// HandleSockReadable drains one readable UDP socket and mirrors its
// datagram(s) back to the tap, remapping the source port through
// FwdUDPIn's reverse delta when applicable. A splice session (d.Splice)
// reads its fixed peer directly and drains a bounded batch per event
// instead of the usual one-datagram-per-readable handling.
func (e *UDPEngine) HandleSockReadable(d udpRefData, now time.Time) {
	tbl := e.table(d.V6)
	sess, ok := tbl[d.Port]
	if !ok {
		return
	}

	batch := 1
	if d.Splice {
		batch = spliceDrainBatch
	}

	for i := 0; i < batch; i++ {
		var n int
		var remote Inany
		var remotePort uint16
		var err error
		if sess.splice {
			n, err = unix.Read(sess.sock, e.ctx.sockScratch[:])
			remote, remotePort = sess.remote, sess.remotePort
		} else {
			var from unix.Sockaddr
			n, from, err = unix.Recvfrom(sess.sock, e.ctx.sockScratch[:], 0)
			if err == nil {
				remote, remotePort, _ = inanyFromSockaddr(from)
			}
		}
		if err != nil {
			return
		}

		srcPort := remotePort
		if mapped := e.ctx.FwdUDPIn.Reverse(remotePort); mapped != remotePort {
			srcPort = mapped
		}

		guestAddr := e.ctx.Addr.SNATInbound(remote)
		var frame []byte
		if d.V6 {
			frame = BuildIPv6UDP(e.ctx.GuestMAC, e.ctx.OwnMAC, remote, guestAddr, srcPort, sess.eport, e.ctx.sockScratch[:n])
		} else {
			frame = BuildIPv4UDP(e.ctx.GuestMAC, e.ctx.OwnMAC, remote, guestAddr, srcPort, sess.eport, e.ctx.sockScratch[:n])
		}
		e.ctx.Tap.EnqueueData(d.V6, frame, 0, nil)

		sess.lastSeen = now
		e.activity(d.V6).Set(uint(d.Port))
	}
}

// Sweep reaps sessions idle past udpPortTimeout, visiting only ports whose
// activity bit is set. A bit is cleared once its session is reaped or gone,
// so an idle session stays marked, and is revisited, until it expires.
func (e *UDPEngine) Sweep(now time.Time) {
	for _, v6 := range []bool{false, true} {
		tbl := e.table(v6)
		bits := e.activity(v6)
		for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
			port := uint16(i)
			sess, exists := tbl[port]
			if !exists {
				bits.Clear(i)
				continue
			}
			if sess.static {
				continue
			}
			if now.Sub(sess.lastSeen) > udpPortTimeout {
				_ = e.ctx.Loop.Del(sess.sock)
				_ = unix.Close(sess.sock)
				delete(tbl, port)
				bits.Clear(i)
			}
		}
	}
}

// BindStatic opens (or confirms) a pre-bound UDP socket for a FwdUDPIn
// port so inbound datagrams can arrive before the guest ever sends from
// that port. A no-op if already bound.
func (e *UDPEngine) BindStatic(port uint16, v6 bool) error {
	tbl := e.table(v6)
	if _, ok := tbl[port]; ok {
		return nil
	}
	sock, err := newSocket(familyFor(v6), unix.SOCK_DGRAM)
	if err != nil {
		return err
	}
	if err := unix.Bind(sock, sockaddrFor(InanyUnspecified, port, v6)); err != nil {
		unix.Close(sock)
		return err
	}
	sess := &udpSession{sock: sock, eport: port, v6: v6, static: true}
	tbl[port] = sess

	ref := MakeUDPRef(sock, udpRefData{V6: v6, Pif: PifHost, Port: port})
	if err := e.ctx.Loop.Add(sock, unix.EPOLLIN, ref); err != nil {
		unix.Close(sock)
		delete(tbl, port)
		return err
	}
	return nil
}

// UnbindStatic closes a previously-static port's socket, e.g. when an
// AUTO-mode rescan clears the corresponding FwdUDPIn bit.
func (e *UDPEngine) UnbindStatic(port uint16, v6 bool) {
	tbl := e.table(v6)
	sess, ok := tbl[port]
	if !ok || !sess.static {
		return
	}
	_ = e.ctx.Loop.Del(sess.sock)
	_ = unix.Close(sess.sock)
	delete(tbl, port)
}

func familyFor(v6 bool) int {
	if v6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
