package internal

import (
	"errors"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// Engine bundles the per-protocol engines (UDP, ICMP) alongside Ctx and
// wires every RefType to its handler on the event loop. TCP has no separate engine struct: its handlers
// hang directly off Ctx since tcpsetup.go/tcpdata.go/tcptimers.go
// already close over *Ctx.
type Engine struct {
	Ctx   *Ctx
	UDP   *ICMPAndUDP
	Ports *PortForwarder
	tap   TapWriter
	ns    bool

	// OnTapGone is invoked when the STREAM-mode tap connection drops and
	// OneOff was requested; main.go wires this
	// to close the loop's stop channel.
	OnTapGone func()
}

// ICMPAndUDP groups the two datagram engines so Engine has one field
// instead of two near-identical ones.
type ICMPAndUDP struct {
	UDP  *UDPEngine
	ICMP *ICMPEngine
}

// NewEngine wires UDP/ICMP engines and installs every handler the loop
// will dispatch to, then registers the periodic deferred pass.
func NewEngine(ctx *Ctx, tap TapWriter, ns bool) *Engine {
	udpEng := NewUDPEngine(ctx)
	e := &Engine{
		Ctx: ctx,
		UDP: &ICMPAndUDP{UDP: udpEng, ICMP: NewICMPEngine(ctx)},
		tap: tap,
		ns:  ns,
	}
	ctx.Tap = tap
	ctx.UDP = udpEng
	e.Ports = NewPortForwarder(ctx)
	e.Ports.Sync()

	loop := ctx.Loop
	loop.Register(RefTCP, e.handleTCP)
	loop.Register(RefTCPTimer, e.handleTCPTimer)
	loop.Register(RefTCPListen, e.handleTCPListen)
	loop.Register(RefTCPSplice, e.handleTCPSplice)
	loop.Register(RefUDP, e.handleUDP)
	loop.Register(RefPing, e.handlePing)
	loop.Register(RefTapListen, e.handleTapListen)
	loop.Register(RefTapStream, e.handleTapStream)

	if nt, ok := tap.(*NSTap); ok {
		nt.StartReader()
	}

	loop.AddDeferred(func(now time.Time) {
		if nt, ok := tap.(*NSTap); ok {
			e.drainNSFrames(nt, now)
		}
		ctx.FlushDueAcks(now)
		ctx.Tap.Flush(now)
		ctx.Flows.DeferredGC(now)
		if loop.ShouldRunPeriodic(now) {
			e.Ctx.RunPeriodicTCP(now)
			e.UDP.UDP.Sweep(now)
		}
		e.Ports.MaybeRescan(now, "/proc")
	})

	return e
}

// drainNSFrames pulls every frame StartReader's goroutine has queued so
// far without blocking, so one NS-mode tap read burst is processed per
// loop iteration just like a STREAM-mode EPOLLIN batch.
func (e *Engine) drainNSFrames(nt *NSTap, now time.Time) {
	for {
		select {
		case frame := <-nt.Frames():
			e.routeFrame(frame, now)
		case err := <-nt.Errors():
			log.Printf("ns tap read: %v", err)
			return
		default:
			return
		}
	}
}

func (e *Engine) handleTCP(l *Loop, ref EpollRef, events uint32, now time.Time) {
	idx := ref.FlowIdx()
	if events&unix.EPOLLOUT != 0 {
		if err := e.Ctx.HandleSockConnected(idx, now); err != nil {
			log.Printf("tcp connect: %v", err)
		}
		return
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		slot := e.Ctx.Flows.Get(idx)
		if conn, ok := slot.Payload.(*TCPConn); ok {
			e.Ctx.beginClose(conn, now, false)
		}
		return
	}
	if events&unix.EPOLLIN != 0 {
		e.Ctx.HandleSockReadable(idx, now)
	}
}

func (e *Engine) handleTCPTimer(l *Loop, ref EpollRef, events uint32, now time.Time) {
	e.Ctx.HandleTimerFired(ref.FlowIdx(), now)
}

func (e *Engine) handleTCPListen(l *Loop, ref EpollRef, events uint32, now time.Time) {
	port := ref.TapListenPort()
	guestAddr := e.Ctx.Addr.Own
	if err := e.Ctx.HandleOutboundListenAccept(ref.Fd(), guestAddr, port, now); err != nil {
		log.Printf("tcp listen accept: %v", err)
	}
}

func (e *Engine) handleTCPSplice(l *Loop, ref EpollRef, events uint32, now time.Time) {
	e.Ctx.HandleSpliceReadable(ref, now)
}

func (e *Engine) handleUDP(l *Loop, ref EpollRef, events uint32, now time.Time) {
	e.UDP.UDP.HandleSockReadable(ref.UDPData(), now)
}

func (e *Engine) handlePing(l *Loop, ref EpollRef, events uint32, now time.Time) {
	e.UDP.ICMP.HandleSockReadable(ref.FlowIdx(), now)
}

func (e *Engine) handleTapListen(l *Loop, ref EpollRef, events uint32, now time.Time) {
	st, ok := e.tap.(*StreamTap)
	if !ok {
		return
	}
	connFD, err := st.AcceptConn()
	if err != nil {
		log.Printf("tap accept: %v", err)
		return
	}
	tapRef := MakeEpollRef(RefTapStream, connFD, 0)
	if err := l.Add(connFD, unix.EPOLLIN, tapRef); err != nil {
		log.Printf("tap epoll add: %v", err)
	}
}

func (e *Engine) handleTapStream(l *Loop, ref EpollRef, events uint32, now time.Time) {
	st, ok := e.tap.(*StreamTap)
	if !ok {
		return
	}
	frames, err := st.ReadFrames()
	if err != nil {
		log.Printf("tap disconnected: %v", err)
		_ = l.Del(ref.Fd())
		if st.OneOff() && e.OnTapGone != nil {
			e.OnTapGone()
		}
		return
	}
	for _, f := range frames {
		e.routeFrame(f, now)
	}
}

// routeFrame demuxes one raw Ethernet frame and dispatches it to the
// TCP setup/data path, the UDP engine, or the ICMP engine, learning the
// guest's MAC address from the first frame seen.
func (e *Engine) routeFrame(frame []byte, now time.Time) {
	p, err := ParseEthernet(frame, e.handleARP)
	if err != nil {
		if errors.Is(err, ErrFragmentedPacket) {
			NoteFragmentDrop(now)
		}
		return
	}
	if p == nil {
		return // ARP handled in place, or unsupported ethertype
	}
	if len(e.Ctx.GuestMAC) == 0 && len(p.SrcMAC) == 6 {
		e.Ctx.GuestMAC = append([]byte(nil), p.SrcMAC...)
	}

	switch p.Proto {
	case L4TCP:
		e.routeTCP(p, now)
	case L4UDP:
		if err := e.UDP.UDP.HandleTapDatagram(p, now); err != nil {
			log.Printf("udp tap datagram: %v", err)
		}
	case L4ICMP, L4ICMPv6:
		if err := e.UDP.ICMP.HandleTapEcho(p, now); err != nil {
			log.Printf("icmp tap echo: %v", err)
		}
	}
}

func (e *Engine) routeTCP(p *ParsedPacket, now time.Time) {
	key := FlowHashKey{Remote: p.Src, LPort: p.DstPort, RPort: p.SrcPort}
	if idx, ok := e.Ctx.Hash.Lookup(key); ok {
		e.Ctx.HandleTapSegment(idx, p, now)
		return
	}
	if err := e.Ctx.HandleTapSYN(p, now); err != nil {
		log.Printf("tcp setup: %v", err)
	}
}

func (e *Engine) handleARP(req *ARPRequest) {
	reply := BuildARPReply(req, e.Ctx.OwnMAC)
	e.Ctx.Tap.EnqueueFlags(false, reply)
}
