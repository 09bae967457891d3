package internal

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// icmpFlow is one outstanding echo request/reply pairing, tracked in the
// flow table as FlowPing4/FlowPing6.
type icmpFlow struct {
	sock     int
	guestID  uint16
	kernelID uint16
	lastSeen time.Time
}

var icmpIdleTimeout = 30 * time.Second

func (f *icmpFlow) DeferClose(now time.Time) bool {
	return now.Sub(f.lastSeen) > icmpIdleTimeout
}

// ICMPEngine mirrors the UDP engine's shape but keyed by the
// (destination address, guest echo id) pair rather than a port, since
// ICMP has no port namespace.
type ICMPEngine struct {
	ctx   *Ctx
	byKey map[icmpKey]int // -> flow table index
}

type icmpKey struct {
	dst Inany
	id  uint16
	v6  bool
}

func NewICMPEngine(ctx *Ctx) *ICMPEngine {
	return &ICMPEngine{ctx: ctx, byKey: make(map[icmpKey]int)}
}

// HandleTapEcho processes a guest-originated ICMP/ICMPv6 echo request:
// allocate (or reuse) a dgram ping socket, remember the guest's echo
// identifier (the kernel replaces it with the socket's own on send), and
// forward the request.
func (e *ICMPEngine) HandleTapEcho(p *ParsedPacket, now time.Time) error {
	proto := header.ICMPv4ProtocolNumber
	sotype := unix.SOCK_DGRAM
	if p.V6 {
		proto = header.ICMPv6ProtocolNumber
	}

	var id uint16
	if p.V6 {
		icmp := header.ICMPv6(p.L4)
		if icmp.Type() != header.ICMPv6EchoRequest {
			return nil
		}
		id = binary.BigEndian.Uint16(p.L4[4:6])
	} else {
		icmp := header.ICMPv4(p.L4)
		if icmp.Type() != header.ICMPv4Echo {
			return nil
		}
		id = binary.BigEndian.Uint16(p.L4[4:6])
	}

	key := icmpKey{dst: p.Dst, id: id, v6: p.V6}
	idx, ok := e.byKey[key]
	var flow *icmpFlow
	if ok {
		slot := e.ctx.Flows.Get(idx)
		flow, _ = slot.Payload.(*icmpFlow)
	}
	if flow == nil {
		sock, err := unix.Socket(familyFor(p.V6), sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
		if err != nil {
			return err
		}
		newIdx, ok := e.ctx.Flows.Alloc()
		if !ok {
			unix.Close(sock)
			return ErrFlowTableFull
		}
		flow = &icmpFlow{sock: sock, guestID: id, lastSeen: now}
		variant := FlowPing4
		if p.V6 {
			variant = FlowPing6
		}
		slot := e.ctx.Flows.Get(newIdx)
		slot.Variant = variant
		slot.Payload = flow
		slot.Sides[SideTap] = FlowSideInfo{EndpointAddr: p.Src, ForwardAddr: p.Dst}

		ref := MakeEpollRef(RefPing, sock, uint32(newIdx))
		if err := e.ctx.Loop.Add(sock, unix.EPOLLIN, ref); err != nil {
			unix.Close(sock)
			e.ctx.Flows.AllocCancel(newIdx)
			return err
		}
		e.byKey[key] = newIdx
		idx = newIdx
	}

	sa := sockaddrFor(p.Dst, 0, p.V6)
	if err := unix.Sendto(flow.sock, p.L4, 0, sa); err != nil && err != unix.EAGAIN {
		return err
	}
	flow.lastSeen = now
	_ = idx
	return nil
}

// HandleSockReadable drains a ping socket's reply and mirrors it back to
// the tap side. The reply carries the identifier the kernel's ping socket
// assigned, so the guest's original identifier is written back (with an
// incremental checksum update) before the Ethernet/IP framing is added.
func (e *ICMPEngine) HandleSockReadable(idx int, now time.Time) {
	slot := e.ctx.Flows.Get(idx)
	flow, ok := slot.Payload.(*icmpFlow)
	if !ok {
		return
	}
	buf := make([]byte, 65536)
	n, _, err := unix.Recvfrom(flow.sock, buf, 0)
	if err != nil {
		return
	}
	flow.lastSeen = now

	if n >= 8 {
		if oldID := binary.BigEndian.Uint16(buf[4:6]); oldID != flow.guestID {
			// RFC 1624 update; the ICMPv6 pseudo-header is unchanged.
			sum := uint32(^binary.BigEndian.Uint16(buf[2:4])) + uint32(^oldID) + uint32(flow.guestID)
			sum = (sum & 0xffff) + (sum >> 16)
			sum = (sum & 0xffff) + (sum >> 16)
			binary.BigEndian.PutUint16(buf[2:4], ^uint16(sum))
			binary.BigEndian.PutUint16(buf[4:6], flow.guestID)
		}
	}

	side := slot.Sides[SideTap]
	v6 := slot.Variant == FlowPing6
	var frame []byte
	if v6 {
		frame = buildICMPv6Frame(e.ctx, side.ForwardAddr, side.EndpointAddr, buf[:n])
	} else {
		frame = buildICMPv4Frame(e.ctx, side.ForwardAddr, side.EndpointAddr, buf[:n])
	}
	e.ctx.Tap.EnqueueData(v6, frame, 0, nil)
}

func buildICMPv4Frame(c *Ctx, src, dst Inany, icmpPayload []byte) []byte {
	total := ethHeaderLen + 20 + len(icmpPayload)
	frame := make([]byte, total)
	writeEthHeader(frame, c.GuestMAC, c.OwnMAC, ethTypeIPv4)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+20]
	writeIPv4Header(ipHdr, src, dst, 1, 20+len(icmpPayload))
	copy(frame[ethHeaderLen+20:], icmpPayload)
	putChecksumBE(ipHdr[10:12], ipv4Checksum(ipHdr))
	return frame
}

func buildICMPv6Frame(c *Ctx, src, dst Inany, icmpPayload []byte) []byte {
	total := ethHeaderLen + 40 + len(icmpPayload)
	frame := make([]byte, total)
	writeEthHeader(frame, c.GuestMAC, c.OwnMAC, ethTypeIPv6)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+40]
	writeIPv6Header(ipHdr, src, dst, 58, len(icmpPayload))
	copy(frame[ethHeaderLen+40:], icmpPayload)
	return frame
}
