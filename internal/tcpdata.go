package internal

import (
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// scratchBufSize bounds the shared read-side scratch buffer Ctx carries
// (sockScratch): the event loop is single-threaded, so one buffer reused
// across every HandleSockReadable/retransmitUnacked/UDP-read call avoids
// allocating a fresh buffer per readable event.
const scratchBufSize = 65536

// HandleSockReadable drains conn's kernel socket with MSG_PEEK and
// forwards the unsent tail to the tap side as one or more MSS-sized
// segments. Bytes are never actually removed from the kernel socket here:
// they stay available for retransmitUnacked until the tap's cumulative
// ACK confirms them, at which point HandleTapSegment's ack-processing
// branch drains exactly that many bytes (tcp_sock_consume). A batch that
// fails to reach the tap therefore leaves the data queued for the next
// attempt, satisfying the no-loss ordering guarantee.
func (c *Ctx) HandleSockReadable(idx int, now time.Time) {
	slot := c.Flows.Get(idx)
	conn, ok := slot.Payload.(*TCPConn)
	if !ok || conn.closed {
		return
	}

	wnd := uint32(conn.WndFromTap) << conn.WSFromTap
	alreadySent := conn.SeqToTap - conn.SeqAckFromTap
	if wnd == 0 || alreadySent >= wnd {
		conn.SetFlag(FlagStalled)
		return
	}

	n, _, err := unix.Recvfrom(conn.Sock, c.sockScratch[:], unix.MSG_PEEK)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		c.beginClose(conn, now, true)
		return
	}
	if n == 0 {
		// Peer half-closed its write side: mirror as a FIN to the tap.
		c.sendFinToTap(conn, now)
		return
	}
	conn.ClearFlag(FlagStalled)
	c.UpdateWindowFromSock(conn, n)

	already := int(alreadySent)
	if already > n {
		already = n
	}
	data := c.sockScratch[already:n]
	if spaceAvail := int(wnd - alreadySent); len(data) > spaceAvail {
		data = data[:spaceAvail]
	}
	if len(data) == 0 {
		return
	}

	mss := int(conn.MSS)
	seq := conn.SeqToTap
	for len(data) > 0 {
		chunk := data
		if len(chunk) > mss {
			chunk = chunk[:mss]
		}
		frameSeq := seq
		advance := uint32(len(chunk))
		frame := buildTapFrame(c, conn, frameSeq, conn.SeqAckFromTap, uint8(header.TCPFlagAck), scaledWindow(conn), chunk, nil)

		connRef := conn
		c.Tap.EnqueueData(conn.V6, frame, advance, func(sent bool) {
			if sent {
				connRef.SeqToTap += advance
			}
		})
		seq += advance
		data = data[len(chunk):]
	}

	conn.SetFlag(FlagAckFromTapDue)
	if conn.Timer < 0 {
		_ = c.ArmTimer(conn, retransBaseInterval)
	}
	conn.lastActivity = now
}

// HandleTapSegment processes one TCP segment arriving from the tap side
// for an existing flow.
func (c *Ctx) HandleTapSegment(idx int, p *ParsedPacket, now time.Time) {
	slot := c.Flows.Get(idx)
	conn, ok := slot.Payload.(*TCPConn)
	if !ok || conn.closed {
		return
	}
	t := header.TCP(p.L4)
	flags := t.Flags()

	if flags&header.TCPFlagRst != 0 {
		c.beginClose(conn, now, false)
		return
	}

	if flags&header.TCPFlagAck != 0 {
		ackNum := t.AckNumber()
		if SeqGT(ackNum, conn.SeqAckFromTap) {
			consumed := ackNum - conn.SeqAckFromTap
			conn.SeqAckFromTap = ackNum
			conn.Retrans = 0
			c.consumeAcked(conn, int(consumed))
			if conn.SeqAckFromTap == conn.SeqToTap {
				c.DisarmTimer(conn)
				conn.ClearFlag(FlagAckFromTapDue)
			}
		}
		conn.WndFromTap = t.WindowSize()
		if conn.HasState(EvTapSynRcvd) {
			conn.SetState(EvEstablished)
		}
	}

	payload := t.Payload()
	if len(payload) > 0 {
		seq := t.SequenceNumber()
		if seq != conn.SeqFromTap {
			// Out-of-order or retransmitted segment: no reassembly
			// buffer exists, so signal the gap to the guest instead of
			// silently dropping it. Three such gaps (FastRetransmitCheck)
			// fire one ACK|DUP_ACK pair so the guest's own fast
			// retransmit kicks in, rather than waiting on its RTO.
			if conn.SeqDupAckApprox < 255 {
				conn.SeqDupAckApprox++
			}
			if FastRetransmitCheck(conn) {
				c.sendDupAck(conn, now)
				conn.SeqDupAckApprox = 0
			} else {
				c.scheduleAckToTap(conn, now)
			}
			return
		}
		conn.SeqDupAckApprox = 0
		n, err := unix.Write(conn.Sock, payload)
		if err != nil && err != unix.EAGAIN {
			c.beginClose(conn, now, false)
			return
		}
		conn.SeqFromTap += uint32(n)
		c.updateAckToTap(conn)
		conn.lastActivity = now
		c.scheduleAckToTap(conn, now)
	}

	if flags&header.TCPFlagFin != 0 {
		conn.Set(EvTapFinRcvd)
		conn.SeqFromTap++
		conn.SeqAckToTap = conn.SeqFromTap
		unix.Shutdown(conn.Sock, unix.SHUT_WR)
		conn.Set(EvSockFinSent)
		c.scheduleAckToTap(conn, now)
	}
}

// scheduleAckToTap marks an ACK as due; FlushDueAcks, run on every
// event-loop deferred pass, is what actually sends it, mirroring the
// socket side's ACK state onto the tap.
func (c *Ctx) scheduleAckToTap(conn *TCPConn, now time.Time) {
	conn.SetFlag(FlagAckToTapDue)
}

// FlushDueAcks sends a bare ACK for every connection with
// FlagAckToTapDue set, called once per event-loop deferred pass.
func (c *Ctx) FlushDueAcks(now time.Time) {
	for i := 0; i < c.Flows.Max(); i++ {
		slot := c.Flows.Get(i)
		conn, ok := slot.Payload.(*TCPConn)
		if !ok || conn.closed || !conn.HasFlag(FlagAckToTapDue) {
			continue
		}
		frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, uint8(header.TCPFlagAck), scaledWindow(conn), nil, nil)
		c.Tap.EnqueueFlags(conn.V6, frame)
		conn.ClearFlag(FlagAckToTapDue)
	}
}

// sendFinToTap mirrors a socket-side EOF onto the tap.
func (c *Ctx) sendFinToTap(conn *TCPConn, now time.Time) {
	if conn.Has(EvTapFinSent) {
		return
	}
	conn.Set(EvSockFinRcvd)
	conn.Set(EvTapFinSent)
	frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, uint8(header.TCPFlagFin|header.TCPFlagAck), scaledWindow(conn), nil, nil)
	seq := conn.SeqToTap
	c.Tap.EnqueueFlags(conn.V6, frame)
	conn.SeqToTap = seq + 1
	conn.lastActivity = now
}

// beginClose starts connection teardown, sending an RST to the tap side
// when the socket end reported an error (active==true means we, not the
// peer, are the one closing abnormally).
func (c *Ctx) beginClose(conn *TCPConn, now time.Time, active bool) {
	if conn.closed {
		return
	}
	if active {
		conn.SetFlag(FlagActiveClose)
	}
	frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckFromTap, uint8(header.TCPFlagRst), 0, nil, nil)
	c.Tap.EnqueueFlags(conn.V6, frame)
	c.closeTCP(conn, now)
}

// scaledWindow derives the wire window value to advertise to the tap.
// UpdateWindowFromSock keeps WndToTap current with actual socket buffer
// occupancy; until the first sample it falls back to windowDefault
// scaled by the negotiated window-scale shift.
func scaledWindow(conn *TCPConn) uint16 {
	if conn.WndToTap != 0 {
		return conn.WndToTap
	}
	return scaledWindow16(windowDefault, conn.WSToTap)
}

// consumeAcked drains exactly n bytes from conn.Sock's receive queue
// (tcp_sock_consume): the data HandleSockReadable peeked and already
// forwarded to the tap is only now actually removed from the kernel
// socket, once the tap's cumulative ACK confirms the guest received it.
func (c *Ctx) consumeAcked(conn *TCPConn, n int) {
	for n > 0 {
		chunk := n
		if chunk > len(c.sockScratch) {
			chunk = len(c.sockScratch)
		}
		got, err := unix.Read(conn.Sock, c.sockScratch[:chunk])
		if err != nil || got <= 0 {
			return
		}
		n -= got
	}
}

// updateAckToTap picks the seq_ack_to_tap value to report for data just
// written to conn.Sock. The optimistic branch acks as soon as the local
// kernel accepted the write; the safe branch instead floors the ack at
// tcpi_bytes_acked, the real remote peer's own acknowledgement, so a
// write that never actually leaves the local kernel doesn't get acked to
// the guest. Optimism is only used where that gap doesn't matter: a
// low-RTT/local peer, a small SNDBUF that drains fast, or a connection
// already closing.
func (c *Ctx) updateAckToTap(conn *TCPConn) {
	optimistic := conn.HasFlag(FlagLocal) || conn.HasFlag(FlagActiveClose) ||
		conn.Has(EvTapFinRcvd) || probeLowBufs
	if !optimistic {
		if info, err := tcpInfo(conn.Sock); err == nil {
			safe := conn.SeqInitFromTap + uint32(info.Bytes_acked)
			if SeqGE(safe, conn.SeqAckToTap) && SeqLE(safe, conn.SeqFromTap) {
				conn.SeqAckToTap = safe
				return
			}
		}
	}
	conn.SeqAckToTap = conn.SeqFromTap
}

// sendDupAck emits the ACK|DUP_ACK pair spec.md's fast-retransmit
// signaling calls for: two identical ACKs carrying the current (stalled)
// ack number, so the guest's TCP stack treats the second as a duplicate
// and fast-retransmits instead of waiting out its RTO.
func (c *Ctx) sendDupAck(conn *TCPConn, now time.Time) {
	frame := buildTapFrame(c, conn, conn.SeqToTap, conn.SeqAckToTap, uint8(header.TCPFlagAck), scaledWindow(conn), nil, nil)
	c.Tap.EnqueueFlags(conn.V6, frame)
	c.Tap.EnqueueFlags(conn.V6, frame)
	conn.lastActivity = now
}
