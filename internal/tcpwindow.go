package internal

import (
	"time"
)

// lowRTTThreshold is the tcpi_min_rtt cutoff below which a peer is
// hinted as "local" (FlagLocal), which makes updateAckToTap acknowledge
// guest data as soon as the local kernel accepts the write.
const lowRTTThreshold = 10 * time.Microsecond

// SampleRTT reads TCP_INFO off conn's socket and updates the low-RTT LRU
// hint keyed by the remote address, called once after a connection
// reaches ESTABLISHED and periodically afterward.
func (c *Ctx) SampleRTT(conn *TCPConn) {
	info, err := tcpInfo(conn.Sock)
	if err != nil {
		return
	}
	rtt := time.Duration(info.Min_rtt) * time.Microsecond
	if rtt > 0 && rtt < lowRTTThreshold {
		c.MarkLowRTT(conn.Faddr)
		conn.SetFlag(FlagLocal)
	}
}

// ShouldAckImmediately decides whether a just-received tap segment
// should generate its ACK on this same event-loop iteration rather than
// waiting for the next periodic sweep, per the low-RTT hint and
// dup-ACK pressure.
func (c *Ctx) ShouldAckImmediately(conn *TCPConn) bool {
	if conn.HasFlag(FlagLocal) {
		return true
	}
	if c.IsLowRTT(conn.Faddr) {
		return true
	}
	return conn.SeqDupAckApprox > 0
}

// UpdateWindowFromSock recomputes WndToTap from the kernel socket's
// current receive buffer occupancy, keeping the guest's advertised
// window honest about how much data is still sitting unforwarded.
// approxUnread is HandleSockReadable's MSG_PEEK byte count, the
// cheapest available approximation of what SO_RCVBUF still holds.
func (c *Ctx) UpdateWindowFromSock(conn *TCPConn, approxUnread int) {
	w := windowDefault - approxUnread
	if w < 0 {
		w = 0
	}
	if w > maxWindow {
		w = maxWindow
	}
	conn.WndToTap = scaledWindow16(w, conn.WSToTap)
}

func scaledWindow16(w int, shift uint8) uint16 {
	if shift > 0 {
		w >>= shift
	}
	if w > 65535 {
		w = 65535
	}
	if w < 0 {
		w = 0
	}
	return uint16(w)
}

// NegotiateWindowScale derives WSFromTap/WSToTap from the tap side's SYN
// options, clamped to maxWSShift.
func NegotiateWindowScale(synOpts []byte) uint8 {
	shift := parseWSOption(synOpts)
	if shift > maxWSShift {
		shift = maxWSShift
	}
	return shift
}

// parseWSOption scans TCP options for kind 3 (window scale).
func parseWSOption(opts []byte) uint8 {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case 0:
			return 0
		case 1:
			i++
			continue
		case 3:
			if i+3 <= len(opts) {
				return opts[i+2]
			}
			return 0
		default:
			if i+1 >= len(opts) {
				return 0
			}
			length := int(opts[i+1])
			if length < 2 {
				return 0
			}
			i += length
		}
	}
	return 0
}

// FastRetransmitCheck approximates the classic fast-retransmit trigger on
// three duplicate ACKs, using an 8-bit saturating counter instead of
// tracking the full ACK sequence history.
func FastRetransmitCheck(conn *TCPConn) bool {
	return conn.SeqDupAckApprox >= 3
}
