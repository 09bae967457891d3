package internal

import (
	"time"
)

// TCPEvent is the cumulative event bitmask
// CONN_STATE_BITS are mutually exclusive: setting any of them clears the
// others. The remaining bits are observer flags that only ever accumulate
// until the flow closes.
type TCPEvent uint16

const (
	EvSockAccepted TCPEvent = 1 << iota
	EvTapSynRcvd
	EvEstablished

	EvSockFinRcvd
	EvSockFinSent
	EvTapFinRcvd
	EvTapFinSent
	EvTapFinAcked
	EvTapSynAckSent
	EvClosed
)

const connStateBits = EvSockAccepted | EvTapSynRcvd | EvEstablished

// SetState sets one of the mutually exclusive CONN_STATE_BITS, clearing
// the other two.
func (c *TCPConn) SetState(s TCPEvent) {
	c.Events = (c.Events &^ connStateBits) | (s & connStateBits)
}

func (c *TCPConn) HasState(s TCPEvent) bool { return c.Events&connStateBits == s }
func (c *TCPConn) Set(bits TCPEvent)        { c.Events |= bits }
func (c *TCPConn) Has(bits TCPEvent) bool   { return c.Events&bits == bits }
func (c *TCPConn) Clear(bits TCPEvent)      { c.Events &^= bits }

// TCPFlag is the independent flag set
type TCPFlag uint8

const (
	FlagStalled TCPFlag = 1 << iota
	FlagLocal
	FlagActiveClose
	FlagAckToTapDue
	FlagAckFromTapDue
)

func (c *TCPConn) SetFlag(f TCPFlag)      { c.Flags |= f }
func (c *TCPConn) ClearFlag(f TCPFlag)    { c.Flags &^= f }
func (c *TCPConn) HasFlag(f TCPFlag) bool { return c.Flags&f == f }

// Sequence comparisons valid over the ±2^31 window.
func SeqLT(a, b uint32) bool { return int32(a-b) < 0 }
func SeqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func SeqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func SeqGT(a, b uint32) bool { return int32(a-b) > 0 }

const (
	windowDefault = 64240
	maxWindow     = 65535 << 8 // clamp point before ws scaling overflows the 16-bit wire field
	maxWSShift    = 8
)

// TCPConn is a single flow-table TCP entry: two half-flows (tap side,
// socket side) mirrored onto each other.
type TCPConn struct {
	FlowIdx int

	Faddr Inany // remote address
	Eport uint16 // guest-side (tap) local port
	Fport uint16 // remote port

	Sock int // kernel socket fd, -1 once closed
	Timer int // per-connection timerfd, -1 if unarmed

	Events TCPEvent
	Flags  TCPFlag

	SeqToTap       uint32
	SeqAckFromTap  uint32
	SeqFromTap     uint32
	SeqAckToTap    uint32
	SeqInitFromTap uint32
	SeqInitToTap   uint32

	WndFromTap uint16
	WndToTap   uint16
	WSFromTap  uint8
	WSToTap    uint8

	MSS uint16

	Retrans          uint8
	SeqDupAckApprox  uint8
	InEpoll          bool

	V6 bool

	lastActivity time.Time
	closed       bool
}

// clampMSS bounds mss per address family: USHRT_MAX minus L2+L3 headers
//.
func clampMSS(mss int, v6 bool) uint16 {
	const l2 = 14
	l3 := 20
	if v6 {
		l3 = 40
	}
	max := 65535 - l2 - l3 - 20 // minus TCP header too
	if mss > max {
		mss = max
	}
	if mss < 64 {
		mss = 64
	}
	return uint16(mss)
}

// DeferClose implements flowPayload: the deferred GC pass retires a TCP
// flow once its CLOSED event is recorded and any timer has been reaped.
func (c *TCPConn) DeferClose(now time.Time) bool {
	return c.Has(EvClosed)
}

// approxState derives a logging-only TCP-state label from the event bits
//; never consulted by the data path itself.
func (c *TCPConn) approxState() string {
	switch {
	case c.Has(EvClosed):
		return "CLOSED"
	case c.Has(EvTapFinRcvd) && c.HasFlag(FlagActiveClose):
		return "FIN_WAIT"
	case c.Has(EvSockFinSent):
		return "LAST_ACK"
	case c.Has(EvSockFinRcvd):
		return "CLOSE_WAIT"
	case c.HasState(EvEstablished):
		return "ESTABLISHED"
	case c.HasState(EvTapSynRcvd):
		return "SYN_SENT"
	case c.HasState(EvSockAccepted):
		return "SYN_RCVD"
	default:
		return "CLOSED"
	}
}
