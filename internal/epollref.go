package internal

// EpollRef is the typed 64-bit reference stored as the epoll event's user
// data. It is the sole ABI between the event loop and every handler: the
// loop never knows what a given fd "is" beyond this tag.
type EpollRef uint64

// RefType occupies the top 8 bits of an EpollRef.
type RefType uint8

const (
	RefTCP RefType = iota
	RefTCPSplice
	RefTCPListen
	RefTCPTimer
	RefUDP
	RefPing
	RefNSQuitInotify
	RefNSQuitTimer
	RefTapNS
	RefTapStream
	RefTapListen
)

// Pif distinguishes which namespace a socket was opened in.
type Pif uint8

const (
	PifHost Pif = iota
	PifSplice
)

// FdRefMax bounds the 24-bit fd field; any fd at or above this value cannot
// be represented and must be rejected at the point it is created.
const FdRefMax = 1 << 24

// udpRefData packs the UDP-specific payload: v6/splice/orig flags, pif (3
// bits is enough for the two-member enum today and leaves room to grow),
// and the 16-bit local port.
type udpRefData struct {
	V6     bool
	Splice bool
	Orig   bool
	Pif    Pif
	Port   uint16
}

// MakeEpollRef packs a type tag, an fd and a 32-bit opaque payload into a
// single reference. Callers that create a new fd must check it against
// FdRefMax first.
func MakeEpollRef(t RefType, fd int, payload uint32) EpollRef {
	return EpollRef(uint64(t)<<56 | uint64(fd&0xFFFFFF)<<32 | uint64(payload))
}

func (r EpollRef) Type() RefType { return RefType(r >> 56) }
func (r EpollRef) Fd() int       { return int((r >> 32) & 0xFFFFFF) }
func (r EpollRef) Payload() uint32 {
	return uint32(r)
}

// FlowIdx interprets the payload as a flow-table index (TCP, TCP_SPLICE,
// PING4, PING6 refs).
func (r EpollRef) FlowIdx() int { return int(r.Payload()) }

// MakeUDPRef packs the UDP-specific payload
func MakeUDPRef(fd int, d udpRefData) EpollRef {
	var p uint32
	if d.V6 {
		p |= 1 << 31
	}
	if d.Splice {
		p |= 1 << 30
	}
	if d.Orig {
		p |= 1 << 29
	}
	p |= uint32(d.Pif&0x7) << 26
	p |= uint32(d.Port)
	return MakeEpollRef(RefUDP, fd, p)
}

func (r EpollRef) UDPData() udpRefData {
	p := r.Payload()
	return udpRefData{
		V6:     p&(1<<31) != 0,
		Splice: p&(1<<30) != 0,
		Orig:   p&(1<<29) != 0,
		Pif:    Pif((p >> 26) & 0x7),
		Port:   uint16(p),
	}
}

// tapListenPayload packs a forwarded port and the pif it was opened under.
func MakeTapListenRef(fd int, port uint16, pif Pif) EpollRef {
	return MakeEpollRef(RefTapListen, fd, uint32(port)<<8|uint32(pif))
}

func (r EpollRef) TapListenPort() uint16 { return uint16(r.Payload() >> 8) }
func (r EpollRef) TapListenPif() Pif     { return Pif(r.Payload() & 0xFF) }

// MakeTCPListenRef tags a forwarded-port TCP listening socket (RefTCPListen);
// it shares TapListenPort's payload layout since handleTCPListen decodes
// both the same way.
func MakeTCPListenRef(fd int, port uint16) EpollRef {
	return MakeEpollRef(RefTCPListen, fd, uint32(port)<<8)
}
