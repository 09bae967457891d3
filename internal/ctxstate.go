package internal

import (
	"crypto/rand"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Ctx is the process-wide execution context: created once at startup and live for the process lifetime.
// Every handler receives it; nothing here is safe to share across more
// than the single event-loop goroutine.
type Ctx struct {
	Cfg *Config
	Loop *Loop

	Flows *FlowTable
	Hash  *FlowHash

	Addr *AddrPolicy

	FwdTCPIn  *FwdPorts
	FwdTCPOut *FwdPorts
	FwdUDPIn  *FwdPorts
	FwdUDPOut *FwdPorts

	Secret [16]byte

	LowRTT *lru.Cache[Inany, bool]

	TapSockFD int // STREAM tap fd, or NS tuntap fd
	NS        *NSEntry

	Tap      TapWriter
	SockPool *TCPSockPool

	UDP *UDPEngine // set by NewEngine; PortForwarder uses it to bind static FwdUDPIn listeners

	GuestMAC net.HardwareAddr // learned from the first frame the guest sends
	OwnMAC   net.HardwareAddr // locally-administered MAC this process answers ARP as

	tickCounter uint32
	lastTick    time.Time

	// sockScratch is the single shared scratch buffer for every
	// MSG_PEEK/consume read and UDP datagram read: the event loop is
	// single-threaded, so one reused array avoids a heap allocation per
	// readable event across the TCP and UDP data paths.
	sockScratch [scratchBufSize]byte
}

// NewCtx wires config, flow table, hash index, address policy and
// forwarding tables into one process-wide context.
func NewCtx(cfg *Config) (*Ctx, error) {
	SetOutboundMark(cfg.Net.OutboundMark)
	c := &Ctx{
		Cfg:       cfg,
		Flows:     NewFlowTable(cfg.Limits.FlowMax),
		Addr:      NewAddrPolicy(cfg.Net),
		FwdTCPIn:  NewFwdPorts(cfg.Forward.TCPIn),
		FwdTCPOut: NewFwdPorts(cfg.Forward.TCPOut),
		FwdUDPIn:  NewFwdPorts(cfg.Forward.UDPIn),
		FwdUDPOut: NewFwdPorts(cfg.Forward.UDPOut),
		TapSockFD: -1,
		SockPool:  NewTCPSockPool(),
		OwnMAC:    net.HardwareAddr{0x9a, 0x55, 0x50, 0x41, 0x53, 0x54}, // locally-administered, "PAST"-ish
	}
	if _, err := rand.Read(c.Secret[:]); err != nil {
		return nil, err
	}
	c.Hash = NewFlowHash(c.Secret, cfg.Limits.FlowMax)

	cache, err := lru.New[Inany, bool](8)
	if err != nil {
		return nil, err
	}
	c.LowRTT = cache

	return c, nil
}

// tick derives the 32-bit tick counter used in ISN generation (RFC 6528
// style per-connection variant): a monotonically growing value sampled
// from the loop's coarse clock.
func (c *Ctx) tick(now time.Time) uint32 {
	return uint32(now.UnixNano() / int64(4*time.Microsecond))
}

// ISN derives an initial sequence number for (faddr, ownAddr, fport,
// eport): siphash the tuple keyed by the process
// secret, XOR-fold to 32 bits, and add the tick counter.
func (c *Ctx) ISN(faddr, own Inany, fport, eport uint16, now time.Time) uint32 {
	key := newSipHashKey(c.Secret)
	buf := make([]byte, 36)
	copy(buf[0:16], faddr[:])
	copy(buf[16:32], own[:])
	pack := uint32(fport)<<16 | uint32(eport)
	buf[32] = byte(pack >> 24)
	buf[33] = byte(pack >> 16)
	buf[34] = byte(pack >> 8)
	buf[35] = byte(pack)
	h := sipHash24(key, buf)
	folded := uint32(h) ^ uint32(h>>32)
	return folded + c.tick(now)
}

// MarkLowRTT records that addr's kernel tcpi_min_rtt was below the
// 10µs threshold; once full, the 8-entry cache evicts the least recently
// used address via the underlying lru.Cache's Add semantics.
func (c *Ctx) MarkLowRTT(addr Inany) { c.LowRTT.Add(addr, true) }

// IsLowRTT reports whether addr is currently hinted as low-RTT.
func (c *Ctx) IsLowRTT(addr Inany) bool {
	_, ok := c.LowRTT.Get(addr)
	return ok
}
