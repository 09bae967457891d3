package internal

import (
	"time"

	"golang.org/x/sys/unix"
)

// TCPSpliceConn is the NS-mode loopback fast path: when both endpoints of a connection are visible from inside
// the target namespace (a connection from the guest's loopback to a
// guest-local listener forwarded from the init namespace), the data
// never needs to detour through tap framing at all — two raw sockets
// are spliced together with splice(2), avoiding a userspace copy.
type TCPSpliceConn struct {
	FlowIdx int

	initSock int // socket in the init namespace
	nsSock   int // socket in the target namespace

	pipeRead  int
	pipeWrite int

	lastActivity time.Time
	closed       bool
}

const spliceChunk = 1 << 20 // SPLICE_F_MOVE transfers up to this much per call

// NewTCPSplice wires a pipe between initSock and nsSock and registers
// both fds with the loop so either side being readable triggers a
// splice in the other direction.
func (c *Ctx) NewTCPSplice(initSock, nsSock int, now time.Time) (*TCPSpliceConn, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}

	idx, ok := c.Flows.Alloc()
	if !ok {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, ErrFlowTableFull
	}

	sc := &TCPSpliceConn{
		FlowIdx:      idx,
		initSock:     initSock,
		nsSock:       nsSock,
		pipeRead:     fds[0],
		pipeWrite:    fds[1],
		lastActivity: now,
	}

	slot := c.Flows.Get(idx)
	slot.Variant = FlowTCPSplice
	slot.Payload = sc
	slot.Sides[SideSock] = FlowSideInfo{Pif: PifHost}
	slot.Sides[SideTap] = FlowSideInfo{Pif: PifSplice}

	refInit := MakeEpollRef(RefTCPSplice, initSock, uint32(idx))
	refNS := MakeEpollRef(RefTCPSplice, nsSock, uint32(idx)|spliceFromNSBit)
	if err := c.Loop.Add(initSock, unix.EPOLLIN, refInit); err != nil {
		c.Flows.AllocCancel(idx)
		return nil, err
	}
	if err := c.Loop.Add(nsSock, unix.EPOLLIN, refNS); err != nil {
		_ = c.Loop.Del(initSock)
		c.Flows.AllocCancel(idx)
		return nil, err
	}
	return sc, nil
}

// spliceFromNSBit, packed into the epoll ref's high payload bit, tells
// HandleSpliceReadable which direction to move bytes without a second
// map lookup.
const spliceFromNSBit = 1 << 31

// HandleSpliceReadable moves bytes from whichever side became readable
// into the pipe, then from the pipe into the other side, using two
// splice(2) calls and no userspace buffer.
func (c *Ctx) HandleSpliceReadable(ref EpollRef, now time.Time) {
	idx := int(ref.Payload() &^ spliceFromNSBit)
	fromNS := ref.Payload()&spliceFromNSBit != 0

	slot := c.Flows.Get(idx)
	sc, ok := slot.Payload.(*TCPSpliceConn)
	if !ok || sc.closed {
		return
	}

	src, dst := sc.initSock, sc.nsSock
	if fromNS {
		src, dst = sc.nsSock, sc.initSock
	}

	n, err := unix.Splice(src, nil, sc.pipeWrite, nil, spliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
	if err != nil || n == 0 {
		if err != nil && err != unix.EAGAIN {
			c.closeSplice(sc)
		}
		return
	}
	moved := n
	for moved > 0 {
		w, err := unix.Splice(sc.pipeRead, nil, dst, nil, int(moved), unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN {
				c.closeSplice(sc)
			}
			break
		}
		if w == 0 {
			break
		}
		moved -= w
	}
	sc.lastActivity = now
}

func (c *Ctx) closeSplice(sc *TCPSpliceConn) {
	if sc.closed {
		return
	}
	sc.closed = true
	_ = c.Loop.Del(sc.initSock)
	_ = c.Loop.Del(sc.nsSock)
	unix.Close(sc.initSock)
	unix.Close(sc.nsSock)
	unix.Close(sc.pipeRead)
	unix.Close(sc.pipeWrite)
}

// DeferClose implements flowPayload.
func (sc *TCPSpliceConn) DeferClose(now time.Time) bool {
	return sc.closed
}
