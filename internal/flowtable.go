package internal

import "time"

// FlowVariant tags which payload a populated FlowSlot carries.
type FlowVariant uint8

const (
	FlowNone FlowVariant = iota
	FlowTCP
	FlowTCPSplice
	FlowPing4
	FlowPing6
)

// Flow sides
const (
	SideSock = 0
	SideTap  = 1
)

// FlowSideInfo is the common per-side header every populated flow carries.
type FlowSideInfo struct {
	Pif          Pif
	EndpointAddr Inany
	EndpointPort uint16
	ForwardAddr  Inany
	ForwardPort  uint16
}

// flowPayload is implemented by the per-variant connection state (TCPConn,
// TCPSpliceConn, ICMPFlow). DeferClose is invoked once per deferred-GC pass
// and reports whether the flow should be retired this tick.
type flowPayload interface {
	DeferClose(now time.Time) bool
}

// FlowSlot is one entry of the fixed-size flow table: either free (Variant
// == FlowNone, in which case freeLen/freeNext describe the cluster headed
// at this index) or a single populated variant.
type FlowSlot struct {
	Variant FlowVariant
	Sides   [2]FlowSideInfo
	Payload flowPayload

	freeLen  int
	freeNext int
}

// FlowTable is the fixed-size array of flow_max slots: a free-cluster
// allocator with O(1) alloc/cancel and a single-pass deferred GC that
// keeps the free chain strictly ascending.
type FlowTable struct {
	slots     []FlowSlot
	firstFree int
	active    int
}

// NewFlowTable allocates a table of max slots, entirely free.
func NewFlowTable(max int) *FlowTable {
	ft := &FlowTable{slots: make([]FlowSlot, max), firstFree: 0}
	if max > 0 {
		ft.slots[0] = FlowSlot{freeLen: max, freeNext: max}
	}
	return ft
}

func (ft *FlowTable) Max() int      { return len(ft.slots) }
func (ft *FlowTable) Active() int   { return ft.active }
func (ft *FlowTable) FirstFree() int { return ft.firstFree }

// Get returns the slot at idx for read/write by its owning handler.
func (ft *FlowTable) Get(idx int) *FlowSlot { return &ft.slots[idx] }

// Alloc returns the slot at firstFree and advances the free chain: if that
// slot's cluster length is 1 the head becomes its next cluster, otherwise
// the slot immediately after becomes a shorter cluster in place
//. The slot is zeroed; the caller must
// populate Variant/Sides/Payload before the loop re-enters, and may only
// call AllocCancel on it until then.
func (ft *FlowTable) Alloc() (int, bool) {
	idx := ft.firstFree
	if idx >= len(ft.slots) {
		return 0, false
	}
	head := ft.slots[idx]
	if head.freeLen > 1 {
		next := idx + 1
		ft.slots[next] = FlowSlot{freeLen: head.freeLen - 1, freeNext: head.freeNext}
		ft.firstFree = next
	} else {
		ft.firstFree = head.freeNext
	}
	ft.slots[idx] = FlowSlot{}
	ft.active++
	return idx, true
}

// AllocCancel reverses an Alloc whose slot was never populated: idx
// becomes a new 1-slot free cluster ahead of the current firstFree
//.
func (ft *FlowTable) AllocCancel(idx int) {
	ft.slots[idx] = FlowSlot{freeLen: 1, freeNext: ft.firstFree}
	ft.firstFree = idx
	ft.active--
}

// DeferredGC performs the single linear scan:
// each populated slot's DeferClose is invoked; slots it retires are folded
// into a free cluster; the whole free chain is rebuilt in this one pass so
// it stays a strictly ascending linked list terminating at Max().
func (ft *FlowTable) DeferredGC(now time.Time) {
	max := len(ft.slots)
	newFirstFree := max
	lastFreeHead := -1
	runStart := -1
	runLen := 0

	flushRun := func() {
		if runLen == 0 {
			return
		}
		ft.slots[runStart] = FlowSlot{freeLen: runLen, freeNext: max}
		if lastFreeHead == -1 {
			newFirstFree = runStart
		} else {
			ft.slots[lastFreeHead].freeNext = runStart
		}
		lastFreeHead = runStart
		runStart, runLen = -1, 0
	}

	idx := 0
	for idx < max {
		s := &ft.slots[idx]
		if s.Variant == FlowNone {
			if runLen == 0 {
				runStart = idx
			}
			runLen += s.freeLen
			idx += s.freeLen
			continue
		}
		if s.Payload != nil && s.Payload.DeferClose(now) {
			ft.active--
			*s = FlowSlot{}
			if runLen == 0 {
				runStart = idx
			}
			runLen++
			idx++
			continue
		}
		flushRun()
		idx++
	}
	flushRun()
	ft.firstFree = newFirstFree
}

// FreeSlotCount returns the total number of slots in free clusters, for
// the invariant check "sum of free-cluster lengths plus active flow count
// equals flow_max".
func (ft *FlowTable) FreeSlotCount() int {
	n := 0
	for idx := ft.firstFree; idx < len(ft.slots); {
		s := &ft.slots[idx]
		n += s.freeLen
		idx = s.freeNext
		if s.freeLen == 0 {
			break
		}
	}
	return n
}
