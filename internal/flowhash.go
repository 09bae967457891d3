package internal

// FlowHash is the linear-probing hash index over TCP flows keyed by
// {remote_addr, local_port, remote_port}, sized at at
// least flow_max*100/70 so probe chains stay short. Removal uses the
// Robin-Hood back-shift so `probe(insert(k)); remove(k)` restores the
// table to its pre-insert state.
type FlowHash struct {
	key     sipHashKey
	buckets []hashBucket
	mask    uint64 // len(buckets)-1 when size is a power of two; 0 otherwise
	size    uint64
}

type hashBucket struct {
	used bool
	k    FlowHashKey
	idx  int // flow-side index (flow-table index * 2 + side, or just flow index)
}

// FlowHashKey is the tuple a TCP flow is looked up by.
type FlowHashKey struct {
	Remote Inany
	LPort  uint16
	RPort  uint16
}

// NewFlowHash sizes the table to at least flowMax*100/70 slots, rounded up
// to a power of two so probing wraps with a cheap mask.
func NewFlowHash(secret [16]byte, flowMax int) *FlowHash {
	need := flowMax * 100 / 70
	if need < 16 {
		need = 16
	}
	size := uint64(1)
	for int(size) < need {
		size <<= 1
	}
	return &FlowHash{
		key:     newSipHashKey(secret),
		buckets: make([]hashBucket, size),
		mask:    size - 1,
		size:    size,
	}
}

func (h *FlowHash) hash(k FlowHashKey) uint64 {
	buf := sipHashFeed(k.Remote, k.LPort, k.RPort)
	return sipHash24(h.key, buf)
}

func (h *FlowHash) ideal(k FlowHashKey) uint64 { return h.hash(k) & h.mask }

// probe finds either the bucket containing k (found=true) or the first
// empty bucket it would be inserted into, walking with step = size-1 (i.e.
// -1 mod size).
func (h *FlowHash) probe(k FlowHashKey) (pos uint64, found bool) {
	pos = h.ideal(k)
	for i := uint64(0); i < h.size; i++ {
		b := &h.buckets[pos]
		if !b.used {
			return pos, false
		}
		if b.k == k {
			return pos, true
		}
		pos = (pos + h.mask) & h.mask // step -1 mod size
	}
	return pos, false
}

// Lookup returns the stored flow-side index for k, if present.
func (h *FlowHash) Lookup(k FlowHashKey) (int, bool) {
	pos, found := h.probe(k)
	if !found {
		return 0, false
	}
	return h.buckets[pos].idx, true
}

// Insert adds k -> idx. Caller must ensure k is not already present (the
// TCP setup path always inserts immediately after a successful flow_alloc,
// never re-inserting an existing key).
func (h *FlowHash) Insert(k FlowHashKey, idx int) {
	pos, found := h.probe(k)
	if found {
		h.buckets[pos].idx = idx
		return
	}
	h.buckets[pos] = hashBucket{used: true, k: k, idx: idx}
}

// Remove deletes k, then performs the Robin-Hood back-shift: scan forward
// from the freed slot, and for each occupied bucket whose ideal position
// does not lie strictly between the freed slot and the bucket's current
// position (in probe order), shift it back into the hole and repeat.
func (h *FlowHash) Remove(k FlowHashKey) {
	pos, found := h.probe(k)
	if !found {
		return
	}
	h.buckets[pos] = hashBucket{}
	hole := pos
	next := (pos + h.mask) & h.mask
	for h.buckets[next].used {
		b := h.buckets[next]
		ideal := h.ideal(b.k)
		if !between(ideal, hole, next, h.mask+1) {
			h.buckets[hole] = b
			h.buckets[next] = hashBucket{}
			hole = next
		}
		next = (next + h.mask) & h.mask
	}
}

// between reports whether x lies in the cyclic interval (lo, hi] of a ring
// of the given size, walking in the same -1-mod-size probe direction used
// above.
func between(x, lo, hi, size uint64) bool {
	distLoToX := (lo - x + size) % size
	distLoToHi := (lo - hi + size) % size
	return distLoToX != 0 && distLoToX <= distLoToHi
}
