package internal

import "time"

// TapWriter is implemented by both tap transports (STREAM and NS). The
// TCP/UDP/ICMP engines never write to the tap fd directly: they enqueue
// frames into one pool per address family, and the event loop's deferred
// pass flushes them. "Data" (payload-carrying) and "flags" (header-only
// ACK/SYN/RST/FIN) frames share that pool and go out in enqueue order;
// there is no separate pool per frame kind.
type TapWriter interface {
	// EnqueueData queues a fully-built frame (L2+L3+L4+payload) and
	// records seqAdvance bytes to commit to SeqToTap only once the batch
	// that contains this frame is actually written. onSent is called with the flushed length
	// (0 on failure) after the batch write completes.
	EnqueueData(v6 bool, frame []byte, seqAdvance uint32, onSent func(sent bool))
	// EnqueueFlags queues a small header-only frame (ACK/SYN/RST/FIN).
	EnqueueFlags(v6 bool, frame []byte)
	// Flush writes out the pools of both families.
	// Registered as a deferred handler on the Loop.
	Flush(now time.Time)
}

// pendingFrame is one queued frame plus its optional seq-commit callback.
type pendingFrame struct {
	buf        []byte
	seqAdvance uint32
	onSent     func(sent bool)
}

// framePool buffers the frames of one address family, of both kinds,
// between loop iterations.
type framePool struct {
	frames []pendingFrame
}

func (p *framePool) add(buf []byte, seqAdvance uint32, onSent func(sent bool)) {
	p.frames = append(p.frames, pendingFrame{buf: buf, seqAdvance: seqAdvance, onSent: onSent})
}

func (p *framePool) reset() {
	p.frames = p.frames[:0]
}
