package internal

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeTap is a minimal TapWriter recording every enqueued frame, used to
// assert how many frames a data-path call emits without a real tap device.
type fakeTap struct {
	flagsFrames [][]byte
	dataFrames  [][]byte
}

func (f *fakeTap) EnqueueData(v6 bool, frame []byte, seqAdvance uint32, onSent func(sent bool)) {
	f.dataFrames = append(f.dataFrames, frame)
	if onSent != nil {
		onSent(true)
	}
}

func (f *fakeTap) EnqueueFlags(v6 bool, frame []byte) {
	f.flagsFrames = append(f.flagsFrames, frame)
}

func (f *fakeTap) Flush(now time.Time) {}

// newTestTCPCtx builds a real Ctx with a real event loop, a fakeTap and a
// single populated TCP flow slot, backed by a connected Unix stream
// socketpair so MSG_PEEK/Read observe genuine kernel state (TCP_INFO fails
// on it, so updateAckToTap takes its fallback branch).
func newTestTCPCtx(t *testing.T) (*Ctx, *TCPConn, *fakeTap) {
	t.Helper()
	cfg := &Config{Limits: LimitsConfig{FlowMax: 8}}
	ctx, err := NewCtx(cfg)
	if err != nil {
		t.Fatalf("NewCtx: %v", err)
	}
	tap := &fakeTap{}
	ctx.Tap = tap
	loop, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { loop.Close() })
	ctx.Loop = loop

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	idx, ok := ctx.Flows.Alloc()
	if !ok {
		t.Fatalf("Flows.Alloc failed")
	}
	conn := &TCPConn{
		FlowIdx:       idx,
		Sock:          fds[0],
		Timer:         -1,
		SeqToTap:      1000,
		SeqAckFromTap: 1000,
		SeqFromTap:    2000,
		SeqAckToTap:   2000,
		WndFromTap:    65535,
		MSS:           1460,
	}
	conn.SetState(EvEstablished)
	slot := ctx.Flows.Get(idx)
	slot.Variant = FlowTCP
	slot.Payload = conn
	slot.Sides[SideSock] = FlowSideInfo{EndpointAddr: testInany("10.0.0.1"), EndpointPort: 80}
	slot.Sides[SideTap] = FlowSideInfo{EndpointAddr: testInany("10.0.2.2"), EndpointPort: 5555}

	return ctx, conn, tap
}

func TestHandleSockReadable_StallsWhenWindowExhausted(t *testing.T) {
	ctx, conn, tap := newTestTCPCtx(t)
	// Already-sent bytes equal to the advertised window: nothing more fits.
	conn.WndFromTap = 10
	conn.SeqToTap = conn.SeqAckFromTap + 10

	ctx.HandleSockReadable(conn.FlowIdx, time.Now())

	if !conn.HasFlag(FlagStalled) {
		t.Fatalf("expected FlagStalled set when window is exhausted")
	}
	if len(tap.dataFrames) != 0 {
		t.Fatalf("expected no data frames sent while stalled, got %d", len(tap.dataFrames))
	}
}

func TestHandleSockReadable_PeeksWithoutConsuming(t *testing.T) {
	ctx, conn, tap := newTestTCPCtx(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	conn.Sock = fds[0]

	payload := []byte("hello world")
	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx.HandleSockReadable(conn.FlowIdx, time.Now())

	if len(tap.dataFrames) == 0 {
		t.Fatalf("expected at least one data frame")
	}
	// MSG_PEEK must not have drained the socket: the bytes are still
	// there to be read a second time.
	var buf [64]byte
	n, err := unix.Read(fds[0], buf[:])
	if err != nil {
		t.Fatalf("Read after peek: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("peeked bytes were consumed: got %d bytes still readable, want %d", n, len(payload))
	}
}

func TestConsumeAcked_DrainsExactlyRequestedBytes(t *testing.T) {
	ctx, conn, _ := newTestTCPCtx(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	conn.Sock = fds[0]

	payload := []byte("0123456789")
	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx.consumeAcked(conn, 4)

	var buf [64]byte
	n, err := unix.Read(fds[0], buf[:])
	if err != nil {
		t.Fatalf("Read remainder: %v", err)
	}
	if string(buf[:n]) != "456789" {
		t.Fatalf("consumeAcked drained wrong bytes: got %q want %q", buf[:n], "456789")
	}
}

func TestUpdateAckToTap_OptimisticWhenLocal(t *testing.T) {
	ctx, conn, _ := newTestTCPCtx(t)
	conn.SetFlag(FlagLocal)
	conn.SeqFromTap = 4242
	conn.SeqAckToTap = 1

	ctx.updateAckToTap(conn)

	if conn.SeqAckToTap != conn.SeqFromTap {
		t.Fatalf("updateAckToTap optimistic: got %d want %d", conn.SeqAckToTap, conn.SeqFromTap)
	}
}

func TestSendDupAck_EmitsExactlyOnePairPerCall(t *testing.T) {
	ctx, conn, tap := newTestTCPCtx(t)
	ctx.sendDupAck(conn, time.Now())

	if len(tap.flagsFrames) != 2 {
		t.Fatalf("sendDupAck: got %d frames want 2", len(tap.flagsFrames))
	}
	if string(tap.flagsFrames[0]) != string(tap.flagsFrames[1]) {
		t.Fatalf("sendDupAck frames differ, want an identical pair")
	}
}

func TestFastRetransmit_ResetsAfterInOrderSegment(t *testing.T) {
	ctx, conn, _ := newTestTCPCtx(t)
	conn.SeqDupAckApprox = 3
	frame := BuildIPv4TCP(nil, nil, testInany("10.0.2.2"), testInany("10.0.0.1"), 5555, 80,
		conn.SeqFromTap, conn.SeqAckFromTap, 0x18, 65535, []byte("hello"), nil)
	p, err := ParseEthernet(frame, nil)
	if err != nil || p == nil {
		t.Fatalf("ParseEthernet: %v", err)
	}
	ctx.HandleTapSegment(conn.FlowIdx, p, time.Now())
	if conn.SeqDupAckApprox != 0 {
		t.Fatalf("SeqDupAckApprox after in-order segment: got %d want 0", conn.SeqDupAckApprox)
	}
	if FastRetransmitCheck(conn) {
		t.Fatalf("FastRetransmitCheck should be false right after a reset")
	}
}
