package internal

import (
	"testing"
	"time"
)

func TestTCPConn_SetStateIsExclusive(t *testing.T) {
	c := &TCPConn{}
	c.SetState(EvSockAccepted)
	if !c.HasState(EvSockAccepted) {
		t.Fatalf("HasState(EvSockAccepted): false after SetState")
	}
	c.SetState(EvEstablished)
	if c.HasState(EvSockAccepted) {
		t.Fatalf("EvSockAccepted still set after transitioning to EvEstablished")
	}
	if !c.HasState(EvEstablished) {
		t.Fatalf("HasState(EvEstablished): false after SetState")
	}
}

func TestTCPConn_SetStatePreservesObserverBits(t *testing.T) {
	c := &TCPConn{}
	c.SetState(EvSockAccepted)
	c.Set(EvSockFinRcvd)
	c.SetState(EvEstablished)
	if !c.Has(EvSockFinRcvd) {
		t.Fatalf("observer bit EvSockFinRcvd lost across SetState transition")
	}
}

func TestTCPConn_SetHasClear(t *testing.T) {
	c := &TCPConn{}
	c.Set(EvTapFinRcvd | EvTapFinSent)
	if !c.Has(EvTapFinRcvd) || !c.Has(EvTapFinSent) {
		t.Fatalf("Has: expected both bits set")
	}
	c.Clear(EvTapFinRcvd)
	if c.Has(EvTapFinRcvd) {
		t.Fatalf("Clear did not clear EvTapFinRcvd")
	}
	if !c.Has(EvTapFinSent) {
		t.Fatalf("Clear affected unrelated bit EvTapFinSent")
	}
}

func TestTCPConn_FlagHelpers(t *testing.T) {
	c := &TCPConn{}
	c.SetFlag(FlagStalled)
	c.SetFlag(FlagActiveClose)
	if !c.HasFlag(FlagStalled) || !c.HasFlag(FlagActiveClose) {
		t.Fatalf("expected both flags set")
	}
	c.ClearFlag(FlagStalled)
	if c.HasFlag(FlagStalled) {
		t.Fatalf("ClearFlag did not clear FlagStalled")
	}
	if !c.HasFlag(FlagActiveClose) {
		t.Fatalf("ClearFlag affected unrelated flag")
	}
}

func TestSeqComparisons(t *testing.T) {
	if !SeqLT(1, 2) || SeqLT(2, 1) {
		t.Fatalf("SeqLT basic case failed")
	}
	if !SeqGT(2, 1) || SeqGT(1, 2) {
		t.Fatalf("SeqGT basic case failed")
	}
	if !SeqLE(1, 1) || !SeqGE(1, 1) {
		t.Fatalf("SeqLE/SeqGE equal case failed")
	}
	// Wraparound: a sequence number just past 2^32 is "after" one near the
	// top of the space.
	var hi uint32 = 0xFFFFFFF0
	var lo uint32 = 0x00000010
	if !SeqLT(hi, lo) {
		t.Fatalf("SeqLT wraparound: expected %d < %d", hi, lo)
	}
	if !SeqGT(lo, hi) {
		t.Fatalf("SeqGT wraparound: expected %d > %d", lo, hi)
	}
}

func TestClampMSS(t *testing.T) {
	if got := clampMSS(1460, false); got != 1460 {
		t.Fatalf("clampMSS typical v4: got %d want 1460", got)
	}
	if got := clampMSS(10, false); got != 64 {
		t.Fatalf("clampMSS floor: got %d want 64", got)
	}
	if got := clampMSS(70000, false); got >= 65535-14-20-20+1 {
		t.Fatalf("clampMSS v4 ceiling not applied: got %d", got)
	}
	if got4, got6 := clampMSS(70000, false), clampMSS(70000, true); got6 >= got4 {
		t.Fatalf("clampMSS v6 ceiling should be lower than v4: v4=%d v6=%d", got4, got6)
	}
}

func TestTCPConn_DeferClose(t *testing.T) {
	c := &TCPConn{}
	if c.DeferClose(time.Now()) {
		t.Fatalf("DeferClose true before EvClosed set")
	}
	c.Set(EvClosed)
	if !c.DeferClose(time.Now()) {
		t.Fatalf("DeferClose false after EvClosed set")
	}
}

func TestTCPConn_ApproxState(t *testing.T) {
	c := &TCPConn{}
	c.SetState(EvSockAccepted)
	if got := c.approxState(); got != "SYN_RCVD" {
		t.Fatalf("approxState after EvSockAccepted: got %s want SYN_RCVD", got)
	}
	c.SetState(EvEstablished)
	if got := c.approxState(); got != "ESTABLISHED" {
		t.Fatalf("approxState after EvEstablished: got %s want ESTABLISHED", got)
	}
	c.Set(EvClosed)
	if got := c.approxState(); got != "CLOSED" {
		t.Fatalf("approxState after EvClosed: got %s want CLOSED", got)
	}
}
