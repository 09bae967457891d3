package internal

import "testing"

func TestScaledWindow16(t *testing.T) {
	if got := scaledWindow16(65535, 0); got != 65535 {
		t.Fatalf("scaledWindow16 no shift: got %d want 65535", got)
	}
	if got := scaledWindow16(65535<<8, 8); got != 65535 {
		t.Fatalf("scaledWindow16 shifted: got %d want 65535", got)
	}
	if got := scaledWindow16(maxWindow*4, 0); got != 65535 {
		t.Fatalf("scaledWindow16 overflow clamp: got %d want 65535", got)
	}
	if got := scaledWindow16(-10, 0); got != 0 {
		t.Fatalf("scaledWindow16 negative clamp: got %d want 0", got)
	}
}

func TestScaledWindow_FallsBackToDefault(t *testing.T) {
	conn := &TCPConn{}
	if got := scaledWindow(conn); got != scaledWindow16(windowDefault, 0) {
		t.Fatalf("scaledWindow default: got %d want %d", got, scaledWindow16(windowDefault, 0))
	}
	conn.WndToTap = 4096
	if got := scaledWindow(conn); got != 4096 {
		t.Fatalf("scaledWindow explicit: got %d want 4096", got)
	}
}

func TestNegotiateWindowScale_ClampsToMax(t *testing.T) {
	opts := []byte{3, 3, 14} // kind=3 (window scale), len=3, shift=14
	if got := NegotiateWindowScale(opts); got != maxWSShift {
		t.Fatalf("NegotiateWindowScale: got %d want clamp to %d", got, maxWSShift)
	}
}

func TestNegotiateWindowScale_NoOption(t *testing.T) {
	if got := NegotiateWindowScale(nil); got != 0 {
		t.Fatalf("NegotiateWindowScale(nil): got %d want 0", got)
	}
}

func TestParseWSOption_SkipsNopAndUnknown(t *testing.T) {
	// NOP (1), then an unrelated 4-byte option (kind 8, len 4, 2 bytes
	// data), then window-scale (kind 3, len 3, shift 5).
	opts := []byte{1, 8, 4, 0, 0, 3, 3, 5}
	if got := parseWSOption(opts); got != 5 {
		t.Fatalf("parseWSOption: got %d want 5", got)
	}
}

func TestParseWSOption_EndOfOptionsList(t *testing.T) {
	opts := []byte{1, 0}
	if got := parseWSOption(opts); got != 0 {
		t.Fatalf("parseWSOption EOL: got %d want 0", got)
	}
}

func TestFastRetransmitCheck(t *testing.T) {
	conn := &TCPConn{}
	if FastRetransmitCheck(conn) {
		t.Fatalf("FastRetransmitCheck true with zero dup acks")
	}
	conn.SeqDupAckApprox = 3
	if !FastRetransmitCheck(conn) {
		t.Fatalf("FastRetransmitCheck false at threshold 3")
	}
}
