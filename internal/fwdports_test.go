package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bits-and-blooms/bitset"
)

func TestNewFwdPorts_SpecMode(t *testing.T) {
	fp := NewFwdPorts(PortSpec{Mode: "spec", Ports: []int{22, 80, 443}})
	if fp.Mode != FwdSpec {
		t.Fatalf("Mode: got %v want FwdSpec", fp.Mode)
	}
	for _, p := range []uint16{22, 80, 443} {
		if _, ok := fp.Forward(p); !ok {
			t.Fatalf("port %d not forwarded", p)
		}
	}
	if _, ok := fp.Forward(81); ok {
		t.Fatalf("port 81 unexpectedly forwarded")
	}
}

func TestNewFwdPorts_AllMode(t *testing.T) {
	fp := NewFwdPorts(PortSpec{Mode: "all"})
	for _, p := range []uint16{0, 1, 1024, 65535} {
		if _, ok := fp.Forward(p); !ok {
			t.Fatalf("port %d not forwarded in all mode", p)
		}
	}
}

func TestNewFwdPorts_NoneMode(t *testing.T) {
	fp := NewFwdPorts(PortSpec{Mode: "none"})
	if _, ok := fp.Forward(80); ok {
		t.Fatalf("none mode forwarded a port")
	}
}

func TestFwdPorts_SetDelta_ForwardAndReverse(t *testing.T) {
	fp := NewFwdPorts(PortSpec{Mode: "spec", Ports: []int{8080}})
	fp.SetDelta(8080, -8000)

	mapped, ok := fp.Forward(8080)
	if !ok {
		t.Fatalf("port 8080 not forwarded")
	}
	if mapped != 80 {
		t.Fatalf("Forward(8080): got %d want 80", mapped)
	}
	if got := fp.Reverse(mapped); got != 8080 {
		t.Fatalf("Reverse(%d): got %d want 8080", mapped, got)
	}
}

func TestFwdPorts_SetDelta_ZeroIsIdentity(t *testing.T) {
	fp := NewFwdPorts(PortSpec{Mode: "spec", Ports: []int{53}})
	fp.SetDelta(53, 0)
	mapped, ok := fp.Forward(53)
	if !ok || mapped != 53 {
		t.Fatalf("Forward(53): got %d ok=%v want 53/true", mapped, ok)
	}
	if got := fp.Reverse(53); got != 53 {
		t.Fatalf("Reverse(53): got %d want 53", got)
	}
}

func TestWantStateFor(t *testing.T) {
	if got := wantStateFor("tcp"); got != "0A" {
		t.Fatalf("wantStateFor(tcp): got %s want 0A", got)
	}
	if got := wantStateFor("tcp6"); got != "0A" {
		t.Fatalf("wantStateFor(tcp6): got %s want 0A", got)
	}
	if got := wantStateFor("udp"); got != "07" {
		t.Fatalf("wantStateFor(udp): got %s want 07", got)
	}
}

func TestScanProcNet_ParsesListeningPorts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcp")
	body := "  sl  local_address rem_address   st\n" +
		"   0: 0100007F:0050 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 0 3 0000000000000000 100 0 0 10 0\n" +
		"   1: 0100007F:1F90 00000000:0000 01 00000000:00000000 00:00000000 00000000     0        0 0 3 0000000000000000 100 0 0 10 0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out := bitset.New(65536)
	if err := scanProcNet(path, "tcp", out); err != nil {
		t.Fatalf("scanProcNet: %v", err)
	}
	if !out.Test(0x0050) {
		t.Fatalf("expected port 0x0050 (80) to be set from listening-state row")
	}
	if out.Test(0x1F90) {
		t.Fatalf("port 0x1F90 (8080) from non-listening row should not be set")
	}
}
