package internal

import (
	"net"
	"testing"
)

func TestAddrPolicy_SNATInbound_LoopbackAndSeen(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		Gateway:  net.ParseIP("192.168.1.1"),
		SeenAddr: net.ParseIP("203.0.113.9"),
	})

	if got := p.SNATInbound(testInany("127.0.0.1")); !got.Equal(testInany("192.168.1.1")) {
		t.Fatalf("loopback SNAT: got %v want gateway", got)
	}
	if got := p.SNATInbound(testInany("203.0.113.9")); !got.Equal(testInany("192.168.1.1")) {
		t.Fatalf("seen-addr SNAT: got %v want gateway", got)
	}
	other := testInany("8.8.8.8")
	if got := p.SNATInbound(other); !got.Equal(other) {
		t.Fatalf("unrelated addr SNAT: got %v want unchanged %v", got, other)
	}
}

func TestAddrPolicy_SNATInbound_NoGatewayIsNoop(t *testing.T) {
	p := NewAddrPolicy(NetConfig{})
	addr := testInany("127.0.0.1")
	if got := p.SNATInbound(addr); !got.Equal(addr) {
		t.Fatalf("SNATInbound with no gateway: got %v want unchanged", got)
	}
}

func TestAddrPolicy_MapGatewayToLoopback(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		Gateway: net.ParseIP("192.168.1.1"),
		MapGW:   true,
	})

	got, ok := p.MapGatewayToLoopback(testInany("192.168.1.1"), true)
	if !ok {
		t.Fatalf("expected gateway dst to be mapped")
	}
	if !got.Equal(testInany("127.0.0.1")) {
		t.Fatalf("MapGatewayToLoopback v4: got %v want 127.0.0.1", got)
	}

	if _, ok := p.MapGatewayToLoopback(testInany("8.8.8.8"), true); ok {
		t.Fatalf("non-gateway dst unexpectedly mapped")
	}
}

func TestAddrPolicy_MapGatewayToLoopback_DisabledByConfig(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		Gateway: net.ParseIP("192.168.1.1"),
		MapGW:   false,
	})
	if _, ok := p.MapGatewayToLoopback(testInany("192.168.1.1"), true); ok {
		t.Fatalf("MapGatewayToLoopback should be a no-op when MapGW is false")
	}
}

func TestAddrPolicy_DNSRedirectAndUnredirect(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		DNSMatch: net.ParseIP("10.0.2.3"),
		DNSHost:  net.ParseIP("127.0.0.1"),
	})

	got, ok := p.DNSRedirect(testInany("10.0.2.3"), 53)
	if !ok || !got.Equal(testInany("127.0.0.1")) {
		t.Fatalf("DNSRedirect: got %v ok=%v want 127.0.0.1/true", got, ok)
	}
	if _, ok := p.DNSRedirect(testInany("10.0.2.3"), 80); ok {
		t.Fatalf("DNSRedirect fired for non-DNS port")
	}

	back, ok := p.DNSUnredirect(testInany("127.0.0.1"), 53)
	if !ok || !back.Equal(testInany("10.0.2.3")) {
		t.Fatalf("DNSUnredirect: got %v ok=%v want 10.0.2.3/true", back, ok)
	}
	if _, ok := p.DNSUnredirect(testInany("8.8.8.8"), 53); ok {
		t.Fatalf("DNSUnredirect fired for unrelated source")
	}
}

func TestAddrPolicy_ReflectLoopbackSource(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		Gateway:  net.ParseIP("192.168.1.1"),
		SeenAddr: net.ParseIP("203.0.113.9"),
	})
	got, ok := p.ReflectLoopbackSource(testInany("127.0.0.1"))
	if !ok || !got.Equal(testInany("192.168.1.1")) {
		t.Fatalf("ReflectLoopbackSource loopback: got %v ok=%v want gateway/true", got, ok)
	}
	if _, ok := p.ReflectLoopbackSource(testInany("8.8.8.8")); ok {
		t.Fatalf("ReflectLoopbackSource fired for unrelated source")
	}
}

func TestAddrPolicy_LinkLocalBindTarget(t *testing.T) {
	p := NewAddrPolicy(NetConfig{
		LinkLocal: net.ParseIP("fe80::1"),
	})
	got, ok := p.LinkLocalBindTarget()
	if !ok || !got.Equal(testInany("fe80::1")) {
		t.Fatalf("LinkLocalBindTarget: got %v ok=%v want fe80::1/true", got, ok)
	}

	p2 := NewAddrPolicy(NetConfig{
		Gateway: net.ParseIP("fe80::2"),
	})
	got2, ok2 := p2.LinkLocalBindTarget()
	if !ok2 || !got2.Equal(testInany("fe80::2")) {
		t.Fatalf("LinkLocalBindTarget prefers link-local gateway: got %v ok=%v", got2, ok2)
	}

	p3 := NewAddrPolicy(NetConfig{})
	if _, ok := p3.LinkLocalBindTarget(); ok {
		t.Fatalf("LinkLocalBindTarget should fail with no gateway or link-local addr")
	}
}
