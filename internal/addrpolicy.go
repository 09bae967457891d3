package internal

import "net"

// AddrPolicy holds the rewrite rules applied to every packet crossing the
// tap/socket boundary.
type AddrPolicy struct {
	Own       Inany
	Gateway   Inany
	Seen      Inany
	LinkLocal Inany
	HasOwn    bool
	HasGW     bool
	HasSeen   bool
	HasLL     bool

	MapGW bool

	DNSMatch Inany
	DNSHost  Inany
	HasDNS   bool
}

// NewAddrPolicy builds a policy from a resolved NetConfig.
func NewAddrPolicy(n NetConfig) *AddrPolicy {
	p := &AddrPolicy{MapGW: n.MapGW}
	if n.OwnAddr != nil {
		p.Own, p.HasOwn = InanyFromIP(n.OwnAddr), true
	}
	if n.Gateway != nil {
		p.Gateway, p.HasGW = InanyFromIP(n.Gateway), true
	}
	if n.SeenAddr != nil {
		p.Seen, p.HasSeen = InanyFromIP(n.SeenAddr), true
	}
	if n.LinkLocal != nil {
		p.LinkLocal, p.HasLL = InanyFromIP(n.LinkLocal), true
	}
	if n.DNSMatch != nil && n.DNSHost != nil {
		p.DNSMatch = InanyFromIP(n.DNSMatch)
		p.DNSHost = InanyFromIP(n.DNSHost)
		p.HasDNS = true
	}
	return p
}

// SNATInbound rewrites a remote source address destined for the tap: any
// address that is loopback or equals the host's "seen" address becomes
// the gateway address, so the guest sees traffic as arriving from the
// router rather than from localhost. Idempotent: a second application is a no-op because the
// rewritten result is the gateway address itself, which is neither
// loopback nor equal to Seen (assuming sane configuration).
func (p *AddrPolicy) SNATInbound(remote Inany) Inany {
	if !p.HasGW {
		return remote
	}
	if remote.IsLoopback() || (p.HasSeen && remote.Equal(p.Seen)) {
		return p.Gateway
	}
	return remote
}

// MapGatewayToLoopback rewrites a tap-side destination that equals the
// configured gateway address back to loopback, so a server bound to
// localhost on the host answers guest-originated connections
//.
func (p *AddrPolicy) MapGatewayToLoopback(dst Inany, v4 bool) (Inany, bool) {
	if !p.MapGW || !p.HasGW || !dst.Equal(p.Gateway) {
		return dst, false
	}
	if v4 {
		return InanyFromIP(net.IP(loopbackV4)), true
	}
	return InanyFromIP(net.IP(loopbackV6)), true
}

// DNSRedirect rewrites a UDP destination matching DNSMatch:53 to
// DNSHost:53 for the outbound leg.
func (p *AddrPolicy) DNSRedirect(dst Inany, dstPort uint16) (Inany, bool) {
	if !p.HasDNS || dstPort != 53 || !dst.Equal(p.DNSMatch) {
		return dst, false
	}
	return p.DNSHost, true
}

// DNSUnredirect mirrors a reply's source back to DNSMatch:53 so the guest
// sees the query it sent answered from the same address it sent to.
func (p *AddrPolicy) DNSUnredirect(src Inany, srcPort uint16) (Inany, bool) {
	if !p.HasDNS || srcPort != 53 || !src.Equal(p.DNSHost) {
		return src, false
	}
	return p.DNSMatch, true
}

// ReflectLoopbackSource rewrites a reply source that is loopback or equals
// Seen back to the gateway address, mirroring SNATInbound for the return
// leg of UDP traffic.
func (p *AddrPolicy) ReflectLoopbackSource(src Inany) (Inany, bool) {
	if !p.HasGW {
		return src, false
	}
	if src.IsLoopback() || (p.HasSeen && src.Equal(p.Seen)) {
		return p.Gateway, true
	}
	return src, false
}

// LinkLocalBindTarget picks between the configured gateway and link-local
// address for a v6 link-local destination: prefer Gateway when it is
// itself link-local, else LinkLocal.
func (p *AddrPolicy) LinkLocalBindTarget() (Inany, bool) {
	if p.HasGW && p.Gateway.IsLinkLocal() {
		return p.Gateway, true
	}
	if p.HasLL {
		return p.LinkLocal, true
	}
	return Inany{}, false
}

var (
	loopbackV4 = []byte{127, 0, 0, 1}
	loopbackV6 = append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 1)
)
