package internal

import (
	"net"
	"net/netip"
)

// Inany is a 16-byte union carrying either an IPv4-mapped IPv6 address or a
// native IPv6 address. Flow keys, port tables and address-policy rewrites
// all use this single representation so v4 and v6 endpoints share storage
// and comparison code.
type Inany [16]byte

// InanyFromIP packs ip (4 or 16 bytes) into the union, mapping v4 addresses
// into the ::ffff:0:0/96 range.
func InanyFromIP(ip net.IP) Inany {
	var a Inany
	if v4 := ip.To4(); v4 != nil {
		copy(a[10:12], []byte{0xff, 0xff})
		copy(a[12:16], v4)
		return a
	}
	v6 := ip.To16()
	copy(a[:], v6)
	return a
}

// InanyFromAddr packs a netip.Addr.
func InanyFromAddr(addr netip.Addr) Inany {
	if addr.Is4() {
		b := addr.As4()
		var a Inany
		copy(a[10:12], []byte{0xff, 0xff})
		copy(a[12:16], b[:])
		return a
	}
	b := addr.As16()
	return Inany(b)
}

// IsV4Mapped reports whether a carries an IPv4-mapped address.
func (a Inany) IsV4Mapped() bool {
	return a[0] == 0 && a[1] == 0 && a[2] == 0 && a[3] == 0 &&
		a[4] == 0 && a[5] == 0 && a[6] == 0 && a[7] == 0 &&
		a[8] == 0 && a[9] == 0 && a[10] == 0xff && a[11] == 0xff
}

// V4 returns the embedded IPv4 address and true if present.
func (a Inany) V4() (netip.Addr, bool) {
	if !a.IsV4Mapped() {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{a[12], a[13], a[14], a[15]}), true
}

// Addr returns the netip.Addr this union represents, collapsing v4-mapped
// forms back to 4-byte addresses.
func (a Inany) Addr() netip.Addr {
	if v4, ok := a.V4(); ok {
		return v4
	}
	return netip.AddrFrom16([16]byte(a))
}

// IP returns the net.IP equivalent, for interop with net.* APIs.
func (a Inany) IP() net.IP {
	if v4, ok := a.V4(); ok {
		b := v4.As4()
		return net.IP(b[:]).To4()
	}
	return net.IP(a[:])
}

// IsUnspecified, IsLoopback, IsMulticast mirror net.IP semantics but operate
// on the packed form directly, since every validation path in the TCP/UDP
// setup code needs these before a netip.Addr would otherwise be built.
func (a Inany) IsUnspecified() bool { return a.Addr().IsUnspecified() }
func (a Inany) IsLoopback() bool    { return a.Addr().IsLoopback() }
func (a Inany) IsMulticast() bool   { return a.Addr().IsMulticast() }
func (a Inany) IsLinkLocal() bool   { return a.Addr().IsLinkLocalUnicast() }

// Equal compares two packed addresses byte-for-byte.
func (a Inany) Equal(b Inany) bool { return a == b }

var InanyUnspecified Inany
