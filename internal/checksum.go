package internal

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Checksum routines lean on gvisor's header package, narrowed from a full
// netstack down to its header/checksum leaf, instead of hand-rolling the
// internet-checksum fold. The data path recomputes these on every frame,
// so this is the one place where reusing a battle-tested implementation
// matters most.

// ipv4Checksum computes the IPv4 header checksum over hdr (20+ bytes, the
// checksum field assumed zeroed by the caller).
func ipv4Checksum(hdr []byte) uint16 {
	return ^header.Checksum(hdr, 0)
}

// tcpChecksum computes the TCP checksum over the pseudo-header plus the
// given segment (header+payload), with the checksum field in seg assumed
// zero.
func tcpChecksum(src, dst Inany, seg []byte) uint16 {
	ph := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.AddrFromSlice(addrBytesFor(src, dst)),
		tcpip.AddrFromSlice(addrBytesFor(dst, src)),
		uint16(len(seg)))
	return ^header.Checksum(seg, ph)
}

// udpChecksum computes the UDP checksum over the pseudo-header plus the
// given datagram (header+payload).
func udpChecksum(src, dst Inany, dgram []byte) uint16 {
	ph := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFromSlice(addrBytesFor(src, dst)),
		tcpip.AddrFromSlice(addrBytesFor(dst, src)),
		uint16(len(dgram)))
	return ^header.Checksum(dgram, ph)
}

// addrBytesFor returns a's address bytes in the width matching the pair
// (4 bytes if both a and peer are v4-mapped, 16 otherwise), since gvisor's
// pseudo-header checksum needs both addresses in the same width.
func addrBytesFor(a, peer Inany) []byte {
	if v4, ok := a.V4(); ok {
		if _, ok2 := peer.V4(); ok2 {
			b := v4.As4()
			return b[:]
		}
	}
	full := a
	return full[:]
}

// putChecksumBE writes a checksum field big-endian, matching wire order.
func putChecksumBE(b []byte, cksum uint16) {
	binary.BigEndian.PutUint16(b, cksum)
}

// reuseIPv4Checksum returns the checksum for an IPv4 header whose only
// possible change since the last computed checksum is the total-length
// field: it reuses prevChecksum unchanged across a run of same-size
// frames, and otherwise does a full recompute over cur (no delta is
// folded in).
func reuseIPv4Checksum(prev []byte, cur []byte, prevChecksum uint16, sameSize bool) uint16 {
	if sameSize {
		return prevChecksum
	}
	return ipv4Checksum(cur)
}
