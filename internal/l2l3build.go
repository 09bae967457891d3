package internal

import (
	"encoding/binary"
	"net"
)

// Frame builders mirror ParseEthernet's layout exactly, so the same
// constants (ethHeaderLen, ethTypeIPv4/6) apply on the write side.

// BuildIPv4TCP builds a complete Ethernet+IPv4+TCP frame with payload,
// filling in both checksums. flags is the raw TCP flags byte
// (header.TCPFlagSyn etc. from gvisor's header package).
func BuildIPv4TCP(dstMAC, srcMAC net.HardwareAddr, src, dst Inany, srcPort, dstPort uint16,
	seq, ack uint32, flags uint8, window uint16, payload []byte, opts []byte) []byte {

	tcpLen := 20 + len(opts)
	total := ethHeaderLen + 20 + tcpLen + len(payload)
	frame := make([]byte, total)

	writeEthHeader(frame, dstMAC, srcMAC, ethTypeIPv4)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+20]
	writeIPv4Header(ipHdr, src, dst, 6, 20+tcpLen+len(payload))

	tcpHdr := frame[ethHeaderLen+20:]
	writeTCPHeader(tcpHdr, srcPort, dstPort, seq, ack, flags, window, tcpLen, opts, payload)

	cksum := tcpChecksum(src, dst, tcpHdr[:tcpLen+len(payload)])
	putChecksumBE(tcpHdr[16:18], cksum)

	ipCksum := ipv4Checksum(ipHdr)
	putChecksumBE(ipHdr[10:12], ipCksum)

	return frame
}

// BuildIPv4UDP builds a complete Ethernet+IPv4+UDP frame with payload.
func BuildIPv4UDP(dstMAC, srcMAC net.HardwareAddr, src, dst Inany, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	frame := make([]byte, ethHeaderLen+20+udpLen)

	writeEthHeader(frame, dstMAC, srcMAC, ethTypeIPv4)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+20]
	writeIPv4Header(ipHdr, src, dst, 17, 20+udpLen)

	udpHdr := frame[ethHeaderLen+20:]
	binary.BigEndian.PutUint16(udpHdr[0:2], srcPort)
	binary.BigEndian.PutUint16(udpHdr[2:4], dstPort)
	binary.BigEndian.PutUint16(udpHdr[4:6], uint16(udpLen))
	copy(udpHdr[8:], payload)

	cksum := udpChecksum(src, dst, udpHdr[:udpLen])
	putChecksumBE(udpHdr[6:8], cksum)

	ipCksum := ipv4Checksum(ipHdr)
	putChecksumBE(ipHdr[10:12], ipCksum)

	return frame
}

func writeEthHeader(frame []byte, dstMAC, srcMAC net.HardwareAddr, etherType uint16) {
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherType)
}

func writeIPv4Header(hdr []byte, src, dst Inany, proto byte, totalLen int) {
	hdr[0] = 0x45 // version 4, IHL 5
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], 0) // identification
	binary.BigEndian.PutUint16(hdr[6:8], 0x4000) // DF
	hdr[8] = 64                                   // TTL
	hdr[9] = proto
	hdr[10], hdr[11] = 0, 0 // checksum, filled by caller
	v4src, _ := src.V4()
	v4dst, _ := dst.V4()
	b4s := v4src.As4()
	b4d := v4dst.As4()
	copy(hdr[12:16], b4s[:])
	copy(hdr[16:20], b4d[:])
}

func writeTCPHeader(hdr []byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, tcpLen int, opts, payload []byte) {
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], ack)
	dataOff := byte(tcpLen/4) << 4
	hdr[12] = dataOff
	hdr[13] = flags
	binary.BigEndian.PutUint16(hdr[14:16], window)
	hdr[16], hdr[17] = 0, 0 // checksum, filled by caller
	binary.BigEndian.PutUint16(hdr[18:20], 0) // urgent ptr
	copy(hdr[20:20+len(opts)], opts)
	copy(hdr[tcpLen:], payload)
}

// BuildIPv6TCP and BuildIPv6UDP mirror the IPv4 builders with a 40-byte
// fixed IPv6 header and no header checksum field.
func BuildIPv6TCP(dstMAC, srcMAC net.HardwareAddr, src, dst Inany, srcPort, dstPort uint16,
	seq, ack uint32, flags uint8, window uint16, payload []byte, opts []byte) []byte {

	tcpLen := 20 + len(opts)
	frame := make([]byte, ethHeaderLen+40+tcpLen+len(payload))

	writeEthHeader(frame, dstMAC, srcMAC, ethTypeIPv6)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+40]
	writeIPv6Header(ipHdr, src, dst, 6, tcpLen+len(payload))

	tcpHdr := frame[ethHeaderLen+40:]
	writeTCPHeader(tcpHdr, srcPort, dstPort, seq, ack, flags, window, tcpLen, opts, payload)

	cksum := tcpChecksum(src, dst, tcpHdr[:tcpLen+len(payload)])
	putChecksumBE(tcpHdr[16:18], cksum)

	return frame
}

func BuildIPv6UDP(dstMAC, srcMAC net.HardwareAddr, src, dst Inany, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	frame := make([]byte, ethHeaderLen+40+udpLen)

	writeEthHeader(frame, dstMAC, srcMAC, ethTypeIPv6)
	ipHdr := frame[ethHeaderLen : ethHeaderLen+40]
	writeIPv6Header(ipHdr, src, dst, 17, udpLen)

	udpHdr := frame[ethHeaderLen+40:]
	binary.BigEndian.PutUint16(udpHdr[0:2], srcPort)
	binary.BigEndian.PutUint16(udpHdr[2:4], dstPort)
	binary.BigEndian.PutUint16(udpHdr[4:6], uint16(udpLen))
	copy(udpHdr[8:], payload)

	cksum := udpChecksum(src, dst, udpHdr[:udpLen])
	putChecksumBE(udpHdr[6:8], cksum)

	return frame
}

func writeIPv6Header(hdr []byte, src, dst Inany, nextHdr byte, payloadLen int) {
	binary.BigEndian.PutUint32(hdr[0:4], 0x60000000) // version 6, no traffic class/flow label
	binary.BigEndian.PutUint16(hdr[4:6], uint16(payloadLen))
	hdr[6] = nextHdr
	hdr[7] = 64 // hop limit
	copy(hdr[8:24], src[:])
	copy(hdr[24:40], dst[:])
}
