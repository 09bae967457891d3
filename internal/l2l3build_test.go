package internal

import (
	"encoding/binary"
	"testing"
)

func TestBuildIPv4TCP_HeaderFields(t *testing.T) {
	src := testInany("10.0.0.1")
	dst := testInany("10.0.0.2")
	frame := BuildIPv4TCP(testDstMAC, testSrcMAC, src, dst, 1111, 2222, 100, 200, 0x02, 1000, nil, nil)

	ipHdr := frame[ethHeaderLen : ethHeaderLen+20]
	if ipHdr[0] != 0x45 {
		t.Fatalf("IPv4 version/IHL byte: got %#x want 0x45", ipHdr[0])
	}
	if ipHdr[9] != 6 {
		t.Fatalf("IPv4 protocol: got %d want 6 (TCP)", ipHdr[9])
	}
	gotTotalLen := binary.BigEndian.Uint16(ipHdr[2:4])
	if int(gotTotalLen) != 20+20 {
		t.Fatalf("IPv4 total length: got %d want %d", gotTotalLen, 40)
	}

	tcpHdr := frame[ethHeaderLen+20:]
	if got := binary.BigEndian.Uint16(tcpHdr[0:2]); got != 1111 {
		t.Fatalf("src port: got %d want 1111", got)
	}
	if got := binary.BigEndian.Uint16(tcpHdr[2:4]); got != 2222 {
		t.Fatalf("dst port: got %d want 2222", got)
	}
	if got := binary.BigEndian.Uint32(tcpHdr[4:8]); got != 100 {
		t.Fatalf("seq: got %d want 100", got)
	}
	if got := binary.BigEndian.Uint32(tcpHdr[8:12]); got != 200 {
		t.Fatalf("ack: got %d want 200", got)
	}
	if tcpHdr[13] != 0x02 {
		t.Fatalf("flags: got %#x want 0x02", tcpHdr[13])
	}
	if got := binary.BigEndian.Uint16(tcpHdr[14:16]); got != 1000 {
		t.Fatalf("window: got %d want 1000", got)
	}
}

func TestBuildIPv4TCP_DataOffsetAccountsForOptions(t *testing.T) {
	opts := []byte{2, 4, 0x05, 0xB4} // MSS option, 4 bytes
	frame := BuildIPv4TCP(testDstMAC, testSrcMAC, testInany("10.0.0.1"), testInany("10.0.0.2"), 1, 2, 0, 0, 0x02, 0, nil, opts)
	tcpHdr := frame[ethHeaderLen+20:]
	dataOffsetWords := tcpHdr[12] >> 4
	if int(dataOffsetWords)*4 != 24 {
		t.Fatalf("data offset: got %d words (%d bytes) want 24 bytes", dataOffsetWords, int(dataOffsetWords)*4)
	}
	if tcpHdr[20] != 2 || tcpHdr[21] != 4 {
		t.Fatalf("options not placed after fixed header: got %v", tcpHdr[20:24])
	}
}

func TestBuildIPv6UDP_HeaderFields(t *testing.T) {
	src := testInany("fd00::1")
	dst := testInany("fd00::2")
	payload := []byte("hello")
	frame := BuildIPv6UDP(testDstMAC, testSrcMAC, src, dst, 53, 5353, payload)

	ipHdr := frame[ethHeaderLen : ethHeaderLen+40]
	versionNibble := ipHdr[0] >> 4
	if versionNibble != 6 {
		t.Fatalf("IPv6 version: got %d want 6", versionNibble)
	}
	if ipHdr[6] != 17 {
		t.Fatalf("IPv6 next header: got %d want 17 (UDP)", ipHdr[6])
	}
	gotPayloadLen := binary.BigEndian.Uint16(ipHdr[4:6])
	if int(gotPayloadLen) != 8+len(payload) {
		t.Fatalf("IPv6 payload length: got %d want %d", gotPayloadLen, 8+len(payload))
	}

	udpHdr := frame[ethHeaderLen+40:]
	if got := binary.BigEndian.Uint16(udpHdr[0:2]); got != 53 {
		t.Fatalf("udp src port: got %d want 53", got)
	}
	if got := binary.BigEndian.Uint16(udpHdr[2:4]); got != 5353 {
		t.Fatalf("udp dst port: got %d want 5353", got)
	}
}
