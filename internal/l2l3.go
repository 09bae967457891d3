package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ErrFragmentedPacket is returned for any IPv4 packet carrying
// fragmentation (MF set or non-zero offset); spec.md §1/§8 excludes
// fragment reassembly entirely, so these are always dropped.
var ErrFragmentedPacket = errors.New("fragmented ipv4 packet unsupported")

// FragmentMsgRate bounds how often the fragment-drop diagnostic logs,
// per spec.md §8 ("the diagnostic is suppressed if emitted within
// FRAGMENT_MSG_RATE seconds").
const FragmentMsgRate = 10 * time.Second

var (
	fragDropCount uint64
	fragLastMsg   time.Time
)

// NoteFragmentDrop increments the fragment-drop counter and logs a
// rate-limited diagnostic, reusing the counter across the process
// lifetime since the event loop is single-threaded (spec.md §5: no
// locks needed on this kind of process-wide counter).
func NoteFragmentDrop(now time.Time) {
	fragDropCount++
	if now.Sub(fragLastMsg) < FragmentMsgRate {
		return
	}
	fragLastMsg = now
	log.Printf("dropped %d fragmented ipv4 packet(s) (reassembly unsupported)", fragDropCount)
}

// L2 frame constants.
const (
	ethHeaderLen  = 14
	ethTypeARP    = 0x0806
	ethTypeIPv4   = 0x0800
	ethTypeIPv6   = 0x86DD
	arpHeaderLen  = 28
	arpOpReply    = 2
	arpOpRequest  = 1
)

// L4Proto identifies the parsed transport protocol of an inbound packet.
type L4Proto uint8

const (
	L4None L4Proto = iota
	L4TCP
	L4UDP
	L4ICMP
	L4ICMPv6
)

// ParsedPacket is the result of demuxing one tap frame down through
// Ethernet and IP to its L4 payload, everything the TCP/UDP/ICMP engines
// need to key and process one segment.
type ParsedPacket struct {
	V6        bool
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	Src       Inany
	Dst       Inany
	Proto     L4Proto
	SrcPort   uint16
	DstPort   uint16
	L4        []byte // transport header + payload
	IPPayload []byte // full IP payload (for ICMP etc.)
}

// ParseEthernet demuxes one raw Ethernet frame, dispatching ARP replies
// via arpHandler and returning a *ParsedPacket for IPv4/IPv6 frames. A
// nil return with nil error means the frame was handled in place (ARP)
// or deliberately ignored (unsupported ethertype).
func ParseEthernet(frame []byte, arpHandler func(req *ARPRequest)) (*ParsedPacket, error) {
	if len(frame) < ethHeaderLen {
		return nil, fmt.Errorf("short ethernet frame: %d bytes", len(frame))
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	dstMAC := net.HardwareAddr(frame[0:6])
	srcMAC := net.HardwareAddr(frame[6:12])
	payload := frame[ethHeaderLen:]

	switch etherType {
	case ethTypeARP:
		req, err := parseARP(payload, srcMAC)
		if err != nil {
			return nil, err
		}
		if req != nil && arpHandler != nil {
			arpHandler(req)
		}
		return nil, nil
	case ethTypeIPv4:
		return parseIPv4(payload, srcMAC, dstMAC)
	case ethTypeIPv6:
		return parseIPv6(payload, srcMAC, dstMAC)
	default:
		return nil, nil
	}
}

// ARPRequest is a decoded "who-has" ARP request the guest sent for the
// gateway address; answered with a synthesized reply from a
// locally-administered MAC rather than ever touching a real L2 network.
type ARPRequest struct {
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetIP  net.IP
}

func parseARP(b []byte, srcMAC net.HardwareAddr) (*ARPRequest, error) {
	if len(b) < arpHeaderLen {
		return nil, fmt.Errorf("short arp packet: %d bytes", len(b))
	}
	op := binary.BigEndian.Uint16(b[6:8])
	if op != arpOpRequest {
		return nil, nil
	}
	senderIP := net.IP(b[14:18])
	targetIP := net.IP(b[24:28])
	return &ARPRequest{SenderMAC: srcMAC, SenderIP: senderIP, TargetIP: targetIP}, nil
}

// BuildARPReply synthesizes the Ethernet+ARP reply frame for req,
// claiming ownMAC owns req.TargetIP.
func BuildARPReply(req *ARPRequest, ownMAC net.HardwareAddr) []byte {
	frame := make([]byte, ethHeaderLen+arpHeaderLen)
	copy(frame[0:6], req.SenderMAC)
	copy(frame[6:12], ownMAC)
	binary.BigEndian.PutUint16(frame[12:14], ethTypeARP)

	arp := frame[ethHeaderLen:]
	binary.BigEndian.PutUint16(arp[0:2], 1) // HTYPE ethernet
	binary.BigEndian.PutUint16(arp[2:4], ethTypeIPv4)
	arp[4] = 6 // HLEN
	arp[5] = 4 // PLEN
	binary.BigEndian.PutUint16(arp[6:8], arpOpReply)
	copy(arp[8:14], ownMAC)
	copy(arp[14:18], req.TargetIP.To4())
	copy(arp[18:24], req.SenderMAC)
	copy(arp[24:28], req.SenderIP.To4())
	return frame
}

func parseIPv4(b []byte, srcMAC, dstMAC net.HardwareAddr) (*ParsedPacket, error) {
	if len(b) < header.IPv4MinimumSize {
		return nil, fmt.Errorf("short ipv4 packet: %d bytes", len(b))
	}
	ip := header.IPv4(b)
	if !ip.IsValid(len(b)) {
		return nil, fmt.Errorf("invalid ipv4 packet")
	}
	if ip.More() || ip.FragmentOffset() != 0 {
		return nil, ErrFragmentedPacket
	}

	p := &ParsedPacket{
		V6:     false,
		SrcMAC: srcMAC,
		DstMAC: dstMAC,
		Src:    InanyFromIP(net.IP(ip.SourceAddress().AsSlice())),
		Dst:    InanyFromIP(net.IP(ip.DestinationAddress().AsSlice())),
	}
	transport := ip.Payload()
	return finishL4(p, ip.TransportProtocol(), transport)
}

func parseIPv6(b []byte, srcMAC, dstMAC net.HardwareAddr) (*ParsedPacket, error) {
	if len(b) < header.IPv6MinimumSize {
		return nil, fmt.Errorf("short ipv6 packet: %d bytes", len(b))
	}
	ip := header.IPv6(b)

	p := &ParsedPacket{
		V6:     true,
		SrcMAC: srcMAC,
		DstMAC: dstMAC,
		Src:    InanyFromIP(net.IP(ip.SourceAddress().AsSlice())),
		Dst:    InanyFromIP(net.IP(ip.DestinationAddress().AsSlice())),
	}
	transport := ip.Payload()
	return finishL4(p, ip.TransportProtocol(), transport)
}

func finishL4(p *ParsedPacket, proto header.Transport, transport []byte) (*ParsedPacket, error) {
	p.IPPayload = transport
	switch proto {
	case header.TCPProtocolNumber:
		if len(transport) < header.TCPMinimumSize {
			return nil, fmt.Errorf("short tcp segment")
		}
		t := header.TCP(transport)
		p.Proto = L4TCP
		p.SrcPort = t.SourcePort()
		p.DstPort = t.DestinationPort()
		p.L4 = transport
	case header.UDPProtocolNumber:
		if len(transport) < header.UDPMinimumSize {
			return nil, fmt.Errorf("short udp datagram")
		}
		u := header.UDP(transport)
		p.Proto = L4UDP
		p.SrcPort = u.SourcePort()
		p.DstPort = u.DestinationPort()
		p.L4 = transport
	case header.ICMPv4ProtocolNumber:
		p.Proto = L4ICMP
		p.L4 = transport
	case header.ICMPv6ProtocolNumber:
		p.Proto = L4ICMPv6
		p.L4 = transport
	default:
		p.Proto = L4None
	}
	return p, nil
}
