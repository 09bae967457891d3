package internal

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// FwdMode is one of {NONE, SPEC, AUTO, ALL}.
type FwdMode uint8

const (
	FwdNone FwdMode = iota
	FwdSpec
	FwdAuto
	FwdAll
)

func parseFwdMode(s string) FwdMode {
	switch s {
	case "spec":
		return FwdSpec
	case "auto":
		return FwdAuto
	case "all":
		return FwdAll
	default:
		return FwdNone
	}
}

// FwdPorts is one direction's forwarding table: a 65,536-bit membership
// map plus the delta/rdelta port-remap arrays. The map is
// backed by bits-and-blooms/bitset so AUTO-mode rescans and the UDP/TCP
// remap path both get cheap set/clear/test and, for the activity bitmaps
// in internal/udpengine.go, NextSet-based find-first-set scanning.
type FwdPorts struct {
	Mode   FwdMode
	Map    *bitset.BitSet
	Delta  [65536]int16
	RDelta [65536]int16
}

// NewFwdPorts builds a direction's table from a PortSpec. For FwdSpec, the
// explicit port list populates Map with a zero delta (host and guest side
// use identical ports unless a later SetDelta call changes that).
func NewFwdPorts(spec PortSpec) *FwdPorts {
	fp := &FwdPorts{Mode: parseFwdMode(spec.Mode), Map: bitset.New(65536)}
	if fp.Mode == FwdSpec {
		for _, p := range spec.Ports {
			if p >= 0 && p < 65536 {
				fp.Map.Set(uint(p))
			}
		}
	}
	if fp.Mode == FwdAll {
		fp.Map.FlipRange(0, 65536)
	}
	return fp
}

// SetDelta records a per-port forward-direction offset and derives the
// inverse rdelta entry, maintaining the involution invariant
// rdelta[i+delta[i]] = (65536-delta[i]) mod 65536.
func (fp *FwdPorts) SetDelta(port int, delta int16) {
	fp.Delta[port] = delta
	mapped := uint16(int32(port)+int32(delta)) % 65536
	if delta == 0 {
		fp.RDelta[mapped] = 0
		return
	}
	fp.RDelta[mapped] = int16((65536 - int32(delta)) % 65536)
}

// Forward applies this direction's delta to dst port, if dst is in Map.
func (fp *FwdPorts) Forward(dst uint16) (uint16, bool) {
	if !fp.Map.Test(uint(dst)) {
		return 0, false
	}
	return uint16(int32(dst) + int32(fp.Delta[dst])), true
}

// Reverse applies the inverse delta to a source port on the return path.
func (fp *FwdPorts) Reverse(src uint16) uint16 {
	return uint16(int32(src) + int32(fp.RDelta[src]))
}

// RescanAuto re-derives Map from /proc/net socket state for AUTO mode
//: tcp/tcp6 listening sockets (state 0x0A) or udp/udp6
// unconnected-bound sockets (state 0x07), read from procRoot (normally
// "/proc", or the peer namespace's /proc when entered via nsentry.go).
// exclude is the "opposite direction" map used to suppress loopback
// storms (a port forwarded inbound is never also auto-forwarded
// outbound, and vice versa).
func (fp *FwdPorts) RescanAuto(procRoot string, proto string, exclude *FwdPorts) error {
	if fp.Mode != FwdAuto {
		return nil
	}
	newMap := bitset.New(65536)
	for _, suffix := range []string{"", "6"} {
		path := fmt.Sprintf("%s/net/%s%s", procRoot, proto, suffix)
		if err := scanProcNet(path, proto, newMap); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if exclude != nil {
		newMap.InPlaceDifference(exclude.Map)
	}
	fp.Map = newMap
	return nil
}

// wantStateFor returns the /proc/net "st" field value this scan keeps: TCP_LISTEN
// (0x0A) for tcp/tcp6, or unconnected-bound (0x07) for udp/udp6.
func wantStateFor(proto string) string {
	if strings.HasPrefix(proto, "tcp") {
		return "0A"
	}
	return "07"
}

// scanProcNet parses one /proc/net/{tcp,tcp6,udp,udp6} file. Each data
// line's second field is "local_address:port" in hex, the fourth is
// connection state in hex.
func scanProcNet(path, proto string, out *bitset.BitSet) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	want := wantStateFor(proto)
	sc := bufio.NewScanner(f)
	sc.Scan() // header line
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		if !strings.EqualFold(fields[3], want) {
			continue
		}
		local := fields[1]
		idx := strings.LastIndexByte(local, ':')
		if idx < 0 {
			continue
		}
		portHex := local[idx+1:]
		portBytes, err := hex.DecodeString(portHex)
		if err != nil || len(portBytes) != 2 {
			// some kernels pad differently; fall back to strconv
			v, err2 := strconv.ParseUint(portHex, 16, 16)
			if err2 != nil {
				continue
			}
			out.Set(uint(v))
			continue
		}
		port := uint(portBytes[0])<<8 | uint(portBytes[1])
		out.Set(port)
	}
	return sc.Err()
}
