package internal

import "encoding/binary"

// siphash-2-4 over a 128-bit key, implemented directly from the reference
// algorithm: no ecosystem siphash package turned up anywhere in the
// retrieved pack (examples or manifests' go.mod inventories), so this is
// the one data-path primitive built on nothing but encoding/binary. Named
// in DESIGN.md as the sole stdlib-only leaf.
//
// The hash index (internal/flowhash.go) feeds it (remote_addr,
// eport<<16|fport), keyed by the process-wide 128-bit
// secret generated at startup.

type sipHashKey struct {
	k0, k1 uint64
}

func newSipHashKey(secret [16]byte) sipHashKey {
	return sipHashKey{
		k0: binary.LittleEndian.Uint64(secret[0:8]),
		k1: binary.LittleEndian.Uint64(secret[8:16]),
	}
}

func rotl64(x uint64, b uint) uint64 { return (x << b) | (x >> (64 - b)) }

// sipHash24 returns the siphash-2-4 digest of data under key.
func sipHash24(key sipHashKey, data []byte) uint64 {
	v0 := uint64(0x736f6d6570736575) ^ key.k0
	v1 := uint64(0x646f72616e646f6d) ^ key.k1
	v2 := uint64(0x6c7967656e657261) ^ key.k0
	v3 := uint64(0x7465646279746573) ^ key.k1

	round := func() {
		v0 += v1
		v1 = rotl64(v1, 13)
		v1 ^= v0
		v0 = rotl64(v0, 32)
		v2 += v3
		v3 = rotl64(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl64(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl64(v1, 17)
		v1 ^= v2
		v2 = rotl64(v2, 32)
	}

	n := len(data)
	end := n - (n % 8)
	b := uint64(n) << 56

	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var tail [8]byte
	copy(tail[:], data[end:])
	b |= binary.LittleEndian.Uint64(tail[:])

	v3 ^= b
	round()
	round()
	v0 ^= b

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

// sipHashFeed builds the (remote_addr, eport<<16|fport) feed used for flow
// hashing; Ctx.ISN builds its own wider feed that also covers the local
// address.
func sipHashFeed(remote Inany, eport, fport uint16) []byte {
	buf := make([]byte, 20)
	copy(buf[:16], remote[:])
	binary.BigEndian.PutUint32(buf[16:20], uint32(eport)<<16|uint32(fport))
	return buf
}
