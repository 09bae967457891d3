package internal

import (
	"net"
	"testing"
)

func testInany(s string) Inany {
	return InanyFromIP(net.ParseIP(s))
}

func TestFlowHash_InsertLookupRemove(t *testing.T) {
	h := NewFlowHash([16]byte{1, 2, 3}, 64)

	k1 := FlowHashKey{Remote: testInany("10.0.0.1"), LPort: 80, RPort: 1234}
	k2 := FlowHashKey{Remote: testInany("10.0.0.2"), LPort: 443, RPort: 5678}

	h.Insert(k1, 1)
	h.Insert(k2, 2)

	if idx, ok := h.Lookup(k1); !ok || idx != 1 {
		t.Fatalf("Lookup(k1): got idx=%d ok=%v", idx, ok)
	}
	if idx, ok := h.Lookup(k2); !ok || idx != 2 {
		t.Fatalf("Lookup(k2): got idx=%d ok=%v", idx, ok)
	}

	h.Remove(k1)
	if _, ok := h.Lookup(k1); ok {
		t.Fatalf("Lookup(k1) after Remove: still found")
	}
	if idx, ok := h.Lookup(k2); !ok || idx != 2 {
		t.Fatalf("Lookup(k2) after removing k1: got idx=%d ok=%v", idx, ok)
	}
}

func TestFlowHash_InsertRemoveRoundTrip(t *testing.T) {
	h := NewFlowHash([16]byte{9, 9, 9}, 32)

	keys := make([]FlowHashKey, 0, 40)
	for i := 0; i < 40; i++ {
		k := FlowHashKey{
			Remote: testInany("192.168.1.1"),
			LPort:  uint16(1000 + i),
			RPort:  uint16(2000 + i),
		}
		keys = append(keys, k)
		h.Insert(k, i)
	}
	for i, k := range keys {
		if idx, ok := h.Lookup(k); !ok || idx != i {
			t.Fatalf("Lookup(keys[%d]): got idx=%d ok=%v", i, idx, ok)
		}
	}
	for _, k := range keys {
		h.Remove(k)
	}
	for i, k := range keys {
		if _, ok := h.Lookup(k); ok {
			t.Fatalf("Lookup(keys[%d]) after removing all: still found", i)
		}
	}
}

func TestFlowHash_UpdateExistingKey(t *testing.T) {
	h := NewFlowHash([16]byte{}, 16)
	k := FlowHashKey{Remote: testInany("172.16.0.1"), LPort: 22, RPort: 33}
	h.Insert(k, 1)
	h.Insert(k, 2)
	if idx, ok := h.Lookup(k); !ok || idx != 2 {
		t.Fatalf("Lookup after re-insert: got idx=%d ok=%v", idx, ok)
	}
}
