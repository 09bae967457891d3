package internal

import (
	"testing"
	"time"
)

type fakeFlowPayload struct {
	done bool
}

func (f *fakeFlowPayload) DeferClose(now time.Time) bool { return f.done }

func TestFlowTable_AllocExhaustion(t *testing.T) {
	ft := NewFlowTable(3)
	var got []int
	for i := 0; i < 3; i++ {
		idx, ok := ft.Alloc()
		if !ok {
			t.Fatalf("Alloc() failed before exhaustion at i=%d", i)
		}
		got = append(got, idx)
	}
	if _, ok := ft.Alloc(); ok {
		t.Fatalf("Alloc() succeeded past flow_max")
	}
	if ft.Active() != 3 {
		t.Fatalf("Active: got %d want 3", ft.Active())
	}
	seen := map[int]bool{}
	for _, idx := range got {
		if seen[idx] {
			t.Fatalf("Alloc returned duplicate index %d", idx)
		}
		seen[idx] = true
	}
}

func TestFlowTable_AllocCancelRestoresCount(t *testing.T) {
	ft := NewFlowTable(4)
	idx, ok := ft.Alloc()
	if !ok {
		t.Fatalf("Alloc failed")
	}
	if ft.FreeSlotCount() != 3 {
		t.Fatalf("FreeSlotCount after one alloc: got %d want 3", ft.FreeSlotCount())
	}
	ft.AllocCancel(idx)
	if ft.Active() != 0 {
		t.Fatalf("Active after cancel: got %d want 0", ft.Active())
	}
	if ft.FreeSlotCount() != 4 {
		t.Fatalf("FreeSlotCount after cancel: got %d want 4", ft.FreeSlotCount())
	}
}

func TestFlowTable_DeferredGCRetiresOnlyDoneFlows(t *testing.T) {
	ft := NewFlowTable(4)
	idxDone, _ := ft.Alloc()
	idxLive, _ := ft.Alloc()

	ft.Get(idxDone).Variant = FlowTCP
	ft.Get(idxDone).Payload = &fakeFlowPayload{done: true}
	ft.Get(idxLive).Variant = FlowTCP
	ft.Get(idxLive).Payload = &fakeFlowPayload{done: false}

	ft.DeferredGC(time.Now())

	if ft.Active() != 1 {
		t.Fatalf("Active after GC: got %d want 1", ft.Active())
	}
	if ft.Get(idxDone).Variant != FlowNone {
		t.Fatalf("done flow not retired: Variant=%v", ft.Get(idxDone).Variant)
	}
	if ft.Get(idxLive).Variant != FlowTCP {
		t.Fatalf("live flow retired unexpectedly: Variant=%v", ft.Get(idxLive).Variant)
	}
}

func TestFlowTable_FreeChainInvariantAfterChurn(t *testing.T) {
	const max = 16
	ft := NewFlowTable(max)

	var live []int
	for i := 0; i < max; i++ {
		idx, ok := ft.Alloc()
		if !ok {
			t.Fatalf("Alloc failed at i=%d", i)
		}
		ft.Get(idx).Variant = FlowTCP
		done := i%3 == 0
		ft.Get(idx).Payload = &fakeFlowPayload{done: done}
		if !done {
			live = append(live, idx)
		}
	}

	ft.DeferredGC(time.Now())

	if got := ft.Active(); got != len(live) {
		t.Fatalf("Active after GC: got %d want %d", got, len(live))
	}
	if got := ft.FreeSlotCount() + ft.Active(); got != max {
		t.Fatalf("free+active invariant: got %d want %d", got, max)
	}

	// The free chain must still be able to satisfy exactly FreeSlotCount
	// more allocations before exhausting.
	free := ft.FreeSlotCount()
	for i := 0; i < free; i++ {
		if _, ok := ft.Alloc(); !ok {
			t.Fatalf("Alloc failed before exhausting reported free count (i=%d of %d)", i, free)
		}
	}
	if _, ok := ft.Alloc(); ok {
		t.Fatalf("Alloc succeeded past reported free count")
	}
}
