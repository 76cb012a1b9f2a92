package vm

import (
	"testing"
)

func newBareVM() *VM {
	return NewVM(Config{InitialStackSlots: 64, InitialHeapPages: 1})
}

// ---------------------------------------------------------------------------
// Page topology
// ---------------------------------------------------------------------------

func TestFreshPageTopology(t *testing.T) {
	h := NewHeap(1)
	spans := h.freeSpans()
	if len(spans) != 1 {
		t.Fatalf("fresh page should have one span, got %d", len(spans))
	}
	if spans[0].len != PageSlots-1 {
		t.Errorf("span len = %d, want %d", spans[0].len, PageSlots-1)
	}
	if spans[0].head != 1 {
		t.Errorf("span head = %d, want 1 (slot 0 reserved)", spans[0].head)
	}
	// Tail's start pointer names the head.
	tail := h.slot(spans[0].head + ObjRef(spans[0].len) - 1)
	if ObjRef(tail.n0) != spans[0].head {
		t.Errorf("tail start = %d, want %d", tail.n0, spans[0].head)
	}
}

func TestPageAccounting(t *testing.T) {
	h := NewHeap(2)
	// Per page: free spans + live objects == PageSlots-1 (slot 0 reserved).
	if got := h.freeSlotCount() + h.livePoolCount(); got != 2*(PageSlots-1) {
		t.Errorf("free+live = %d, want %d", got, 2*(PageSlots-1))
	}
}

// ---------------------------------------------------------------------------
// Alloc / free round trips
// ---------------------------------------------------------------------------

func TestAllocFreeRestoresHeap(t *testing.T) {
	h := NewHeap(1)

	ref, o := h.allocPoolObject()
	o.typeID = TypeList
	if h.freeSlotCount() != PageSlots-2 {
		t.Errorf("free count after alloc = %d, want %d", h.freeSlotCount(), PageSlots-2)
	}
	h.freePoolObject(ref)

	if h.freeSlotCount() != PageSlots-1 {
		t.Errorf("free count after free = %d, want %d", h.freeSlotCount(), PageSlots-1)
	}
	if h.PageCount() != 1 {
		t.Errorf("page count = %d, want 1", h.PageCount())
	}
	// The freed slot fronts the freelist, so the next alloc reuses it.
	ref2, o2 := h.allocPoolObject()
	o2.typeID = TypeList
	if ref2 != ref {
		t.Errorf("realloc returned %d, want reused slot %d", ref2, ref)
	}
	h.freePoolObject(ref2)
}

func TestFreeCoalescesWithPredecessor(t *testing.T) {
	h := NewHeap(1)
	r1, o1 := h.allocPoolObject()
	o1.typeID = TypeList
	r2, o2 := h.allocPoolObject()
	o2.typeID = TypeList
	if r2 != r1+1 {
		t.Fatalf("expected consecutive refs, got %d then %d", r1, r2)
	}

	// Free in allocation order: r1 becomes a single-slot span, then r2
	// extends it by one.
	h.freePoolObject(r1)
	h.freePoolObject(r2)

	spans := h.freeSpans()
	found := false
	for _, s := range spans {
		if s.head == r1 && s.len == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected span head=%d len=2, spans=%v", r1, spans)
	}
	// The extended span's tail start must point back at the head.
	if ObjRef(h.slot(r2).n0) != r1 {
		t.Errorf("tail start = %d, want %d", h.slot(r2).n0, r1)
	}
}

func TestHeapGrowth(t *testing.T) {
	h := NewHeap(1)
	// Exhaust the single page.
	refs := make([]ObjRef, 0, PageSlots-1)
	for i := 0; i < PageSlots-1; i++ {
		ref, o := h.allocPoolObject()
		o.typeID = TypeList
		refs = append(refs, ref)
	}
	if h.PageCount() != 1 {
		t.Fatalf("page count = %d before growth", h.PageCount())
	}

	// Next alloc grows by max(1, 1.5x current pages) = 1 page.
	ref, o := h.allocPoolObject()
	o.typeID = TypeList
	if h.PageCount() != 2 {
		t.Errorf("page count = %d after growth, want 2", h.PageCount())
	}
	if ref/PageSlots != 1 {
		t.Errorf("new object should live on page 1, ref=%d", ref)
	}

	h.freePoolObject(ref)
	for _, r := range refs {
		h.freePoolObject(r)
	}
	if got := h.freeSlotCount(); got != 2*(PageSlots-1) {
		t.Errorf("free count = %d after releasing all, want %d", got, 2*(PageSlots-1))
	}
}

func TestLargeObjectLifecycle(t *testing.T) {
	h := NewHeap(1)
	ref, o := h.allocLargeObject()
	o.typeID = TypeAstring
	if ref < largeRefBase {
		t.Errorf("large ref %#x below large base", uint64(ref))
	}
	if h.obj(ref) != o {
		t.Error("obj() did not resolve the large object")
	}
	h.freeLargeObject(ref)
	if _, ok := h.large[ref]; ok {
		t.Error("large object still tracked after free")
	}
}

// ---------------------------------------------------------------------------
// Size-category boundaries
// ---------------------------------------------------------------------------

func TestStringPoolBoundaries(t *testing.T) {
	vm := newBareVM()

	// 28-byte ASCII payload stays in the pool; 29 goes large.
	small := vm.allocStringNoIntern(mkASCII(AstringPoolMax), false)
	if small.AsPointer() >= largeRefBase {
		t.Error("28-byte astring should be pool-allocated")
	}
	big := vm.allocStringNoIntern(mkASCII(AstringPoolMax+1), false)
	if big.AsPointer() < largeRefBase {
		t.Error("29-byte astring should be large-allocated")
	}

	// 16-byte UTF-8 payload stays in the pool; 17 goes large.
	smallU := vm.allocStringNoIntern(mkUTF8(UstringPoolMax), false)
	if smallU.AsPointer() >= largeRefBase {
		t.Error("16-byte ustring should be pool-allocated")
	}
	bigU := vm.allocStringNoIntern(mkUTF8(UstringPoolMax+1), false)
	if bigU.AsPointer() < largeRefBase {
		t.Error("17-byte ustring should be large-allocated")
	}

	// Raw strings: 28 pool, 29 large.
	smallR := vm.allocRawString(make([]byte, RawStringPoolMax))
	if smallR.AsPointer() >= largeRefBase {
		t.Error("28-byte rawstring should be pool-allocated")
	}
	bigR := vm.allocRawString(make([]byte, RawStringPoolMax+1))
	if bigR.AsPointer() < largeRefBase {
		t.Error("29-byte rawstring should be large-allocated")
	}

	// Each frees through the matching allocator.
	for _, v := range []Value{small, big, smallU, bigU, smallR, bigR} {
		vm.release(v)
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d after releasing all strings", rc)
	}
	if n := len(vm.heap.large); n != 0 {
		t.Errorf("%d large objects leaked", n)
	}
}

// mkASCII builds an n-byte ASCII string.
func mkASCII(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}

// mkUTF8 builds an n-byte string containing a multi-byte rune.
func mkUTF8(n int) string {
	b := []byte("é") // 2 bytes
	for len(b) < n {
		b = append(b, 'x')
	}
	return string(b[:n])
}
