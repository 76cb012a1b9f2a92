package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: page-allocated object pool with a free-span freelist
// ---------------------------------------------------------------------------

// ObjRef is a 48-bit heap reference as carried in a pointer Value payload.
// Pool references are page*PageSlots+slot; references at or above
// largeRefBase identify objects owned by the general allocator.
type ObjRef uint64

// PageSlots is the number of object slots per heap page. Slot 0 of every
// page is reserved so that the "previous slot" inspection during free
// always lands on a real slot.
const PageSlots = 102

// largeRefBase is the first reference in the large-object space.
const largeRefBase ObjRef = 1 << 47

// Object is one 40-byte heap slot. Every live object starts with its type
// id and reference count; the remaining words are interpreted per kind.
//
// Free slots reuse the same layout to thread the free-span list:
//
//	typeID = typeFreeSpan
//	rc     = span length (valid on the span head)
//	n0     = reference of the span's first slot (valid on head and tail)
//	n1     = next free span head (valid on the span head, 0 = end)
type Object struct {
	typeID TypeID
	rc     uint32
	n0     uint64
	n1     uint64
	body   any
}

// TypeID returns the object's type id.
func (o *Object) TypeID() TypeID { return o.typeID }

// RC returns the object's reference count.
func (o *Object) RC() uint32 { return o.rc }

type heapPage struct {
	slots [PageSlots]Object
}

// Heap owns the object pool and the large-object table.
type Heap struct {
	pages    []*heapPage
	freeHead ObjRef // head of the free-span list, 0 = empty

	large     map[ObjRef]*Object
	nextLarge ObjRef

	// globalRC tracks the sum of all retains minus releases. It is a
	// diagnostic for leak and cycle tests, not part of reclamation.
	globalRC int64

	log commonlog.Logger
}

// NewHeap creates a heap with the given number of pre-allocated pages.
func NewHeap(initialPages int) *Heap {
	h := &Heap{
		large:     make(map[ObjRef]*Object),
		nextLarge: largeRefBase,
		log:       commonlog.GetLogger("kestrel.heap"),
	}
	if initialPages < 1 {
		initialPages = 1
	}
	h.growPages(initialPages)
	return h
}

// growPages appends n fresh pages, each initialized as one free span
// covering slots 1..PageSlots-1, and links the spans onto the freelist.
func (h *Heap) growPages(n int) {
	for i := 0; i < n; i++ {
		pageIdx := len(h.pages)
		page := &heapPage{}
		page.slots[0].typeID = typeReserved
		for s := 1; s < PageSlots; s++ {
			page.slots[s].typeID = typeFreeSpan
		}

		head := ObjRef(pageIdx*PageSlots + 1)
		hs := &page.slots[1]
		hs.typeID = typeFreeSpan
		hs.rc = PageSlots - 1
		hs.n0 = uint64(head)
		hs.n1 = uint64(h.freeHead)
		page.slots[PageSlots-1].typeID = typeFreeSpan
		page.slots[PageSlots-1].n0 = uint64(head)

		h.pages = append(h.pages, page)
		h.freeHead = head
	}
	h.log.Debugf("grew heap to %d pages", len(h.pages))
}

// obj resolves a reference to its object. The reference must be live; a
// stale or free reference is a VM bug.
func (h *Heap) obj(ref ObjRef) *Object {
	if ref >= largeRefBase {
		o := h.large[ref]
		if o == nil {
			panic(fmt.Sprintf("heap: dangling large reference %#x", uint64(ref)))
		}
		return o
	}
	return &h.pages[ref/PageSlots].slots[ref%PageSlots]
}

// slot resolves a pool reference without liveness expectations.
func (h *Heap) slot(ref ObjRef) *Object {
	return &h.pages[ref/PageSlots].slots[ref%PageSlots]
}

// allocPoolObject detaches one slot from the head free span, growing the
// pool by max(1, 1.5x current pages) pages when the freelist is empty.
func (h *Heap) allocPoolObject() (ObjRef, *Object) {
	if h.freeHead == 0 {
		grow := len(h.pages) * 3 / 2
		if grow < 1 {
			grow = 1
		}
		h.growPages(grow)
	}

	head := h.freeHead
	hs := h.slot(head)
	spanLen := hs.rc

	if spanLen == 1 {
		h.freeHead = ObjRef(hs.n1)
	} else {
		// Replace the span head with the next slot and rewrite the
		// tail's start pointer.
		newHead := head + 1
		ns := h.slot(newHead)
		ns.typeID = typeFreeSpan
		ns.rc = spanLen - 1
		ns.n0 = uint64(newHead)
		ns.n1 = hs.n1
		tail := head + ObjRef(spanLen) - 1
		h.slot(tail).n0 = uint64(newHead)
		h.freeHead = newHead
	}

	*hs = Object{}
	return head, hs
}

// freePoolObject returns a slot to the pool. If the slot immediately
// preceding it is free, the freed slot joins that span as its new tail;
// otherwise it becomes a single-slot span at the front of the freelist.
func (h *Heap) freePoolObject(ref ObjRef) {
	o := h.slot(ref)
	pred := h.slot(ref - 1)
	if pred.typeID == typeFreeSpan {
		head := ObjRef(pred.n0)
		hs := h.slot(head)
		hs.rc++
		*o = Object{typeID: typeFreeSpan, n0: uint64(head)}
		return
	}
	*o = Object{typeID: typeFreeSpan, rc: 1, n0: uint64(ref), n1: uint64(h.freeHead)}
	h.freeHead = ref
}

// allocLargeObject allocates an object outside the pool. The header layout
// is identical; only the free path differs.
func (h *Heap) allocLargeObject() (ObjRef, *Object) {
	ref := h.nextLarge
	h.nextLarge++
	o := &Object{}
	h.large[ref] = o
	return ref, o
}

// freeLargeObject releases a large object back to the general allocator.
func (h *Heap) freeLargeObject(ref ObjRef) {
	delete(h.large, ref)
}

// ---------------------------------------------------------------------------
// Introspection (tests, cycle detection, CheckMemory)
// ---------------------------------------------------------------------------

// PageCount returns the number of pool pages.
func (h *Heap) PageCount() int { return len(h.pages) }

// GlobalRC returns the process-wide retain/release balance.
func (h *Heap) GlobalRC() int64 { return h.globalRC }

// freeSpan describes one span on the freelist.
type freeSpan struct {
	head ObjRef
	len  uint32
}

// freeSpans walks the freelist in order.
func (h *Heap) freeSpans() []freeSpan {
	var spans []freeSpan
	for ref := h.freeHead; ref != 0; {
		s := h.slot(ref)
		spans = append(spans, freeSpan{head: ref, len: s.rc})
		ref = ObjRef(s.n1)
	}
	return spans
}

// freeSlotCount sums the lengths of all free spans.
func (h *Heap) freeSlotCount() int {
	n := 0
	for _, s := range h.freeSpans() {
		n += int(s.len)
	}
	return n
}

// liveObjects visits every live object in the pool and the large table.
func (h *Heap) liveObjects(visit func(ref ObjRef, o *Object)) {
	for pi, page := range h.pages {
		for si := 1; si < PageSlots; si++ {
			o := &page.slots[si]
			if o.typeID != typeFreeSpan && o.typeID != typeReserved {
				visit(ObjRef(pi*PageSlots+si), o)
			}
		}
	}
	for ref, o := range h.large {
		visit(ref, o)
	}
}

// livePoolCount counts live objects in the pool pages.
func (h *Heap) livePoolCount() int {
	n := 0
	for _, page := range h.pages {
		for si := 1; si < PageSlots; si++ {
			t := page.slots[si].typeID
			if t != typeFreeSpan && t != typeReserved {
				n++
			}
		}
	}
	return n
}
