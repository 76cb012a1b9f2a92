package vm

import "testing"

// ---------------------------------------------------------------------------
// Reference counting laws
// ---------------------------------------------------------------------------

func TestRetainReleaseIsNoOp(t *testing.T) {
	vm := newBareVM()
	v := vm.allocList(nil)
	before := vm.GlobalRC()
	o := vm.heap.obj(v.AsPointer())
	rcBefore := o.rc

	vm.retain(v)
	vm.release(v)

	if vm.GlobalRC() != before {
		t.Errorf("global rc = %d, want %d", vm.GlobalRC(), before)
	}
	if o.rc != rcBefore {
		t.Errorf("object rc = %d, want %d", o.rc, rcBefore)
	}
	vm.release(v)
}

func TestRetainInc(t *testing.T) {
	vm := newBareVM()
	v := vm.allocList(nil)
	vm.retainInc(v, 3)
	if rc := vm.heap.obj(v.AsPointer()).rc; rc != 4 {
		t.Errorf("rc = %d, want 4", rc)
	}
	for i := 0; i < 4; i++ {
		vm.release(v)
	}
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d, want 0", vm.GlobalRC())
	}
}

func TestReleaseFreesChildren(t *testing.T) {
	vm := newBareVM()
	child := vm.allocList(nil)
	parent := vm.allocList([]Value{child})
	// Ownership of child moved into parent.
	vm.release(parent)
	if vm.GlobalRC() != 0 {
		t.Errorf("global rc = %d after releasing parent, want 0", vm.GlobalRC())
	}
	if n := vm.heap.livePoolCount(); n != 0 {
		t.Errorf("%d live objects remain", n)
	}
}

// ---------------------------------------------------------------------------
// Cycle detection
// ---------------------------------------------------------------------------

func TestCheckMemoryNoCycles(t *testing.T) {
	vm := newBareVM()
	a := vm.allocList(nil)
	b := vm.allocList([]Value{a})
	vm.retain(a) // two owners: b and us
	if !vm.CheckMemory() {
		t.Error("CheckMemory reported a cycle in an acyclic heap")
	}
	vm.release(a)
	vm.release(b)
}

func TestCheckMemorySelfCycle(t *testing.T) {
	vm := newBareVM()

	// a = []; a.append(a); drop the binding.
	a := vm.allocList(nil)
	body := vm.heap.obj(a.AsPointer()).list()
	vm.retain(a)
	body.elems = append(body.elems, a)
	vm.release(a)

	// The list is now only alive through itself.
	if rc := vm.heap.obj(a.AsPointer()).rc; rc != 1 {
		t.Fatalf("rc = %d, want 1 (self reference)", rc)
	}

	if vm.CheckMemory() {
		t.Error("CheckMemory failed to detect the self cycle")
	}
	if n := len(vm.CycleRoots()); n != 1 {
		t.Errorf("cycle roots = %d, want 1", n)
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d after force release, want 0", rc)
	}
	if n := vm.heap.livePoolCount(); n != 0 {
		t.Errorf("%d live objects remain after cycle break", n)
	}
}

func TestCheckMemoryTwoNodeCycle(t *testing.T) {
	vm := newBareVM()

	a := vm.allocList(nil)
	b := vm.allocList(nil)
	vm.retain(b)
	vm.heap.obj(a.AsPointer()).list().elems = append(
		vm.heap.obj(a.AsPointer()).list().elems, b)
	vm.retain(a)
	vm.heap.obj(b.AsPointer()).list().elems = append(
		vm.heap.obj(b.AsPointer()).list().elems, a)
	vm.release(a)
	vm.release(b)

	if vm.CheckMemory() {
		t.Error("CheckMemory failed to detect the two-node cycle")
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d after force release, want 0", rc)
	}
	if n := vm.heap.livePoolCount(); n != 0 {
		t.Errorf("%d live objects remain", n)
	}
}

func TestUserObjectCycle(t *testing.T) {
	vm := newBareVM()
	structID := vm.structs.Register("Node", 1)

	node := vm.allocObject(structID, []Value{None})
	vm.retain(node)
	vm.heap.obj(node.AsPointer()).fields()[0] = node
	vm.release(node)

	if vm.CheckMemory() {
		t.Error("CheckMemory failed to detect the user-object cycle")
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d, want 0", rc)
	}
}
