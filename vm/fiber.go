package vm

// ---------------------------------------------------------------------------
// Fibers: cooperative coroutines with private value stacks
// ---------------------------------------------------------------------------

// fiberPCTerminated marks a fiber that ran to coreturn; no resume can
// enter it again.
const fiberPCTerminated = -1

// fiberNoDst means the parent asked for no copy-back on yield/return.
const fiberNoDst uint8 = 0xFF

// Fiber is the saved execution state of one coroutine. The active
// fiber's state lives in the VM registers; on every switch all three of
// stack, pc and fp are saved and restored together.
type Fiber struct {
	stack []Value
	pc    int
	fp    int

	// prev links to the resuming fiber (0 = the main fiber).
	prev ObjRef

	// parentDstLocal is where the parent wants yielded/returned values
	// copied, relative to the parent's frame at resume time.
	parentDstLocal uint8

	// first-entry bookkeeping
	started   bool
	initialPC int
	numArgs   uint8
}

// allocFiber creates a fiber object ready for its first resume. Args are
// copied into slots 5..5+numArgs, matching the frame convention of the
// body's root frame at base 1. Ownership of the arg references moves to
// the fiber.
func (vm *VM) allocFiber(args []Value, initialStackSize int, bodyPC int) Value {
	if initialStackSize < 8+len(args) {
		initialStackSize = 8 + len(args)
	}
	stack := make([]Value, initialStackSize)
	for i := 1; i <= 4; i++ {
		stack[i] = FromI32(0)
	}
	copy(stack[5:], args)

	f := &Fiber{
		stack:          stack,
		pc:             bodyPC,
		fp:             1,
		parentDstLocal: fiberNoDst,
		initialPC:      bodyPC,
		numArgs:        uint8(len(args)),
	}
	ref, o := vm.allocPool(TypeFiber)
	o.body = f
	return FromPointer(ref)
}

// saveCurFiber checkpoints the VM registers into the active fiber.
func (vm *VM) saveCurFiber() {
	vm.curFiber.stack = vm.stack
	vm.curFiber.pc = vm.pc
	vm.curFiber.fp = vm.fp
}

// installFiber makes a fiber the active one, restoring its registers.
func (vm *VM) installFiber(ref ObjRef, f *Fiber) {
	vm.curFiberRef = ref
	vm.curFiber = f
	vm.stack = f.stack
	vm.pc = f.pc
	vm.fp = f.fp
}

// resumeFiber switches execution into the target fiber. The caller has
// already advanced pc past the coresume instruction; the parent's
// destination local dst is recorded on the fiber here. Returns false if
// the fiber cannot be resumed
// (terminated, or already the active one).
func (vm *VM) resumeFiber(fiberRef ObjRef, dst uint8) bool {
	o := vm.heap.obj(fiberRef)
	if o.typeID != TypeFiber || fiberRef == vm.curFiberRef {
		return false
	}
	f := o.fiber()
	if f.pc == fiberPCTerminated {
		return false
	}

	vm.saveCurFiber()
	f.prev = vm.curFiberRef
	f.parentDstLocal = dst

	if !f.started {
		f.started = true
		vm.installFiber(fiberRef, f)
		return true
	}
	// Paused on a coyield: re-enter just past it.
	resumePC := f.pc + 3
	vm.installFiber(fiberRef, f)
	vm.pc = resumePC
	return true
}

// yieldFiber suspends the active fiber and pops to its parent, writing
// none into the parent's destination slot. Only valid off the main
// fiber. The caller leaves pc pointing at the coyield instruction.
func (vm *VM) yieldFiber() bool {
	if vm.curFiberRef == 0 {
		return false
	}
	cur := vm.curFiber
	vm.saveCurFiber()
	parentRef := cur.prev
	cur.prev = 0

	parent := vm.fiberByRef(parentRef)
	dst := cur.parentDstLocal
	vm.installFiber(parentRef, parent)
	if dst != fiberNoDst {
		vm.release(vm.stack[vm.fp+int(dst)])
		vm.stack[vm.fp+int(dst)] = None
	}
	return true
}

// returnFiber terminates the active fiber, copies its result (slot fp+1
// by convention) to the parent's destination, releases the dead stack
// and pops to the parent.
func (vm *VM) returnFiber() bool {
	if vm.curFiberRef == 0 {
		return false
	}
	cur := vm.curFiber
	result := cur.stack[vm.fp+1]
	cur.stack[vm.fp+1] = None
	vm.saveCurFiber()
	cur.pc = fiberPCTerminated
	parentRef := cur.prev
	cur.prev = 0

	// The body ran to completion; the stack holds nothing else live.
	cur.stack = nil

	parent := vm.fiberByRef(parentRef)
	dst := cur.parentDstLocal
	vm.installFiber(parentRef, parent)
	if dst != fiberNoDst {
		vm.release(vm.stack[vm.fp+int(dst)])
		vm.stack[vm.fp+int(dst)] = result
	} else {
		vm.release(result)
	}
	return true
}

// fiberByRef resolves a fiber reference, with 0 meaning the main fiber.
func (vm *VM) fiberByRef(ref ObjRef) *Fiber {
	if ref == 0 {
		return vm.mainFiber
	}
	return vm.heap.obj(ref).fiber()
}

// ---------------------------------------------------------------------------
// Fiber destruction
// ---------------------------------------------------------------------------

// releaseFiberStack releases everything a discarded fiber still owns.
// A suspended fiber's live locals are found through the debug table:
// the entry at the suspension pc carries an end-locals pc pointing at a
// RELEASE_N instruction, which is interpreted (not executed) to release
// exactly the locals live at that site. A fiber that never entered its
// body owns only its initial args.
func (vm *VM) releaseFiberStack(f *Fiber) {
	if f.stack == nil {
		return
	}
	if !f.started {
		for i := 0; i < int(f.numArgs); i++ {
			vm.release(f.stack[5+i])
		}
		f.stack = nil
		return
	}

	pc := f.pc
	fp := f.fp
	for {
		vm.releaseFrameLocals(f.stack, fp, pc)
		if fp <= 1 {
			break
		}
		pc = int(f.stack[fp+2].AsI32())
		fp = int(f.stack[fp+3].AsI32())
	}
	f.stack = nil
}

// releaseFrameLocals interprets the RELEASE_N instruction recorded for
// pc to release a frame's live locals.
func (vm *VM) releaseFrameLocals(stack []Value, fp, pc int) {
	entry := vm.prog.lookupDebug(pc)
	if entry == nil || entry.EndLocalsPC == NullID {
		return
	}
	bc := vm.prog.Bytecode
	at := int(entry.EndLocalsPC)
	if at >= len(bc) || Opcode(bc[at]) != OpReleaseN {
		return
	}
	n := int(bc[at+1])
	for i := 0; i < n; i++ {
		local := int(bc[at+2+i])
		vm.release(stack[fp+local])
		stack[fp+local] = None
	}
}
