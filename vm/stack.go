package vm

// ---------------------------------------------------------------------------
// Stack and frame discipline
// ---------------------------------------------------------------------------

// Each call frame reserves four slots before the arguments:
//
//	fp+0  return value destination (doubles as the first local)
//	fp+1  return info: numRetVals | retFlag<<8
//	fp+2  return pc
//	fp+3  caller frame pointer
//	fp+4  args, then locals and captured vars
//
// Header words are stored as boxed integers so a stack dump stays
// readable; they are never visible to script code.

// maxStackSlots bounds stack growth. Exceeding it degenerates the
// overflow into a Panic.
const maxStackSlots = 1 << 20

// retInfo packs the caller's required return count and the loop-exit
// flag into one header word.
func retInfo(numRetVals uint8, retFlag bool) Value {
	n := int32(numRetVals)
	if retFlag {
		n |= 1 << 8
	}
	return FromI32(n)
}

func retInfoNumRet(v Value) uint8 { return uint8(v.AsI32() & 0xFF) }
func retInfoFlag(v Value) bool    { return v.AsI32()&(1<<8) != 0 }

// growStack resizes the current fiber's stack to hold at least needed
// slots. The stack relocates; frame pointers are stack offsets, so the
// frame chain stays valid, but the chain is still walked afterwards to
// fail fast on a corrupt header rather than corrupting memory later.
func (vm *VM) growStack(needed int) error {
	if needed > maxStackSlots {
		return vm.panicf("stack overflow: %d slots exceeds limit", needed)
	}
	newCap := len(vm.stack) * 2
	if newCap < needed {
		newCap = needed
	}
	if newCap > maxStackSlots {
		newCap = maxStackSlots
	}
	fresh := make([]Value, newCap)
	copy(fresh, vm.stack)
	vm.stack = fresh
	vm.curFiber.stack = fresh

	// Revalidate the frame chain against the relocated stack.
	for fp := vm.fp; fp > 0; {
		prev := int(vm.stack[fp+3].AsI32())
		if prev < 0 || prev >= fp {
			return vm.panicf("corrupt frame chain at fp=%d", fp)
		}
		fp = prev
	}
	return nil
}
