package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes bytecode until END, a Panic, or a stack-overflow retry
// request. Every handler leaves pc and fp pointing at the next
// instruction and the active frame; on the normal path the value stack
// is rc-consistent at every instruction boundary.
//
// Inline caching: shape-dispatching opcodes rewrite themselves in place
// into specialized forms that carry the observed type id and target in
// their cache bytes. On a type-id mismatch the specialized form rewrites
// back to the generic opcode and re-dispatches.
func (vm *VM) run() error {
	bc := vm.prog.Bytecode

	for {
		op := Opcode(bc[vm.pc])
		if vm.TrackOpCounts {
			vm.opCounts[op]++
		}

		switch op {

		// --- Constants and copies ---

		case OpConst:
			idx := bc[vm.pc+1]
			dst := bc[vm.pc+2]
			vm.setLocal(dst, vm.prog.Consts[idx])
			vm.pc += 3

		case OpConstI8:
			val := int8(bc[vm.pc+1])
			dst := bc[vm.pc+2]
			vm.setLocal(dst, FromF64(float64(val)))
			vm.pc += 3

		case OpNone:
			vm.setLocal(bc[vm.pc+1], None)
			vm.pc += 2

		case OpTrue:
			vm.setLocal(bc[vm.pc+1], True)
			vm.pc += 2

		case OpFalse:
			vm.setLocal(bc[vm.pc+1], False)
			vm.pc += 2

		case OpCopy:
			vm.setLocal(bc[vm.pc+2], vm.local(bc[vm.pc+1]))
			vm.pc += 3

		case OpCopyRetainSrc:
			v := vm.local(bc[vm.pc+1])
			vm.retain(v)
			vm.setLocal(bc[vm.pc+2], v)
			vm.pc += 3

		case OpCopyReleaseDst:
			dst := bc[vm.pc+2]
			vm.release(vm.local(dst))
			vm.setLocal(dst, vm.local(bc[vm.pc+1]))
			vm.pc += 3

		case OpCopyRetainRelease:
			src := vm.local(bc[vm.pc+1])
			dst := bc[vm.pc+2]
			vm.retain(src)
			vm.release(vm.local(dst))
			vm.setLocal(dst, src)
			vm.pc += 3

		case OpRetain:
			vm.retain(vm.local(bc[vm.pc+1]))
			vm.pc += 2

		case OpRelease:
			local := bc[vm.pc+1]
			vm.release(vm.local(local))
			vm.setLocal(local, None)
			vm.pc += 2

		case OpReleaseN:
			n := int(bc[vm.pc+1])
			for i := 0; i < n; i++ {
				local := bc[vm.pc+2+i]
				vm.release(vm.local(local))
				vm.setLocal(local, None)
			}
			vm.pc += 2 + n

		// --- Arithmetic ---

		case OpAdd:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if a.IsNumber() && b.IsNumber() {
				vm.setLocal(dst, FromF64(a.AsF64()+b.AsF64()))
			} else if sa, ok := vm.stringBytes(a); ok {
				if sb, ok2 := vm.stringBytes(b); ok2 {
					vm.setLocal(dst, vm.getOrAllocConcat(sa, sb))
				} else {
					vm.setLocal(dst, FromF64(parseNumberOrZero(sa)+vm.coerceF64(b)))
				}
			} else {
				vm.setLocal(dst, FromF64(vm.coerceF64(a)+vm.coerceF64(b)))
			}
			vm.pc += 4

		case OpSub:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if a.IsNumber() && b.IsNumber() {
				vm.setLocal(dst, FromF64(a.AsF64()-b.AsF64()))
			} else {
				vm.setLocal(dst, FromF64(vm.coerceF64(a)-vm.coerceF64(b)))
			}
			vm.pc += 4

		case OpMul:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if a.IsNumber() && b.IsNumber() {
				vm.setLocal(dst, FromF64(a.AsF64()*b.AsF64()))
			} else {
				vm.setLocal(dst, FromF64(vm.coerceF64(a)*vm.coerceF64(b)))
			}
			vm.pc += 4

		case OpDiv:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if a.IsNumber() && b.IsNumber() {
				vm.setLocal(dst, FromF64(a.AsF64()/b.AsF64()))
			} else {
				vm.setLocal(dst, FromF64(vm.coerceF64(a)/vm.coerceF64(b)))
			}
			vm.pc += 4

		case OpMod:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromF64(math.Mod(vm.coerceF64(a), vm.coerceF64(b))))
			vm.pc += 4

		case OpPow:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromF64(math.Pow(vm.coerceF64(a), vm.coerceF64(b))))
			vm.pc += 4

		case OpNeg:
			v := vm.local(bc[vm.pc+1])
			vm.setLocal(bc[vm.pc+2], FromF64(-vm.coerceF64(v)))
			vm.pc += 3

		case OpNot:
			v := vm.local(bc[vm.pc+1])
			vm.setLocal(bc[vm.pc+2], FromBool(!v.ToBool()))
			vm.pc += 3

		case OpLess:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if a.IsNumber() && b.IsNumber() {
				vm.setLocal(dst, FromBool(a.AsF64() < b.AsF64()))
			} else {
				vm.setLocal(dst, FromBool(vm.coerceF64(a) < vm.coerceF64(b)))
			}
			vm.pc += 4

		case OpLessEqual:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromBool(vm.coerceF64(a) <= vm.coerceF64(b)))
			vm.pc += 4

		case OpGreater:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromBool(vm.coerceF64(a) > vm.coerceF64(b)))
			vm.pc += 4

		case OpGreaterEqual:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromBool(vm.coerceF64(a) >= vm.coerceF64(b)))
			vm.pc += 4

		case OpCompare:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromBool(vm.valueEqual(a, b)))
			vm.pc += 4

		case OpCompareNot:
			a, b := vm.local(bc[vm.pc+1]), vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+3], FromBool(!vm.valueEqual(a, b)))
			vm.pc += 4

		// --- Bitwise (f64 -> i32 -> op -> i32 -> f64) ---

		case OpBitAnd:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			b := int32(vm.coerceF64(vm.local(bc[vm.pc+2])))
			vm.setLocal(bc[vm.pc+3], FromF64(float64(a&b)))
			vm.pc += 4

		case OpBitOr:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			b := int32(vm.coerceF64(vm.local(bc[vm.pc+2])))
			vm.setLocal(bc[vm.pc+3], FromF64(float64(a|b)))
			vm.pc += 4

		case OpBitXor:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			b := int32(vm.coerceF64(vm.local(bc[vm.pc+2])))
			vm.setLocal(bc[vm.pc+3], FromF64(float64(a^b)))
			vm.pc += 4

		case OpBitNot:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			vm.setLocal(bc[vm.pc+2], FromF64(float64(^a)))
			vm.pc += 3

		case OpBitLeftShift:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			b := uint32(vm.coerceF64(vm.local(bc[vm.pc+2]))) & 31
			vm.setLocal(bc[vm.pc+3], FromF64(float64(a<<b)))
			vm.pc += 4

		case OpBitRightShift:
			a := int32(vm.coerceF64(vm.local(bc[vm.pc+1])))
			b := uint32(vm.coerceF64(vm.local(bc[vm.pc+2]))) & 31
			vm.setLocal(bc[vm.pc+3], FromF64(float64(a>>b)))
			vm.pc += 4

		// --- Collections ---

		case OpList:
			start := int(bc[vm.pc+1])
			n := int(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			elems := vm.stack[vm.fp+start : vm.fp+start+n]
			listVal := vm.allocList(elems)
			for i := range elems {
				elems[i] = None
			}
			vm.setLocal(dst, listVal)
			vm.pc += 4

		case OpMapEmpty:
			vm.setLocal(bc[vm.pc+1], vm.allocEmptyMap())
			vm.pc += 2

		case OpMap:
			start := int(bc[vm.pc+1])
			pairs := int(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			mapVal := vm.allocEmptyMap()
			m := vm.heap.obj(mapVal.AsPointer()).valueMap()
			for i := 0; i < pairs; i++ {
				k := vm.stack[vm.fp+start+i*2]
				v := vm.stack[vm.fp+start+i*2+1]
				if prev, existed := m.Put(vm, k, v); existed {
					vm.release(prev)
					vm.release(k) // key ownership stays with the map's copy
				}
				vm.stack[vm.fp+start+i*2] = None
				vm.stack[vm.fp+start+i*2+1] = None
			}
			vm.setLocal(dst, mapVal)
			vm.pc += 4

		case OpIndex:
			if err := vm.opIndex(bc); err != nil {
				return err
			}

		case OpReverseIndex:
			left := vm.local(bc[vm.pc+1])
			idxV := vm.local(bc[vm.pc+2])
			dst := bc[vm.pc+3]
			if !left.IsPointer() || vm.heap.obj(left.AsPointer()).typeID != TypeList {
				return vm.panicf("cannot reverse-index value of this type")
			}
			elems := vm.heap.obj(left.AsPointer()).list().elems
			idx := len(elems) - int(vm.coerceF64(idxV))
			if idx < 0 || idx >= len(elems) {
				return vm.panicf("index out of bounds: %d (len %d)", idx, len(elems))
			}
			v := elems[idx]
			vm.retain(v)
			vm.setLocal(dst, v)
			vm.pc += 4

		case OpSetIndex:
			if err := vm.opSetIndex(bc, false); err != nil {
				return err
			}

		case OpSetIndexRelease:
			if err := vm.opSetIndex(bc, true); err != nil {
				return err
			}

		case OpSlice:
			if err := vm.opSlice(bc); err != nil {
				return err
			}

		// --- Control flow ---

		case OpJump:
			off := int(int16(binary.LittleEndian.Uint16(bc[vm.pc+1:])))
			vm.pc += off

		case OpJumpCond:
			off := int(int16(binary.LittleEndian.Uint16(bc[vm.pc+1:])))
			cond := vm.local(bc[vm.pc+3])
			if cond.ToBool() {
				vm.pc += off
			} else {
				vm.pc += 4
			}

		case OpJumpNotCond:
			off := int(int16(binary.LittleEndian.Uint16(bc[vm.pc+1:])))
			cond := vm.local(bc[vm.pc+3])
			if !cond.ToBool() {
				vm.pc += off
			} else {
				vm.pc += 4
			}

		case OpJumpNotNone:
			off := int(int16(binary.LittleEndian.Uint16(bc[vm.pc+1:])))
			v := vm.local(bc[vm.pc+3])
			if !v.IsNone() {
				vm.pc += off
			} else {
				vm.pc += 4
			}

		case OpMatch:
			expr := vm.local(bc[vm.pc+1])
			numCases := int(bc[vm.pc+2])
			matched := false
			for i := 0; i < numCases; i++ {
				caseLocal := bc[vm.pc+3+i*3]
				jump := binary.LittleEndian.Uint16(bc[vm.pc+3+i*3+1:])
				if vm.valueEqual(expr, vm.local(caseLocal)) {
					vm.pc += int(jump)
					matched = true
					break
				}
			}
			if !matched {
				elseJump := binary.LittleEndian.Uint16(bc[vm.pc+3+numCases*3:])
				vm.pc += int(elseJump)
			}

		case OpForRangeInit:
			start := vm.coerceF64(vm.local(bc[vm.pc+1]))
			end := vm.coerceF64(vm.local(bc[vm.pc+2]))
			step := vm.coerceF64(vm.local(bc[vm.pc+3]))
			cnt := bc[vm.pc+4]
			jump := int(binary.LittleEndian.Uint16(bc[vm.pc+5:]))
			vm.setLocal(cnt, FromF64(start))
			vm.setLocal(bc[vm.pc+3], FromF64(math.Abs(step)))
			// First execution picks the loop specialization in place.
			loopPC := vm.pc + jump
			if start <= end {
				bc[loopPC] = byte(OpForRange)
				if start >= end {
					// Empty range: skip the body entirely.
					vm.pc = loopPC + 6
					break
				}
			} else {
				bc[loopPC] = byte(OpForRangeReverse)
			}
			vm.pc += 7

		case OpForRange:
			cnt := bc[vm.pc+1]
			step := vm.coerceF64(vm.local(bc[vm.pc+2]))
			end := vm.coerceF64(vm.local(bc[vm.pc+3]))
			back := int(binary.LittleEndian.Uint16(bc[vm.pc+4:]))
			next := vm.coerceF64(vm.local(cnt)) + step
			if next < end {
				vm.setLocal(cnt, FromF64(next))
				vm.pc -= back
			} else {
				vm.pc += 6
			}

		case OpForRangeReverse:
			cnt := bc[vm.pc+1]
			step := vm.coerceF64(vm.local(bc[vm.pc+2]))
			end := vm.coerceF64(vm.local(bc[vm.pc+3]))
			back := int(binary.LittleEndian.Uint16(bc[vm.pc+4:]))
			next := vm.coerceF64(vm.local(cnt)) - step
			if next > end {
				vm.setLocal(cnt, FromF64(next))
				vm.pc -= back
			} else {
				vm.pc += 6
			}

		// --- Calls and returns ---

		case OpCall:
			if err := vm.opCall(bc); err != nil {
				return err
			}

		case OpCallSym:
			if err := vm.opCallSym(bc, false); err != nil {
				return err
			}

		case OpCallFuncIC:
			startLocal := int(bc[vm.pc+1])
			numRet := bc[vm.pc+3]
			funcPC := readU24(bc[vm.pc+6:])
			numLocals := int(bc[vm.pc+9])
			if err := vm.pushCallFrame(startLocal, numRet, numLocals, int(funcPC), vm.pc+10); err != nil {
				return err
			}

		case OpCallNativeFuncIC:
			if err := vm.opCallSym(bc, true); err != nil {
				return err
			}

		case OpCallObjSym:
			if err := vm.opCallObjSym(bc); err != nil {
				return err
			}

		case OpCallObjFuncIC:
			startLocal := int(bc[vm.pc+1])
			numRet := bc[vm.pc+3]
			recv := vm.stack[vm.fp+startLocal+4]
			cachedType := TypeID(binary.LittleEndian.Uint32(bc[vm.pc+6:]))
			if !recv.IsPointer() || vm.heap.obj(recv.AsPointer()).typeID != cachedType {
				bc[vm.pc] = byte(OpCallObjSym)
				break
			}
			funcPC := readU24(bc[vm.pc+10:])
			numLocals := int(bc[vm.pc+13])
			if err := vm.pushCallFrame(startLocal, numRet, numLocals, int(funcPC), vm.pc+14); err != nil {
				return err
			}

		case OpCallObjNativeFuncIC:
			startLocal := int(bc[vm.pc+1])
			numArgs := int(bc[vm.pc+2])
			numRet := bc[vm.pc+3]
			recv := vm.stack[vm.fp+startLocal+4]
			cachedType := TypeID(binary.LittleEndian.Uint32(bc[vm.pc+6:]))
			if !recv.IsPointer() || vm.heap.obj(recv.AsPointer()).typeID != cachedType {
				bc[vm.pc] = byte(OpCallObjSym)
				break
			}
			entry := vm.methodNatives[binary.LittleEndian.Uint32(bc[vm.pc+10:])]
			if err := vm.callNativeMethod(entry, startLocal, numArgs, numRet); err != nil {
				return err
			}
			vm.pc += 14

		case OpRet0:
			ri := vm.stack[vm.fp+1]
			if retInfoNumRet(ri) == 1 {
				vm.stack[vm.fp] = None
			}
			exit := vm.popFrame()
			if exit {
				return nil
			}

		case OpRet1:
			ri := vm.stack[vm.fp+1]
			if retInfoNumRet(ri) == 0 {
				vm.release(vm.stack[vm.fp])
				vm.stack[vm.fp] = None
			}
			exit := vm.popFrame()
			if exit {
				return nil
			}

		case OpLambda:
			funcPC := binary.LittleEndian.Uint16(bc[vm.pc+1:])
			numParams := bc[vm.pc+3]
			numLocals := bc[vm.pc+4]
			dst := bc[vm.pc+5]
			vm.setLocal(dst, vm.allocLambda(uint32(funcPC), numParams, numLocals))
			vm.pc += 6

		case OpClosure:
			funcPC := binary.LittleEndian.Uint16(bc[vm.pc+1:])
			numParams := bc[vm.pc+3]
			numLocals := bc[vm.pc+4]
			numCaptured := int(bc[vm.pc+5])
			captured := make([]Value, numCaptured)
			for i := 0; i < numCaptured; i++ {
				v := vm.local(bc[vm.pc+6+i])
				vm.retain(v)
				captured[i] = v
			}
			dst := bc[vm.pc+6+numCaptured]
			vm.setLocal(dst, vm.allocClosure(uint32(funcPC), numParams, numLocals, captured))
			vm.pc += 7 + numCaptured

		// --- Fields ---

		case OpField, OpFieldRetain:
			if err := vm.opField(bc, op == OpFieldRetain); err != nil {
				return err
			}

		case OpFieldIC, OpFieldRetainIC:
			recv := vm.local(bc[vm.pc+1])
			cachedType := TypeID(binary.LittleEndian.Uint32(bc[vm.pc+4:]))
			if !recv.IsPointer() || vm.heap.obj(recv.AsPointer()).typeID != cachedType {
				// Demote and re-dispatch through the generic path.
				if op == OpFieldIC {
					bc[vm.pc] = byte(OpField)
				} else {
					bc[vm.pc] = byte(OpFieldRetain)
				}
				break
			}
			offset := int(bc[vm.pc+8])
			v := vm.heap.obj(recv.AsPointer()).fields()[offset]
			if op == OpFieldRetainIC {
				vm.retain(v)
			}
			vm.setLocal(bc[vm.pc+2], v)
			vm.pc += 9

		case OpSetFieldRelease:
			if err := vm.opSetFieldRelease(bc); err != nil {
				return err
			}

		case OpSetFieldReleaseIC:
			recv := vm.local(bc[vm.pc+1])
			cachedType := TypeID(binary.LittleEndian.Uint32(bc[vm.pc+4:]))
			if !recv.IsPointer() || vm.heap.obj(recv.AsPointer()).typeID != cachedType {
				bc[vm.pc] = byte(OpSetFieldRelease)
				break
			}
			offset := int(bc[vm.pc+8])
			fields := vm.heap.obj(recv.AsPointer()).fields()
			vm.release(fields[offset])
			fields[offset] = vm.local(bc[vm.pc+2])
			vm.setLocal(bc[vm.pc+2], None)
			vm.pc += 9

		// --- Statics, tags, boxes ---

		case OpStaticVar:
			sym := int(binary.LittleEndian.Uint16(bc[vm.pc+1:]))
			v := vm.varSyms.Get(sym)
			vm.retain(v)
			vm.setLocal(bc[vm.pc+3], v)
			vm.pc += 4

		case OpSetStaticVar:
			sym := int(binary.LittleEndian.Uint16(bc[vm.pc+1:]))
			v := vm.local(bc[vm.pc+3])
			vm.retain(v)
			vm.release(vm.varSyms.Get(sym))
			vm.varSyms.Set(sym, v)
			vm.pc += 4

		case OpTagLiteral:
			vm.setLocal(bc[vm.pc+2], TagLiteralValue(uint32(bc[vm.pc+1])))
			vm.pc += 3

		case OpTag:
			vm.setLocal(bc[vm.pc+3], UserTagValue(uint16(bc[vm.pc+1]), uint32(bc[vm.pc+2])))
			vm.pc += 4

		case OpBox:
			src := bc[vm.pc+1]
			boxVal := vm.allocBox(vm.local(src))
			vm.setLocal(src, None)
			vm.setLocal(bc[vm.pc+2], boxVal)
			vm.pc += 3

		case OpBoxValue:
			box := vm.local(bc[vm.pc+1])
			vm.setLocal(bc[vm.pc+2], vm.heap.obj(box.AsPointer()).boxValue())
			vm.pc += 3

		case OpBoxValueRetain:
			box := vm.local(bc[vm.pc+1])
			v := vm.heap.obj(box.AsPointer()).boxValue()
			vm.retain(v)
			vm.setLocal(bc[vm.pc+2], v)
			vm.pc += 3

		case OpSetBoxValue:
			box := vm.local(bc[vm.pc+1])
			src := bc[vm.pc+2]
			vm.heap.obj(box.AsPointer()).setBoxValue(vm.local(src))
			vm.setLocal(src, None)
			vm.pc += 3

		case OpSetBoxValueRelease:
			box := vm.local(bc[vm.pc+1])
			src := bc[vm.pc+2]
			o := vm.heap.obj(box.AsPointer())
			vm.release(o.boxValue())
			o.setBoxValue(vm.local(src))
			vm.setLocal(src, None)
			vm.pc += 3

		// --- Fibers ---

		case OpCoinit:
			startArgs := int(bc[vm.pc+1])
			numArgs := int(bc[vm.pc+2])
			jump := int(bc[vm.pc+3])
			initialStackSize := int(bc[vm.pc+4])
			dst := bc[vm.pc+5]
			bodyPC := vm.pc + 6
			args := make([]Value, numArgs)
			for i := 0; i < numArgs; i++ {
				args[i] = vm.stack[vm.fp+startArgs+i]
				vm.stack[vm.fp+startArgs+i] = None
			}
			fiberVal := vm.allocFiber(args, initialStackSize, bodyPC)
			endPC := vm.pc + jump
			vm.setLocal(dst, fiberVal)
			vm.pc = endPC

		case OpCoresume:
			fiberV := vm.local(bc[vm.pc+1])
			dst := bc[vm.pc+2]
			vm.pc += 3
			if fiberV.IsPointer() {
				if vm.resumeFiber(fiberV.AsPointer(), dst) {
					break
				}
			}
			vm.setLocal(dst, None)

		case OpCoyield:
			if !vm.yieldFiber() {
				return vm.panicf("cannot yield from the main fiber")
			}

		case OpCoreturn:
			if !vm.returnFiber() {
				return vm.panicf("cannot coreturn from the main fiber")
			}

		// --- Errors, strings, objects ---

		case OpTryValue:
			src := vm.local(bc[vm.pc+1])
			dst := bc[vm.pc+2]
			jump := int(binary.LittleEndian.Uint16(bc[vm.pc+3:]))
			if !src.IsError() {
				vm.retain(src)
				vm.setLocal(dst, src)
				vm.pc += 5
			} else if vm.fp != 0 {
				vm.stack[vm.fp] = src
				vm.pc += jump
			} else {
				return vm.panicError(src)
			}

		case OpPanic:
			v := vm.local(bc[vm.pc+1])
			if v.IsError() {
				return vm.panicError(v)
			}
			if s, ok := vm.stringBytes(v); ok {
				return vm.panicf("%s", s)
			}
			return vm.panicf("panic")

		case OpConcatStr3:
			start := int(bc[vm.pc+1])
			dst := bc[vm.pc+2]
			s0, ok0 := vm.stringBytes(vm.stack[vm.fp+start])
			s1, ok1 := vm.stringBytes(vm.stack[vm.fp+start+1])
			s2, ok2 := vm.stringBytes(vm.stack[vm.fp+start+2])
			if !ok0 || !ok1 || !ok2 {
				return vm.panicf("cannot concat non-string values")
			}
			vm.setLocal(dst, vm.getOrAllocConcat3(s0, s1, s2))
			vm.pc += 3

		case OpObject:
			structID := uint32(bc[vm.pc+1])
			start := int(bc[vm.pc+2])
			numFields := int(bc[vm.pc+3])
			dst := bc[vm.pc+4]
			fields := vm.stack[vm.fp+start : vm.fp+start+numFields]
			objVal := vm.allocObject(structID, fields)
			for i := range fields {
				fields[i] = None
			}
			vm.setLocal(dst, objVal)
			vm.pc += 5

		case OpEnd:
			src := bc[vm.pc+1]
			if src == 0xFF {
				vm.evalResult = None
			} else {
				vm.evalResult = vm.local(src)
				vm.setLocal(src, None)
			}
			return nil

		default:
			return vm.panicf("illegal opcode %#02x at pc=%d", byte(op), vm.pc)
		}
	}
}

// ---------------------------------------------------------------------------
// Locals and coercions
// ---------------------------------------------------------------------------

func (vm *VM) local(idx byte) Value {
	return vm.stack[vm.fp+int(idx)]
}

func (vm *VM) setLocal(idx byte, v Value) {
	vm.stack[vm.fp+int(idx)] = v
}

// coerceF64 implements the arithmetic fallback: bools and none coerce
// numerically, strings parse (failures become 0), everything else is 0.
func (vm *VM) coerceF64(v Value) float64 {
	if s, ok := vm.stringBytes(v); ok {
		return parseNumberOrZero(s)
	}
	return v.toF64()
}

// valueEqual implements ==: numeric kinds compare by value, strings by
// bytes, everything else by bit pattern.
func (vm *VM) valueEqual(a, b Value) bool {
	if a == b {
		return true
	}
	an := a.IsNumber() || a.IsInteger()
	bn := b.IsNumber() || b.IsInteger()
	if an && bn {
		return a.toF64() == b.toF64()
	}
	sa, oka := vm.stringBytes(a)
	sb, okb := vm.stringBytes(b)
	return oka && okb && sa == sb
}

// readU24 reads a 3-byte little-endian operand.
func readU24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// writeU24 writes a 3-byte little-endian operand.
func writeU24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
