package vm

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

// pushCallFrame establishes a callee frame at fp+startLocal. The caller
// has already written the args at slots 4..4+numArgs of the new frame.
// A frame that would exceed the stack raises the overflow retry without
// any side effect, so the call instruction can safely re-execute after
// growth.
func (vm *VM) pushCallFrame(startLocal int, numRet uint8, numLocals int, targetPC, retPC int) error {
	newFp := vm.fp + startLocal
	if newFp+numLocals > len(vm.stack) {
		vm.growNeeded = newFp + numLocals
		return errStackOverflow
	}
	vm.stack[newFp+1] = retInfo(numRet, false)
	vm.stack[newFp+2] = FromI32(int32(retPC))
	vm.stack[newFp+3] = FromI32(int32(vm.fp))
	vm.fp = newFp
	vm.pc = targetPC
	return nil
}

// popFrame unwinds one frame, returning true when the frame's ret flag
// asks the dispatch loop to exit.
func (vm *VM) popFrame() bool {
	ri := vm.stack[vm.fp+1]
	retPC := int(vm.stack[vm.fp+2].AsI32())
	retFP := int(vm.stack[vm.fp+3].AsI32())
	vm.pc = retPC
	vm.fp = retFP
	return retInfoFlag(ri)
}

// ---------------------------------------------------------------------------
// Dynamic calls (closure / lambda / native binding values)
// ---------------------------------------------------------------------------

// opCall invokes the callee value found after the args. An arity
// mismatch releases the callee and args and writes error(#InvalidSignature)
// into the destination without entering the body.
func (vm *VM) opCall(bc []byte) error {
	startLocal := int(bc[vm.pc+1])
	numArgs := int(bc[vm.pc+2])
	numRet := bc[vm.pc+3]

	base := vm.fp + startLocal
	calleeSlot := base + 4 + numArgs
	callee := vm.stack[calleeSlot]

	if !callee.IsPointer() {
		return vm.panicf("cannot call value of this type")
	}
	o := vm.heap.obj(callee.AsPointer())

	switch o.typeID {
	case TypeLambda, TypeClosure:
		if int(o.funcNumParams()) != numArgs {
			vm.failCallArity(base, calleeSlot, numArgs)
			vm.pc += 4
			return nil
		}
		numLocals := int(o.funcNumLocals())
		targetPC := int(o.funcPC())
		if err := vm.pushCallFrame(startLocal, numRet, numLocals, targetPC, vm.pc+4); err != nil {
			return err
		}
		// Captured vars sit after the params in the callee frame. The
		// callee slot aliases the first capture slot, so the captures
		// are retained and copied out before the callee is dropped.
		captured := append([]Value(nil), o.captures()...)
		for _, v := range captured {
			vm.retain(v)
		}
		vm.release(callee)
		for i, v := range captured {
			vm.stack[vm.fp+4+numArgs+i] = v
		}
		return nil

	case TypeNativeFunc:
		if int(o.n0) != numArgs {
			vm.failCallArity(base, calleeSlot, numArgs)
			vm.pc += 4
			return nil
		}
		fn := o.body.(NativeFunc)
		if err := vm.invokeNativeFunc(fn, base, numArgs, numRet); err != nil {
			return err
		}
		vm.stack[calleeSlot] = None
		vm.release(callee)
		vm.pc += 4
		return nil
	}
	return vm.panicf("cannot call value of this type")
}

// failCallArity implements the arity-mismatch path: release everything
// the call owned and produce a first-class error.
func (vm *VM) failCallArity(base, calleeSlot, numArgs int) {
	vm.release(vm.stack[calleeSlot])
	vm.stack[calleeSlot] = None
	for i := 0; i < numArgs; i++ {
		vm.release(vm.stack[base+4+i])
		vm.stack[base+4+i] = None
	}
	vm.stack[base] = ErrorValue(vm.errInvalidSignature)
}

// ---------------------------------------------------------------------------
// Static function calls
// ---------------------------------------------------------------------------

// opCallSym resolves a function symbol and dispatches. On first
// execution the site rewrites into CALL_FUNC_IC (bytecode target cached
// inline) or CALL_NATIVE_FUNC_IC. viaIC marks re-entry from the
// specialized native form, which skips the rewrite.
func (vm *VM) opCallSym(bc []byte, viaIC bool) error {
	startLocal := int(bc[vm.pc+1])
	numArgs := int(bc[vm.pc+2])
	numRet := bc[vm.pc+3]
	sym := int(binary.LittleEndian.Uint16(bc[vm.pc+4:]))

	entry := vm.funcSyms.Entry(sym)
	switch entry.Kind {
	case FuncBytecode:
		if !viaIC {
			bc[vm.pc] = byte(OpCallFuncIC)
			writeU24(bc[vm.pc+6:], entry.PC)
			bc[vm.pc+9] = entry.NumLocals
		}
		return vm.pushCallFrame(startLocal, numRet, int(entry.NumLocals), int(entry.PC), vm.pc+10)

	case FuncNative:
		if !viaIC {
			bc[vm.pc] = byte(OpCallNativeFuncIC)
		}
		if err := vm.invokeNativeFunc(entry.Native, vm.fp+startLocal, numArgs, numRet); err != nil {
			return err
		}
		vm.pc += 10
		return nil

	case FuncClosure:
		o := vm.heap.obj(entry.Closure.AsPointer())
		numCaptured := int(o.numCaptured())
		captured := o.captures()
		if err := vm.pushCallFrame(startLocal, numRet, int(o.funcNumLocals()), int(o.funcPC()), vm.pc+10); err != nil {
			return err
		}
		for i := 0; i < numCaptured; i++ {
			v := captured[i]
			vm.retain(v)
			vm.stack[vm.fp+4+numArgs+i] = v
		}
		return nil
	}
	return vm.panicf("undefined function")
}

// invokeNativeFunc runs a native function against the arg slots at
// base+4, consumes the args, and stores returns per the required count.
func (vm *VM) invokeNativeFunc(fn NativeFunc, base, numArgs int, numRet uint8) error {
	args := vm.stack[base+4 : base+4+numArgs]
	res := fn(vm, args, numArgs)
	if res == PanicSentinel {
		return vm.panicf("%s", vm.nativePanicMsg)
	}
	for i := 0; i < numArgs; i++ {
		vm.release(vm.stack[base+4+i])
		vm.stack[base+4+i] = None
	}
	if numRet >= 1 {
		vm.stack[base] = res
		if numRet >= 2 {
			vm.stack[base+1] = None
		}
	} else {
		vm.release(res)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Method calls
// ---------------------------------------------------------------------------

// opCallObjSym resolves a method against the receiver's type id and
// dispatches, specializing the site into CALL_OBJ_FUNC_IC or
// CALL_OBJ_NATIVE_FUNC_IC with the observed type id cached inline.
func (vm *VM) opCallObjSym(bc []byte) error {
	startLocal := int(bc[vm.pc+1])
	numArgs := int(bc[vm.pc+2])
	numRet := bc[vm.pc+3]
	sym := int(binary.LittleEndian.Uint16(bc[vm.pc+4:]))

	recv := vm.stack[vm.fp+startLocal+4]
	if !recv.IsPointer() {
		return vm.panicf("missing method `%s`", vm.methodSyms.Name(sym))
	}
	typeID := vm.heap.obj(recv.AsPointer()).typeID

	entry, ok := vm.methodSyms.Resolve(sym, typeID)
	if !ok {
		return vm.panicf("missing method `%s` for type %d", vm.methodSyms.Name(sym), typeID)
	}
	if int(entry.NumParams) != numArgs-1 {
		return vm.panicf("method `%s` expects %d args, got %d",
			vm.methodSyms.Name(sym), entry.NumParams, numArgs-1)
	}

	switch entry.Kind {
	case MethodBytecode:
		bc[vm.pc] = byte(OpCallObjFuncIC)
		binary.LittleEndian.PutUint32(bc[vm.pc+6:], uint32(typeID))
		writeU24(bc[vm.pc+10:], entry.PC)
		bc[vm.pc+13] = entry.NumLocals
		return vm.pushCallFrame(startLocal, numRet, int(entry.NumLocals), int(entry.PC), vm.pc+14)

	case MethodNative1, MethodNative2:
		bc[vm.pc] = byte(OpCallObjNativeFuncIC)
		binary.LittleEndian.PutUint32(bc[vm.pc+6:], uint32(typeID))
		binary.LittleEndian.PutUint32(bc[vm.pc+10:], entry.NativeIndex)
		if err := vm.callNativeMethod(entry, startLocal, numArgs, numRet); err != nil {
			return err
		}
		vm.pc += 14
		return nil
	}
	return vm.panicf("missing method `%s`", vm.methodSyms.Name(sym))
}

// callNativeMethod runs a native method. The receiver rides at slot
// base+4 with numArgs counting it; extra returns are released and
// missing ones filled with none according to the required count.
func (vm *VM) callNativeMethod(entry MethodEntry, startLocal, numArgs int, numRet uint8) error {
	base := vm.fp + startLocal
	recv := vm.stack[base+4]
	args := vm.stack[base+5 : base+4+numArgs]

	var r0, r1 Value
	hasSecond := false
	if entry.Kind == MethodNative2 {
		r0, r1 = entry.Native2(vm, recv, args, numArgs-1)
		hasSecond = true
	} else {
		r0 = entry.Native1(vm, recv, args, numArgs-1)
	}
	if r0 == PanicSentinel {
		return vm.panicf("%s", vm.nativePanicMsg)
	}

	for i := 0; i < numArgs; i++ {
		vm.release(vm.stack[base+4+i])
		vm.stack[base+4+i] = None
	}

	if numRet >= 1 {
		vm.stack[base] = r0
	} else {
		vm.release(r0)
	}
	if numRet >= 2 {
		if hasSecond {
			vm.stack[base+1] = r1
		} else {
			vm.stack[base+1] = None
		}
	} else if hasSecond {
		vm.release(r1)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// opField resolves a field against the receiver's shape, reads it and
// specializes the site into the IC form with (type id, offset) cached.
func (vm *VM) opField(bc []byte, retainResult bool) error {
	recvLocal := bc[vm.pc+1]
	dst := bc[vm.pc+2]
	sym := int(bc[vm.pc+3])

	recv := vm.local(recvLocal)
	if !recv.IsPointer() {
		return vm.panicf("missing field `%s`", vm.fieldSyms.Name(sym))
	}
	o := vm.heap.obj(recv.AsPointer())
	if !o.typeID.isUserObject() {
		return vm.panicf("missing field `%s`", vm.fieldSyms.Name(sym))
	}
	offset, ok := vm.fieldSyms.Resolve(sym, o.typeID)
	if !ok {
		return vm.panicf("missing field `%s` on type %s",
			vm.fieldSyms.Name(sym), vm.structs.Name(o.typeID.structID()))
	}

	if retainResult {
		bc[vm.pc] = byte(OpFieldRetainIC)
	} else {
		bc[vm.pc] = byte(OpFieldIC)
	}
	binary.LittleEndian.PutUint32(bc[vm.pc+4:], uint32(o.typeID))
	bc[vm.pc+8] = byte(offset)

	v := o.fields()[offset]
	if retainResult {
		vm.retain(v)
	}
	vm.setLocal(dst, v)
	vm.pc += 9
	return nil
}

// opSetFieldRelease stores into a field, releasing the prior value, and
// specializes the site.
func (vm *VM) opSetFieldRelease(bc []byte) error {
	recvLocal := bc[vm.pc+1]
	srcLocal := bc[vm.pc+2]
	sym := int(bc[vm.pc+3])

	recv := vm.local(recvLocal)
	if !recv.IsPointer() {
		return vm.panicf("missing field `%s`", vm.fieldSyms.Name(sym))
	}
	o := vm.heap.obj(recv.AsPointer())
	if !o.typeID.isUserObject() {
		return vm.panicf("missing field `%s`", vm.fieldSyms.Name(sym))
	}
	offset, ok := vm.fieldSyms.Resolve(sym, o.typeID)
	if !ok {
		return vm.panicf("missing field `%s` on type %s",
			vm.fieldSyms.Name(sym), vm.structs.Name(o.typeID.structID()))
	}

	bc[vm.pc] = byte(OpSetFieldReleaseIC)
	binary.LittleEndian.PutUint32(bc[vm.pc+4:], uint32(o.typeID))
	bc[vm.pc+8] = byte(offset)

	fields := o.fields()
	vm.release(fields[offset])
	fields[offset] = vm.local(srcLocal)
	vm.setLocal(srcLocal, None)
	vm.pc += 9
	return nil
}

// ---------------------------------------------------------------------------
// Indexing and slicing
// ---------------------------------------------------------------------------

func (vm *VM) opIndex(bc []byte) error {
	left := vm.local(bc[vm.pc+1])
	idxV := vm.local(bc[vm.pc+2])
	dst := bc[vm.pc+3]

	if left.IsStaticString() {
		s := vm.staticString(left)
		ch, err := vm.stringCharIndex(left, s, idxV)
		if err != nil {
			return err
		}
		vm.setLocal(dst, vm.GetOrAllocString(ch))
		vm.pc += 4
		return nil
	}
	if !left.IsPointer() {
		return vm.panicf("cannot index value of this type")
	}
	o := vm.heap.obj(left.AsPointer())

	switch o.typeID {
	case TypeList:
		elems := o.list().elems
		idx := int(vm.coerceF64(idxV))
		if idx < 0 || idx >= len(elems) {
			return vm.panicf("index out of bounds: %d (len %d)", idx, len(elems))
		}
		v := elems[idx]
		vm.retain(v)
		vm.setLocal(dst, v)

	case TypeMap:
		v, ok := o.valueMap().Get(vm, idxV)
		if !ok {
			v = None
		}
		vm.retain(v)
		vm.setLocal(dst, v)

	case TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice,
		TypeRawString, TypeRawSlice:
		ch, err := vm.heapStringCharAt(o, idxV)
		if err != nil {
			return err
		}
		vm.setLocal(dst, ch)

	default:
		return vm.panicf("cannot index value of this type")
	}
	vm.pc += 4
	return nil
}

// stringCharIndex extracts one character of a static string.
func (vm *VM) stringCharIndex(v Value, s string, idxV Value) (string, error) {
	idx := int(vm.coerceF64(idxV))
	if v.IsStaticUstring() {
		n := vm.staticUstringCharLen(v)
		if idx < 0 || idx >= n {
			return "", vm.panicf("index out of bounds: %d (len %d)", idx, n)
		}
		b := vm.staticUstringByteIndex(v, idx)
		_, size := decodeRune(s[b:])
		return s[b : b+size], nil
	}
	if idx < 0 || idx >= len(s) {
		return "", vm.panicf("index out of bounds: %d (len %d)", idx, len(s))
	}
	return s[idx : idx+1], nil
}

// heapStringCharAt extracts one character of a managed string.
func (vm *VM) heapStringCharAt(o *Object, idxV Value) (Value, error) {
	idx := int(vm.coerceF64(idxV))
	s := o.str()
	switch o.typeID {
	case TypeUstring, TypeUstringSlice:
		n := int(uint32(o.n0))
		if idx < 0 || idx >= n {
			return None, vm.panicf("index out of bounds: %d (len %d)", idx, n)
		}
		var b int
		if o.typeID == TypeUstring {
			b = ustringByteIndex(o, idx)
		} else {
			b = ustringSliceByteIndex(s, idx)
		}
		_, size := decodeRune(s[b:])
		return vm.GetOrAllocString(s[b : b+size]), nil
	default:
		if idx < 0 || idx >= len(s) {
			return None, vm.panicf("index out of bounds: %d (len %d)", idx, len(s))
		}
		return vm.GetOrAllocString(s[idx : idx+1]), nil
	}
}

func (vm *VM) opSetIndex(bc []byte, releasePrev bool) error {
	left := vm.local(bc[vm.pc+1])
	idxV := vm.local(bc[vm.pc+2])
	right := vm.local(bc[vm.pc+3])

	if !left.IsPointer() {
		return vm.panicf("cannot index value of this type")
	}
	o := vm.heap.obj(left.AsPointer())

	switch o.typeID {
	case TypeList:
		elems := o.list().elems
		idx := int(vm.coerceF64(idxV))
		if idx < 0 || idx >= len(elems) {
			return vm.panicf("index out of bounds: %d (len %d)", idx, len(elems))
		}
		vm.retain(right)
		if releasePrev {
			vm.release(elems[idx])
		}
		elems[idx] = right

	case TypeMap:
		m := o.valueMap()
		vm.retain(right)
		prev, existed := m.Put(vm, idxV, right)
		if !existed {
			vm.retain(idxV)
		} else if releasePrev {
			vm.release(prev)
		}

	default:
		return vm.panicf("cannot index value of this type")
	}
	vm.pc += 4
	return nil
}

func (vm *VM) opSlice(bc []byte) error {
	left := vm.local(bc[vm.pc+1])
	startV := vm.local(bc[vm.pc+2])
	endV := vm.local(bc[vm.pc+3])
	dst := bc[vm.pc+4]

	if !left.IsPointer() {
		return vm.panicf("cannot slice value of this type")
	}
	ref := left.AsPointer()
	o := vm.heap.obj(ref)

	switch o.typeID {
	case TypeList:
		elems := o.list().elems
		start, end, err := vm.sliceBounds(startV, endV, len(elems))
		if err != nil {
			return err
		}
		sub := elems[start:end]
		for _, el := range sub {
			vm.retain(el)
		}
		vm.setLocal(dst, vm.allocList(sub))

	case TypeAstring, TypeAstringSlice, TypeRawString, TypeRawSlice:
		start, end, err := vm.sliceBounds(startV, endV, len(o.str()))
		if err != nil {
			return err
		}
		vm.setLocal(dst, vm.allocStringSlice(ref, start, end))

	case TypeUstring, TypeUstringSlice:
		s := o.str()
		n := int(uint32(o.n0))
		start, end, err := vm.sliceBounds(startV, endV, n)
		if err != nil {
			return err
		}
		var bs, be int
		if o.typeID == TypeUstring {
			bs = ustringByteIndex(o, start)
			be = ustringByteIndex(o, end)
		} else {
			bs = ustringSliceByteIndex(s, start)
			be = ustringSliceByteIndex(s, end)
		}
		vm.setLocal(dst, vm.allocStringSlice(ref, bs, be))

	default:
		return vm.panicf("cannot slice value of this type")
	}
	vm.pc += 5
	return nil
}

// sliceBounds resolves slice operands: none means the respective end.
func (vm *VM) sliceBounds(startV, endV Value, length int) (int, int, error) {
	start, end := 0, length
	if !startV.IsNone() {
		start = int(vm.coerceF64(startV))
	}
	if !endV.IsNone() {
		end = int(vm.coerceF64(endV))
	}
	if start < 0 || end > length || start > end {
		return 0, 0, vm.panicf("slice out of bounds: [%d..%d] (len %d)", start, end, length)
	}
	return start, end, nil
}
