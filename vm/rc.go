package vm

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

// Reclamation is deterministic reference counting. Opcode handlers retain
// when a reference is duplicated and release when one is dropped; an
// object whose count reaches zero is freed immediately, releasing its
// children first.

// retain increments the reference count of a pointer value.
func (vm *VM) retain(v Value) {
	if !v.IsPointer() {
		return
	}
	vm.heap.obj(v.AsPointer()).rc++
	vm.heap.globalRC++
}

// retainInc adds n references at once.
func (vm *VM) retainInc(v Value, n uint32) {
	if !v.IsPointer() {
		return
	}
	vm.heap.obj(v.AsPointer()).rc += n
	vm.heap.globalRC += int64(n)
}

// release decrements the reference count of a pointer value and frees the
// object when the count reaches zero.
func (vm *VM) release(v Value) {
	if !v.IsPointer() {
		return
	}
	vm.releaseRef(v.AsPointer())
}

// releaseRef releases by reference rather than value.
func (vm *VM) releaseRef(ref ObjRef) {
	if vm.forcePass != nil && vm.reclaimedByPass(ref) {
		// A back edge into a slot the active cycle-break pass already
		// reclaimed; dropping the release is what breaks the cycle.
		return
	}
	o := vm.heap.obj(ref)
	o.rc--
	vm.heap.globalRC--
	if o.rc == 0 {
		vm.freeObject(ref, o)
	}
}

// reclaimedByPass reports whether the active force-release pass already
// reclaimed the slot.
func (vm *VM) reclaimedByPass(ref ObjRef) bool {
	if vm.forcePass[ref] {
		return true
	}
	if ref < largeRefBase {
		t := vm.heap.slot(ref).typeID
		return t == typeFreeSpan || t == typeReserved
	}
	_, alive := vm.heap.large[ref]
	return !alive
}

// freeObject runs the kind-specific destructor: release contained
// children, drop side-table entries, then return the storage. Which
// allocator gets the storage back is decided per kind (strings check
// their size category, never the slot itself).
func (vm *VM) freeObject(ref ObjRef, o *Object) {
	if vm.forcePass != nil {
		vm.forcePass[ref] = true
	}
	switch o.typeID {
	case TypeList:
		for _, el := range o.list().elems {
			vm.release(el)
		}
		vm.heap.freePoolObject(ref)

	case TypeListIter, TypeMapIter:
		vm.releaseRef(ObjRef(o.n1))
		vm.heap.freePoolObject(ref)

	case TypeMap:
		m := o.valueMap()
		m.Iter(func(k, v Value) {
			vm.release(k)
			vm.release(v)
		})
		vm.heap.freePoolObject(ref)

	case TypeClosure:
		for _, c := range o.captures() {
			vm.release(c)
		}
		vm.heap.freePoolObject(ref)

	case TypeLambda:
		vm.heap.freePoolObject(ref)

	case TypeAstring:
		s := o.body.(string)
		vm.dropInterned(s, ref)
		if len(s) > AstringPoolMax {
			vm.heap.freeLargeObject(ref)
		} else {
			vm.heap.freePoolObject(ref)
		}

	case TypeUstring:
		s := o.body.(string)
		vm.dropInterned(s, ref)
		if len(s) > UstringPoolMax {
			vm.heap.freeLargeObject(ref)
		} else {
			vm.heap.freePoolObject(ref)
		}

	case TypeRawString:
		if len(o.body.([]byte)) > RawStringPoolMax {
			vm.heap.freeLargeObject(ref)
		} else {
			vm.heap.freePoolObject(ref)
		}

	case TypeAstringSlice, TypeUstringSlice, TypeRawSlice:
		if parent := ObjRef(o.n1); parent != 0 {
			vm.releaseRef(parent)
		}
		vm.heap.freePoolObject(ref)

	case TypeFiber:
		vm.releaseFiberStack(o.fiber())
		vm.heap.freePoolObject(ref)

	case TypeBox:
		vm.release(o.boxValue())
		vm.heap.freePoolObject(ref)

	case TypeNativeFunc, TypeOpaquePtr:
		vm.heap.freePoolObject(ref)

	case TypeFile:
		vm.closeFileObject(o)
		vm.heap.freePoolObject(ref)

	case TypeDir:
		vm.closeDirObject(o)
		vm.heap.freePoolObject(ref)

	case TypeDirIter:
		if parent := ObjRef(o.n1); parent != 0 {
			vm.releaseRef(parent)
		}
		vm.heap.freePoolObject(ref)

	case TypeGrpcChannel:
		vm.closeGrpcChannel(o)
		vm.heap.freePoolObject(ref)

	default:
		if o.typeID.isUserObject() {
			for _, f := range o.fields() {
				vm.release(f)
			}
			vm.heap.freePoolObject(ref)
			return
		}
		panic("freeObject: unknown type id")
	}
}
