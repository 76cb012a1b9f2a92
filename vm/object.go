package vm

// ---------------------------------------------------------------------------
// Object kinds
// ---------------------------------------------------------------------------

// TypeID discriminates heap object kinds. The first word of every live
// object is its type id; user-defined object shapes are mapped into the
// id space at TypeUserBase + struct id so that inline caches can key on
// the type id alone.
type TypeID uint32

const (
	typeInvalid TypeID = 0

	TypeList TypeID = iota
	TypeListIter
	TypeMap
	TypeMapIter
	TypeClosure
	TypeLambda
	TypeAstring
	TypeUstring
	TypeAstringSlice
	TypeUstringSlice
	TypeRawString
	TypeRawSlice
	TypeFiber
	TypeBox
	TypeNativeFunc
	TypeOpaquePtr
	TypeFile
	TypeDir
	TypeDirIter
	TypeGrpcChannel

	// TypeUserBase is the first type id assigned to user object shapes.
	TypeUserBase TypeID = 32
)

// Sentinel type ids for non-object slots.
const (
	typeReserved TypeID = 0xFFFFFFFE // slot 0 of every page
	typeFreeSpan TypeID = 0xFFFFFFFF // member of a free span
)

// structID recovers the struct (shape) id of a user object type id.
func (t TypeID) structID() uint32 {
	return uint32(t - TypeUserBase)
}

// isUserObject reports whether the type id names a user object shape.
func (t TypeID) isUserObject() bool {
	return t >= TypeUserBase && t < typeReserved
}

// ---------------------------------------------------------------------------
// Kind payloads
// ---------------------------------------------------------------------------

// listBody is the out-of-line element storage of a list.
type listBody struct {
	elems []Value
}

// funcHeader packs a function's (pc, numParams, numLocals, numCaptured)
// into the first payload word of closures and lambdas.
func funcHeader(pc uint32, numParams, numLocals, numCaptured uint8) uint64 {
	return uint64(pc) |
		uint64(numParams)<<32 |
		uint64(numLocals)<<40 |
		uint64(numCaptured)<<48
}

func (o *Object) funcPC() uint32       { return uint32(o.n0 & 0xFFFFFFFF) }
func (o *Object) funcNumParams() uint8 { return uint8(o.n0 >> 32) }
func (o *Object) funcNumLocals() uint8 { return uint8(o.n0 >> 40) }
func (o *Object) numCaptured() uint8   { return uint8(o.n0 >> 48) }

// captures returns a closure's captured values.
func (o *Object) captures() []Value {
	if o.body == nil {
		return nil
	}
	return o.body.([]Value)
}

// list returns the element storage of a list object.
func (o *Object) list() *listBody { return o.body.(*listBody) }

// valueMap returns the storage of a map object.
func (o *Object) valueMap() *ValueMap { return o.body.(*ValueMap) }

// str returns the bytes of any managed string kind as a Go string.
func (o *Object) str() string {
	switch o.typeID {
	case TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice:
		return o.body.(string)
	case TypeRawString, TypeRawSlice:
		return string(o.body.([]byte))
	}
	panic("Object.str: not a string kind")
}

// fields returns a user object's field storage.
func (o *Object) fields() []Value { return o.body.([]Value) }

// fiber returns the fiber state of a fiber object.
func (o *Object) fiber() *Fiber { return o.body.(*Fiber) }

// boxValue reads the boxed value of a box object.
func (o *Object) boxValue() Value { return Value(o.n0) }

// setBoxValue writes the boxed value of a box object.
func (o *Object) setBoxValue(v Value) { o.n0 = uint64(v) }

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// allocPool allocates a pool slot with rc 1 and the given type id.
func (vm *VM) allocPool(t TypeID) (ObjRef, *Object) {
	ref, o := vm.heap.allocPoolObject()
	o.typeID = t
	o.rc = 1
	vm.heap.globalRC++
	return ref, o
}

// allocLarge allocates a general-allocator object with rc 1.
func (vm *VM) allocLarge(t TypeID) (ObjRef, *Object) {
	ref, o := vm.heap.allocLargeObject()
	o.typeID = t
	o.rc = 1
	vm.heap.globalRC++
	return ref, o
}

// allocList creates a list from the given elements. Ownership of the
// element references moves to the list; capacity equals length.
func (vm *VM) allocList(elems []Value) Value {
	ref, o := vm.allocPool(TypeList)
	stored := make([]Value, len(elems))
	copy(stored, elems)
	o.body = &listBody{elems: stored}
	return FromPointer(ref)
}

// allocListIter creates an iterator over a list, retaining the list.
func (vm *VM) allocListIter(listRef ObjRef) Value {
	vm.heap.obj(listRef).rc++
	vm.heap.globalRC++
	ref, o := vm.allocPool(TypeListIter)
	o.n1 = uint64(listRef)
	return FromPointer(ref)
}

// allocEmptyMap creates an empty value map.
func (vm *VM) allocEmptyMap() Value {
	ref, o := vm.allocPool(TypeMap)
	o.body = NewValueMap(0)
	return FromPointer(ref)
}

// allocMapIter creates an iterator over a map, retaining the map.
func (vm *VM) allocMapIter(mapRef ObjRef) Value {
	vm.heap.obj(mapRef).rc++
	vm.heap.globalRC++
	ref, o := vm.allocPool(TypeMapIter)
	o.n1 = uint64(mapRef)
	return FromPointer(ref)
}

// allocLambda creates a lambda (captureless function value).
func (vm *VM) allocLambda(pc uint32, numParams, numLocals uint8) Value {
	ref, o := vm.allocPool(TypeLambda)
	o.n0 = funcHeader(pc, numParams, numLocals, 0)
	return FromPointer(ref)
}

// allocClosure creates a closure over the given captured values.
// Ownership of the capture references moves to the closure.
func (vm *VM) allocClosure(pc uint32, numParams, numLocals uint8, captured []Value) Value {
	ref, o := vm.allocPool(TypeClosure)
	o.n0 = funcHeader(pc, numParams, numLocals, uint8(len(captured)))
	stored := make([]Value, len(captured))
	copy(stored, captured)
	o.body = stored
	return FromPointer(ref)
}

// allocBox creates a box holding the given value (ownership moves).
func (vm *VM) allocBox(v Value) Value {
	ref, o := vm.allocPool(TypeBox)
	o.n0 = uint64(v)
	return FromPointer(ref)
}

// allocNativeFunc creates a native-function binding.
func (vm *VM) allocNativeFunc(fn NativeFunc, numParams uint8) Value {
	ref, o := vm.allocPool(TypeNativeFunc)
	o.n0 = uint64(numParams)
	o.body = fn
	return FromPointer(ref)
}

// allocOpaquePtr wraps an arbitrary host value.
func (vm *VM) allocOpaquePtr(p any) Value {
	ref, o := vm.allocPool(TypeOpaquePtr)
	o.body = p
	return FromPointer(ref)
}

// allocObject creates a user object with the given shape and field
// values. Ownership of the field references moves to the object.
func (vm *VM) allocObject(structID uint32, fieldVals []Value) Value {
	numFields := vm.structs.numFields(structID)
	ref, o := vm.allocPool(TypeUserBase + TypeID(structID))
	stored := make([]Value, numFields)
	for i := range stored {
		if i < len(fieldVals) {
			stored[i] = fieldVals[i]
		} else {
			stored[i] = None
		}
	}
	o.body = stored
	return FromPointer(ref)
}
