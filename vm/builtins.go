package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Built-in methods and the core module
// ---------------------------------------------------------------------------

// Natives receive their args borrowed: anything stored must be retained,
// and the returned value's ownership moves to the VM.

func (vm *VM) bindBuiltins() {
	// list
	vm.bindNativeMethod(TypeList, "append", 1, nativeListAppend)
	vm.bindNativeMethod(TypeList, "len", 0, nativeListLen)
	vm.bindNativeMethod(TypeList, "pop", 0, nativeListPop)
	vm.bindNativeMethod(TypeList, "iter", 0, nativeListIter)

	// list iterator
	vm.bindNativeMethod2(TypeListIter, "next", 0, nativeListIterNext)

	// map
	vm.bindNativeMethod(TypeMap, "size", 0, nativeMapSize)
	vm.bindNativeMethod(TypeMap, "has", 1, nativeMapHas)
	vm.bindNativeMethod(TypeMap, "remove", 1, nativeMapRemove)
	vm.bindNativeMethod(TypeMap, "iter", 0, nativeMapIter)

	// map iterator
	vm.bindNativeMethod2(TypeMapIter, "next", 0, nativeMapIterNext)

	// strings
	for _, t := range []TypeID{
		TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice,
		TypeRawString, TypeRawSlice,
	} {
		vm.bindNativeMethod(t, "len", 0, nativeStringLen)
		vm.bindNativeMethod(t, "byteLen", 0, nativeStringByteLen)
	}

	// fiber
	vm.bindNativeMethod(TypeFiber, "status", 0, nativeFiberStatus)

	vm.RegisterModule("core", coreModuleInit)
	vm.RegisterModule("os", osModuleInit)
	vm.RegisterModule("grpc", grpcModuleInit)
}

// ---------------------------------------------------------------------------
// list
// ---------------------------------------------------------------------------

func nativeListAppend(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	vm.retain(args[0])
	body := o.list()
	body.elems = append(body.elems, args[0])
	return None
}

func nativeListLen(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	return FromF64(float64(len(o.list().elems)))
}

func nativeListPop(vm *VM, recv Value, args []Value, nargs int) Value {
	body := vm.heap.obj(recv.AsPointer()).list()
	if len(body.elems) == 0 {
		vm.SetNativePanic("pop from empty list")
		return PanicSentinel
	}
	last := body.elems[len(body.elems)-1]
	body.elems = body.elems[:len(body.elems)-1]
	return last
}

func nativeListIter(vm *VM, recv Value, args []Value, nargs int) Value {
	return vm.allocListIter(recv.AsPointer())
}

// nativeListIterNext returns (value, valid). The second result is false
// once the iterator is exhausted.
func nativeListIterNext(vm *VM, recv Value, args []Value, nargs int) (Value, Value) {
	it := vm.heap.obj(recv.AsPointer())
	elems := vm.heap.obj(ObjRef(it.n1)).list().elems
	idx := int(it.n0)
	if idx >= len(elems) {
		return None, False
	}
	it.n0++
	v := elems[idx]
	vm.retain(v)
	return v, True
}

// ---------------------------------------------------------------------------
// map
// ---------------------------------------------------------------------------

func nativeMapSize(vm *VM, recv Value, args []Value, nargs int) Value {
	return FromF64(float64(vm.heap.obj(recv.AsPointer()).valueMap().Size()))
}

func nativeMapHas(vm *VM, recv Value, args []Value, nargs int) Value {
	_, ok := vm.heap.obj(recv.AsPointer()).valueMap().Get(vm, args[0])
	return FromBool(ok)
}

func nativeMapRemove(vm *VM, recv Value, args []Value, nargs int) Value {
	k, v, existed := vm.heap.obj(recv.AsPointer()).valueMap().Delete(vm, args[0])
	if existed {
		vm.release(k)
		vm.release(v)
	}
	return FromBool(existed)
}

func nativeMapIter(vm *VM, recv Value, args []Value, nargs int) Value {
	return vm.allocMapIter(recv.AsPointer())
}

// nativeMapIterNext returns (key, value); (none, none) when exhausted.
func nativeMapIterNext(vm *VM, recv Value, args []Value, nargs int) (Value, Value) {
	it := vm.heap.obj(recv.AsPointer())
	m := vm.heap.obj(ObjRef(it.n1)).valueMap()
	k, v, next, ok := m.At(int(it.n0))
	if !ok {
		return None, None
	}
	it.n0 = uint64(next)
	vm.retain(k)
	vm.retain(v)
	return k, v
}

// ---------------------------------------------------------------------------
// strings
// ---------------------------------------------------------------------------

// nativeStringLen returns the character count: code points for UTF-8
// kinds, bytes for the rest.
func nativeStringLen(vm *VM, recv Value, args []Value, nargs int) Value {
	o := vm.heap.obj(recv.AsPointer())
	switch o.typeID {
	case TypeUstring, TypeUstringSlice:
		return FromF64(float64(uint32(o.n0)))
	default:
		return FromF64(float64(len(o.str())))
	}
}

func nativeStringByteLen(vm *VM, recv Value, args []Value, nargs int) Value {
	return FromF64(float64(len(vm.heap.obj(recv.AsPointer()).str())))
}

// ---------------------------------------------------------------------------
// fiber
// ---------------------------------------------------------------------------

func nativeFiberStatus(vm *VM, recv Value, args []Value, nargs int) Value {
	f := vm.heap.obj(recv.AsPointer()).fiber()
	switch {
	case f.pc == fiberPCTerminated:
		return TagLiteralValue(vm.tagLits.Intern("done"))
	case !f.started:
		return TagLiteralValue(vm.tagLits.Intern("init"))
	default:
		return TagLiteralValue(vm.tagLits.Intern("paused"))
	}
}

// ---------------------------------------------------------------------------
// core module
// ---------------------------------------------------------------------------

func coreModuleInit(vm *VM, m *Module) {
	m.SetNativeFunc("print", 1, nativePrint)
	m.SetNativeFunc("typeof", 1, nativeTypeof)
	m.SetNativeFunc("str", 1, nativeStr)
	m.SetNativeFunc("error", 1, nativeError)
	m.SetVar("pageSlots", FromF64(PageSlots))
}

func nativePrint(vm *VM, args []Value, nargs int) Value {
	fmt.Println(vm.ValueToString(args[0]))
	return None
}

func nativeTypeof(vm *VM, args []Value, nargs int) Value {
	return vm.GetOrAllocString(vm.typeName(args[0]))
}

func nativeStr(vm *VM, args []Value, nargs int) Value {
	return vm.GetOrAllocString(vm.ValueToString(args[0]))
}

// nativeError builds a first-class error from a tag-literal or string.
func nativeError(vm *VM, args []Value, nargs int) Value {
	v := args[0]
	if v.IsTagLiteral() {
		return ErrorValue(v.TagLitID())
	}
	if s, ok := vm.stringBytes(v); ok {
		return ErrorValue(vm.tagLits.Intern(s))
	}
	vm.SetNativePanic("error expects a tag literal or string")
	return PanicSentinel
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// ValueToString renders a value for display.
func (vm *VM) ValueToString(v Value) string {
	switch {
	case v.IsNumber():
		return strconv.FormatFloat(v.AsF64(), 'g', -1, 64)
	case v.IsInteger():
		return strconv.FormatInt(int64(v.AsI32()), 10)
	case v.IsNone():
		return "none"
	case v.IsBool():
		return strconv.FormatBool(v.AsBool())
	case v.IsError():
		return "error(#" + vm.tagLits.Name(v.ErrorTagLit()) + ")"
	case v.IsTagLiteral():
		return "#" + vm.tagLits.Name(v.TagLitID())
	case v.IsUserTag():
		return vm.tagTypes.Name(v.UserTagType()) + "." + strconv.Itoa(int(v.UserTagMember()))
	case v.IsStaticString():
		return vm.staticString(v)
	case v.IsPointer():
		return vm.objectToString(v.AsPointer())
	}
	return "?"
}

func (vm *VM) objectToString(ref ObjRef) string {
	o := vm.heap.obj(ref)
	switch o.typeID {
	case TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice,
		TypeRawString, TypeRawSlice:
		return o.str()
	case TypeList:
		return fmt.Sprintf("list(len=%d)", len(o.list().elems))
	case TypeMap:
		return fmt.Sprintf("map(size=%d)", o.valueMap().Size())
	case TypeFiber:
		return "fiber"
	case TypeClosure, TypeLambda:
		return "function"
	default:
		if o.typeID.isUserObject() {
			return vm.structs.Name(o.typeID.structID())
		}
		return fmt.Sprintf("object(type=%d)", o.typeID)
	}
}

// typeName names a value's type for typeof and diagnostics.
func (vm *VM) typeName(v Value) string {
	switch {
	case v.IsNumber():
		return "number"
	case v.IsInteger():
		return "int"
	case v.IsNone():
		return "none"
	case v.IsBool():
		return "bool"
	case v.IsError():
		return "error"
	case v.IsTagLiteral(), v.IsUserTag():
		return "tag"
	case v.IsStaticString():
		return "string"
	case v.IsPointer():
		o := vm.heap.obj(v.AsPointer())
		switch o.typeID {
		case TypeList:
			return "list"
		case TypeMap:
			return "map"
		case TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice:
			return "string"
		case TypeRawString, TypeRawSlice:
			return "rawstring"
		case TypeFiber:
			return "fiber"
		case TypeClosure, TypeLambda, TypeNativeFunc:
			return "function"
		case TypeBox:
			return "box"
		case TypeFile:
			return "file"
		case TypeDir:
			return "dir"
		case TypeGrpcChannel:
			return "grpc.Channel"
		default:
			if o.typeID.isUserObject() {
				return vm.structs.Name(o.typeID.structID())
			}
		}
	}
	return "unknown"
}
