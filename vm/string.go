package vm

import (
	"encoding/binary"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Managed strings and interning
// ---------------------------------------------------------------------------

// Size thresholds. A string whose byte length fits the inline payload of
// a pool slot stays in the pool; anything larger goes to the general
// allocator. Strings at or under MaxInternLen are canonicalized through
// the intern table.
const (
	AstringPoolMax   = 28
	UstringPoolMax   = 16
	RawStringPoolMax = 28
	MaxInternLen     = 64
)

// isAscii reports whether every byte is 7-bit.
func isAscii(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// stringBytes extracts the byte content of any string-like value:
// managed string kinds and static string slices.
func (vm *VM) stringBytes(v Value) (string, bool) {
	if v.IsStaticString() {
		start, end := v.AsStaticStringSlice()
		return string(vm.strBuf[start:end]), true
	}
	if !v.IsPointer() {
		return "", false
	}
	o := vm.heap.obj(v.AsPointer())
	switch o.typeID {
	case TypeAstring, TypeUstring, TypeAstringSlice, TypeUstringSlice,
		TypeRawString, TypeRawSlice:
		return o.str(), true
	}
	return "", false
}

// GetOrAllocString returns a managed string for the given bytes,
// canonicalized through the intern table when short enough. The result
// is retained for the caller.
func (vm *VM) GetOrAllocString(s string) Value {
	if len(s) <= MaxInternLen {
		if ref, ok := vm.intern[s]; ok {
			o := vm.heap.obj(ref)
			o.rc++
			vm.heap.globalRC++
			return FromPointer(ref)
		}
	}
	return vm.allocStringNoIntern(s, len(s) <= MaxInternLen)
}

// allocStringNoIntern materializes a new string object, optionally
// recording it in the intern table.
func (vm *VM) allocStringNoIntern(s string, intern bool) Value {
	var ref ObjRef
	var o *Object
	if isAscii(s) {
		if len(s) > AstringPoolMax {
			ref, o = vm.allocLarge(TypeAstring)
		} else {
			ref, o = vm.allocPool(TypeAstring)
		}
		o.body = s
	} else {
		if len(s) > UstringPoolMax {
			ref, o = vm.allocLarge(TypeUstring)
		} else {
			ref, o = vm.allocPool(TypeUstring)
		}
		o.body = s
		o.n0 = uint64(uint32(utf8.RuneCountInString(s)))
		o.n1 = 0 // MRU (byte, char) starts at the origin
	}
	if intern {
		vm.intern[s] = ref
	}
	return FromPointer(ref)
}

// dropInterned removes an intern entry when the dying object is the one
// the table refers to. Identity, not equality: a racing re-intern of the
// same bytes must keep its own entry.
func (vm *VM) dropInterned(s string, ref ObjRef) {
	if len(s) > MaxInternLen {
		return
	}
	if cur, ok := vm.intern[s]; ok && cur == ref {
		delete(vm.intern, s)
	}
}

// ---------------------------------------------------------------------------
// Concatenation
// ---------------------------------------------------------------------------

// getOrAllocConcat builds a+b, consulting the intern table before
// materializing. The map lookup on the scratch buffer does not allocate;
// the concatenation is only materialized on a miss or when it exceeds
// the intern threshold.
func (vm *VM) getOrAllocConcat(a, b string) Value {
	total := len(a) + len(b)
	if total <= MaxInternLen {
		var scratch [MaxInternLen]byte
		n := copy(scratch[:], a)
		n += copy(scratch[n:], b)
		if ref, ok := vm.intern[string(scratch[:n])]; ok {
			o := vm.heap.obj(ref)
			o.rc++
			vm.heap.globalRC++
			return FromPointer(ref)
		}
		return vm.allocStringNoIntern(a+b, true)
	}
	return vm.allocStringNoIntern(a+b, false)
}

// getOrAllocConcat3 is the three-way variant of getOrAllocConcat.
func (vm *VM) getOrAllocConcat3(a, b, c string) Value {
	total := len(a) + len(b) + len(c)
	if total <= MaxInternLen {
		var scratch [MaxInternLen]byte
		n := copy(scratch[:], a)
		n += copy(scratch[n:], b)
		n += copy(scratch[n:], c)
		if ref, ok := vm.intern[string(scratch[:n])]; ok {
			o := vm.heap.obj(ref)
			o.rc++
			vm.heap.globalRC++
			return FromPointer(ref)
		}
		return vm.allocStringNoIntern(a+b+c, true)
	}
	return vm.allocStringNoIntern(a+b+c, false)
}

// ---------------------------------------------------------------------------
// Raw strings and slices
// ---------------------------------------------------------------------------

// allocRawString creates an opaque byte string.
func (vm *VM) allocRawString(b []byte) Value {
	var ref ObjRef
	var o *Object
	if len(b) > RawStringPoolMax {
		ref, o = vm.allocLarge(TypeRawString)
	} else {
		ref, o = vm.allocPool(TypeRawString)
	}
	stored := make([]byte, len(b))
	copy(stored, b)
	o.body = stored
	return FromPointer(ref)
}

// allocStringSlice creates a slice object referring to (and retaining)
// its parent string.
func (vm *VM) allocStringSlice(parentRef ObjRef, start, end int) Value {
	parent := vm.heap.obj(parentRef)
	parent.rc++
	vm.heap.globalRC++

	var ref ObjRef
	var o *Object
	switch parent.typeID {
	case TypeAstring, TypeAstringSlice:
		ref, o = vm.allocPool(TypeAstringSlice)
		o.body = parent.str()[start:end]
	case TypeUstring, TypeUstringSlice:
		ref, o = vm.allocPool(TypeUstringSlice)
		sub := parent.str()[start:end]
		o.body = sub
		o.n0 = uint64(uint32(utf8.RuneCountInString(sub)))
	case TypeRawString, TypeRawSlice:
		ref, o = vm.allocPool(TypeRawSlice)
		o.body = parent.body.([]byte)[start:end]
	default:
		panic("allocStringSlice: not a string kind")
	}
	o.n1 = uint64(parentRef)
	return FromPointer(ref)
}

// ---------------------------------------------------------------------------
// U-string code point access
// ---------------------------------------------------------------------------

// ustringByteIndex maps a code-point index to a byte offset using the
// object's MRU (byte, char) pair, scanning forward from the cache when
// possible and updating it afterwards.
func ustringByteIndex(o *Object, charIdx int) int {
	s := o.str()
	mruByte := int(uint32(o.n1 >> 32))
	mruChar := int(uint32(o.n1))

	byteIdx, ci := 0, 0
	if charIdx >= mruChar {
		byteIdx, ci = mruByte, mruChar
	}
	for ci < charIdx {
		_, size := utf8.DecodeRuneInString(s[byteIdx:])
		byteIdx += size
		ci++
	}
	o.n1 = uint64(uint32(byteIdx))<<32 | uint64(uint32(charIdx))
	return byteIdx
}

// decodeRune decodes the first code point of s.
func decodeRune(s string) (rune, int) {
	return utf8.DecodeRuneInString(s)
}

// ustringSliceByteIndex maps a code-point index to a byte offset in a
// slice view, which carries no MRU of its own.
func ustringSliceByteIndex(s string, charIdx int) int {
	byteIdx := 0
	for ci := 0; ci < charIdx; ci++ {
		_, size := utf8.DecodeRuneInString(s[byteIdx:])
		byteIdx += size
	}
	return byteIdx
}

// ---------------------------------------------------------------------------
// Static string buffer
// ---------------------------------------------------------------------------

// Static UTF-8 literals in the string buffer are preceded by a 12-byte
// header: code-point length, MRU char index, MRU byte index (all u32
// little-endian). The MRU fields are rewritten in place; the buffer is
// mutable and single-owner like the code stream.
const staticUstringHeaderLen = 12

// staticString returns the bytes of a static string slice value.
func (vm *VM) staticString(v Value) string {
	start, end := v.AsStaticStringSlice()
	return string(vm.strBuf[start:end])
}

// staticUstringCharLen reads the pre-computed code-point length of a
// static UTF-8 string.
func (vm *VM) staticUstringCharLen(v Value) int {
	start, _ := v.AsStaticStringSlice()
	hdr := vm.strBuf[start-staticUstringHeaderLen:]
	return int(binary.LittleEndian.Uint32(hdr))
}

// staticUstringByteIndex maps a code-point index to a byte offset within
// a static UTF-8 string, using and updating the header's MRU pair.
func (vm *VM) staticUstringByteIndex(v Value, charIdx int) int {
	start, end := v.AsStaticStringSlice()
	hdr := vm.strBuf[start-staticUstringHeaderLen:]
	mruChar := int(binary.LittleEndian.Uint32(hdr[4:]))
	mruByte := int(binary.LittleEndian.Uint32(hdr[8:]))

	s := string(vm.strBuf[start:end])
	byteIdx, ci := 0, 0
	if charIdx >= mruChar {
		byteIdx, ci = mruByte, mruChar
	}
	for ci < charIdx {
		_, size := utf8.DecodeRuneInString(s[byteIdx:])
		byteIdx += size
		ci++
	}
	binary.LittleEndian.PutUint32(hdr[4:], uint32(charIdx))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(byteIdx))
	return byteIdx
}
