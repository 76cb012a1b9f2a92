package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Static calls and inline caches
// ---------------------------------------------------------------------------

func TestFieldInlineCacheSpecialization(t *testing.T) {
	vm := newTestVM()

	structID := vm.structs.Register("Point", 1)
	ptType := TypeUserBase + TypeID(structID)
	xSym := vm.fieldSyms.Intern("x")
	vm.fieldSyms.Bind(xSym, ptType, 0)

	getx := vm.funcSyms.Declare(0, "getx", 1)

	b := NewBytecodeBuilder()
	// main: two calls to getx with objects of the same shape.
	b.Emit(OpConstI8, 3, 4)        // pc 0
	b.Emit(OpObject, 0, 4, 1, 5)   // pc 3: Point{3} -> l5
	b.Emit(OpCopyRetainSrc, 5, 10) // pc 8: arg
	emitCallSym(b, 6, 1, 1, getx)  // pc 11
	b.Emit(OpConstI8, 4, 4)        // pc 21
	b.Emit(OpObject, 0, 4, 1, 4)   // pc 24: Point{4} -> l4
	b.Emit(OpCopyRetainSrc, 4, 10) // pc 29
	emitCallSym(b, 6, 1, 1, getx)  // pc 32
	b.Emit(OpRelease, 5)           // pc 42
	b.Emit(OpRelease, 4)
	b.Emit(OpEnd, 6) // second call's result

	// getx(p): return p.x
	funcPC := b.Len()
	b.Emit(OpField, 4, 0, byte(xSym))
	b.EmitU32(0)
	b.EmitRaw(0)
	b.Emit(OpRelease, 4)
	b.Emit(OpRet1)

	vm.funcSyms.Bind(getx, FuncEntry{
		Kind: FuncBytecode, NumParams: 1, PC: uint32(funcPC), NumLocals: 8,
	})

	p := &Program{Bytecode: b.Bytes(), MainLocals: 12}
	result := runProgram(t, vm, p)
	if result.AsF64() != 4 {
		t.Errorf("second call = %v, want 4", result.AsF64())
	}

	// The field site ran once generic, once specialized.
	if got := vm.OpCount(OpField); got != 1 {
		t.Errorf("FIELD executed %d times, want 1", got)
	}
	if got := vm.OpCount(OpFieldIC); got != 1 {
		t.Errorf("FIELD_IC executed %d times, want 1", got)
	}
	if Opcode(p.Bytecode[funcPC]) != OpFieldIC {
		t.Error("field site not rewritten to FIELD_IC")
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d, want 0", rc)
	}
}

func TestFieldICDemotionOnShapeChange(t *testing.T) {
	vm := newTestVM()

	aID := vm.structs.Register("A", 1)
	bID := vm.structs.Register("B", 2)
	xSym := vm.fieldSyms.Intern("x")
	vm.fieldSyms.Bind(xSym, TypeUserBase+TypeID(aID), 0)
	vm.fieldSyms.Bind(xSym, TypeUserBase+TypeID(bID), 1)

	getx := vm.funcSyms.Declare(0, "getx", 1)

	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 1, 4)
	b.Emit(OpObject, byte(aID), 4, 1, 5) // A{1}
	b.Emit(OpConstI8, 7, 4)
	b.Emit(OpConstI8, 9, 8)
	b.Emit(OpConstI8, 0, 4)
	b.Emit(OpConstI8, 2, 9)
	// B's fields come from the consecutive locals 8,9 -> {9,2}
	b.Emit(OpObject, byte(bID), 8, 2, 6) // B{9,2}
	b.Emit(OpCopyRetainSrc, 5, 14)
	emitCallSym(b, 10, 1, 1, getx) // x of A = 1
	b.Emit(OpCopyRetainSrc, 6, 14)
	emitCallSym(b, 10, 1, 1, getx) // x of B = field 1 = 2
	b.Emit(OpRelease, 5)
	b.Emit(OpRelease, 6)
	b.Emit(OpEnd, 10)

	funcPC := b.Len()
	b.Emit(OpField, 4, 0, byte(xSym))
	b.EmitU32(0)
	b.EmitRaw(0)
	b.Emit(OpRelease, 4)
	b.Emit(OpRet1)

	vm.funcSyms.Bind(getx, FuncEntry{
		Kind: FuncBytecode, NumParams: 1, PC: uint32(funcPC), NumLocals: 8,
	})

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 16})
	if result.AsF64() != 2 {
		t.Errorf("B.x = %v, want 2", result.AsF64())
	}
	// Generic ran twice: first execution, then again after demotion.
	if got := vm.OpCount(OpField); got != 2 {
		t.Errorf("FIELD executed %d times, want 2 (miss demotes)", got)
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d", rc)
	}
}

func TestMethodCallAndIC(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	// [1,2].append(7) and len() run once each through their own site;
	// re-running the program must take the native IC at both sites.
	b.Emit(OpConstI8, 1, 4)
	b.Emit(OpConstI8, 2, 5)
	b.Emit(OpList, 4, 2, 6)
	// l6.append(7): receiver at start+4, arg after it.
	appendSym := vm.methodSyms.Intern("append")
	b.Emit(OpConstI8, 7, 12)       // arg
	b.Emit(OpCopyRetainSrc, 6, 11) // receiver copy
	b.Emit(OpCallObjSym, 7, 2, 0)  // startLocal=7: recv l11, arg l12
	b.EmitU16(uint16(appendSym))
	b.EmitU32(0)
	b.EmitU32(0)
	// l6.len()
	lenSym := vm.methodSyms.Intern("len")
	b.Emit(OpCopyRetainSrc, 6, 11)
	b.Emit(OpCallObjSym, 7, 1, 1)
	b.EmitU16(uint16(lenSym))
	b.EmitU32(0)
	b.EmitU32(0)
	b.Emit(OpRelease, 6)
	b.Emit(OpEnd, 7)

	p := &Program{Bytecode: b.Bytes(), MainLocals: 14}
	result := runProgram(t, vm, p)
	if result.AsF64() != 3 {
		t.Errorf("len after append = %v, want 3", result.AsF64())
	}
	if vm.OpCount(OpCallObjSym) != 2 {
		t.Errorf("CALL_OBJ_SYM executed %d times, want 2", vm.OpCount(OpCallObjSym))
	}

	// Second run through the now-specialized sites.
	result2 := runProgram(t, vm, p)
	if result2.AsF64() != 3 {
		t.Errorf("second run len = %v, want 3", result2.AsF64())
	}
	if vm.OpCount(OpCallObjNativeFuncIC) != 2 {
		t.Errorf("CALL_OBJ_NATIVE_FUNC_IC executed %d times, want 2",
			vm.OpCount(OpCallObjNativeFuncIC))
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d", rc)
	}
}

// ---------------------------------------------------------------------------
// Stack growth
// ---------------------------------------------------------------------------

func TestDeepRecursionGrowsStack(t *testing.T) {
	vm := NewVM(Config{InitialStackSlots: 511, InitialHeapPages: 1})
	fSym := vm.funcSyms.Declare(0, "f", 1)

	b := NewBytecodeBuilder()
	b.Emit(OpConst, 0, 10)      // pc 0: arg = 4096
	emitCallSym(b, 6, 1, 1, fSym) // pc 3
	b.Emit(OpEnd, 6)            // pc 13

	// f(n): if n == 0 { return 0 } else { return f(n-1) }
	funcPC := b.Len() // 15
	b.Emit(OpConstI8, 0, 5)            // F+0
	b.Emit(OpCompare, 4, 5, 6)         // F+3
	b.Emit(OpJumpNotCond)              // F+7
	b.EmitU16(8)
	b.EmitRaw(6)
	b.Emit(OpConstI8, 0, 0) // F+11: base case
	b.Emit(OpRet1)          // F+14
	b.Emit(OpConstI8, 1, 5) // F+15: recurse
	b.Emit(OpSub, 4, 5, 7)  // F+18
	b.Emit(OpCopy, 7, 12)   // F+22
	emitCallSym(b, 8, 1, 1, fSym) // F+25
	b.Emit(OpCopy, 8, 0)    // F+35
	b.Emit(OpRet1)          // F+38

	vm.funcSyms.Bind(fSym, FuncEntry{
		Kind: FuncBytecode, NumParams: 1, PC: uint32(funcPC), NumLocals: 16,
	})

	result := runProgram(t, vm, &Program{
		Bytecode:   b.Bytes(),
		Consts:     []Value{FromF64(4096)},
		MainLocals: 16,
	})
	if result.AsF64() != 0 {
		t.Errorf("f(4096) = %v, want 0", result.AsF64())
	}
	if len(vm.stack) <= 511 {
		t.Errorf("stack did not grow: %d slots", len(vm.stack))
	}
	if vm.fp != 0 {
		t.Errorf("fp = %d after return, want 0", vm.fp)
	}
}

// ---------------------------------------------------------------------------
// Dynamic calls and arity mismatch
// ---------------------------------------------------------------------------

func TestLambdaCall(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpLambda) // pc 0: addOne at L, 1 param, 8 locals -> l4
	lambdaPatch := b.Len()
	b.EmitU16(0)
	b.EmitRaw(1, 8, 4)
	b.Emit(OpConstI8, 41, 10)     // pc 6: arg
	b.Emit(OpCopyRetainSrc, 4, 11) // pc 9: callee after args
	b.Emit(OpCall, 6, 1, 1)        // pc 12
	b.Emit(OpRelease, 4)           // pc 16
	b.Emit(OpEnd, 6)               // pc 18

	funcPC := b.Len() // 20
	b.PatchU16(lambdaPatch, uint16(funcPC))
	b.Emit(OpConstI8, 1, 5)
	b.Emit(OpAdd, 4, 5, 0)
	b.Emit(OpRet1)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 14})
	if result.AsF64() != 42 {
		t.Errorf("lambda(41) = %v, want 42", result.AsF64())
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d", rc)
	}
}

func TestClosureCapture(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 100, 4) // captured value
	b.Emit(OpClosure)         // pc 3: capture l4
	closurePatch := b.Len()
	b.EmitU16(0)
	b.EmitRaw(1, 9, 1, 4, 5) // 1 param, 9 locals, 1 capture (l4), dst l5
	b.Emit(OpConstI8, 2, 10)      // arg
	b.Emit(OpCopyRetainSrc, 5, 11) // callee
	b.Emit(OpCall, 6, 1, 1)
	b.Emit(OpRelease, 5)
	b.Emit(OpEnd, 6)

	// body(n): return captured + n; capture sits after the param (l5).
	funcPC := b.Len()
	b.PatchU16(closurePatch, uint16(funcPC))
	b.Emit(OpAdd, 4, 5, 0)
	b.Emit(OpRet1)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 14})
	if result.AsF64() != 102 {
		t.Errorf("closure(2) = %v, want 102", result.AsF64())
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d", rc)
	}
}

func TestCallArityMismatch(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpLambda)
	lambdaPatch := b.Len()
	b.EmitU16(0)
	b.EmitRaw(2, 10, 4) // wants 2 params
	b.Emit(OpConstI8, 9, 10)
	b.Emit(OpCopyRetainSrc, 4, 11)
	b.Emit(OpCall, 6, 1, 1) // called with 1 arg
	b.Emit(OpRelease, 4)
	b.Emit(OpEnd, 6)

	funcPC := b.Len()
	b.PatchU16(lambdaPatch, uint16(funcPC))
	b.Emit(OpConstI8, 0, 0)
	b.Emit(OpRet1)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 14})
	if !result.IsError() {
		t.Fatalf("result = %v, want error", vm.ValueToString(result))
	}
	if result.ErrorTagLit() != vm.errInvalidSignature {
		t.Errorf("error tag = %d, want InvalidSignature", result.ErrorTagLit())
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d (callee and args must be released)", rc)
	}
}

func TestNative2ReturnCountHandling(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 1, 4)
	b.Emit(OpConstI8, 2, 5)
	b.Emit(OpList, 4, 2, 6)
	iterSym := vm.methodSyms.Intern("iter")
	nextSym := vm.methodSyms.Intern("next")
	// it = l6.iter()
	b.Emit(OpCopyRetainSrc, 6, 11)
	b.Emit(OpCallObjSym, 7, 1, 1)
	b.EmitU16(uint16(iterSym))
	b.EmitU32(0)
	b.EmitU32(0)
	// (v, ok) = it.next() -- 2 required returns
	b.Emit(OpCopyRetainSrc, 7, 14)
	b.Emit(OpCallObjSym, 10, 1, 2)
	b.EmitU16(uint16(nextSym))
	b.EmitU32(0)
	b.EmitU32(0)
	// v in l10, ok in l11
	b.Emit(OpRelease, 6)
	b.Emit(OpRelease, 7)
	b.Emit(OpEnd, 10)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 16})
	if result.AsF64() != 1 {
		t.Errorf("first next() = %v, want 1", result.AsF64())
	}
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d", rc)
	}
}

// ---------------------------------------------------------------------------
// try_value and panics
// ---------------------------------------------------------------------------

func TestTryValueNonError(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 5, 4) // pc 0
	b.Emit(OpTryValue, 4, 5)
	b.EmitU16(8) // pc 3, error path -> pc 11
	b.Emit(OpJump)
	b.EmitU16(6) // pc 8 -> 14
	b.Emit(OpConstI8, 99, 5) // pc 11: wrong path
	b.Emit(OpEnd, 5)         // pc 14
	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 8})
	if result.AsF64() != 5 {
		t.Errorf("try_value(5) = %v, want 5 in dst with no jump", result.AsF64())
	}
}

func TestTryValueErrorAtRootPanics(t *testing.T) {
	vm := newTestVM()
	errSym := vm.FuncSym("core", "error", 1)

	b := NewBytecodeBuilder()
	b.Emit(OpTagLiteral, 3, 10)
	emitCallSym(b, 6, 1, 1, errSym) // l6 = error(#tag3)
	b.Emit(OpTryValue, 6, 7)
	b.EmitU16(5)
	b.Emit(OpEnd, 0xFF)

	vm.LoadProgram(&Program{Bytecode: b.Bytes(), MainLocals: 12})
	_, err := vm.Eval()
	var rte *RuntimeError
	if !errors.As(err, &rte) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if !strings.Contains(rte.Msg, "unhandled error") {
		t.Errorf("panic msg = %q", rte.Msg)
	}
}

func TestPanicTraceNamesFunctionAndPosition(t *testing.T) {
	vm := newTestVM()

	structID := vm.structs.Register("Point", 1)
	vm.fieldSyms.Bind(vm.fieldSyms.Intern("x"), TypeUserBase+TypeID(structID), 0)
	ySym := vm.fieldSyms.Intern("y") // never bound: access panics

	firstSym := vm.funcSyms.Declare(0, "first", 1)

	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 1, 4)
	b.Emit(OpObject, 0, 4, 1, 5)
	b.Emit(OpCopyRetainSrc, 5, 10)
	emitCallSym(b, 6, 1, 1, firstSym)
	b.Emit(OpRelease, 5)
	b.Emit(OpEnd, 6)

	funcPC := b.Len()
	b.Emit(OpField, 4, 0, byte(ySym))
	b.EmitU32(0)
	b.EmitRaw(0)
	b.Emit(OpRelease, 4)
	b.Emit(OpRet1)

	vm.funcSyms.Bind(firstSym, FuncEntry{
		Kind: FuncBytecode, NumParams: 1, PC: uint32(funcPC), NumLocals: 8,
	})

	vm.LoadProgram(&Program{
		Bytecode:   b.Bytes(),
		MainLocals: 12,
		FuncNames:  []string{"first"},
		Debug: []DebugEntry{
			{PC: 0, Line: 1, Col: 1, FrameLoc: NullID, EndLocalsPC: NullID},
			{PC: uint32(funcPC), Line: 7, Col: 12, FrameLoc: 0, EndLocalsPC: NullID},
		},
	})
	_, err := vm.Eval()
	var rte *RuntimeError
	if !errors.As(err, &rte) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if !strings.Contains(rte.Msg, "missing field") {
		t.Errorf("panic msg = %q", rte.Msg)
	}
	if len(rte.Trace) == 0 {
		t.Fatal("empty stack trace")
	}
	top := rte.Trace[0]
	if top.FuncName != "first" || top.Line != 7 || top.Col != 12 {
		t.Errorf("top frame = %+v, want first:7:12", top)
	}
	formatted := rte.Error()
	if !strings.Contains(formatted, "first") || !strings.Contains(formatted, "line 7") {
		t.Errorf("formatted trace = %q", formatted)
	}
}
