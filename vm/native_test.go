package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Modules and the native ABI
// ---------------------------------------------------------------------------

func TestModuleSetVarAndNativeFunc(t *testing.T) {
	vm := newTestVM()
	called := 0
	vm.RegisterModule("testmod", func(v *VM, m *Module) {
		m.SetVar("answer", FromF64(42))
		m.SetNativeFunc("double", 1, func(v *VM, args []Value, nargs int) Value {
			called++
			return FromF64(v.coerceF64(args[0]) * 2)
		})
	})

	answerSym := vm.VarSym("testmod", "answer")
	dblSym := vm.FuncSym("testmod", "double", 1)

	b := NewBytecodeBuilder()
	b.Emit(OpStaticVar)
	b.EmitU16(uint16(answerSym))
	b.EmitRaw(10) // arg for the call
	emitCallSym(b, 6, 1, 1, dblSym)
	b.Emit(OpEnd, 6)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 12})
	if result.AsF64() != 84 {
		t.Errorf("double(answer) = %v, want 84", result.AsF64())
	}
	if called != 1 {
		t.Errorf("native called %d times, want 1", called)
	}
}

func TestNativePanicSentinel(t *testing.T) {
	vm := newTestVM()
	vm.RegisterModule("boom", func(v *VM, m *Module) {
		m.SetNativeFunc("explode", 0, func(v *VM, args []Value, nargs int) Value {
			v.SetNativePanic("explode: %s", "kaboom")
			return PanicSentinel
		})
	})
	sym := vm.FuncSym("boom", "explode", 0)

	b := NewBytecodeBuilder()
	emitCallSym(b, 6, 0, 0, sym)
	b.Emit(OpEnd, 0xFF)

	vm.LoadProgram(&Program{Bytecode: b.Bytes(), MainLocals: 12})
	_, err := vm.Eval()
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("err = %v, want panic carrying the native message", err)
	}
}

func TestNativeFuncZeroReturnsReleasesResult(t *testing.T) {
	vm := newTestVM()
	vm.RegisterModule("mk", func(v *VM, m *Module) {
		m.SetNativeFunc("mklist", 0, func(v *VM, args []Value, nargs int) Value {
			return v.allocList(nil)
		})
	})
	sym := vm.FuncSym("mk", "mklist", 0)

	b := NewBytecodeBuilder()
	emitCallSym(b, 6, 0, 0, sym) // numRet 0: result must be released
	b.Emit(OpEnd, 0xFF)

	runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 12})
	if rc := vm.GlobalRC(); rc != 0 {
		t.Errorf("global rc = %d, want 0 (dropped return leaked)", rc)
	}
}

func TestNative1WithTwoRequiredReturnsFillsNone(t *testing.T) {
	vm := newTestVM()
	b := NewBytecodeBuilder()
	b.Emit(OpConstI8, 1, 4)
	b.Emit(OpList, 4, 1, 5)
	lenSym := vm.methodSyms.Intern("len")
	b.Emit(OpConstI8, 77, 11) // sentinel in the second return slot
	b.Emit(OpCopyRetainSrc, 5, 14)
	b.Emit(OpCallObjSym, 10, 1, 2) // two required returns from a 1-result native
	b.EmitU16(uint16(lenSym))
	b.EmitU32(0)
	b.EmitU32(0)
	b.Emit(OpRelease, 5)
	b.Emit(OpEnd, 11) // second return slot must hold none

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 16})
	if !result.IsNone() {
		t.Errorf("missing second return = %v, want none", vm.ValueToString(result))
	}
}

func TestErrorNativeFromString(t *testing.T) {
	vm := newTestVM()
	errSym := vm.FuncSym("core", "error", 1)
	s1 := vm.varSyms.Declare(0, "msg")
	vm.varSyms.Set(s1, vm.GetOrAllocString("BadInput"))

	b := NewBytecodeBuilder()
	b.Emit(OpStaticVar)
	b.EmitU16(uint16(s1))
	b.EmitRaw(10)
	emitCallSym(b, 6, 1, 1, errSym)
	b.Emit(OpEnd, 6)

	result := runProgram(t, vm, &Program{Bytecode: b.Bytes(), MainLocals: 12})
	if !result.IsError() {
		t.Fatalf("result = %v, want error", vm.ValueToString(result))
	}
	if vm.tagLits.Name(result.ErrorTagLit()) != "BadInput" {
		t.Errorf("error tag = %q, want BadInput", vm.tagLits.Name(result.ErrorTagLit()))
	}
}
