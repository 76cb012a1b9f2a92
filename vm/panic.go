package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Panic state and stack traces
// ---------------------------------------------------------------------------

// Loop-internal control errors. The outer wrapper in Eval distinguishes
// them; they never escape the package.
var (
	errPanic         = errors.New("vm panic")
	errStackOverflow = errors.New("stack overflow")
)

// panicKind discriminates the panic slot.
type panicKind uint8

const (
	panicNone panicKind = iota
	panicMsg            // allocated message
	panicErr            // unhandled error value escaping the root frame
)

// Entering panic forbids any opcode side effect other than unwinding:
// handlers set the slot and immediately return errPanic to the wrapper.

// panicf raises Panic(msg).
func (vm *VM) panicf(format string, args ...any) error {
	vm.panicType = panicMsg
	vm.panicMsg = fmt.Sprintf(format, args...)
	vm.panicPayload = None
	return errPanic
}

// panicError raises Panic(err) for an error value escaping the root.
func (vm *VM) panicError(err Value) error {
	vm.panicType = panicErr
	vm.panicPayload = err
	vm.panicMsg = ""
	return errPanic
}

// SetNativePanic stores the message a native function wants raised when
// it returns the panic sentinel.
func (vm *VM) SetNativePanic(format string, args ...any) {
	vm.nativePanicMsg = fmt.Sprintf(format, args...)
}

// clearPanic resets the panic slot.
func (vm *VM) clearPanic() {
	vm.panicType = panicNone
	vm.panicMsg = ""
	vm.panicPayload = None
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// StackFrame is one formatted frame of a panic trace.
type StackFrame struct {
	FuncName string
	Line     uint32
	Col      uint32
}

// RuntimeError is the embedder-facing error produced when a Panic
// escapes the dispatch loop.
type RuntimeError struct {
	Msg   string
	Trace []StackFrame
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "panic: %s\n", e.Msg)
	for _, f := range e.Trace {
		fmt.Fprintf(&sb, "  at %s (line %d, col %d)\n", f.FuncName, f.Line, f.Col)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// buildStackTrace walks the live frame chain of the current fiber. The
// top frame's location is looked up at pc plus the instruction length,
// attributing the panic to the about-to-execute instruction; return pcs
// already point past their call sites.
func (vm *VM) buildStackTrace() []StackFrame {
	var trace []StackFrame
	bc := vm.prog.Bytecode

	pc := vm.pc
	fp := vm.fp
	lookupPC := pc
	if pc < len(bc) {
		lookupPC = pc + InstrLen(bc, pc)
	}

	for {
		if entry := vm.prog.lookupDebug(lookupPC); entry != nil {
			trace = append(trace, StackFrame{
				FuncName: vm.prog.funcName(entry.FrameLoc),
				Line:     entry.Line,
				Col:      entry.Col,
			})
		}
		if fp == 0 {
			break
		}
		retPC := int(vm.stack[fp+2].AsI32())
		retFP := int(vm.stack[fp+3].AsI32())
		lookupPC = retPC
		fp = retFP
	}
	return trace
}

// panicToError converts the panic slot into the embedder-facing error.
func (vm *VM) panicToError() error {
	msg := vm.panicMsg
	if vm.panicType == panicErr {
		msg = fmt.Sprintf("unhandled error: %s", vm.errorName(vm.panicPayload))
	}
	err := &RuntimeError{Msg: msg, Trace: vm.buildStackTrace()}
	vm.clearPanic()
	return err
}

// errorName formats an error value's tag literal.
func (vm *VM) errorName(v Value) string {
	if v.IsError() {
		return "#" + vm.tagLits.Name(v.ErrorTagLit())
	}
	return "?"
}
