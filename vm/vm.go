package vm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the Kestrel runtime instance
// ---------------------------------------------------------------------------

// Config tunes a runtime instance.
type Config struct {
	// InitialStackSlots sizes the main fiber's value stack.
	InitialStackSlots int

	// InitialHeapPages pre-allocates pool pages.
	InitialHeapPages int

	// TrackOpCounts enables per-opcode execution counters.
	TrackOpCounts bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		InitialStackSlots: 511,
		InitialHeapPages:  1,
	}
}

// VM is one runtime instance. One instance per embedding; nothing is
// process-global. A single OS thread executes at a time; concurrency is
// cooperative via fibers, so the tables carry no locks.
type VM struct {
	heap   *Heap
	intern map[string]ObjRef

	prog   *Program
	strBuf []byte

	// Symbol tables
	fieldSyms   *FieldSymbolTable
	methodSyms  *MethodSymbolTable
	funcSyms    *FuncSymbolTable
	varSyms     *VarSymbolTable
	tagTypes    *TagTypeTable
	tagLits     *TagLitTable
	structs     *StructTable
	moduleNames *nameTable

	// methodNatives backs the CALL_OBJ_NATIVE_FUNC_IC cache index.
	methodNatives []MethodEntry
	modules       []registeredModule

	// Execution registers of the active fiber
	stack       []Value
	fp          int
	pc          int
	curFiber    *Fiber
	curFiberRef ObjRef
	mainFiber   *Fiber

	// Panic slot
	panicType      panicKind
	panicMsg       string
	panicPayload   Value
	nativePanicMsg string

	// Stack-overflow retry request
	growNeeded int

	cycleRoots []ObjRef

	// forcePass is non-nil only while CheckMemory breaks cycles; it
	// records slots reclaimed by the pass so releases into them are
	// suppressed.
	forcePass map[ObjRef]bool

	// Diagnostics
	TrackOpCounts bool
	opCounts      [256]uint64

	evalResult Value

	// Pre-interned error tags
	errInvalidSignature uint32

	instanceID string
	log        commonlog.Logger

	// Native-handle registries (grpc module)
	grpcRegistry *grpcChannelRegistry
}

// NewVM creates and bootstraps a runtime instance.
func NewVM(cfg Config) *VM {
	if cfg.InitialStackSlots <= 0 {
		cfg.InitialStackSlots = DefaultConfig().InitialStackSlots
	}
	if cfg.InitialHeapPages <= 0 {
		cfg.InitialHeapPages = DefaultConfig().InitialHeapPages
	}

	vm := &VM{
		heap:          NewHeap(cfg.InitialHeapPages),
		intern:        make(map[string]ObjRef),
		fieldSyms:     NewFieldSymbolTable(),
		methodSyms:    NewMethodSymbolTable(),
		funcSyms:      NewFuncSymbolTable(),
		varSyms:       NewVarSymbolTable(),
		tagTypes:      NewTagTypeTable(),
		tagLits:       NewTagLitTable(),
		structs:       NewStructTable(),
		moduleNames:   newNameTable(),
		TrackOpCounts: cfg.TrackOpCounts,
		instanceID:    uuid.NewString(),
		log:           commonlog.GetLogger("kestrel.vm"),
		grpcRegistry:  newGrpcChannelRegistry(),
	}

	vm.mainFiber = &Fiber{
		stack: make([]Value, cfg.InitialStackSlots),
	}
	vm.curFiber = vm.mainFiber
	vm.curFiberRef = 0
	vm.stack = vm.mainFiber.stack

	// Error tags the dispatch loop raises itself.
	vm.errInvalidSignature = vm.tagLits.Intern("InvalidSignature")

	vm.bindBuiltins()
	vm.log.Debugf("vm %s ready", vm.instanceID)
	return vm
}

// InstanceID returns the unique id of this runtime instance.
func (vm *VM) InstanceID() string { return vm.instanceID }

// Heap exposes the heap for diagnostics and tests.
func (vm *VM) Heap() *Heap { return vm.heap }

// Structs exposes the struct (shape) table for program loaders.
func (vm *VM) Structs() *StructTable { return vm.structs }

// TagLits exposes the tag-literal table for program loaders.
func (vm *VM) TagLits() *TagLitTable { return vm.tagLits }

// FieldSyms exposes the field symbol table for program loaders.
func (vm *VM) FieldSyms() *FieldSymbolTable { return vm.fieldSyms }

// FuncSyms exposes the function symbol table for program loaders.
func (vm *VM) FuncSyms() *FuncSymbolTable { return vm.funcSyms }

// OpCount returns the execution counter for one opcode. Counters are
// only maintained when TrackOpCounts is set.
func (vm *VM) OpCount(op Opcode) uint64 { return vm.opCounts[op] }

// GlobalRC returns the process-wide retain/release balance.
func (vm *VM) GlobalRC() int64 { return vm.heap.globalRC }

// ---------------------------------------------------------------------------
// Program loading and evaluation
// ---------------------------------------------------------------------------

// LoadProgram installs a compiled program and eagerly runs every
// registered module initializer.
func (vm *VM) LoadProgram(p *Program) {
	vm.prog = p
	vm.strBuf = p.Strings
	for _, rm := range vm.modules {
		vm.runModuleInit(rm)
	}
}

// GlobalsSnapshot captures the static variable cells as raw 64-bit
// words. Heap references cannot survive a snapshot; they are recorded
// as none.
func (vm *VM) GlobalsSnapshot() []uint64 {
	words := make([]uint64, vm.varSyms.Count())
	for i := range words {
		v := vm.varSyms.Get(i)
		if v.IsPointer() {
			v = None
		}
		words[i] = uint64(v)
	}
	return words
}

// RestoreGlobals writes a snapshot back into the static variable cells.
// Cells beyond the snapshot are left untouched.
func (vm *VM) RestoreGlobals(words []uint64) {
	for i, w := range words {
		if i >= vm.varSyms.Count() {
			break
		}
		vm.release(vm.varSyms.Get(i))
		vm.varSyms.Set(i, Value(w))
	}
}

// Eval runs the loaded program's top level on the main fiber and
// returns the value passed to the END instruction.
func (vm *VM) Eval() (Value, error) {
	if vm.prog == nil {
		return None, errors.New("vm: no program loaded")
	}

	// Reset the main fiber.
	vm.installFiber(0, vm.mainFiber)
	vm.pc = 0
	vm.fp = 0
	if need := int(vm.prog.MainLocals); need > len(vm.stack) {
		if err := vm.growStack(need); err != nil {
			return None, vm.panicToError()
		}
	}
	for i := 0; i < 4 && i < len(vm.stack); i++ {
		vm.stack[i] = FromI32(0)
	}
	vm.evalResult = None
	vm.clearPanic()

	for {
		err := vm.run()
		switch {
		case err == nil:
			return vm.evalResult, nil
		case errors.Is(err, errStackOverflow):
			// Grow and re-enter the loop at the same pc.
			if gerr := vm.growStack(vm.growNeeded); gerr != nil {
				return None, vm.panicToError()
			}
		case errors.Is(err, errPanic):
			return None, vm.panicToError()
		default:
			return None, fmt.Errorf("vm: %w", err)
		}
	}
}
