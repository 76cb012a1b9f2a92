package vm

// ---------------------------------------------------------------------------
// Native function ABI
// ---------------------------------------------------------------------------

// NativeFunc is the free-function ABI. args points at the caller's arg
// slots; the return value is moved into the call's destination slot.
// Returning PanicSentinel asks the VM to raise Panic with the message
// previously set via SetNativePanic.
type NativeFunc func(vm *VM, args []Value, nargs int) Value

// NativeMethod is the object-method ABI: the receiver rides separately.
type NativeMethod func(vm *VM, recv Value, args []Value, nargs int) Value

// NativeMethod2 returns a pair. The caller drops extras and fills
// missing returns with none according to the call site's required count.
type NativeMethod2 func(vm *VM, recv Value, args []Value, nargs int) (Value, Value)

// bindNativeMethod registers a 1-result native method for a type and
// records it in the method-native registry for inline caching.
func (vm *VM) bindNativeMethod(typeID TypeID, name string, numParams uint8, fn NativeMethod) {
	sym := vm.methodSyms.Intern(name)
	entry := MethodEntry{
		Kind:        MethodNative1,
		NumParams:   numParams,
		Native1:     fn,
		NativeIndex: uint32(len(vm.methodNatives)),
	}
	vm.methodNatives = append(vm.methodNatives, entry)
	vm.methodSyms.Bind(sym, typeID, entry)
}

// bindNativeMethod2 registers a 2-result native method.
func (vm *VM) bindNativeMethod2(typeID TypeID, name string, numParams uint8, fn NativeMethod2) {
	sym := vm.methodSyms.Intern(name)
	entry := MethodEntry{
		Kind:        MethodNative2,
		NumParams:   numParams,
		Native2:     fn,
		NativeIndex: uint32(len(vm.methodNatives)),
	}
	vm.methodNatives = append(vm.methodNatives, entry)
	vm.methodSyms.Bind(sym, typeID, entry)
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// A Module maps names to constant bindings and native functions. Modules
// are loaded eagerly at program startup; the initializer hook receives
// the module and populates it through SetVar and SetNativeFunc.
type Module struct {
	Name string

	vm       *VM
	parentID uint32
}

// ModuleInit is the initializer hook signature.
type ModuleInit func(vm *VM, m *Module)

// SetVar installs a constant binding. Ownership of a heap value moves to
// the module's variable cell.
func (m *Module) SetVar(name string, v Value) {
	sym := m.vm.varSyms.Declare(m.parentID, name)
	old := m.vm.varSyms.Get(sym)
	m.vm.release(old)
	m.vm.varSyms.Set(sym, v)
}

// SetNativeFunc installs a native function binding.
func (m *Module) SetNativeFunc(name string, numParams uint8, fn NativeFunc) {
	sym := m.vm.funcSyms.Declare(m.parentID, name, numParams)
	m.vm.funcSyms.Bind(sym, FuncEntry{
		Kind:      FuncNative,
		NumParams: numParams,
		Native:    fn,
	})
}

// RegisterModule queues a module initializer. Initializers run eagerly,
// in registration order, when LoadProgram is called (and immediately if
// a program is already loaded).
func (vm *VM) RegisterModule(name string, init ModuleInit) {
	vm.modules = append(vm.modules, registeredModule{name: name, init: init})
	if vm.prog != nil {
		vm.runModuleInit(vm.modules[len(vm.modules)-1])
	}
}

type registeredModule struct {
	name string
	init ModuleInit
}

func (vm *VM) runModuleInit(rm registeredModule) {
	m := &Module{
		Name:     rm.name,
		vm:       vm,
		parentID: vm.moduleNames.intern(rm.name),
	}
	rm.init(vm, m)
	vm.log.Debugf("loaded module %q", rm.name)
}

// FuncSym resolves a module function symbol id for call sites and tests.
func (vm *VM) FuncSym(module, name string, numParams uint8) int {
	return vm.funcSyms.Declare(vm.moduleNames.intern(module), name, numParams)
}

// VarSym resolves a module variable symbol id.
func (vm *VM) VarSym(module, name string) int {
	return vm.varSyms.Declare(vm.moduleNames.intern(module), name)
}
