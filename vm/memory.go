package vm

// ---------------------------------------------------------------------------
// Cycle detection
// ---------------------------------------------------------------------------

// Reference counting cannot reclaim cycles. CheckMemory is an explicit,
// on-demand diagnostic pass: it walks every live object, DFS-traverses
// the ownership edges that can close cycles (list elements and user
// object fields), collects the root of every back edge, and force
// releases those roots. It is never run automatically.

// rcNode tracks DFS state for one live object.
type rcNode struct {
	visited bool // DFS finished
	entered bool // currently on the DFS stack
}

// CheckMemory scans the live heap for reference cycles. Every cycle root
// found is force-released, which deallocates the object and removes its
// own count from the global rc balance. Returns false if any cycle was
// found; the roots of the last scan are available via CycleRoots.
func (vm *VM) CheckMemory() bool {
	nodes := make(map[ObjRef]*rcNode)
	vm.heap.liveObjects(func(ref ObjRef, o *Object) {
		nodes[ref] = &rcNode{}
	})

	vm.cycleRoots = vm.cycleRoots[:0]
	for ref, node := range nodes {
		if !node.visited {
			vm.cycleDFS(ref, nodes)
		}
	}

	if len(vm.cycleRoots) == 0 {
		return true
	}

	vm.log.Infof("cycle detection: %d root(s) found, force releasing", len(vm.cycleRoots))

	// While the pass runs, releases against already-reclaimed slots are
	// suppressed: that is what breaks the cycles.
	vm.forcePass = make(map[ObjRef]bool)
	defer func() { vm.forcePass = nil }()

	for _, root := range vm.cycleRoots {
		if !vm.forcePass[root] {
			vm.forceRelease(root)
		}
	}
	return false
}

// CycleRoots returns the cycle roots found by the last CheckMemory scan.
func (vm *VM) CycleRoots() []ObjRef {
	return vm.cycleRoots
}

// cycleDFS walks the cycle-prone edges out of ref. A child that is on
// the current DFS stack closes a cycle; that child is the cycle root.
func (vm *VM) cycleDFS(ref ObjRef, nodes map[ObjRef]*rcNode) {
	node := nodes[ref]
	node.entered = true

	for _, child := range vm.cycleChildren(ref) {
		cn := nodes[child]
		if cn == nil {
			continue
		}
		if cn.entered && !cn.visited {
			vm.cycleRoots = append(vm.cycleRoots, child)
			continue
		}
		if !cn.visited {
			vm.cycleDFS(child, nodes)
		}
	}

	node.entered = false
	node.visited = true
}

// cycleChildren returns the pointer children that can participate in a
// cycle: list elements and user object fields.
func (vm *VM) cycleChildren(ref ObjRef) []ObjRef {
	o := vm.heap.obj(ref)
	var children []ObjRef
	appendPtr := func(v Value) {
		if v.IsPointer() {
			children = append(children, v.AsPointer())
		}
	}
	switch {
	case o.typeID == TypeList:
		for _, el := range o.list().elems {
			appendPtr(el)
		}
	case o.typeID.isUserObject():
		for _, f := range o.fields() {
			appendPtr(f)
		}
	}
	return children
}

// forceRelease deallocates a cycle root regardless of its count,
// removing the object's own rc from the global balance (equivalent to
// assuming it was otherwise unreachable). Children are released through
// the ordinary destructor path, which the active pass guards against
// references back into reclaimed slots.
func (vm *VM) forceRelease(ref ObjRef) {
	o := vm.heap.obj(ref)
	vm.heap.globalRC -= int64(o.rc)
	o.rc = 0
	vm.freeObject(ref, o)
}
