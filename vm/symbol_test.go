package vm

import "testing"

// ---------------------------------------------------------------------------
// Field symbols
// ---------------------------------------------------------------------------

func TestFieldSymbolMRU(t *testing.T) {
	ft := NewFieldSymbolTable()
	sym := ft.Intern("x")
	if ft.Intern("x") != sym {
		t.Error("interning the same name twice must return one id")
	}

	ft.Bind(sym, TypeUserBase+0, 0)
	ft.Bind(sym, TypeUserBase+1, 3)

	// First resolve goes through the fallback map and primes the MRU.
	off, ok := ft.Resolve(sym, TypeUserBase+1)
	if !ok || off != 3 {
		t.Fatalf("Resolve = (%d, %v), want (3, true)", off, ok)
	}
	e := &ft.entries[sym]
	if !e.mruValid || e.mruTypeID != TypeUserBase+1 || e.mruOffset != 3 {
		t.Error("MRU not updated after fallback hit")
	}

	// A different shape misses the MRU, resolves, and replaces it.
	off, ok = ft.Resolve(sym, TypeUserBase+0)
	if !ok || off != 0 {
		t.Fatalf("Resolve = (%d, %v), want (0, true)", off, ok)
	}
	if e.mruTypeID != TypeUserBase+0 {
		t.Error("MRU not replaced on shape change")
	}

	if _, ok := ft.Resolve(sym, TypeUserBase+9); ok {
		t.Error("unbound shape must miss")
	}
}

// ---------------------------------------------------------------------------
// Method symbols
// ---------------------------------------------------------------------------

func TestMethodSymbolResolve(t *testing.T) {
	mt := NewMethodSymbolTable()
	sym := mt.Intern("area")

	entry := MethodEntry{Kind: MethodBytecode, NumParams: 0, PC: 99, NumLocals: 6}
	mt.Bind(sym, TypeUserBase+2, entry)

	got, ok := mt.Resolve(sym, TypeUserBase+2)
	if !ok || got.PC != 99 || got.Kind != MethodBytecode {
		t.Fatalf("Resolve = (%+v, %v)", got, ok)
	}
	// The fallback hit must prime the MRU.
	e := &mt.entries[sym]
	if !e.mruValid || e.mruTypeID != TypeUserBase+2 {
		t.Error("MRU not primed")
	}
	if _, ok := mt.Resolve(sym, TypeList); ok {
		t.Error("unbound type must miss")
	}
}

// ---------------------------------------------------------------------------
// Function and variable symbols
// ---------------------------------------------------------------------------

func TestFuncSymbolKeying(t *testing.T) {
	ft := NewFuncSymbolTable()
	a := ft.Declare(0, "f", 1)
	b := ft.Declare(0, "f", 2) // same name, different arity
	c := ft.Declare(1, "f", 1) // different parent
	if a == b || a == c || b == c {
		t.Error("signatures must key distinct symbols")
	}
	if ft.Declare(0, "f", 1) != a {
		t.Error("redeclaring must return the same symbol")
	}

	ft.Bind(a, FuncEntry{Kind: FuncBytecode, NumParams: 1, PC: 7, NumLocals: 8})
	if e := ft.Entry(a); e.Kind != FuncBytecode || e.PC != 7 {
		t.Errorf("entry = %+v", e)
	}
	if e := ft.Entry(b); e.Kind != FuncNone {
		t.Error("declared but unbound entry must be FuncNone")
	}
}

func TestVarSymbolCells(t *testing.T) {
	vt := NewVarSymbolTable()
	a := vt.Declare(0, "x")
	if !vt.Get(a).IsNone() {
		t.Error("fresh cell must hold none")
	}
	vt.Set(a, FromF64(3))
	if vt.Get(a).AsF64() != 3 {
		t.Error("cell write lost")
	}
	if vt.Declare(0, "x") != a {
		t.Error("redeclare must find the same cell")
	}
}

// ---------------------------------------------------------------------------
// Tags and structs
// ---------------------------------------------------------------------------

func TestTagTables(t *testing.T) {
	tt := NewTagTypeTable()
	id := tt.Intern("Color", 3)
	if tt.Intern("Color", 3) != id {
		t.Error("tag type interning must be stable")
	}
	if tt.Name(id) != "Color" {
		t.Error("tag type name mismatched")
	}

	lt := NewTagLitTable()
	red := lt.Intern("red")
	blue := lt.Intern("blue")
	if red == blue {
		t.Error("distinct literals must get distinct ids")
	}
	if lt.Name(red) != "red" {
		t.Error("literal name mismatched")
	}
}

func TestStructTable(t *testing.T) {
	st := NewStructTable()
	id := st.Register("Point", 2)
	if st.numFields(id) != 2 || st.Name(id) != "Point" {
		t.Error("shape record mismatched")
	}
	if st.Register("Point", 2) != id {
		t.Error("re-registering must find the same id")
	}
}
