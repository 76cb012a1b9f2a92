package vm

import "sort"

// NullID marks an absent id in debug entries and symbol references.
const NullID = 0xFFFFFFFF

// ---------------------------------------------------------------------------
// Program: the unit of execution
// ---------------------------------------------------------------------------

// Program is the compiled form the core consumes. The parser, analyzer
// and code generator that produce it are external collaborators; the
// core only reads (and, for inline caches, rewrites) these streams.
type Program struct {
	// Bytecode is the instruction stream. It is mutable: inline caches
	// rewrite instruction bytes in place. Single-owner by contract;
	// cooperative scheduling makes concurrent readers impossible.
	Bytecode []byte

	// Consts is the constant pool: 64-bit words holding numbers and
	// static string slices. Opcodes carry 8-bit indexes into it.
	Consts []Value

	// Strings is the shared static string buffer. UTF-8 literals are
	// preceded by a 12-byte header (code-point length + MRU pair).
	Strings []byte

	// Debug maps pc to source locations, sorted by pc.
	Debug []DebugEntry

	// FuncNames backs the frame-location ids in Debug.
	FuncNames []string

	// MainLocals is the frame size of the top-level code.
	MainLocals uint8
}

// DebugEntry maps a pc to a source location. FrameLoc indexes FuncNames
// (NullID for top level). EndLocalsPC, when set, points at a RELEASE_N
// instruction enumerating the locals live at this pc; the fiber unwinder
// interprets it without executing the frame.
type DebugEntry struct {
	PC          uint32
	Line        uint32
	Col         uint32
	FrameLoc    uint32
	EndLocalsPC uint32
}

// lookupDebug returns the debug entry governing pc: the last entry whose
// PC is at or before it. Returns nil when the table has no entry there.
func (p *Program) lookupDebug(pc int) *DebugEntry {
	idx := sort.Search(len(p.Debug), func(i int) bool {
		return p.Debug[i].PC > uint32(pc)
	})
	if idx == 0 {
		return nil
	}
	return &p.Debug[idx-1]
}

// funcName resolves a frame-location id to a display name.
func (p *Program) funcName(frameLoc uint32) string {
	if frameLoc == NullID {
		return "main"
	}
	return p.FuncNames[frameLoc]
}
