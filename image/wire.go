// Package image serializes compiled programs and persists them, along
// with global-variable snapshots, in a local store.
package image

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kestrel/vm"
)

// cborEncMode uses canonical options for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// wireProgram is the serialized form of a compiled program. Constants
// are raw 64-bit words; only numbers and static string slices are legal
// in a constant pool, so no heap references can leak into an image.
type wireProgram struct {
	Version    int          `cbor:"version"`
	Bytecode   []byte       `cbor:"bytecode"`
	Consts     []uint64     `cbor:"consts"`
	Strings    []byte       `cbor:"strings"`
	Debug      []wireDebug  `cbor:"debug,omitempty"`
	FuncNames  []string     `cbor:"funcNames,omitempty"`
	MainLocals uint8        `cbor:"mainLocals"`
}

type wireDebug struct {
	PC          uint32 `cbor:"pc"`
	Line        uint32 `cbor:"line"`
	Col         uint32 `cbor:"col"`
	FrameLoc    uint32 `cbor:"frameLoc"`
	EndLocalsPC uint32 `cbor:"endLocalsPc"`
}

// wireVersion is bumped on incompatible format changes.
const wireVersion = 1

// MarshalProgram serializes a program to CBOR bytes.
func MarshalProgram(p *vm.Program) ([]byte, error) {
	w := wireProgram{
		Version:    wireVersion,
		Bytecode:   p.Bytecode,
		Consts:     make([]uint64, len(p.Consts)),
		Strings:    p.Strings,
		FuncNames:  p.FuncNames,
		MainLocals: p.MainLocals,
	}
	for i, c := range p.Consts {
		w.Consts[i] = uint64(c)
	}
	for _, d := range p.Debug {
		w.Debug = append(w.Debug, wireDebug(d))
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalProgram deserializes a program from CBOR bytes.
func UnmarshalProgram(data []byte) (*vm.Program, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("image: unmarshal program: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("image: unsupported wire version %d", w.Version)
	}
	p := &vm.Program{
		Bytecode:   w.Bytecode,
		Consts:     make([]vm.Value, len(w.Consts)),
		Strings:    w.Strings,
		FuncNames:  w.FuncNames,
		MainLocals: w.MainLocals,
	}
	for i, c := range w.Consts {
		p.Consts[i] = vm.Value(c)
	}
	for _, d := range w.Debug {
		p.Debug = append(p.Debug, vm.DebugEntry(d))
	}
	return p, nil
}

// MarshalGlobals serializes a globals snapshot.
func MarshalGlobals(words []uint64) ([]byte, error) {
	return cborEncMode.Marshal(words)
}

// UnmarshalGlobals deserializes a globals snapshot.
func UnmarshalGlobals(data []byte) ([]uint64, error) {
	var words []uint64
	if err := cbor.Unmarshal(data, &words); err != nil {
		return nil, fmt.Errorf("image: unmarshal globals: %w", err)
	}
	return words, nil
}
