package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders a bytecode stream one instruction per line. Since
// inline caches rewrite instructions in place, disassembling a program
// that already ran shows the specialized forms.
func Disassemble(bc []byte) string {
	var sb strings.Builder
	pc := 0
	for pc < len(bc) {
		op := Opcode(bc[pc])
		length := InstrLen(bc, pc)
		fmt.Fprintf(&sb, "%04d  %-24s", pc, op.Name())
		for i := 1; i < length; i++ {
			fmt.Fprintf(&sb, " %02x", bc[pc+i])
		}
		sb.WriteByte('\n')
		pc += length
	}
	return sb.String()
}
