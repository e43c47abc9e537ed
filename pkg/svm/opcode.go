// Package svm implements a small register-based bytecode virtual machine.
//
// The machine owns a bank of 10 typed registers (each holding either an
// unsigned 32-bit integer or a string), a single zero flag set by arithmetic
// and comparison instructions, and a byte buffer that serves both as the
// executable code segment and as flat RAM for the load/store instructions.
//
// Instructions are variable width: one opcode byte followed by a fixed
// per-opcode operand layout. Register operands are one byte (0-9),
// immediates and jump targets are two bytes little-endian, and string
// literals are a one-byte length followed by that many raw bytes.
package svm

import "fmt"

// Opcode byte values. This table is the wire format of compiled programs
// and must never change across versions.
const (
	// Control.
	OpExit = 0x00

	// Integer operations.
	OpIntStore    = 0x01
	OpIntPrint    = 0x02
	OpIntToString = 0x03

	// Jumps.
	OpJumpTo = 0x10
	OpJumpZ  = 0x11
	OpJumpNZ = 0x12

	// Math.
	OpXor = 0x20
	OpAdd = 0x21
	OpSub = 0x22
	OpMul = 0x23
	OpDiv = 0x24
	OpInc = 0x25
	OpDec = 0x26

	// String operations.
	OpStringStore  = 0x30
	OpStringPrint  = 0x31
	OpStringConcat = 0x32
	OpStringSystem = 0x33
	OpStringToInt  = 0x34

	// Comparisons.
	OpCmpReg       = 0x40
	OpCmpImmediate = 0x41

	// Misc.
	OpNop = 0x50

	// RAM access.
	OpLoadFromRAM = 0x60
	OpStoreInRAM  = 0x61
)

// opcodeNames maps opcode bytes to their assembler mnemonics.
var opcodeNames = map[byte]string{
	OpExit:         "exit",
	OpIntStore:     "store",
	OpIntPrint:     "print_int",
	OpIntToString:  "int2string",
	OpJumpTo:       "goto",
	OpJumpZ:        "jmpz",
	OpJumpNZ:       "jmpnz",
	OpXor:          "xor",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpDiv:          "div",
	OpInc:          "inc",
	OpDec:          "dec",
	OpStringStore:  "store_str",
	OpStringPrint:  "print_str",
	OpStringConcat: "concat",
	OpStringSystem: "system",
	OpStringToInt:  "string2int",
	OpCmpReg:       "cmp",
	OpCmpImmediate: "cmp_imm",
	OpNop:          "nop",
	OpLoadFromRAM:  "peek",
	OpStoreInRAM:   "poke",
}

// OpcodeName returns the mnemonic for an opcode byte, or a hex placeholder
// for bytes with no assigned instruction.
func OpcodeName(op byte) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", op)
}
