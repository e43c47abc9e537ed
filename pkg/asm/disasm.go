package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/svmkit/svm/pkg/svm"
)

// Disassemble renders bytecode as one instruction per line, each prefixed
// with its byte offset. Bytes that do not decode as an instruction are
// emitted as ".byte" directives so trailing scratch data or embedded
// constants never abort the listing.
func Disassemble(code []byte) string {
	var b strings.Builder
	ip := 0
	for ip < len(code) {
		text, width := decodeAt(code, ip)
		fmt.Fprintf(&b, "%04x: %s\n", ip, text)
		ip += width
	}
	return b.String()
}

// decodeAt formats the instruction at ip and reports its width. A width of
// 1 with a ".byte" rendering means the byte could not be decoded.
func decodeAt(code []byte, ip int) (string, int) {
	op := code[ip]
	name := svm.OpcodeName(op)

	switch op {
	case svm.OpExit, svm.OpNop:
		return name, 1

	case svm.OpIntPrint, svm.OpIntToString, svm.OpStringPrint,
		svm.OpStringSystem, svm.OpStringToInt, svm.OpInc, svm.OpDec:
		if ip+1 >= len(code) {
			break
		}
		return fmt.Sprintf("%s r%d", name, code[ip+1]), 2

	case svm.OpLoadFromRAM, svm.OpStoreInRAM, svm.OpCmpReg:
		if ip+2 >= len(code) {
			break
		}
		return fmt.Sprintf("%s r%d, r%d", name, code[ip+1], code[ip+2]), 3

	case svm.OpXor, svm.OpAdd, svm.OpSub, svm.OpMul, svm.OpDiv,
		svm.OpStringConcat:
		if ip+3 >= len(code) {
			break
		}
		return fmt.Sprintf("%s r%d, r%d, r%d", name, code[ip+1], code[ip+2], code[ip+3]), 4

	case svm.OpJumpTo, svm.OpJumpZ, svm.OpJumpNZ:
		if ip+2 >= len(code) {
			break
		}
		target := int(code[ip+1]) | int(code[ip+2])<<8
		return fmt.Sprintf("%s 0x%04x", name, target), 3

	case svm.OpIntStore, svm.OpCmpImmediate:
		if ip+3 >= len(code) {
			break
		}
		imm := int(code[ip+2]) | int(code[ip+3])<<8
		return fmt.Sprintf("%s r%d, %d", name, code[ip+1], imm), 4

	case svm.OpStringStore:
		if ip+2 >= len(code) {
			break
		}
		length := int(code[ip+2])
		if ip+3+length > len(code) {
			break
		}
		lit := strconv.Quote(string(code[ip+3 : ip+3+length]))
		return fmt.Sprintf("%s r%d, %s", name, code[ip+1], lit), 3 + length
	}

	return fmt.Sprintf(".byte 0x%02x", op), 1
}
