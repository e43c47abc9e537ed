// Package asm translates textual assembly into svm bytecode and back.
//
// The source language is line oriented: one instruction per line, labels
// declared as "name:", comments introduced with ';' or '#'. Registers are
// written r0..r9, integers as decimal or 0x-prefixed hex, strings as
// double-quoted literals with the usual backslash escapes.
//
// The assembler is two-pass: the first pass parses every line and assigns
// byte offsets so labels can be referenced before they are declared, the
// second pass emits the wire format.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/svmkit/svm/pkg/svm"
)

var (
	// ErrSyntax is returned for lines that cannot be parsed.
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownInstruction is returned for unrecognized mnemonics.
	ErrUnknownInstruction = errors.New("unknown instruction")

	// ErrUnknownLabel is returned when a jump references an undeclared label.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrDuplicateLabel is returned when a label is declared twice.
	ErrDuplicateLabel = errors.New("duplicate label")

	// ErrOperandRange is returned for immediates beyond 16 bits or string
	// literals beyond 255 bytes.
	ErrOperandRange = errors.New("operand out of range")
)

// operand classes used by the instruction table.
type operandKind uint8

const (
	opdReg operandKind = iota
	opdImm
	opdTarget
	opdStr
	opdRegOrImm // cmp: second operand selects the opcode
)

// spec describes one mnemonic: the opcode it emits and its operand layout.
// cmp is special-cased (two opcodes) and handled in the encoder.
type spec struct {
	opcode   byte
	operands []operandKind
}

var mnemonics = map[string]spec{
	"exit":       {svm.OpExit, nil},
	"nop":        {svm.OpNop, nil},
	"print_int":  {svm.OpIntPrint, []operandKind{opdReg}},
	"int2string": {svm.OpIntToString, []operandKind{opdReg}},
	"print_str":  {svm.OpStringPrint, []operandKind{opdReg}},
	"system":     {svm.OpStringSystem, []operandKind{opdReg}},
	"string2int": {svm.OpStringToInt, []operandKind{opdReg}},
	"goto":       {svm.OpJumpTo, []operandKind{opdTarget}},
	"jmpz":       {svm.OpJumpZ, []operandKind{opdTarget}},
	"jmpnz":      {svm.OpJumpNZ, []operandKind{opdTarget}},
	"xor":        {svm.OpXor, []operandKind{opdReg, opdReg, opdReg}},
	"add":        {svm.OpAdd, []operandKind{opdReg, opdReg, opdReg}},
	"sub":        {svm.OpSub, []operandKind{opdReg, opdReg, opdReg}},
	"mul":        {svm.OpMul, []operandKind{opdReg, opdReg, opdReg}},
	"div":        {svm.OpDiv, []operandKind{opdReg, opdReg, opdReg}},
	"concat":     {svm.OpStringConcat, []operandKind{opdReg, opdReg, opdReg}},
	"inc":        {svm.OpInc, []operandKind{opdReg}},
	"dec":        {svm.OpDec, []operandKind{opdReg}},
	"cmp":        {svm.OpCmpReg, []operandKind{opdReg, opdRegOrImm}},
	"peek":       {svm.OpLoadFromRAM, []operandKind{opdReg, opdReg}},
	"poke":       {svm.OpStoreInRAM, []operandKind{opdReg, opdReg}},
	// store resolves to the integer or string opcode by its operand; the
	// explicit forms exist so disassembler output assembles back unchanged.
	"store":     {svm.OpIntStore, []operandKind{opdReg, opdRegOrImm}},
	"store_str": {svm.OpStringStore, []operandKind{opdReg, opdStr}},
	"cmp_imm":   {svm.OpCmpImmediate, []operandKind{opdReg, opdImm}},
}

// statement is one parsed instruction with its source position.
type statement struct {
	line     int
	mnemonic string
	args     []string
	offset   int
}

// Assemble translates source text into bytecode.
func Assemble(src string) ([]byte, error) {
	labels := make(map[string]int)
	var stmts []statement

	// Pass one: parse, size, and collect labels.
	offset := 0
	for n, raw := range strings.Split(src, "\n") {
		line := stripComment(raw)
		if line == "" {
			continue
		}

		if name, ok := strings.CutSuffix(line, ":"); ok && !strings.ContainsAny(name, " \t,") {
			if _, dup := labels[name]; dup {
				return nil, fmt.Errorf("line %d: %w: %q", n+1, ErrDuplicateLabel, name)
			}
			labels[name] = offset
			continue
		}

		st, err := parseStatement(n+1, line)
		if err != nil {
			return nil, err
		}
		st.offset = offset

		size, err := st.size()
		if err != nil {
			return nil, err
		}
		offset += size
		stmts = append(stmts, st)
	}

	if offset > svm.MaxCodeSize {
		return nil, fmt.Errorf("%w: program is %d bytes", ErrOperandRange, offset)
	}

	// Pass two: emit.
	out := make([]byte, 0, offset)
	for _, st := range stmts {
		encoded, err := st.encode(labels)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	return out, nil
}

// MustAssemble is Assemble for fixtures; it panics on error.
func MustAssemble(src string) []byte {
	code, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return code
}

// stripComment trims whitespace and drops ';' / '#' comments, keeping
// characters inside string literals intact.
func stripComment(line string) string {
	inString := false
	escaped := false
	for i, r := range line {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case (r == ';' || r == '#') && !inString:
			return strings.TrimSpace(line[:i])
		}
	}
	return strings.TrimSpace(line)
}

// parseStatement splits a line into mnemonic and comma-separated operands.
func parseStatement(line int, text string) (statement, error) {
	mnemonic, rest, _ := strings.Cut(text, " ")
	mnemonic = strings.ToLower(strings.TrimSpace(mnemonic))
	if _, ok := mnemonics[mnemonic]; !ok {
		return statement{}, fmt.Errorf("line %d: %w: %q", line, ErrUnknownInstruction, mnemonic)
	}

	st := statement{line: line, mnemonic: mnemonic}
	if args := strings.TrimSpace(rest); args != "" {
		for _, a := range splitArgs(args) {
			st.args = append(st.args, strings.TrimSpace(a))
		}
	}

	want := len(mnemonics[mnemonic].operands)
	if len(st.args) != want {
		return statement{}, fmt.Errorf("line %d: %w: %s takes %d operand(s), got %d",
			line, ErrSyntax, mnemonic, want, len(st.args))
	}
	return st, nil
}

// splitArgs splits on commas outside string literals.
func splitArgs(s string) []string {
	var parts []string
	start := 0
	inString := false
	escaped := false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case r == ',' && !inString:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// size returns the encoded width of the statement in bytes.
func (st statement) size() (int, error) {
	switch st.mnemonic {
	case "store", "store_str":
		if isStringLiteral(st.args[1]) {
			s, err := parseStringLiteral(st.line, st.args[1])
			if err != nil {
				return 0, err
			}
			return 3 + len(s), nil // opcode, reg, length, bytes
		}
		return 4, nil // opcode, reg, imm16
	case "cmp":
		if isRegister(st.args[1]) {
			return 3, nil // opcode, reg, reg
		}
		return 4, nil // opcode, reg, imm16
	}

	size := 1
	for _, k := range mnemonics[st.mnemonic].operands {
		switch k {
		case opdReg:
			size++
		case opdImm, opdTarget:
			size += 2
		}
	}
	return size, nil
}

// encode emits the statement's wire format, resolving label references.
func (st statement) encode(labels map[string]int) ([]byte, error) {
	sp := mnemonics[st.mnemonic]

	switch st.mnemonic {
	case "store", "store_str":
		reg, err := parseRegister(st.line, st.args[0])
		if err != nil {
			return nil, err
		}
		if st.mnemonic == "store_str" && !isStringLiteral(st.args[1]) {
			return nil, fmt.Errorf("line %d: %w: store_str takes a string literal", st.line, ErrSyntax)
		}
		if isStringLiteral(st.args[1]) {
			s, err := parseStringLiteral(st.line, st.args[1])
			if err != nil {
				return nil, err
			}
			if len(s) > 0xFF {
				return nil, fmt.Errorf("line %d: %w: string literal is %d bytes (max 255)",
					st.line, ErrOperandRange, len(s))
			}
			out := []byte{svm.OpStringStore, reg, byte(len(s))}
			return append(out, s...), nil
		}
		imm, err := parseImmediate(st.line, st.args[1])
		if err != nil {
			return nil, err
		}
		return []byte{svm.OpIntStore, reg, byte(imm), byte(imm >> 8)}, nil

	case "cmp":
		reg, err := parseRegister(st.line, st.args[0])
		if err != nil {
			return nil, err
		}
		if isRegister(st.args[1]) {
			reg2, err := parseRegister(st.line, st.args[1])
			if err != nil {
				return nil, err
			}
			return []byte{svm.OpCmpReg, reg, reg2}, nil
		}
		imm, err := parseImmediate(st.line, st.args[1])
		if err != nil {
			return nil, err
		}
		return []byte{svm.OpCmpImmediate, reg, byte(imm), byte(imm >> 8)}, nil
	}

	out := []byte{sp.opcode}
	for i, kind := range sp.operands {
		arg := st.args[i]
		switch kind {
		case opdReg:
			reg, err := parseRegister(st.line, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, reg)
		case opdTarget:
			target, err := resolveTarget(st.line, arg, labels)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(target), byte(target>>8))
		case opdImm:
			imm, err := parseImmediate(st.line, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(imm), byte(imm>>8))
		}
	}
	return out, nil
}

func isRegister(s string) bool {
	return len(s) >= 2 && (s[0] == 'r' || s[0] == 'R') &&
		s[1] >= '0' && s[1] <= '9'
}

func isStringLiteral(s string) bool {
	return strings.HasPrefix(s, `"`)
}

func parseRegister(line int, s string) (byte, error) {
	if !isRegister(s) {
		return 0, fmt.Errorf("line %d: %w: expected register, got %q", line, ErrSyntax, s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n >= svm.RegisterCount {
		return 0, fmt.Errorf("line %d: %w: register %q (valid: r0-r%d)",
			line, ErrOperandRange, s, svm.RegisterCount-1)
	}
	return byte(n), nil
}

func parseImmediate(line int, s string) (int, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("line %d: %w: bad integer %q", line, ErrSyntax, s)
	}
	if n > 0xFFFF {
		return 0, fmt.Errorf("line %d: %w: %d does not fit 16 bits", line, ErrOperandRange, n)
	}
	return int(n), nil
}

func parseStringLiteral(line int, s string) ([]byte, error) {
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w: bad string literal %s", line, ErrSyntax, s)
	}
	return []byte(unquoted), nil
}

// resolveTarget accepts a label name or a literal address.
func resolveTarget(line int, s string, labels map[string]int) (int, error) {
	if target, ok := labels[s]; ok {
		return target, nil
	}
	if n, err := strconv.ParseUint(s, 0, 16); err == nil {
		return int(n), nil
	}
	return 0, fmt.Errorf("line %d: %w: %q", line, ErrUnknownLabel, s)
}
