package asm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/svmkit/svm/pkg/svm"
)

func TestAssembleBasic(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []byte
	}{
		{
			name: "exit only",
			src:  "exit",
			want: []byte{svm.OpExit},
		},
		{
			name: "int store and print",
			src:  "store r0, 1337\nprint_int r0\nexit",
			want: []byte{
				svm.OpIntStore, 0, 0x39, 0x05,
				svm.OpIntPrint, 0,
				svm.OpExit,
			},
		},
		{
			name: "hex immediate",
			src:  "store r3, 0xCAFE",
			want: []byte{svm.OpIntStore, 3, 0xFE, 0xCA},
		},
		{
			name: "string store",
			src:  `store r1, "hi"`,
			want: []byte{svm.OpStringStore, 1, 2, 'h', 'i'},
		},
		{
			name: "string escapes",
			src:  `store r0, "a\nb"`,
			want: []byte{svm.OpStringStore, 0, 3, 'a', '\n', 'b'},
		},
		{
			name: "three register math",
			src:  "add r2, r0, r1",
			want: []byte{svm.OpAdd, 2, 0, 1},
		},
		{
			name: "cmp against register",
			src:  "cmp r0, r1",
			want: []byte{svm.OpCmpReg, 0, 1},
		},
		{
			name: "cmp against immediate",
			src:  "cmp r0, 42",
			want: []byte{svm.OpCmpImmediate, 0, 42, 0},
		},
		{
			name: "ram access",
			src:  "peek r0, r1\npoke r2, r3",
			want: []byte{svm.OpLoadFromRAM, 0, 1, svm.OpStoreInRAM, 2, 3},
		},
		{
			name: "comments and blank lines",
			src:  "; header\n\nnop # trailing\n  exit  ",
			want: []byte{svm.OpNop, svm.OpExit},
		},
		{
			name: "comment char inside string",
			src:  `store r0, "a;b#c"`,
			want: []byte{svm.OpStringStore, 0, 5, 'a', ';', 'b', '#', 'c'},
		},
		{
			name: "numeric jump target",
			src:  "goto 0x0010",
			want: []byte{svm.OpJumpTo, 0x10, 0x00},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Assemble(tc.src)
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("got % X, want % X", got, tc.want)
			}
		})
	}
}

func TestAssembleLabels(t *testing.T) {
	src := `
		store r0, 5
	loop:
		dec r0
		jmpnz loop
		exit
	`
	got, err := Assemble(src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	want := []byte{
		svm.OpIntStore, 0, 5, 0, // 0000
		svm.OpDec, 0, // 0004 loop:
		svm.OpJumpNZ, 0x04, 0x00, // 0006
		svm.OpExit, // 0009
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestAssembleForwardReference(t *testing.T) {
	src := `
		cmp r0, 0
		jmpz done
		print_int r0
	done:
		exit
	`
	got, err := Assemble(src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// done sits after cmp_imm (4) + jmpz (3) + print_int (2) = offset 9.
	want := []byte{
		svm.OpCmpImmediate, 0, 0, 0,
		svm.OpJumpZ, 0x09, 0x00,
		svm.OpIntPrint, 0,
		svm.OpExit,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"unknown mnemonic", "frobnicate r0", ErrUnknownInstruction},
		{"missing operand", "add r0, r1", ErrSyntax},
		{"extra operand", "exit r0", ErrSyntax},
		{"bad register", "inc r10", ErrOperandRange},
		{"not a register", "inc 5", ErrSyntax},
		{"immediate too wide", "store r0, 65536", ErrOperandRange},
		{"unknown label", "goto nowhere", ErrUnknownLabel},
		{"duplicate label", "x:\nnop\nx:\nexit", ErrDuplicateLabel},
		{"unterminated string", `store r0, "oops`, ErrSyntax},
		{"store_str with integer", "store_str r0, 5", ErrSyntax},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble(tc.src)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAssembledProgramRuns(t *testing.T) {
	code := MustAssemble(`
		store r0, "hello, "
		store r1, "world"
		concat r2, r0, r1
		print_str r2
		exit
	`)
	m, err := svm.New(code)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out bytes.Buffer
	m.SetOutput(&out)
	m.SetErrorHandler(func(msg string) { t.Fatalf("runtime error: %s", msg) })
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.String(); got != "hello, world" {
		t.Fatalf("output %q, want %q", got, "hello, world")
	}
}

func TestDisassemble(t *testing.T) {
	code := []byte{
		svm.OpIntStore, 0, 0x39, 0x05,
		svm.OpStringStore, 1, 2, 'h', 'i',
		svm.OpAdd, 2, 0, 1,
		svm.OpJumpZ, 0x0B, 0x00,
		svm.OpExit,
		0xFF,
	}
	got := Disassemble(code)
	want := strings.Join([]string{
		"0000: store r0, 1337",
		"0004: store_str r1, \"hi\"",
		"0009: add r2, r0, r1",
		"000d: jmpz 0x000b",
		"0010: exit",
		"0011: .byte 0xff",
		"",
	}, "\n")
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestDisassembleTruncated(t *testing.T) {
	// A store opcode with no operands decodes as raw bytes, not a panic.
	got := Disassemble([]byte{svm.OpIntStore})
	if want := "0000: .byte 0x01\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	src := `
		store r0, 10
		store r1, "x"
	loop:
		dec r0
		jmpnz loop
		cmp r0, 0
		cmp r0, r1
		exit
	`
	// Note cmp r0, r1 follows a halt so the kind mismatch never executes.
	code := MustAssemble(src)
	again, err := Assemble(Disassemble(code))
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !bytes.Equal(code, again) {
		t.Fatalf("round trip mismatch:\ngot  % X\nwant % X", again, code)
	}
}
