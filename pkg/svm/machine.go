package svm

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
)

// MaxCodeSize is the largest loadable program. Jump targets and RAM
// addresses are encoded in 16 bits, so nothing past 64KB is reachable.
const MaxCodeSize = 0x10000

// ErrorHandler receives a descriptive message for every unrecoverable
// condition (type mismatch, division by zero, bad jump, illegal opcode, ...).
// After the handler returns, the machine is halted regardless of what the
// handler did; a handler can observe and decide how the host reacts, but it
// cannot resume the run.
type ErrorHandler func(msg string)

// SpawnFunc executes a command on behalf of the STRING_SYSTEM instruction.
// The core does not implement process execution; front ends install one.
type SpawnFunc func(command string) error

// opHandler executes one instruction. On entry m.next points just past the
// opcode byte; the handler consumes its operands through the read helpers
// (or redirects m.next for jumps) and returns an error for any condition
// that must go through the error channel.
type opHandler func(m *Machine) error

// state tracks the machine lifecycle: Ready until Run is called, Running
// inside the loop, Halted forever after.
type state uint8

const (
	stateReady state = iota
	stateRunning
	stateHalted
)

// Machine is a single-threaded bytecode interpreter instance. It is not safe
// for concurrent use; independent machines share nothing and may run in
// parallel.
type Machine struct {
	regs  [RegisterCount]Value
	zflag bool

	// code doubles as the executable segment and as flat RAM for the
	// peek/poke instructions.
	code []byte

	ip   int // offset of the opcode being executed
	next int // decode cursor; becomes the next ip unless a jump redirects it

	handlers [256]opHandler

	onError ErrorHandler
	out     io.Writer
	spawn   SpawnFunc

	state state
	err   error
	trace bool
}

// New creates a machine with the given bytecode loaded at offset 0. The
// machine keeps its own copy of the code, since STORE_IN_RAM mutates it.
func New(code []byte) (*Machine, error) {
	if len(code) == 0 {
		return nil, ErrNoCode
	}
	if len(code) > MaxCodeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, len(code))
	}

	m := &Machine{
		code: append([]byte(nil), code...),
		out:  os.Stdout,
	}
	m.onError = func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	m.spawn = func(string) error { return ErrNoSpawner }

	for i := range m.handlers {
		m.handlers[i] = (*Machine).opIllegal
	}
	m.handlers[OpExit] = (*Machine).opExit
	m.handlers[OpNop] = (*Machine).opNop

	m.handlers[OpIntStore] = (*Machine).opIntStore
	m.handlers[OpIntPrint] = (*Machine).opIntPrint
	m.handlers[OpIntToString] = (*Machine).opIntToString

	m.handlers[OpStringStore] = (*Machine).opStringStore
	m.handlers[OpStringPrint] = (*Machine).opStringPrint
	m.handlers[OpStringConcat] = (*Machine).opStringConcat
	m.handlers[OpStringSystem] = (*Machine).opStringSystem
	m.handlers[OpStringToInt] = (*Machine).opStringToInt

	m.handlers[OpJumpTo] = (*Machine).opJumpTo
	m.handlers[OpJumpZ] = (*Machine).opJumpZ
	m.handlers[OpJumpNZ] = (*Machine).opJumpNZ

	m.handlers[OpXor] = (*Machine).opXor
	m.handlers[OpAdd] = (*Machine).opAdd
	m.handlers[OpSub] = (*Machine).opSub
	m.handlers[OpMul] = (*Machine).opMul
	m.handlers[OpDiv] = (*Machine).opDiv
	m.handlers[OpInc] = (*Machine).opInc
	m.handlers[OpDec] = (*Machine).opDec

	m.handlers[OpCmpReg] = (*Machine).opCmpReg
	m.handlers[OpCmpImmediate] = (*Machine).opCmpImmediate

	m.handlers[OpLoadFromRAM] = (*Machine).opLoadFromRAM
	m.handlers[OpStoreInRAM] = (*Machine).opStoreInRAM

	return m, nil
}

// SetErrorHandler replaces the default error handler, which prints the
// message to stderr and terminates the process.
func (m *Machine) SetErrorHandler(h ErrorHandler) {
	if h != nil {
		m.onError = h
	}
}

// SetOutput redirects the PRINT instruction family. The default is stdout.
func (m *Machine) SetOutput(w io.Writer) {
	if w != nil {
		m.out = w
	}
}

// SetSpawnFunc installs the process spawner used by STRING_SYSTEM. Without
// one, STRING_SYSTEM is a reported error.
func (m *Machine) SetSpawnFunc(fn SpawnFunc) {
	if fn != nil {
		m.spawn = fn
	}
}

// SetTrace enables per-instruction logging of the fetch-decode loop.
func (m *Machine) SetTrace(on bool) {
	m.trace = on
}

// Run drives the fetch-decode-execute loop until an EXIT instruction, a
// reported error, or the instruction pointer walking off the end of the
// code segment. Walking off the end is a clean halt, not an error. A halted
// machine cannot be re-run.
func (m *Machine) Run() error {
	if m.state == stateHalted {
		return ErrHalted
	}
	m.state = stateRunning

	for m.state == stateRunning && m.ip < len(m.code) {
		op := m.code[m.ip]
		m.next = m.ip + 1

		if m.trace {
			log.Printf("svm: ip=%04X opcode=0x%02X %s", m.ip, op, OpcodeName(op))
		}

		if err := m.handlers[op](m); err != nil {
			m.fail(err)
			return m.err
		}

		m.ip = m.next
	}

	m.state = stateHalted
	return nil
}

// fail records the error, notifies the error channel, and halts. The default
// handler never returns; a custom one merely observes.
func (m *Machine) fail(err error) {
	m.err = err
	m.state = stateHalted
	m.onError(err.Error())
}

// Halted reports whether the machine has reached its terminal state.
func (m *Machine) Halted() bool {
	return m.state == stateHalted
}

// Err returns the error that halted the machine, if any.
func (m *Machine) Err() error {
	return m.err
}

// IP returns the current instruction pointer.
func (m *Machine) IP() int {
	return m.ip
}

// ZFlag returns the zero flag.
func (m *Machine) ZFlag() bool {
	return m.zflag
}

// Code returns the machine's code segment. The peek/poke instructions
// mutate this same buffer.
func (m *Machine) Code() []byte {
	return m.code
}

// Registers returns a snapshot of the register bank.
func (m *Machine) Registers() [RegisterCount]Value {
	return m.regs
}

// SetInteger stores an integer in a register, replacing any previous value.
func (m *Machine) SetInteger(reg int, v uint32) error {
	if reg < 0 || reg >= RegisterCount {
		return fmt.Errorf("%w: %d", ErrInvalidRegister, reg)
	}
	m.regs[reg] = IntegerValue(v)
	return nil
}

// SetString stores a string in a register, replacing any previous value.
func (m *Machine) SetString(reg int, s string) error {
	if reg < 0 || reg >= RegisterCount {
		return fmt.Errorf("%w: %d", ErrInvalidRegister, reg)
	}
	m.regs[reg] = StringValue(s)
	return nil
}

// Integer returns the integer content of a register.
func (m *Machine) Integer(reg int) (uint32, error) {
	if reg < 0 || reg >= RegisterCount {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegister, reg)
	}
	v, err := m.regs[reg].AsInteger()
	if err != nil {
		return 0, fmt.Errorf("register %d: %w", reg, err)
	}
	return v, nil
}

// String returns the string content of a register.
func (m *Machine) String(reg int) (string, error) {
	if reg < 0 || reg >= RegisterCount {
		return "", fmt.Errorf("%w: %d", ErrInvalidRegister, reg)
	}
	s, err := m.regs[reg].AsString()
	if err != nil {
		return "", fmt.Errorf("register %d: %w", reg, err)
	}
	return s, nil
}

// DumpRegisters writes a human-readable snapshot of the register bank and
// the zero flag.
func (m *Machine) DumpRegisters(w io.Writer) {
	fmt.Fprintln(w, "register dump:")
	for i, v := range m.regs {
		fmt.Fprintf(w, "  r%02d %s %s\n", i, v.Kind(), v)
	}
	fmt.Fprintf(w, "  z-flag: %v\n", m.zflag)
}

// Operand decoding. Each helper advances the decode cursor and refuses to
// read past the end of the code segment.

func (m *Machine) readByte() (byte, error) {
	if m.next >= len(m.code) {
		return 0, fmt.Errorf("%w: operand at ip=%04X runs past end of code", ErrTruncated, m.ip)
	}
	b := m.code[m.next]
	m.next++
	return b, nil
}

func (m *Machine) readReg() (int, error) {
	b, err := m.readByte()
	if err != nil {
		return 0, err
	}
	if int(b) >= RegisterCount {
		return 0, fmt.Errorf("%w: %d at ip=%04X", ErrInvalidRegister, b, m.ip)
	}
	return int(b), nil
}

// readU16 decodes a two-byte little-endian immediate.
func (m *Machine) readU16() (int, error) {
	lo, err := m.readByte()
	if err != nil {
		return 0, err
	}
	hi, err := m.readByte()
	if err != nil {
		return 0, err
	}
	return int(lo) | int(hi)<<8, nil
}

// readString decodes a length-prefixed string literal. Embedded NUL bytes
// are preserved.
func (m *Machine) readString() (string, error) {
	n, err := m.readByte()
	if err != nil {
		return "", err
	}
	if m.next+int(n) > len(m.code) {
		return "", fmt.Errorf("%w: %d-byte string at ip=%04X runs past end of code", ErrTruncated, n, m.ip)
	}
	s := string(m.code[m.next : m.next+int(n)])
	m.next += int(n)
	return s, nil
}

// integerAt fetches a register's integer content, annotating mismatches
// with the offending register and instruction pointer.
func (m *Machine) integerAt(reg int) (uint32, error) {
	v, err := m.regs[reg].AsInteger()
	if err != nil {
		return 0, fmt.Errorf("register %d at ip=%04X: %w", reg, m.ip, err)
	}
	return v, nil
}

// stringAt fetches a register's string content.
func (m *Machine) stringAt(reg int) (string, error) {
	s, err := m.regs[reg].AsString()
	if err != nil {
		return "", fmt.Errorf("register %d at ip=%04X: %w", reg, m.ip, err)
	}
	return s, nil
}

// setResult installs an integer result and updates the zero flag from it.
func (m *Machine) setResult(reg int, v uint32) {
	m.regs[reg] = IntegerValue(v)
	m.zflag = v == 0
}

// Instruction handlers.

func (m *Machine) opIllegal() error {
	return fmt.Errorf("%w: 0x%02X at ip=%04X", ErrIllegalOpcode, m.code[m.ip], m.ip)
}

func (m *Machine) opExit() error {
	m.state = stateHalted
	return nil
}

func (m *Machine) opNop() error {
	return nil
}

func (m *Machine) opIntStore() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	val, err := m.readU16()
	if err != nil {
		return err
	}
	m.regs[reg] = IntegerValue(uint32(val))
	return nil
}

func (m *Machine) opIntPrint() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	v, err := m.integerAt(reg)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(m.out, strconv.FormatUint(uint64(v), 10)); err != nil {
		return fmt.Errorf("print: %w", err)
	}
	return nil
}

func (m *Machine) opIntToString() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	v, err := m.integerAt(reg)
	if err != nil {
		return err
	}
	m.regs[reg] = StringValue(strconv.FormatUint(uint64(v), 10))
	return nil
}

func (m *Machine) opStringStore() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	s, err := m.readString()
	if err != nil {
		return err
	}
	m.regs[reg] = StringValue(s)
	return nil
}

func (m *Machine) opStringPrint() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	s, err := m.stringAt(reg)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(m.out, s); err != nil {
		return fmt.Errorf("print: %w", err)
	}
	return nil
}

func (m *Machine) opStringConcat() error {
	dst, err := m.readReg()
	if err != nil {
		return err
	}
	src1, err := m.readReg()
	if err != nil {
		return err
	}
	src2, err := m.readReg()
	if err != nil {
		return err
	}
	a, err := m.stringAt(src1)
	if err != nil {
		return err
	}
	b, err := m.stringAt(src2)
	if err != nil {
		return err
	}
	m.regs[dst] = StringValue(a + b)
	return nil
}

func (m *Machine) opStringSystem() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	cmd, err := m.stringAt(reg)
	if err != nil {
		return err
	}
	if err := m.spawn(cmd); err != nil {
		return fmt.Errorf("system at ip=%04X: %w", m.ip, err)
	}
	return nil
}

func (m *Machine) opStringToInt() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	s, err := m.stringAt(reg)
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: %q is not an unsigned integer (register %d at ip=%04X)",
			ErrConversion, s, reg, m.ip)
	}
	m.regs[reg] = IntegerValue(uint32(v))
	return nil
}

// jumpTarget reads and validates a two-byte jump destination.
func (m *Machine) jumpTarget() (int, error) {
	target, err := m.readU16()
	if err != nil {
		return 0, err
	}
	if target >= len(m.code) {
		return 0, fmt.Errorf("%w: jump target %04X at ip=%04X (code is %d bytes)",
			ErrInvalidAddress, target, m.ip, len(m.code))
	}
	return target, nil
}

func (m *Machine) opJumpTo() error {
	target, err := m.jumpTarget()
	if err != nil {
		return err
	}
	m.next = target
	return nil
}

func (m *Machine) opJumpZ() error {
	target, err := m.jumpTarget()
	if err != nil {
		return err
	}
	if m.zflag {
		m.next = target
	}
	return nil
}

func (m *Machine) opJumpNZ() error {
	target, err := m.jumpTarget()
	if err != nil {
		return err
	}
	if !m.zflag {
		m.next = target
	}
	return nil
}

// binaryOp decodes dst, src1, src2 and applies fn to the two integer
// sources. Integer arithmetic wraps at the 32-bit boundary.
func (m *Machine) binaryOp(fn func(a, b uint32) uint32) error {
	dst, err := m.readReg()
	if err != nil {
		return err
	}
	src1, err := m.readReg()
	if err != nil {
		return err
	}
	src2, err := m.readReg()
	if err != nil {
		return err
	}
	a, err := m.integerAt(src1)
	if err != nil {
		return err
	}
	b, err := m.integerAt(src2)
	if err != nil {
		return err
	}
	m.setResult(dst, fn(a, b))
	return nil
}

func (m *Machine) opXor() error {
	return m.binaryOp(func(a, b uint32) uint32 { return a ^ b })
}

func (m *Machine) opAdd() error {
	return m.binaryOp(func(a, b uint32) uint32 { return a + b })
}

func (m *Machine) opSub() error {
	return m.binaryOp(func(a, b uint32) uint32 { return a - b })
}

func (m *Machine) opMul() error {
	return m.binaryOp(func(a, b uint32) uint32 { return a * b })
}

func (m *Machine) opDiv() error {
	dst, err := m.readReg()
	if err != nil {
		return err
	}
	src1, err := m.readReg()
	if err != nil {
		return err
	}
	src2, err := m.readReg()
	if err != nil {
		return err
	}
	a, err := m.integerAt(src1)
	if err != nil {
		return err
	}
	b, err := m.integerAt(src2)
	if err != nil {
		return err
	}
	// The destination stays untouched on a zero divisor.
	if b == 0 {
		return fmt.Errorf("%w: register %d at ip=%04X", ErrDivisionByZero, src2, m.ip)
	}
	m.setResult(dst, a/b)
	return nil
}

// stepOp adjusts a single register by delta, wrapping at the unsigned
// boundary like native uint32 arithmetic.
func (m *Machine) stepOp(delta uint32) error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	v, err := m.integerAt(reg)
	if err != nil {
		return err
	}
	m.setResult(reg, v+delta)
	return nil
}

func (m *Machine) opInc() error {
	return m.stepOp(1)
}

func (m *Machine) opDec() error {
	return m.stepOp(^uint32(0)) // two's complement -1
}

func (m *Machine) opCmpReg() error {
	reg1, err := m.readReg()
	if err != nil {
		return err
	}
	reg2, err := m.readReg()
	if err != nil {
		return err
	}
	a, b := m.regs[reg1], m.regs[reg2]
	if a.Kind() != b.Kind() {
		return fmt.Errorf("%w: cmp of %s register %d against %s register %d at ip=%04X",
			ErrTypeMismatch, a.Kind(), reg1, b.Kind(), reg2, m.ip)
	}
	m.zflag = a.Equal(b)
	return nil
}

func (m *Machine) opCmpImmediate() error {
	reg, err := m.readReg()
	if err != nil {
		return err
	}
	imm, err := m.readU16()
	if err != nil {
		return err
	}
	v, err := m.integerAt(reg)
	if err != nil {
		return err
	}
	m.zflag = v == uint32(imm)
	return nil
}

// ramAddress reads an address register and validates its value against the
// code segment bounds.
func (m *Machine) ramAddress() (int, error) {
	addrReg, err := m.readReg()
	if err != nil {
		return 0, err
	}
	addr, err := m.integerAt(addrReg)
	if err != nil {
		return 0, err
	}
	if int(addr) >= len(m.code) {
		return 0, fmt.Errorf("%w: RAM address %04X at ip=%04X (code is %d bytes)",
			ErrInvalidAddress, addr, m.ip, len(m.code))
	}
	return int(addr), nil
}

func (m *Machine) opLoadFromRAM() error {
	dst, err := m.readReg()
	if err != nil {
		return err
	}
	addr, err := m.ramAddress()
	if err != nil {
		return err
	}
	m.regs[dst] = IntegerValue(uint32(m.code[addr]))
	return nil
}

func (m *Machine) opStoreInRAM() error {
	src, err := m.readReg()
	if err != nil {
		return err
	}
	v, err := m.integerAt(src)
	if err != nil {
		return err
	}
	addr, err := m.ramAddress()
	if err != nil {
		return err
	}
	m.code[addr] = byte(v)
	return nil
}
