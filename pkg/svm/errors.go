package svm

import "errors"

// Errors reported through the machine's error handler. Every one of these is
// terminal for the current run: once reported, the machine is halted and must
// be reconstructed to execute again.
var (
	// ErrTypeMismatch is returned when a register holds the wrong kind of
	// value for the requested operation.
	ErrTypeMismatch = errors.New("register type mismatch")

	// ErrDivisionByZero is returned when the divisor register holds zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrConversion is returned when string-to-integer conversion fails.
	ErrConversion = errors.New("conversion failed")

	// ErrInvalidAddress is returned for jump targets or RAM addresses
	// outside the code segment.
	ErrInvalidAddress = errors.New("address out of bounds")

	// ErrInvalidRegister is returned for register indices >= RegisterCount.
	ErrInvalidRegister = errors.New("register out of bounds")

	// ErrIllegalOpcode is returned for opcode bytes with no instruction.
	ErrIllegalOpcode = errors.New("illegal opcode")

	// ErrTruncated is returned when an instruction's operands run past the
	// end of the code segment.
	ErrTruncated = errors.New("truncated instruction")

	// ErrHalted is returned by Run on a machine that has already halted.
	ErrHalted = errors.New("machine halted")

	// ErrNoCode is returned by New when no bytecode is supplied.
	ErrNoCode = errors.New("no bytecode supplied")

	// ErrCodeTooLarge is returned by New when the program exceeds the
	// 16-bit address space.
	ErrCodeTooLarge = errors.New("program exceeds 64KB address space")

	// ErrNoSpawner is reported when STRING_SYSTEM executes without a
	// process spawner installed.
	ErrNoSpawner = errors.New("no process spawner configured")
)
