package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// svm-specific error codes.
const (
	// ProgramNotFound indicates the requested program is not stored.
	ProgramNotFound = -32001

	// RunNotFound indicates the requested run record does not exist.
	RunNotFound = -32002

	// ExecutionFailed indicates the program halted with a runtime error.
	ExecutionFailed = -32003

	// AssemblyFailed indicates the source could not be assembled.
	AssemblyFailed = -32004

	// InvalidProgram indicates the submitted bytecode was rejected.
	InvalidProgram = -32005

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32006
)

// Common error values.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramNotFoundError creates an error for a missing program.
func ProgramNotFoundError(id string) *RPCError {
	return NewRPCErrorWithData(ProgramNotFound,
		fmt.Sprintf("Program not found: %s", id),
		map[string]string{"programId": id})
}

// RunNotFoundError creates an error for a missing run record.
func RunNotFoundError(seq uint64) *RPCError {
	return NewRPCErrorWithData(RunNotFound,
		fmt.Sprintf("Run not found: %d", seq),
		map[string]uint64{"seq": seq})
}

// AssemblyError creates an error for failed assembly.
func AssemblyError(err error) *RPCError {
	return NewRPCError(AssemblyFailed, err.Error())
}

// InvalidProgramError creates an error for rejected bytecode.
func InvalidProgramError(err error) *RPCError {
	return NewRPCError(InvalidProgram, err.Error())
}
