// Package rpc provides JSON-RPC 2.0 types for the svm API.
package rpc

import (
	"encoding/json"
	"time"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for bytecode payloads.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// LoadConfig configures svm.loadProgram requests.
type LoadConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	Label    string   `json:"label,omitempty"`
}

// AssembleConfig configures svm.assemble requests.
type AssembleConfig struct {
	// Store persists the assembled program instead of only returning it.
	Store bool `json:"store,omitempty"`

	Label    string   `json:"label,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// GetProgramConfig configures svm.getProgram requests.
type GetProgramConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`

	// WithDisassembly includes a disassembly listing in the response.
	WithDisassembly bool `json:"withDisassembly,omitempty"`
}

// RunConfig configures svm.runProgram requests.
type RunConfig struct {
	// Trace enables per-instruction trace logging on the server.
	Trace bool `json:"trace,omitempty"`
}

// ProgramInfo describes a stored program.
type ProgramInfo struct {
	ProgramID string    `json:"programId"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProgramDetail is ProgramInfo plus the encoded bytecode.
type ProgramDetail struct {
	ProgramInfo
	Bytecode    interface{} `json:"bytecode"`
	Disassembly string      `json:"disassembly,omitempty"`
}

// LoadResult is the response to svm.loadProgram.
type LoadResult struct {
	ProgramID string `json:"programId"`
	Checksum  string `json:"checksum"`
	Size      int    `json:"size"`
}

// AssembleResult is the response to svm.assemble.
type AssembleResult struct {
	ProgramID string      `json:"programId"`
	Checksum  string      `json:"checksum"`
	Size      int         `json:"size"`
	Bytecode  interface{} `json:"bytecode"`
	Stored    bool        `json:"stored"`
}

// RunResult is the response to svm.runProgram and svm.getRun.
type RunResult struct {
	Seq       uint64   `json:"seq"`
	ProgramID string   `json:"programId"`
	Status    string   `json:"status"`
	Output    string   `json:"output"`
	Error     string   `json:"error,omitempty"`
	Registers []string `json:"registers"`
	ZFlag     bool     `json:"zFlag"`
	StartedAt string   `json:"startedAt"`
	Duration  string   `json:"duration"`
}

// VersionInfo is the response to svm.getVersion.
type VersionInfo struct {
	Version   string `json:"version"`
	GoRuntime string `json:"goRuntime"`
}
