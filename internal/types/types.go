// Package types defines the identifier types shared by the svm packages.
//
// A program is identified by the blake3 digest of its bytecode; the digest is
// rendered as base58 wherever a textual form is needed (CLI output, store keys
// in log messages, JSON-RPC responses).
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size constants for core types.
const (
	ProgramIDSize = 32
	ChecksumSize  = 32
)

var (
	// ErrInvalidProgramID is returned when a program ID has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidChecksum is returned when a checksum has invalid length.
	ErrInvalidChecksum = errors.New("invalid checksum: must be 32 bytes")
)

// ProgramID is the 32-byte blake3 digest of a program's bytecode.
type ProgramID [ProgramIDSize]byte

// ProgramIDForCode derives the program ID from raw bytecode.
func ProgramIDForCode(code []byte) ProgramID {
	return ProgramID(blake3.Sum256(code))
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Bytes returns the program ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the program ID is all zeros.
func (id ProgramID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Checksum is the 32-byte sha3-256 digest used for container integrity.
type Checksum [ChecksumSize]byte

// ChecksumForCode computes the integrity checksum of raw bytecode.
func ChecksumForCode(code []byte) Checksum {
	return Checksum(sha3.Sum256(code))
}

// ChecksumFromBytes creates a Checksum from a byte slice.
func ChecksumFromBytes(b []byte) (Checksum, error) {
	var c Checksum
	if len(b) != ChecksumSize {
		return c, ErrInvalidChecksum
	}
	copy(c[:], b)
	return c, nil
}

// String returns the hex representation.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns the checksum as a byte slice.
func (c Checksum) Bytes() []byte {
	return c[:]
}
