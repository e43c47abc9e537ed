// Package program wraps raw bytecode in a small container format suitable
// for storage and transport.
//
// A container is a fixed header followed by a zstd-compressed code payload:
//
//	offset  size  field
//	0       4     magic "SVMC"
//	4       1     format version (currently 1)
//	5       1     flags (bit 0: payload is zstd compressed)
//	6       32    sha3-256 checksum of the uncompressed code
//	38      4     uncompressed code length, little-endian
//	42      -     payload
//
// Loaders also accept bare bytecode files with no header, so hand-built
// programs run without a packaging step.
package program

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/svmkit/svm/internal/types"
	"github.com/svmkit/svm/pkg/svm"
)

var (
	// ErrBadMagic is returned when container bytes do not start with the
	// expected magic.
	ErrBadMagic = errors.New("bad container magic")

	// ErrUnsupportedVersion is returned for container versions this build
	// does not understand.
	ErrUnsupportedVersion = errors.New("unsupported container version")

	// ErrChecksumMismatch is returned when the payload does not hash to
	// the checksum recorded in the header.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorrupt is returned for containers that are structurally broken.
	ErrCorrupt = errors.New("corrupt container")
)

const (
	containerVersion = 1
	headerSize       = 42

	flagCompressed = 1 << 0
)

var magic = [4]byte{'S', 'V', 'M', 'C'}

// Program is bytecode plus its content-derived identity.
type Program struct {
	ID       types.ProgramID
	Checksum types.Checksum
	Code     []byte
}

// FromCode builds a Program around raw bytecode. The code length is
// validated against the machine's limit.
func FromCode(code []byte) (*Program, error) {
	if len(code) == 0 {
		return nil, svm.ErrNoCode
	}
	if len(code) > svm.MaxCodeSize {
		return nil, fmt.Errorf("%w: %d bytes", svm.ErrCodeTooLarge, len(code))
	}
	return &Program{
		ID:       types.ProgramIDForCode(code),
		Checksum: types.ChecksumForCode(code),
		Code:     code,
	}, nil
}

// Encode serializes the program as a compressed container.
func (p *Program) Encode() ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	payload := enc.EncodeAll(p.Code, nil)

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:4], magic[:])
	out[4] = containerVersion
	out[5] = flagCompressed
	copy(out[6:38], p.Checksum[:])
	binary.LittleEndian.PutUint32(out[38:42], uint32(len(p.Code)))
	return append(out, payload...), nil
}

// Decode parses a container and verifies its checksum.
func Decode(data []byte) (*Program, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrCorrupt, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return nil, ErrBadMagic
	}
	if data[4] != containerVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[4])
	}

	codeLen := binary.LittleEndian.Uint32(data[38:42])
	if codeLen == 0 || codeLen > svm.MaxCodeSize {
		return nil, fmt.Errorf("%w: declared code length %d", ErrCorrupt, codeLen)
	}

	payload := data[headerSize:]
	var code []byte
	if data[5]&flagCompressed != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		code, err = dec.DecodeAll(payload, make([]byte, 0, codeLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	} else {
		code = append([]byte(nil), payload...)
	}

	if uint32(len(code)) != codeLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d",
			ErrCorrupt, len(code), codeLen)
	}

	var want types.Checksum
	copy(want[:], data[6:38])
	if types.ChecksumForCode(code) != want {
		return nil, ErrChecksumMismatch
	}

	return &Program{
		ID:       types.ProgramIDForCode(code),
		Checksum: want,
		Code:     code,
	}, nil
}

// IsContainer reports whether data starts with the container magic.
func IsContainer(data []byte) bool {
	return len(data) >= 4 && [4]byte(data[0:4]) == magic
}

// WriteFile serializes the program to a container file.
func (p *Program) WriteFile(path string) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadFile reads a program from disk. Container files are decoded and
// verified; anything else is treated as bare bytecode.
func LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	if IsContainer(data) {
		return Decode(data)
	}
	return FromCode(data)
}
