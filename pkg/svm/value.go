package svm

import (
	"fmt"
	"strconv"
)

// RegisterCount is the size of the register bank.
const RegisterCount = 10

// Kind discriminates the two register value variants.
type Kind uint8

// Register value kinds.
const (
	KindInteger Kind = iota
	KindString
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "int"
	case KindString:
		return "str"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is the content of one register: either an unsigned 32-bit integer or
// a string. The zero Value is the integer 0, matching a freshly constructed
// machine. Accessing the wrong variant is an explicit error, never a
// reinterpretation of the underlying storage.
type Value struct {
	kind Kind
	num  uint32
	str  string
}

// IntegerValue returns an integer-typed Value.
func IntegerValue(v uint32) Value {
	return Value{kind: KindInteger, num: v}
}

// StringValue returns a string-typed Value.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// Kind returns the value's variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// AsInteger returns the integer content, or ErrTypeMismatch if the value
// holds a string.
func (v Value) AsInteger() (uint32, error) {
	if v.kind != KindInteger {
		return 0, fmt.Errorf("%w: register holds a string, not an integer", ErrTypeMismatch)
	}
	return v.num, nil
}

// AsString returns the string content, or ErrTypeMismatch if the value
// holds an integer.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("%w: register holds an integer, not a string", ErrTypeMismatch)
	}
	return v.str, nil
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == KindString {
		return v.str == other.str
	}
	return v.num == other.num
}

// String renders the value for register dumps and run logs.
func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.str)
	}
	return fmt.Sprintf("%d [0x%04X]", v.num, v.num)
}
