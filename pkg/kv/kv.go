// Package kv defines the opaque Key/Value types the storage core operates
// on, plus the comparator and serializer a caller injects to give them a
// total order and a fixed byte representation.
package kv

import "bytes"

// Key is an opaque, totally-ordered key. The tree never interprets its
// bytes directly; all ordering goes through a Comparator.
type Key []byte

// Value is an opaque value. Null is a distinct value from an empty Value;
// IsNull distinguishes "no value" from "zero-length value".
type Value []byte

// Null is the distinguished null value. It is distinct from Value{} in that
// IsNull(Null) is true and IsNull(Value{}) is false.
var Null Value = nil

// IsNull reports whether v is the distinguished null marker rather than a
// zero-length byte value. Callers that need a zero-length non-null value
// should use Value{} explicitly, which IsNull reports as false.
func IsNull(v Value) bool { return v == nil }

// Comparator gives Key a total order. cmp(a,b) < 0 means a < b.
type Comparator func(a, b Key) int

// BytesComparator is the default Comparator: lexicographic byte order,
// matching the byte-comparable key encoding the page layout assumes.
func BytesComparator(a, b Key) int { return bytes.Compare(a, b) }

// Serializer produces the fixed byte representation of a Value stored
// inline in a leaf page, and decodes it back.
type Serializer interface {
	Encode(v Value) []byte
	Decode(b []byte) Value
}

// RawSerializer stores Value bytes verbatim; the default for an untyped
// byte-oriented store.
type RawSerializer struct{}

func (RawSerializer) Encode(v Value) []byte { return v }
func (RawSerializer) Decode(b []byte) Value { return Value(b) }
