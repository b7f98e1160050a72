// Package od implements the CoE object dictionary: an ordered sequence of
// Objects, each holding an ordered sequence of Entries with a type-erased
// payload owned exclusively by the Entry.
package od

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the ETG1020 data-type tag carried by an Entry.
type DataType uint8

const (
	TypeBoolean DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeReal32
	TypeReal64
	TypeVisibleString
)

func (t DataType) String() string {
	names := [...]string{"BOOLEAN", "INT8", "INT16", "INT32", "INT64",
		"UINT8", "UINT16", "UINT32", "UINT64", "REAL32", "REAL64", "VISIBLE_STRING"}
	if int(t) < len(names) {
		return names[t]
	}
	return "UNKNOWN"
}

// ByteSize returns the wire size of t, or 0 for the VISIBLE_STRING case
// (variable length, determined by the Entry's stored payload).
func (t DataType) ByteSize() int {
	switch t {
	case TypeBoolean, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeReal32:
		return 4
	case TypeInt64, TypeUint64, TypeReal64:
		return 8
	default:
		return 0
	}
}

// Access is the per-state READ/WRITE authorization, PDO-mapping and
// backup/setting bitmask.
type Access uint16

const (
	AccessReadPreOp Access = 1 << iota
	AccessReadSafeOp
	AccessReadOp
	AccessWritePreOp
	AccessWriteSafeOp
	AccessWriteOp
	AccessRxPDO
	AccessTxPDO
	AccessBackup
	AccessSetting

	AccessReadAny  = AccessReadPreOp | AccessReadSafeOp | AccessReadOp
	AccessWriteAny = AccessWritePreOp | AccessWriteSafeOp | AccessWriteOp
	// AccessReadWriteAlways is the conventional "rw" access used by
	// simple variables that are not state-gated.
	AccessReadWriteAlways = AccessReadAny | AccessWriteAny
)

// ReadableIn/WritableIn report whether a read/write is authorized while
// the device is in the given ESM state.
// state is one of esm.StateInit.. but od does not import esm to avoid a
// cycle; callers pass the bit directly.
func (a Access) ReadableIn(stateBit Access) bool  { return a&stateBit != 0 }
func (a Access) WritableIn(stateBit Access) bool  { return a&stateBit != 0 }

// Entry is one subindex of an Object: attributes plus a type-erased
// payload exclusively owned by the Entry.
type Entry struct {
	Subindex    uint8
	BitLen      uint32
	AccessFlags Access
	DataType    DataType
	Description string

	// value holds the canonical little-endian wire bytes for this
	// Entry's payload, regardless of DataType. Numeric getters/setters
	// convert to/from this buffer; VISIBLE_STRING and RECORD payloads are
	// stored here verbatim.
	value []byte
}

// NewEntry constructs an Entry whose value buffer is sized from byteSize
// (DataType.ByteSize() for fixed-width types, or an explicit length for
// VISIBLE_STRING/record fallbacks).
func NewEntry(subindex uint8, dt DataType, access Access, byteSize int, description string) *Entry {
	if byteSize == 0 {
		byteSize = dt.ByteSize()
	}
	return &Entry{
		Subindex:    subindex,
		BitLen:      uint32(byteSize) * 8,
		AccessFlags: access,
		DataType:    dt,
		Description: description,
		value:       make([]byte, byteSize),
	}
}

// ByteSize returns the current wire size of the Entry's payload.
func (e *Entry) ByteSize() int { return len(e.value) }

// Bytes returns a copy of the Entry's raw little-endian payload.
func (e *Entry) Bytes() []byte {
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out
}

// SetBytes overwrites the Entry's payload. For fixed-width numeric types
// the length must match ByteSize(); for strings/records any length is
// accepted, resizing the stored value (no upper bound is checked).
func (e *Entry) SetBytes(data []byte) error {
	if sz := e.DataType.ByteSize(); sz != 0 && len(data) != sz {
		return fmt.Errorf("od: entry 0x%02x: expected %d bytes, got %d", e.Subindex, sz, len(data))
	}
	e.value = append([]byte(nil), data...)
	return nil
}

func (e *Entry) Uint32() uint32 { return uint32(e.uint64()) }
func (e *Entry) Uint16() uint16 { return uint16(e.uint64()) }
func (e *Entry) Uint8() uint8   { return uint8(e.uint64()) }
func (e *Entry) Int32() int32   { return int32(e.uint64()) }

func (e *Entry) uint64() uint64 {
	switch len(e.value) {
	case 1:
		return uint64(e.value[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(e.value))
	case 4:
		return uint64(binary.LittleEndian.Uint32(e.value))
	case 8:
		return binary.LittleEndian.Uint64(e.value)
	default:
		return 0
	}
}

func (e *Entry) Real32() float32 { return math.Float32frombits(e.Uint32()) }

// SetUint32/SetUint16/SetUint8 overwrite a fixed-width Entry's payload.
func (e *Entry) SetUint32(v uint32) { binary.LittleEndian.PutUint32(e.value, v) }
func (e *Entry) SetUint16(v uint16) { binary.LittleEndian.PutUint16(e.value, v) }
func (e *Entry) SetUint8(v uint8)   { e.value[0] = v }
