// stand for bytes helper
package bx

import "encoding/binary"

// LE is the byte order of every on-disk integer (log headers, page headers, node fields).
var LE = binary.LittleEndian

// --- LE: read ---
func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func U64(b []byte) uint64 { return LE.Uint64(b) }

// --- LE: write ---
func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { LE.PutUint64(b, v) }

// --- LE: At (offset) ---
func U16At(b []byte, off int) uint16       { return U16(b[off:]) }
func U32At(b []byte, off int) uint32       { return U32(b[off:]) }
func U64At(b []byte, off int) uint64       { return U64(b[off:]) }
func PutU16At(b []byte, off int, v uint16) { PutU16(b[off:], v) }
func PutU32At(b []byte, off int, v uint32) { PutU32(b[off:], v) }
func PutU64At(b []byte, off int, v uint64) { PutU64(b[off:], v) }

// Concat joins byte slices into one freshly allocated buffer.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// U16Bytes returns v encoded as a new 2-byte buffer.
func U16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	PutU16(b, v)
	return b
}

// U32Bytes returns v encoded as a new 4-byte buffer.
func U32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	PutU32(b, v)
	return b
}

// U64Bytes returns v encoded as a new 8-byte buffer.
func U64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	PutU64(b, v)
	return b
}
