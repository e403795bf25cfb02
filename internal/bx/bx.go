// Package bx holds small little-endian byte-encoding helpers used by the
// WAL package's record format, so it doesn't spell out binary.LittleEndian
// calls inline.
package bx

import "encoding/binary"

var LE = binary.LittleEndian

func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func U64(b []byte) uint64 { return LE.Uint64(b) }

func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { LE.PutUint64(b, v) }
