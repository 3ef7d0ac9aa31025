// package wire defines the command set spoken by the SPI to OBI bridge slave
// and the byte order conversions between host words and wire words.
package wire

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// Slave op-codes. Each is sent as a single byte command phase.
const (
	OpWrite          = 0x02
	OpRead           = 0x0B
	OpSetDummyCycles = 0x11
	OpSetWrapLow     = 0x20
	OpSetWrapHigh    = 0x30
)

const (
	WordSize = 4
	// MaxTransferWords is the largest transfer the slave can take in a single transaction.
	MaxTransferWords = 0x10000
	// DefaultDummyCycles gives the OBI side enough time to fetch the first
	// word before the slave starts shifting it out.
	DefaultDummyCycles = 0x20
	// AddrLen is the length of the address phase in bytes.
	AddrLen = 4
)

// HostOrder is the byte order words are stored in host memory.
var HostOrder = binary.LittleEndian

// Swap reverses the byte order of a 32 bit word. It converts host words to
// the order the SPI host shifts them out in and back. Swap(Swap(w)) == w.
//
//go:inline
func Swap(w uint32) uint32 {
	return w>>24 | (w>>8)&0xff00 | (w<<8)&0xff_0000 | w<<24
}

// SwapWords applies [Swap] in place to every whole word of buf, words
// being stored in [HostOrder]. Trailing bytes that do not make up a word are left untouched.
func SwapWords(buf []byte) {
	for len(buf) >= WordSize {
		HostOrder.PutUint32(buf, Swap(HostOrder.Uint32(buf)))
		buf = buf[WordSize:]
	}
}

// WordLength returns the word count written to the wrap length register
// for a transfer of byteLength bytes. The remainder is discarded.
func WordLength(byteLength int) uint16 {
	// 65536 words does not fit the register pair and is written as 0.
	return uint16(byteLength >> 2)
}

// WrapLengthBytes returns the 4 byte sequence that programs the wrap length
// registers for a transfer of byteLength bytes.
func WrapLengthBytes(byteLength int) [4]byte {
	wl := WordLength(byteLength)
	return [4]byte{OpSetWrapLow, byte(wl), OpSetWrapHigh, byte(wl >> 8)}
}

// DummyCyclesBytes returns the 2 byte sequence that programs the dummy cycle register.
func DummyCyclesBytes(cycles uint8) [2]byte {
	return [2]byte{OpSetDummyCycles, cycles}
}

// Words returns the number of words needed to hold n bytes.
func Words(n int) int {
	return Align(n, WordSize) / WordSize
}

// Align rounds `val` up to nearest multiple of `align`. align must be a power of two.
func Align[T constraints.Integer](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// OpString returns a short name for a slave op-code.
func OpString(op byte) (s string) {
	switch op {
	case OpWrite:
		s = "write"
	case OpRead:
		s = "read"
	case OpSetDummyCycles:
		s = "dummy"
	case OpSetWrapLow:
		s = "wraplo"
	case OpSetWrapHigh:
		s = "wraphi"
	case 0:
		s = "none"
	default:
		s = "unknown"
	}
	return s
}
