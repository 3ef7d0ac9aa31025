package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var (
	errShortWindow     = errors.New("wire: chip select window ended mid command")
	errUnalignedDummy  = errors.New("wire: dummy cycles not a multiple of 8, cannot align read data")
	errShortReadWindow = errors.New("wire: read window shorter than dummy phase")
)

// UnknownOpError is returned by [Decode] when a command phase carries a byte
// that is not part of the slave's command set.
type UnknownOpError struct {
	Op     byte
	Offset int
}

func (e *UnknownOpError) Error() string {
	return "wire: unknown op-code 0x" + hex.EncodeToString([]byte{e.Op}) + " at offset " + strconv.Itoa(e.Offset)
}

// RegWrite is a register programming command: op-code followed by its data byte.
type RegWrite struct {
	Op    byte
	Value byte
}

// Transaction is the decoded content of one chip select window.
type Transaction struct {
	Regs []RegWrite
	// Op is OpWrite, OpRead or 0 for windows that only program registers.
	Op   byte
	Addr uint32
	// DummyCycles is the value programmed in this window, 0 if not programmed.
	DummyCycles uint8
	// Data holds the payload as clocked on the wire. For writes it is what
	// the host shifted out after the address, for reads what the slave shifted out
	// after the dummy phase.
	Data []byte
}

// WrapLength returns the word length programmed in the window and whether
// both halves of the register pair were written.
func (t Transaction) WrapLength() (wl uint16, ok bool) {
	var gotLo, gotHi bool
	for _, r := range t.Regs {
		switch r.Op {
		case OpSetWrapLow:
			wl = wl&0xff00 | uint16(r.Value)
			gotLo = true
		case OpSetWrapHigh:
			wl = wl&0x00ff | uint16(r.Value)<<8
			gotHi = true
		}
	}
	return wl, gotLo && gotHi
}

// Words returns the payload as words. Wire words are sent most significant
// byte first. A trailing partial word is zero padded on its low-order bytes.
func (t Transaction) Words() []uint32 {
	words := make([]uint32, Words(len(t.Data)))
	var buf [WordSize]byte
	for i := range words {
		n := copy(buf[:], t.Data[i*WordSize:])
		clear(buf[n:])
		words[i] = binary.BigEndian.Uint32(buf[:])
	}
	return words
}

func (t Transaction) String() string {
	var b strings.Builder
	b.WriteString("op=")
	b.WriteString(OpString(t.Op))
	if t.Op != 0 {
		b.WriteString(" addr=0x")
		b.WriteString(strconv.FormatUint(uint64(t.Addr), 16))
	}
	if wl, ok := t.WrapLength(); ok {
		b.WriteString(" wrap=")
		b.WriteString(strconv.Itoa(int(wl)))
	}
	if t.Op == OpRead {
		b.WriteString(" dummy=")
		b.WriteString(strconv.Itoa(int(t.DummyCycles)))
	}
	if len(t.Data) > 0 {
		b.WriteString(" len=")
		b.WriteString(strconv.Itoa(len(t.Data)))
		b.WriteString(" data=")
		b.WriteString(hex.EncodeToString(t.Data))
	}
	return b.String()
}

// Decode parses the bytes exchanged during one chip select window.
// sdo holds the bytes shifted out by the host and sdi the bytes shifted out by the slave,
// both aligned to the start of the window. sdi may be nil for write windows.
func Decode(sdo, sdi []byte) (t Transaction, err error) {
	i := 0
	for i < len(sdo) {
		op := sdo[i]
		switch op {
		case OpSetDummyCycles, OpSetWrapLow, OpSetWrapHigh:
			if i+1 >= len(sdo) {
				return t, errShortWindow
			}
			t.Regs = append(t.Regs, RegWrite{Op: op, Value: sdo[i+1]})
			if op == OpSetDummyCycles {
				t.DummyCycles = sdo[i+1]
			}
			i += 2
		case OpWrite, OpRead:
			if i+1+AddrLen > len(sdo) {
				return t, errShortWindow
			}
			t.Op = op
			t.Addr = binary.BigEndian.Uint32(sdo[i+1:])
			i += 1 + AddrLen
			if op == OpWrite {
				t.Data = sdo[i:]
				return t, nil
			}
			if t.DummyCycles%8 != 0 {
				return t, errUnalignedDummy
			}
			start := i + int(t.DummyCycles)/8
			if start > len(sdi) {
				return t, errShortReadWindow
			}
			t.Data = sdi[start:]
			return t, nil
		default:
			return t, &UnknownOpError{Op: op, Offset: i}
		}
	}
	return t, nil
}
