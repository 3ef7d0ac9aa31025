// package obisim simulates the SPI to OBI bridge slave at the byte level.
//
// A [Slave] sits on a byte oriented SPI bus (it implements the tinygo
// drivers.SPI interface) behind a chip select pin. Word memory is stored little
// endian as seen from the OBI bus while words travel most significant byte
// first on the wire.
package obisim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/obispi/wire"
)

// Protocol violations recorded by the slave.
var (
	ErrUnknownOp         = errors.New("obisim: unknown op-code")
	ErrWrapNotProgrammed = errors.New("obisim: data phase without wrap length programmed in the same transaction")
	ErrDummyMisaligned   = errors.New("obisim: clocks overran programmed dummy cycles")
	ErrDummyOutOfPhase   = errors.New("obisim: dummy cycles clocked outside dummy phase")
	ErrOutOfRange        = errors.New("obisim: access outside slave memory")
	ErrPartialWord       = errors.New("obisim: transaction ended with a partial write word")
	ErrDeselected        = errors.New("obisim: clocked while chip select inactive")
)

type state uint8

const (
	stateOp state = iota
	stateRegValue
	stateAddr
	stateWriteData
	stateDummy
	stateReadData
	// stateIgnore discards the remainder of a transaction after a violation.
	stateIgnore
)

// Config configures a simulated slave.
type Config struct {
	// MemorySize in bytes. Rounded up to a word.
	MemorySize uint32
	// Capture records the bytes exchanged in every chip select window.
	Capture bool
	Logger  *slog.Logger
}

// Window holds the bytes exchanged during one chip select window.
type Window struct {
	SDO []byte // Host to slave.
	SDI []byte // Slave to host.
}

// Slave is a simulated SPI to OBI bridge. It is not safe for concurrent use.
type Slave struct {
	mem    []byte
	logger *slog.Logger

	selected    bool
	state       state
	dummyCycles uint8
	wrapLength  uint16
	wrapLoSet   bool
	wrapHiSet   bool

	regOp  byte
	op     byte
	addrN  int
	addr   uint32
	word   [4]byte
	wordN  int
	cycles int

	capture    bool
	cur        Window
	windows    []Window
	violations []error
}

func New(cfg Config) *Slave {
	return &Slave{
		mem:         make([]byte, wire.Align(cfg.MemorySize, wire.WordSize)),
		logger:      cfg.Logger,
		capture:     cfg.Capture,
		dummyCycles: wire.DefaultDummyCycles,
	}
}

// CS drives the chip select line. The slave is selected while level is low.
func (s *Slave) CS(level bool) {
	selected := !level
	if selected == s.selected {
		return
	}
	s.selected = selected
	if selected {
		s.state = stateOp
		s.wrapLoSet = false
		s.wrapHiSet = false
		s.wordN = 0
		s.cur = Window{}
		return
	}
	if s.state == stateWriteData && s.wordN != 0 {
		s.violate(fmt.Errorf("%w: %d bytes at addr=%#x", ErrPartialWord, s.wordN, s.addr))
	}
	if s.capture && len(s.cur.SDO) > 0 {
		s.windows = append(s.windows, s.cur)
	}
	s.cur = Window{}
}

// Tx clocks len(w) or len(r) bytes, whichever is longer. Missing write bytes are sent as zero.
func (s *Slave) Tx(w, r []byte) error {
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var b byte
		if i < len(w) {
			b = w[i]
		}
		out, err := s.Transfer(b)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

// Transfer clocks a single byte.
func (s *Slave) Transfer(b byte) (byte, error) {
	if !s.selected {
		s.violate(ErrDeselected)
		return 0xff, nil
	}
	out := s.clock(b)
	if s.capture {
		s.cur.SDO = append(s.cur.SDO, b)
		s.cur.SDI = append(s.cur.SDI, out)
	}
	return out, nil
}

// Dummy clocks idle cycles with no data.
func (s *Slave) Dummy(cycles int) error {
	if !s.selected {
		s.violate(ErrDeselected)
		return nil
	}
	if s.state != stateDummy {
		s.violate(ErrDummyOutOfPhase)
		return nil
	}
	if s.capture && cycles%8 == 0 {
		// Shows up as idle bytes on a logic analyzer.
		for i := 0; i < cycles/8; i++ {
			s.cur.SDO = append(s.cur.SDO, 0)
			s.cur.SDI = append(s.cur.SDI, 0xff)
		}
	}
	s.addCycles(cycles)
	return nil
}

func (s *Slave) clock(b byte) (out byte) {
	out = 0xff // Line not driven.
	switch s.state {
	case stateOp:
		switch b {
		case wire.OpSetDummyCycles, wire.OpSetWrapLow, wire.OpSetWrapHigh:
			s.regOp = b
			s.state = stateRegValue
		case wire.OpWrite, wire.OpRead:
			if !s.wrapLoSet || !s.wrapHiSet {
				s.violate(ErrWrapNotProgrammed)
			}
			s.op = b
			s.addrN = 0
			s.addr = 0
			s.state = stateAddr
		default:
			s.violate(fmt.Errorf("%w: %#x", ErrUnknownOp, b))
			s.state = stateIgnore
		}

	case stateRegValue:
		s.setReg(s.regOp, b)
		s.state = stateOp

	case stateAddr:
		s.addr = s.addr<<8 | uint32(b)
		s.addrN++
		if s.addrN < wire.AddrLen {
			break
		}
		s.debug("obisim:addr", slog.String("op", wire.OpString(s.op)), slog.Uint64("addr", uint64(s.addr)))
		s.wordN = 0
		if s.op == wire.OpWrite {
			s.state = stateWriteData
		} else if s.dummyCycles == 0 {
			s.state = stateReadData
		} else {
			s.cycles = 0
			s.state = stateDummy
		}

	case stateWriteData:
		s.word[s.wordN] = b
		s.wordN++
		if s.wordN == wire.WordSize {
			s.storeWord()
			s.addr += wire.WordSize
			s.wordN = 0
		}

	case stateDummy:
		s.addCycles(8)

	case stateReadData:
		// Words are fetched on demand so a read ending at the top of memory
		// does not prefetch past it.
		if s.wordN == 0 {
			s.loadWord()
		}
		out = s.word[s.wordN]
		s.wordN++
		if s.wordN == wire.WordSize {
			s.addr += wire.WordSize
			s.wordN = 0
		}
	}
	return out
}

func (s *Slave) addCycles(n int) {
	s.cycles += n
	switch {
	case s.cycles == int(s.dummyCycles):
		s.wordN = 0
		s.state = stateReadData
	case s.cycles > int(s.dummyCycles):
		s.violate(fmt.Errorf("%w: clocked %d, programmed %d", ErrDummyMisaligned, s.cycles, s.dummyCycles))
		s.state = stateIgnore
	}
}

func (s *Slave) setReg(op, value byte) {
	switch op {
	case wire.OpSetDummyCycles:
		s.dummyCycles = value
	case wire.OpSetWrapLow:
		s.wrapLength = s.wrapLength&0xff00 | uint16(value)
		s.wrapLoSet = true
	case wire.OpSetWrapHigh:
		s.wrapLength = s.wrapLength&0x00ff | uint16(value)<<8
		s.wrapHiSet = true
	}
	s.debug("obisim:reg", slog.String("reg", wire.OpString(op)), slog.Uint64("value", uint64(value)))
}

// storeWord writes the assembled wire word to memory.
func (s *Slave) storeWord() {
	if !s.inRange(s.addr) {
		s.violate(fmt.Errorf("%w: write addr=%#x", ErrOutOfRange, s.addr))
		return
	}
	binary.LittleEndian.PutUint32(s.mem[s.addr:], binary.BigEndian.Uint32(s.word[:]))
}

// loadWord fetches the word at the current address into the shift register.
func (s *Slave) loadWord() {
	if !s.inRange(s.addr) {
		s.violate(fmt.Errorf("%w: read addr=%#x", ErrOutOfRange, s.addr))
		s.word = [4]byte{0xff, 0xff, 0xff, 0xff}
		return
	}
	binary.BigEndian.PutUint32(s.word[:], binary.LittleEndian.Uint32(s.mem[s.addr:]))
}

func (s *Slave) inRange(addr uint32) bool {
	return addr%wire.WordSize == 0 && uint64(addr)+wire.WordSize <= uint64(len(s.mem))
}

func (s *Slave) violate(err error) {
	s.violations = append(s.violations, err)
	if s.logger != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "obisim:violation", slog.String("err", err.Error()))
	}
}

func (s *Slave) debug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

// Err returns all protocol violations recorded so far joined, or nil.
func (s *Slave) Err() error { return errors.Join(s.violations...) }

// Violations returns the protocol violations recorded so far.
func (s *Slave) Violations() []error { return s.violations }

// Windows returns the captured chip select windows. Empty unless Config.Capture is set.
func (s *Slave) Windows() []Window { return s.windows }

// Reset clears recorded violations and captured windows.
func (s *Slave) Reset() {
	s.violations = nil
	s.windows = nil
}

// Mem returns the slave's memory as seen from the OBI bus.
func (s *Slave) Mem() []byte { return s.mem }

func (s *Slave) WrapLength() uint16 { return s.wrapLength }

func (s *Slave) DummyCycles() uint8 { return s.dummyCycles }
