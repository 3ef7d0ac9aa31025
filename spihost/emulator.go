package spihost

import (
	"context"
	"encoding/binary"
	"log/slog"

	"tinygo.org/x/drivers"
)

// levelTrace logs every segment executed.
const levelTrace slog.Level = slog.LevelDebug - 1

// DefaultParams returns the parameters of the host controller instantiated
// next to the OBI slave.
func DefaultParams() Params {
	return Params{
		TXDepth:  72,
		RXDepth:  64,
		CmdDepth: 4,
		NumCS:    1,
	}
}

// Emulator implements [Host] in software on top of a byte oriented SPI bus.
// Queued segments make progress every time the controller is accessed
// (status polls, FIFO pushes and pops). TX segments stall while the TX FIFO
// is empty and RX segments stall while the RX FIFO is full, as in hardware.
//
// Only [SpeedStandard] is supported. Dummy segments are clocked through the bus'
// [DummyClocker] implementation if it has one, else as zero bytes, in which case
// the cycle count must be a multiple of 8.
type Emulator struct {
	bus    drivers.SPI
	cs     []OutputPin
	params Params
	logger *slog.Logger

	enabled    bool
	outEnabled bool
	csid       uint32
	opts       []ConfigOpts
	csAsserted bool

	tx        []byte
	rx        []uint32
	rxPartial [4]byte
	rxPartN   int
	watermark int

	cmds      []Command
	active    Command
	hasActive bool
	remaining int
	// sticky bus error.
	err error

	wbuf []byte
	rbuf []byte
}

// NewEmulator returns a host controller driving bus. cs holds one output pin per
// chip select, driven low while the chip is selected. params.NumCS is ignored
// and replaced by len(cs).
func NewEmulator(bus drivers.SPI, cs []OutputPin, params Params, logger *slog.Logger) *Emulator {
	if params.TXDepth <= 0 || params.RXDepth <= 0 || params.CmdDepth <= 0 {
		panic("spihost: invalid FIFO depths")
	}
	params.NumCS = len(cs)
	for _, pin := range cs {
		pin(true) // Deselect all.
	}
	return &Emulator{
		bus:    bus,
		cs:     cs,
		params: params,
		logger: logger,
		opts:   make([]ConfigOpts, len(cs)),
		tx:     make([]byte, 0, params.TXDepth*4),
		rx:     make([]uint32, 0, params.RXDepth),
		cmds:   make([]Command, 0, params.CmdDepth),
	}
}

func (e *Emulator) Params() Params { return e.params }

func (e *Emulator) SetEnable(enable bool) error {
	e.enabled = enable
	if !enable {
		// Disabling the block resets FIFOs and the command queue.
		e.tx = e.tx[:0]
		e.rx = e.rx[:0]
		e.rxPartN = 0
		e.cmds = e.cmds[:0]
		e.hasActive = false
		e.selectCS(false)
	}
	e.debug("spihost:enable", slog.Bool("enable", enable))
	return nil
}

func (e *Emulator) OutputEnable(enable bool) error {
	if !e.enabled {
		return ErrNotEnabled
	}
	e.outEnabled = enable
	return nil
}

func (e *Emulator) SetCSID(csid uint32) error {
	if csid >= uint32(len(e.cs)) {
		return ErrCSIDInvalid
	}
	if e.csAsserted && csid != e.csid {
		e.selectCS(false)
	}
	e.csid = csid
	return nil
}

func (e *Emulator) SetConfigOpts(csid uint32, opts ConfigOpts) error {
	if csid >= uint32(len(e.opts)) {
		return ErrCSIDInvalid
	}
	e.opts[csid] = opts
	e.debug("spihost:configopts",
		slog.Uint64("csid", uint64(csid)),
		slog.Uint64("clkdiv", uint64(opts.ClkDiv)),
		slog.Bool("cpol", opts.CPOL),
		slog.Bool("cpha", opts.CPHA),
	)
	return nil
}

// ConfigOpts returns the options last set for csid.
func (e *Emulator) ConfigOpts(csid uint32) ConfigOpts {
	return e.opts[csid]
}

func (e *Emulator) SetCommand(cmd Command) error {
	switch {
	case !e.enabled || !e.outEnabled:
		return ErrNotEnabled
	case cmd.Speed != SpeedStandard:
		return ErrSpeedInvalid
	case cmd.Direction > DirBidir:
		return ErrDirection
	case cmd.Length == 0:
		return ErrLengthInvalid
	case cmd.Direction == DirDummy && cmd.Length%8 != 0 && !e.canClockDummy():
		return ErrLengthInvalid
	case len(e.cmds) >= e.params.CmdDepth:
		return ErrCommandFull
	}
	e.cmds = append(e.cmds, cmd)
	return e.step()
}

func (e *Emulator) WriteByte(b byte) error {
	if len(e.tx) >= e.params.TXDepth*4 {
		return ErrTXQueueFull
	}
	e.tx = append(e.tx, b)
	return e.step()
}

func (e *Emulator) WriteWord(w uint32) error {
	if len(e.tx)+4 > e.params.TXDepth*4 {
		return ErrTXQueueFull
	}
	e.tx = binary.LittleEndian.AppendUint32(e.tx, w)
	return e.step()
}

func (e *Emulator) ReadWord() (uint32, error) {
	if err := e.step(); err != nil {
		return 0, err
	}
	if len(e.rx) == 0 {
		return 0, ErrRXQueueEmpty
	}
	w := e.rx[0]
	e.rx = append(e.rx[:0], e.rx[1:]...)
	return w, e.step()
}

func (e *Emulator) SetRXWatermark(words uint8) error {
	e.watermark = int(words)
	return nil
}

func (e *Emulator) Status() (Status, error) {
	err := e.step()
	return Status{
		Ready:         len(e.cmds) < e.params.CmdDepth,
		Active:        e.hasActive || len(e.cmds) > 0,
		TXFull:        len(e.tx)+4 > e.params.TXDepth*4,
		TXEmpty:       len(e.tx) == 0,
		RXFull:        len(e.rx) >= e.params.RXDepth,
		RXEmpty:       len(e.rx) == 0,
		RXWatermark:   len(e.rx) >= e.watermark,
		TXQueueDepth:  len(e.tx),
		RXQueueDepth:  len(e.rx),
		CmdQueueDepth: len(e.cmds),
	}, err
}

// step advances queued segments as far as FIFO levels allow.
func (e *Emulator) step() error {
	for e.err == nil {
		if !e.hasActive {
			if len(e.cmds) == 0 {
				return nil
			}
			e.active = e.cmds[0]
			e.cmds = append(e.cmds[:0], e.cmds[1:]...)
			e.remaining = int(e.active.Length)
			e.hasActive = true
			e.selectCS(true)
			e.trace("spihost:segment",
				slog.String("dir", e.active.Direction.String()),
				slog.Int("len", e.remaining),
				slog.Bool("csaat", e.active.CSAAT),
			)
		}
		if !e.exec() {
			break // Stalled on FIFO level.
		}
		e.hasActive = false
		if !e.active.CSAAT {
			e.selectCS(false)
		}
	}
	return e.err
}

// exec runs the active segment and reports whether it completed.
func (e *Emulator) exec() (done bool) {
	switch e.active.Direction {
	case DirTXOnly:
		n := min(e.remaining, len(e.tx))
		if n == 0 {
			break
		}
		e.err = e.bus.Tx(e.tx[:n], nil)
		e.tx = append(e.tx[:0], e.tx[n:]...)
		e.remaining -= n

	case DirRXOnly, DirBidir:
		n := min(e.remaining, e.rxSpace())
		if e.active.Direction == DirBidir {
			n = min(n, len(e.tx))
		}
		if n == 0 {
			break
		}
		w := e.scratchW(n)
		if e.active.Direction == DirBidir {
			copy(w, e.tx[:n])
			e.tx = append(e.tx[:0], e.tx[n:]...)
		}
		r := e.scratchR(n)
		e.err = e.bus.Tx(w, r)
		e.pushRX(r)
		e.remaining -= n
		if e.remaining == 0 && e.rxPartN > 0 {
			// Partial word at end of segment is pushed zero padded.
			clear(e.rxPartial[e.rxPartN:])
			e.rx = append(e.rx, binary.LittleEndian.Uint32(e.rxPartial[:]))
			e.rxPartN = 0
		}

	case DirDummy:
		if dc, ok := e.bus.(DummyClocker); ok {
			e.err = dc.Dummy(e.remaining)
		} else {
			e.err = e.bus.Tx(e.scratchW(e.remaining/8), nil)
		}
		e.remaining = 0
	}
	return e.remaining == 0
}

func (e *Emulator) rxSpace() int {
	return e.params.RXDepth*4 - len(e.rx)*4 - e.rxPartN
}

func (e *Emulator) pushRX(data []byte) {
	for _, b := range data {
		e.rxPartial[e.rxPartN] = b
		e.rxPartN++
		if e.rxPartN == 4 {
			e.rx = append(e.rx, binary.LittleEndian.Uint32(e.rxPartial[:]))
			e.rxPartN = 0
		}
	}
}

func (e *Emulator) canClockDummy() bool {
	_, ok := e.bus.(DummyClocker)
	return ok
}

func (e *Emulator) selectCS(active bool) {
	if active == e.csAsserted || len(e.cs) == 0 {
		return
	}
	e.csAsserted = active
	e.cs[e.csid](!active)
}

// scratchW returns a zeroed write buffer of length n.
func (e *Emulator) scratchW(n int) []byte {
	if cap(e.wbuf) < n {
		e.wbuf = make([]byte, n)
	}
	e.wbuf = e.wbuf[:n]
	clear(e.wbuf)
	return e.wbuf
}

func (e *Emulator) scratchR(n int) []byte {
	if cap(e.rbuf) < n {
		e.rbuf = make([]byte, n)
	}
	return e.rbuf[:n]
}

func (e *Emulator) debug(msg string, attrs ...slog.Attr) {
	e.logattrs(slog.LevelDebug, msg, attrs...)
}

func (e *Emulator) trace(msg string, attrs ...slog.Attr) {
	e.logattrs(levelTrace, msg, attrs...)
}

func (e *Emulator) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if e.logger == nil {
		return
	}
	e.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
