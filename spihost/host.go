// package spihost describes the primitives of a command/FIFO SPI host
// controller and provides a software model of one.
//
// The controller executes command segments from a queue. A segment shifts
// Length bytes out of the TX FIFO, into the RX FIFO, or clocks Length idle
// cycles. Chip select is asserted at the start of a segment and released at its
// end unless CSAAT (chip select active after transfer) is set, which lets one
// slave transaction span several segments.
package spihost

import "errors"

var (
	ErrNotEnabled    = errors.New("spihost: device not enabled")
	ErrCSIDInvalid   = errors.New("spihost: chip select out of range")
	ErrCommandFull   = errors.New("spihost: command queue full")
	ErrSpeedInvalid  = errors.New("spihost: speed not supported")
	ErrTXQueueFull   = errors.New("spihost: TX FIFO full")
	ErrRXQueueEmpty  = errors.New("spihost: RX FIFO empty")
	ErrLengthInvalid = errors.New("spihost: command length invalid")
	ErrDirection     = errors.New("spihost: invalid direction")
)

// Speed selects how many data lines are used per clock.
type Speed uint8

const (
	SpeedStandard Speed = iota
	SpeedDual
	SpeedQuad
)

// Direction of a command segment.
type Direction uint8

const (
	// DirDummy clocks idle cycles with no data.
	DirDummy Direction = iota
	DirRXOnly
	DirTXOnly
	DirBidir
)

func (d Direction) String() (s string) {
	switch d {
	case DirDummy:
		s = "dummy"
	case DirRXOnly:
		s = "rx"
	case DirTXOnly:
		s = "tx"
	case DirBidir:
		s = "bidir"
	default:
		s = "unknown"
	}
	return s
}

// Command describes one segment.
type Command struct {
	// Length is a byte count for data segments and a clock cycle count for dummy segments.
	Length uint32
	// CSAAT keeps chip select active after the segment completes.
	CSAAT     bool
	Speed     Speed
	Direction Direction
}

// ConfigOpts holds per chip select clock and timing options.
type ConfigOpts struct {
	ClkDiv   uint16
	CSNIdle  uint8
	CSNTrail uint8
	CSNLead  uint8
	FullCyc  bool
	CPHA     bool
	CPOL     bool
}

// Params are the synthesis parameters of a host controller.
type Params struct {
	// TXDepth and RXDepth are FIFO depths in 32 bit words.
	TXDepth int
	RXDepth int
	// CmdDepth is the depth of the command queue.
	CmdDepth int
	NumCS    int
}

// Status is a snapshot of the controller's status register.
type Status struct {
	// Ready is set when the command queue can accept a new segment.
	Ready bool
	// Active is set while a segment is executing or queued.
	Active bool
	TXFull  bool
	TXEmpty bool
	RXFull  bool
	RXEmpty bool
	// RXWatermark is set when the RX FIFO holds at least the watermark number of words.
	RXWatermark bool
	// TXQueueDepth is the number of TX FIFO bytes pending.
	TXQueueDepth int
	// RXQueueDepth is the number of RX FIFO words available.
	RXQueueDepth int
	CmdQueueDepth int
}

// Host is the set of primitives a driver consumes from an SPI host controller.
// Methods do not block: callers poll Status for readiness and FIFO levels.
type Host interface {
	Params() Params
	SetEnable(enable bool) error
	OutputEnable(enable bool) error
	SetCSID(csid uint32) error
	SetConfigOpts(csid uint32, opts ConfigOpts) error
	// SetCommand pushes a segment onto the command queue.
	SetCommand(cmd Command) error
	// WriteByte pushes a single byte onto the TX FIFO.
	WriteByte(b byte) error
	// WriteWord pushes a word onto the TX FIFO. Bytes are shifted out least significant first.
	WriteWord(w uint32) error
	// ReadWord pops a word from the RX FIFO. The first byte received is the least significant.
	ReadWord() (uint32, error)
	// SetRXWatermark sets the RX FIFO level in words at which Status reports RXWatermark.
	SetRXWatermark(words uint8) error
	Status() (Status, error)
}

// DummyClocker is implemented by buses able to clock an arbitrary number of
// idle cycles with no data. Buses that do not implement it can only clock
// dummy segments in multiples of 8 cycles.
type DummyClocker interface {
	Dummy(cycles int) error
}

// OutputPin sets the level of a chip select line.
type OutputPin func(level bool)
