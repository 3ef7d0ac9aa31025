// package obispi drives an SPI to OBI bridge slave through a command/FIFO SPI
// host controller. It programs the slave's configuration registers and moves
// arbitrary length buffers to and from slave memory in FIFO sized bursts.
package obispi

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/obispi/spihost"
	"github.com/soypat/obispi/wire"
)

// Config configures a [Device].
type Config struct {
	// CSID is the chip select the slave is attached to.
	CSID uint32
	// Opts are the clock and timing options programmed for CSID on Init.
	Opts spihost.ConfigOpts
	// MemorySize is the slave's addressable memory in bytes. Transfers
	// that do not fit are rejected with FlagAddressInvalid. 0 disables the check.
	MemorySize uint32
	// PollAttempts and PollTimeout bound every wait on the host controller.
	// Zero values select the package defaults.
	PollAttempts int
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// DefaultConfig returns the configuration for a slave on chip select 0
// clocked at the host's full rate in SPI mode 0.
func DefaultConfig() Config {
	return Config{
		CSID: 0,
		Opts: spihost.ConfigOpts{
			ClkDiv:   0,
			CSNIdle:  0xf,
			CSNTrail: 0xf,
			CSNLead:  0xf,
		},
		PollAttempts: pollAttempts,
		PollTimeout:  pollLimit,
	}
}

// Device is the context of a single slave behind a host controller.
// Exactly one transfer is in flight at a time: a Device is not safe for concurrent use.
type Device struct {
	host        spihost.Host
	params      spihost.Params
	csid        uint32
	opts        spihost.ConfigOpts
	memSize     uint32
	attempts    int
	timeout     time.Duration
	initialized bool
	logger      *slog.Logger
}

// New returns a Device that operates through host. [Device.Init] must be
// called before any slave operation.
func New(host spihost.Host, cfg Config) *Device {
	d := &Device{
		host:     host,
		csid:     cfg.CSID,
		opts:     cfg.Opts,
		memSize:  cfg.MemorySize,
		attempts: cfg.PollAttempts,
		timeout:  cfg.PollTimeout,
		logger:   cfg.Logger,
	}
	if d.attempts <= 0 {
		d.attempts = pollAttempts
	}
	if d.timeout <= 0 {
		d.timeout = pollLimit
	}
	return d
}

// Init enables the host controller and its outputs, programs the chip's
// timing options and selects the slave's chip select.
func (d *Device) Init() (err error) {
	d.initialized = false
	if d.host == nil {
		return FlagNullPtr
	}
	d.info("init:start", slog.Uint64("csid", uint64(d.csid)))
	d.params = d.host.Params()
	if d.params.TXDepth <= 0 || d.params.RXDepth <= 0 || d.params.RXDepth > 0xff {
		return withFlag(FlagNotInit, errors.New("unsupported host FIFO depths"))
	}
	err = d.host.SetEnable(true)
	if err != nil {
		return withFlag(FlagNotInit, err)
	}
	err = d.host.OutputEnable(true)
	if err != nil {
		return withFlag(FlagNotInit, err)
	}
	err = d.host.SetConfigOpts(d.csid, d.opts)
	if err != nil {
		return withFlag(FlagCSIDInvalid, err)
	}
	err = d.host.SetCSID(d.csid)
	if err != nil {
		return withFlag(FlagCSIDInvalid, err)
	}
	d.initialized = true
	d.debug("init:done",
		slog.Int("txdepth", d.params.TXDepth),
		slog.Int("rxdepth", d.params.RXDepth),
	)
	return nil
}

// Params returns the host controller parameters read during Init.
func (d *Device) Params() spihost.Params { return d.params }

// checkTransfer validates a transfer before any bus activity.
func (d *Device) checkTransfer(addr uint32, length int) error {
	if !d.initialized {
		return FlagNotInit
	}
	if wire.Words(length) > wire.MaxTransferWords {
		return FlagSizeExceeded
	}
	if !d.addressValid(addr, length) {
		return FlagAddressInvalid
	}
	return nil
}

// addressValid reports whether a transfer of length bytes at addr fits in
// slave memory. The slave moves whole words so addr must be word aligned.
func (d *Device) addressValid(addr uint32, length int) bool {
	if addr%wire.WordSize != 0 {
		return false
	}
	if d.memSize == 0 {
		return true
	}
	end := uint64(addr) + uint64(wire.Align(length, wire.WordSize))
	return end <= uint64(d.memSize)
}
