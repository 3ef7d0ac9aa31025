package obispi

import (
	"errors"
	"strconv"
	"time"

	"github.com/soypat/obispi/spihost"
)

const (
	// pollLimit bounds how long a single wait on the host controller may take.
	pollLimit = 60 * time.Millisecond
	// pollAttempts bounds the number of status reads of a single wait.
	pollAttempts = 1 << 20
)

// Flag enumerates the outcomes of slave operations. Every error returned by
// a [Device] method carries a Flag, see [FlagOf].
type Flag uint16

const (
	FlagOK Flag = 0x0000
	// A required reference (host controller) was nil.
	FlagNullPtr Flag = 0x0001
	// The SPI host was not properly initialized.
	FlagNotInit Flag = 0x0002
	// The target address is outside the slave's memory or misaligned.
	FlagAddressInvalid Flag = 0x0003
	// The chip select is out of the host's range.
	FlagCSIDInvalid Flag = 0x0004
	// The transfer is larger than the slave can take in one transaction.
	FlagSizeExceeded Flag = 0x0005
	// The host command queue was full.
	FlagCommandFull Flag = 0x0008
	// The requested speed is not supported by the host.
	FlagSpeedInvalid Flag = 0x0010
	// The host TX FIFO was full.
	FlagTXQueueFull Flag = 0x0020
	// The host RX FIFO was empty.
	FlagRXQueueEmpty Flag = 0x0040
	// The SPI host is not ready.
	FlagNotReady Flag = 0x0080
	// The event to enable is not a valid event.
	FlagEventInvalid Flag = 0x0100
	// The error interrupt to enable is not a valid error interrupt.
	FlagErrorInvalid Flag = 0x0200
	// The host did not reach the awaited state within the poll limits.
	FlagDeviceUnresponsive Flag = 0x0400
)

func (f Flag) Error() string {
	return "obispi: " + f.String()
}

func (f Flag) String() (s string) {
	switch f {
	case FlagOK:
		s = "ok"
	case FlagNullPtr:
		s = "null reference"
	case FlagNotInit:
		s = "device not initialized"
	case FlagAddressInvalid:
		s = "address invalid"
	case FlagCSIDInvalid:
		s = "chip select invalid"
	case FlagSizeExceeded:
		s = "size of data exceeded"
	case FlagCommandFull:
		s = "command queue full"
	case FlagSpeedInvalid:
		s = "speed invalid"
	case FlagTXQueueFull:
		s = "TX queue full"
	case FlagRXQueueEmpty:
		s = "RX queue empty"
	case FlagNotReady:
		s = "not ready"
	case FlagEventInvalid:
		s = "event invalid"
	case FlagErrorInvalid:
		s = "error irq invalid"
	case FlagDeviceUnresponsive:
		s = "device unresponsive"
	default:
		s = "flag(0x" + strconv.FormatUint(uint64(f), 16) + ")"
	}
	return s
}

// FlagOf returns the Flag carried by err. nil yields FlagOK and errors
// carrying no flag yield FlagNotReady.
func FlagOf(err error) Flag {
	if err == nil {
		return FlagOK
	}
	var f Flag
	if errors.As(err, &f) {
		return f
	}
	return FlagNotReady
}

// flagError attaches a Flag to an underlying error. Both match with errors.Is.
type flagError struct {
	flag Flag
	err  error
}

func (e *flagError) Error() string   { return e.flag.Error() + ": " + e.err.Error() }
func (e *flagError) Unwrap() []error { return []error{e.flag, e.err} }

func withFlag(f Flag, err error) error {
	return &flagError{flag: f, err: err}
}

// hostErr maps an error returned by a host controller primitive to its Flag.
func hostErr(err error) error {
	if err == nil {
		return nil
	}
	var f Flag
	switch {
	case errors.As(err, &f):
		return err // Already flagged.
	case errors.Is(err, spihost.ErrNotEnabled):
		f = FlagNotInit
	case errors.Is(err, spihost.ErrCSIDInvalid):
		f = FlagCSIDInvalid
	case errors.Is(err, spihost.ErrCommandFull):
		f = FlagCommandFull
	case errors.Is(err, spihost.ErrSpeedInvalid):
		f = FlagSpeedInvalid
	case errors.Is(err, spihost.ErrTXQueueFull):
		f = FlagTXQueueFull
	case errors.Is(err, spihost.ErrRXQueueEmpty):
		f = FlagRXQueueEmpty
	default:
		f = FlagNotReady
	}
	return withFlag(f, err)
}
