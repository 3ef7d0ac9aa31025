package obispi

import (
	"log/slog"

	"github.com/soypat/obispi/spihost"
	"github.com/soypat/obispi/wire"
)

// cmdByte is a single byte TX segment that keeps the slave selected. The
// slave only takes one command byte per segment.
var cmdByte = spihost.Command{
	Length:    1,
	CSAAT:     true,
	Speed:     spihost.SpeedStandard,
	Direction: spihost.DirTXOnly,
}

// SetDummyCycles programs the number of idle cycles the slave waits after a
// read address phase before shifting out data.
func (d *Device) SetDummyCycles(cycles uint8) error {
	if !d.initialized {
		return FlagNotInit
	}
	d.debug("reg:dummy", slog.Uint64("cycles", uint64(cycles)))
	b := wire.DummyCyclesBytes(cycles)
	return d.sendCmdBytes(b[:])
}

// SetWrapLength programs the slave's wrap length register pair with the
// number of whole words in byteLength. It must be programmed in the same
// transaction as every data phase.
func (d *Device) SetWrapLength(byteLength int) error {
	if !d.initialized {
		return FlagNotInit
	}
	d.debug("reg:wrap", slog.Int("bytes", byteLength), slog.Uint64("words", uint64(wire.WordLength(byteLength))))
	b := wire.WrapLengthBytes(byteLength)
	return d.sendCmdBytes(b[:])
}

// sendCmdBytes sends each byte of b as its own command segment.
func (d *Device) sendCmdBytes(b []byte) error {
	for _, c := range b {
		err := d.host.WriteByte(c)
		if err != nil {
			return hostErr(err)
		}
		err = d.issue(cmdByte)
		if err != nil {
			return err
		}
	}
	return nil
}
