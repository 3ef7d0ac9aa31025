package obispi

import (
	"log/slog"

	"github.com/soypat/obispi/spihost"
	"github.com/soypat/obispi/wire"
)

// Write stores data in slave memory starting at addr. Words are taken from
// data in host order. A trailing partial word is zero padded on its high-order bytes.
//
// The payload is pushed into the host TX FIFO one word at a time and shifted
// out in segments of at most the TX FIFO depth. Chip select stays active from the
// wrap length programming until the last segment completes.
func (d *Device) Write(addr uint32, data []byte) (err error) {
	err = d.checkTransfer(addr, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	d.debug("write:start", hexAttr("addr", addr), slog.Int("len", len(data)))
	err = d.SetWrapLength(len(data))
	if err != nil {
		return err
	}
	err = d.addressPhase(wire.OpWrite, addr)
	if err != nil {
		return err
	}

	txDepth := d.params.TXDepth
	fullBurst := spihost.Command{
		Length:    uint32(txDepth * wire.WordSize),
		CSAAT:     true,
		Speed:     spihost.SpeedStandard,
		Direction: spihost.DirTXOnly,
	}
	words := wire.Words(len(data))
	counter := 0
	for i := 0; i < words; i++ {
		if counter == txDepth {
			err = d.issue(fullBurst)
			if err != nil {
				return err
			}
			counter = 0
		}
		w := hostWord(data[i*wire.WordSize:])
		err = d.waitTXNotFull()
		if err != nil {
			return err
		}
		err = d.host.WriteWord(wire.Swap(w))
		if err != nil {
			return hostErr(err)
		}
		counter++
	}

	// Final segment carries what is left of the last burst, which is a full
	// FIFO when the payload is a multiple of the FIFO size, and releases chip select.
	err = d.issue(spihost.Command{
		Length:    uint32(counter * wire.WordSize),
		CSAAT:     false,
		Speed:     spihost.SpeedStandard,
		Direction: spihost.DirTXOnly,
	})
	if err != nil {
		return err
	}
	d.debug("write:done", slog.Int("words", words), slog.Int("lastburst", counter))
	return nil
}

// Read fills buf with slave memory starting at addr. The slave waits
// dummyCycles idle cycles after the address phase before shifting out data.
//
// Whole words are stored in buf in the order the host receives them, which
// is the byte reversed host order: apply [wire.SwapWords] to buf to obtain host
// words. A trailing partial word is stored already in host order since it cannot be
// converted in place.
func (d *Device) Read(addr uint32, buf []byte, dummyCycles uint8) (err error) {
	err = d.checkTransfer(addr, len(buf))
	if err != nil || len(buf) == 0 {
		return err
	}
	length := len(buf)
	d.debug("read:start", hexAttr("addr", addr), slog.Int("len", length), slog.Uint64("dummy", uint64(dummyCycles)))
	err = d.SetDummyCycles(dummyCycles)
	if err != nil {
		return err
	}
	err = d.SetWrapLength(length)
	if err != nil {
		return err
	}
	err = d.addressPhase(wire.OpRead, addr)
	if err != nil {
		return err
	}
	if dummyCycles > 0 {
		err = d.issue(spihost.Command{
			Length:    uint32(dummyCycles),
			CSAAT:     true,
			Speed:     spihost.SpeedStandard,
			Direction: spihost.DirDummy,
		})
		if err != nil {
			return err
		}
	}
	// Whole words are clocked so the trailing partial word reaches the RX FIFO complete.
	err = d.issue(spihost.Command{
		Length:    uint32(wire.Align(length, wire.WordSize)),
		CSAAT:     false,
		Speed:     spihost.SpeedStandard,
		Direction: spihost.DirRXOnly,
	})
	if err != nil {
		return err
	}

	rxDepthBytes := d.params.RXDepth * wire.WordSize
	remaining := length
	offset := 0
	for remaining > 0 {
		chunk := min(remaining, rxDepthBytes)
		watermark := chunk / wire.WordSize
		if chunk%wire.WordSize != 0 {
			watermark++ // Only the final chunk can be partial.
		}
		err = d.host.SetRXWatermark(uint8(watermark))
		if err != nil {
			return hostErr(err)
		}
		err = d.waitRXWatermark()
		if err != nil {
			return err
		}
		for i := 0; i < chunk/wire.WordSize; i++ {
			w, err := d.host.ReadWord()
			if err != nil {
				return hostErr(err)
			}
			wire.HostOrder.PutUint32(buf[offset:], w)
			d.trace("read:word", hexAttr("w", w))
			offset += wire.WordSize
		}
		remaining -= chunk
	}

	if tail := length % wire.WordSize; tail != 0 {
		w, err := d.host.ReadWord()
		if err != nil {
			return hostErr(err)
		}
		var last [wire.WordSize]byte
		wire.HostOrder.PutUint32(last[:], wire.Swap(w))
		copy(buf[offset:], last[:tail])
	}
	d.debug("read:done", slog.Int("len", length))
	return nil
}

// addressPhase sends the op-code and the byte swapped address, keeping the slave selected.
func (d *Device) addressPhase(op byte, addr uint32) error {
	err := d.sendCmdBytes([]byte{op})
	if err != nil {
		return err
	}
	err = d.host.WriteWord(wire.Swap(addr))
	if err != nil {
		return hostErr(err)
	}
	return d.issue(spihost.Command{
		Length:    wire.AddrLen,
		CSAAT:     true,
		Speed:     spihost.SpeedStandard,
		Direction: spihost.DirTXOnly,
	})
}

// hostWord returns the host order word at the start of b, zero padding
// the high-order bytes when b is shorter than a word.
func hostWord(b []byte) uint32 {
	if len(b) >= wire.WordSize {
		return wire.HostOrder.Uint32(b)
	}
	var last [wire.WordSize]byte
	copy(last[:], b)
	return wire.HostOrder.Uint32(last[:])
}
