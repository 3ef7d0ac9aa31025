package obispi

import (
	"errors"
	"time"

	"github.com/soypat/obispi/spihost"
)

// waitFor polls the host's status until cond holds. It gives up after the
// configured number of attempts or once the timeout elapses, whichever comes first.
func (d *Device) waitFor(what string, cond func(spihost.Status) bool) error {
	deadline := time.Now().Add(d.timeout)
	for i := 0; ; i++ {
		st, err := d.host.Status()
		if err != nil {
			return hostErr(err)
		}
		if cond(st) {
			return nil
		}
		if i >= d.attempts || time.Now().After(deadline) {
			d.logerr("wait:timeout", strAttr("on", what))
			return withFlag(FlagDeviceUnresponsive, errors.New("timeout waiting for "+what))
		}
	}
}

func (d *Device) waitReady() error {
	return d.waitFor("ready", func(s spihost.Status) bool { return s.Ready })
}

func (d *Device) waitTXNotFull() error {
	return d.waitFor("tx not full", func(s spihost.Status) bool { return !s.TXFull })
}

func (d *Device) waitRXWatermark() error {
	return d.waitFor("rx watermark", func(s spihost.Status) bool { return s.RXWatermark })
}

// issue queues a segment and waits for the command queue to accept another.
func (d *Device) issue(cmd spihost.Command) error {
	err := d.host.SetCommand(cmd)
	if err != nil {
		return hostErr(err)
	}
	return d.waitReady()
}
