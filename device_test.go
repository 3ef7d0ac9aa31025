package obispi

import (
	"errors"
	"testing"

	"github.com/soypat/obispi/obisim"
	"github.com/soypat/obispi/spihost"
)

// paramsHost reports fixed controller parameters.
type paramsHost struct {
	spihost.Host
	params spihost.Params
}

func (p paramsHost) Params() spihost.Params { return p.params }

func TestInitErrors(t *testing.T) {
	err := New(nil, DefaultConfig()).Init()
	if err != FlagNullPtr {
		t.Errorf("nil host: got %v", err)
	}

	slave := obisim.New(obisim.Config{MemorySize: 64})
	emu := spihost.NewEmulator(slave, []spihost.OutputPin{slave.CS}, spihost.DefaultParams(), nil)

	cfg := DefaultConfig()
	cfg.CSID = 1
	err = New(emu, cfg).Init()
	if FlagOf(err) != FlagCSIDInvalid || !errors.Is(err, spihost.ErrCSIDInvalid) {
		t.Errorf("bad chip select: got %v", err)
	}

	for _, params := range []spihost.Params{
		{TXDepth: 0, RXDepth: 8},
		{TXDepth: 8, RXDepth: 0},
		{TXDepth: 8, RXDepth: 256},
	} {
		err = New(paramsHost{Host: emu, params: params}, DefaultConfig()).Init()
		if FlagOf(err) != FlagNotInit {
			t.Errorf("params %+v: got %v", params, err)
		}
	}
}

func TestNotInitialized(t *testing.T) {
	slave := obisim.New(obisim.Config{MemorySize: 64})
	emu := spihost.NewEmulator(slave, []spihost.OutputPin{slave.CS}, spihost.DefaultParams(), nil)
	dev := New(emu, DefaultConfig())
	if err := dev.Write(0, make([]byte, 4)); err != FlagNotInit {
		t.Errorf("write: %v", err)
	}
	if err := dev.Read(0, make([]byte, 4), 0); err != FlagNotInit {
		t.Errorf("read: %v", err)
	}
	if err := dev.SetDummyCycles(8); err != FlagNotInit {
		t.Errorf("dummy: %v", err)
	}
	if err := dev.SetWrapLength(8); err != FlagNotInit {
		t.Errorf("wrap: %v", err)
	}
	if len(slave.Windows()) != 0 || slave.Err() != nil {
		t.Error("bus activity before init")
	}
}

func TestInitProgramsHost(t *testing.T) {
	slave := obisim.New(obisim.Config{MemorySize: 64})
	emu := spihost.NewEmulator(slave, []spihost.OutputPin{slave.CS}, spihost.DefaultParams(), nil)
	cfg := DefaultConfig()
	cfg.Opts.ClkDiv = 3
	dev := New(emu, cfg)
	if err := dev.Init(); err != nil {
		t.Fatal(err)
	}
	if got := emu.ConfigOpts(0); got != cfg.Opts {
		t.Errorf("config opts %+v, want %+v", got, cfg.Opts)
	}
	if dev.Params() != emu.Params() {
		t.Error("params not read from host")
	}
	// Program registers outside of a transfer.
	if err := dev.SetDummyCycles(16); err != nil {
		t.Fatal(err)
	}
	if slave.DummyCycles() != 16 {
		t.Errorf("slave dummy cycles %d", slave.DummyCycles())
	}
}

func TestFlagOf(t *testing.T) {
	var tests = []struct {
		err  error
		want Flag
	}{
		{err: nil, want: FlagOK},
		{err: FlagCommandFull, want: FlagCommandFull},
		{err: withFlag(FlagSpeedInvalid, errors.New("x")), want: FlagSpeedInvalid},
		{err: hostErr(spihost.ErrRXQueueEmpty), want: FlagRXQueueEmpty},
		{err: hostErr(spihost.ErrNotEnabled), want: FlagNotInit},
		{err: hostErr(FlagTXQueueFull), want: FlagTXQueueFull},
		{err: errors.New("unflagged"), want: FlagNotReady},
	}
	for _, tt := range tests {
		if got := FlagOf(tt.err); got != tt.want {
			t.Errorf("FlagOf(%v)=%v, want %v", tt.err, got, tt.want)
		}
	}
	if FlagAddressInvalid.Error() != "obispi: address invalid" {
		t.Error(FlagAddressInvalid.Error())
	}
	if Flag(0x7777).String() != "flag(0x7777)" {
		t.Error(Flag(0x7777).String())
	}
}
