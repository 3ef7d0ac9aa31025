package obispi

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/soypat/obispi/obisim"
	"github.com/soypat/obispi/spihost"
	"github.com/soypat/obispi/wire"
)

const testMemSize = 16 * 1024

// recHost records the primitives invoked on the wrapped host.
type recHost struct {
	spihost.Host
	cmds      []spihost.Command
	words     []uint32
	bytes     []byte
	stuck     bool
	failWrite error
}

func (r *recHost) SetCommand(cmd spihost.Command) error {
	r.cmds = append(r.cmds, cmd)
	return r.Host.SetCommand(cmd)
}

func (r *recHost) WriteWord(w uint32) error {
	if r.failWrite != nil {
		return r.failWrite
	}
	r.words = append(r.words, w)
	return r.Host.WriteWord(w)
}

func (r *recHost) WriteByte(b byte) error {
	r.bytes = append(r.bytes, b)
	return r.Host.WriteByte(b)
}

func (r *recHost) Status() (spihost.Status, error) {
	st, err := r.Host.Status()
	if r.stuck {
		st.Ready = false
		st.TXFull = true
		st.RXWatermark = false
	}
	return st, err
}

func (r *recHost) reset() {
	r.cmds = nil
	r.words = nil
	r.bytes = nil
}

func newTestDevice(t *testing.T, params spihost.Params) (*Device, *recHost, *obisim.Slave) {
	t.Helper()
	slave := obisim.New(obisim.Config{MemorySize: testMemSize, Capture: true})
	emu := spihost.NewEmulator(slave, []spihost.OutputPin{slave.CS}, params, nil)
	host := &recHost{Host: emu}
	cfg := DefaultConfig()
	cfg.MemorySize = testMemSize
	dev := New(host, cfg)
	if err := dev.Init(); err != nil {
		t.Fatal(err)
	}
	host.reset()
	return dev, host, slave
}

func randomData(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestRoundTrip(t *testing.T) {
	params := spihost.DefaultParams()
	fifoBytes := params.TXDepth * wire.WordSize
	lengths := []int{
		fifoBytes * 3,
		13,
		2,
		1,
		3,
		4,
		16,
		4100,
		fifoBytes,
		fifoBytes + 1,
		fifoBytes - 3,
		params.RXDepth*wire.WordSize + 2,
	}
	for _, dummy := range []uint8{wire.DefaultDummyCycles, 0, 8} {
		for _, length := range lengths {
			dev, _, slave := newTestDevice(t, params)
			const addr = 0x100
			data := randomData(length, int64(length))
			err := dev.Write(addr, data)
			if err != nil {
				t.Fatalf("len=%d write: %v", length, err)
			}
			if !bytes.Equal(slave.Mem()[addr:addr+length], data) {
				t.Fatalf("len=%d: slave memory does not hold written data", length)
			}
			got := make([]byte, length)
			err = dev.Read(addr, got, dummy)
			if err != nil {
				t.Fatalf("len=%d read: %v", length, err)
			}
			wire.SwapWords(got)
			if !bytes.Equal(got, data) {
				t.Errorf("len=%d dummy=%d: round trip mismatch\n got %x\nwant %x", length, dummy, got, data)
			}
			if err := slave.Err(); err != nil {
				t.Errorf("len=%d: protocol violations: %v", length, err)
			}
		}
	}
}

func TestRoundTripSmallFIFO(t *testing.T) {
	params := spihost.Params{TXDepth: 2, RXDepth: 3, CmdDepth: 1}
	for length := 1; length < 40; length++ {
		dev, _, slave := newTestDevice(t, params)
		data := randomData(length, int64(length))
		if err := dev.Write(0, data); err != nil {
			t.Fatal(length, err)
		}
		got := make([]byte, length)
		if err := dev.Read(0, got, 16); err != nil {
			t.Fatal(length, err)
		}
		wire.SwapWords(got)
		if !bytes.Equal(got, data) {
			t.Errorf("len=%d: mismatch got %x want %x", length, got, data)
		}
		if err := slave.Err(); err != nil {
			t.Errorf("len=%d: %v", length, err)
		}
	}
}

func TestWriteBursts(t *testing.T) {
	params := spihost.DefaultParams()
	depth := params.TXDepth
	fifoBytes := depth * wire.WordSize
	for _, length := range []int{1, 13, fifoBytes - 1, fifoBytes, fifoBytes + 4, fifoBytes * 3, fifoBytes*3 + 2, 4100} {
		dev, host, _ := newTestDevice(t, params)
		err := dev.Write(0, randomData(length, 1))
		if err != nil {
			t.Fatal(err)
		}
		// 4 wrap length bytes, op-code and address precede the payload.
		const preamble = 6
		if len(host.cmds) < preamble+1 {
			t.Fatalf("len=%d: too few commands %d", length, len(host.cmds))
		}
		if host.cmds[preamble-1].Length != wire.AddrLen {
			t.Errorf("len=%d: address segment length %d", length, host.cmds[preamble-1].Length)
		}
		data := host.cmds[preamble:]
		total := 0
		for i, cmd := range data {
			last := i == len(data)-1
			if cmd.Direction != spihost.DirTXOnly || cmd.CSAAT == last {
				t.Errorf("len=%d: segment %d bad shape %+v", length, i, cmd)
			}
			if !last && cmd.Length != uint32(fifoBytes) {
				t.Errorf("len=%d: intermediate segment %d length %d", length, i, cmd.Length)
			}
			total += int(cmd.Length)
		}
		if total != wire.Align(length, 4) {
			t.Errorf("len=%d: segments declare %d bytes, want %d", length, total, wire.Align(length, 4))
		}
		wantLast := wire.Align(length, 4) % fifoBytes
		if wantLast == 0 {
			wantLast = fifoBytes
		}
		if got := data[len(data)-1].Length; got != uint32(wantLast) {
			t.Errorf("len=%d: final segment declares %d, want %d", length, got, wantLast)
		}
		// Address word plus payload.
		if len(host.words) != 1+wire.Words(length) {
			t.Errorf("len=%d: pushed %d payload words, want %d", length, len(host.words)-1, wire.Words(length))
		}
	}
}

func TestWireShape(t *testing.T) {
	dev, _, slave := newTestDevice(t, spihost.DefaultParams())
	data := []byte{3, 2, 1, 0, 7, 6, 5, 4}
	if err := dev.Write(0x40, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if err := dev.Read(0x40, got, wire.DefaultDummyCycles); err != nil {
		t.Fatal(err)
	}
	windows := slave.Windows()
	if len(windows) != 2 {
		t.Fatalf("want one chip select window per transfer, got %d", len(windows))
	}
	wantWrite := []byte{
		0x20, 0x02, 0x30, 0x00,
		0x02, 0x00, 0x00, 0x00, 0x40,
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	}
	if !bytes.Equal(windows[0].SDO, wantWrite) {
		t.Errorf("write transaction\n got %x\nwant %x", windows[0].SDO, wantWrite)
	}
	wantRead := []byte{
		0x11, 0x20,
		0x20, 0x02, 0x30, 0x00,
		0x0b, 0x00, 0x00, 0x00, 0x40,
	}
	if !bytes.HasPrefix(windows[1].SDO, wantRead) {
		t.Errorf("read transaction\n got %x\nwant prefix %x", windows[1].SDO, wantRead)
	}
	tx, err := wire.Decode(windows[1].SDO, windows[1].SDI)
	if err != nil {
		t.Fatal(err)
	}
	if tx.DummyCycles != wire.DefaultDummyCycles || !bytes.Equal(tx.Data, []byte{0, 1, 2, 3, 4, 5, 6, 7}) {
		t.Errorf("decoded read: %s", tx.String())
	}
	if slave.DummyCycles() != wire.DefaultDummyCycles || slave.WrapLength() != 2 {
		t.Errorf("slave registers dummy=%d wrap=%d", slave.DummyCycles(), slave.WrapLength())
	}
}

func TestWrapLength4100(t *testing.T) {
	dev, host, slave := newTestDevice(t, spihost.DefaultParams())
	if err := dev.Write(0, randomData(4100, 2)); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(host.bytes, []byte{0x20, 0x01, 0x30, 0x04}) {
		t.Errorf("wrap length bytes: %x", host.bytes[:4])
	}
	if slave.WrapLength() != 1025 {
		t.Errorf("slave wrap length %d", slave.WrapLength())
	}
}

func TestOversizeRejected(t *testing.T) {
	dev, host, slave := newTestDevice(t, spihost.DefaultParams())
	slave.Reset()
	big := make([]byte, wire.MaxTransferWords*wire.WordSize+1)
	err := dev.Write(0, big)
	if !errors.Is(err, FlagSizeExceeded) || FlagOf(err) != FlagSizeExceeded {
		t.Errorf("want size exceeded, got %v", err)
	}
	err = dev.Read(0, big, 0)
	if !errors.Is(err, FlagSizeExceeded) {
		t.Errorf("want size exceeded, got %v", err)
	}
	if len(host.cmds) != 0 || len(host.bytes) != 0 || len(host.words) != 0 || len(slave.Windows()) != 0 {
		t.Error("bus activity on rejected transfer")
	}
}

func TestAddressInvalid(t *testing.T) {
	dev, host, _ := newTestDevice(t, spihost.DefaultParams())
	var tests = []struct {
		addr   uint32
		length int
		valid  bool
	}{
		{addr: 0, length: testMemSize, valid: true},
		{addr: testMemSize - 4, length: 3, valid: true},
		{addr: testMemSize - 4, length: 5, valid: false},
		{addr: 2, length: 4, valid: false},
		{addr: 0xffff_fffc, length: 8, valid: false},
	}
	for _, tt := range tests {
		host.reset()
		err := dev.Write(tt.addr, make([]byte, tt.length))
		if tt.valid && err != nil {
			t.Errorf("addr=%#x len=%d: %v", tt.addr, tt.length, err)
		} else if !tt.valid && FlagOf(err) != FlagAddressInvalid {
			t.Errorf("addr=%#x len=%d: want address invalid, got %v", tt.addr, tt.length, err)
		}
		if !tt.valid && len(host.cmds) != 0 {
			t.Error("bus activity on invalid address")
		}
	}
}

func TestZeroLength(t *testing.T) {
	dev, host, _ := newTestDevice(t, spihost.DefaultParams())
	if err := dev.Write(0, nil); err != nil {
		t.Error(err)
	}
	if err := dev.Read(0, nil, 0); err != nil {
		t.Error(err)
	}
	if len(host.cmds) != 0 {
		t.Error("zero length transfers must not touch the bus")
	}
}

func TestUnresponsive(t *testing.T) {
	dev, host, _ := newTestDevice(t, spihost.DefaultParams())
	dev.attempts = 100
	host.stuck = true
	err := dev.Write(0, make([]byte, 8))
	if FlagOf(err) != FlagDeviceUnresponsive {
		t.Errorf("want device unresponsive, got %v", err)
	}
	err = dev.SetDummyCycles(4)
	if !errors.Is(err, FlagDeviceUnresponsive) {
		t.Errorf("want device unresponsive, got %v", err)
	}
}

func TestHostErrorMapping(t *testing.T) {
	dev, host, _ := newTestDevice(t, spihost.DefaultParams())
	host.failWrite = spihost.ErrTXQueueFull
	err := dev.Write(0, make([]byte, 8))
	if FlagOf(err) != FlagTXQueueFull || !errors.Is(err, spihost.ErrTXQueueFull) {
		t.Errorf("want TX queue full flag wrapping host error, got %v", err)
	}
	host.failWrite = errors.New("bus fault")
	err = dev.Write(0, make([]byte, 8))
	if FlagOf(err) != FlagNotReady {
		t.Errorf("unknown host errors map to not ready, got %v", err)
	}
}
