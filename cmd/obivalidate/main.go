package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/soypat/obispi"
	"github.com/soypat/obispi/buspirate"
	"github.com/soypat/obispi/dataset"
	"github.com/soypat/obispi/obisim"
	"github.com/soypat/obispi/report"
	"github.com/soypat/obispi/spihost"
	"github.com/soypat/obispi/validate"
	"github.com/soypat/obispi/wire"
	"tinygo.org/x/drivers"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type flags struct {
	backend   string
	port      string
	baud      int
	bpSpeed   uint
	mode      string
	dataset   string
	addr      uint64
	length    int
	dummy     uint
	mem       uint
	txDepth   int
	rxDepth   int
	broker    string
	topic     string
	verbosity int
}

func run(args []string, stdout, stderr io.Writer) int {
	var f flags
	fs := flag.NewFlagSet("obivalidate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "obivalidate - Write a test pattern to an SPI to OBI bridge slave, read it back and compare.\n\tUsage:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&f.backend, "backend", "sim", "SPI backend: 'sim' for the simulated slave or 'buspirate'.")
	fs.StringVar(&f.port, "port", "/dev/ttyUSB0", "Bus Pirate serial port.")
	fs.IntVar(&f.baud, "baud", 115200, "Bus Pirate baud rate.")
	fs.UintVar(&f.bpSpeed, "bp-speed", uint(buspirate.Speed1MHz), "Bus Pirate SPI speed index 0..7 (30kHz..8MHz).")
	fs.StringVar(&f.mode, "mode", "fixed", "Transfer mode: 'fixed' address or named 'dataset'.")
	fs.StringVar(&f.dataset, "dataset", "default", "Dataset name in dataset mode.")
	fs.Uint64Var(&f.addr, "addr", 0, "Slave address in fixed mode, base address in dataset mode.")
	fs.IntVar(&f.length, "len", 16, "Test pattern length in bytes.")
	fs.UintVar(&f.dummy, "dummy", wire.DefaultDummyCycles, "Read dummy cycles.")
	fs.UintVar(&f.mem, "mem", 64*1024, "Slave memory size in bytes. 0 disables bounds checks.")
	fs.IntVar(&f.txDepth, "tx-depth", spihost.DefaultParams().TXDepth, "Emulated host TX FIFO depth in words.")
	fs.IntVar(&f.rxDepth, "rx-depth", spihost.DefaultParams().RXDepth, "Emulated host RX FIFO depth in words.")
	fs.StringVar(&f.broker, "mqtt", "", "MQTT broker host:port to publish the result to. Empty disables publishing.")
	fs.StringVar(&f.topic, "topic", report.DefaultConfig().Topic, "MQTT topic.")
	fs.IntVar(&f.verbosity, "v", 0, "Verbosity: 0 info, 1 debug, 2 trace.")
	err := fs.Parse(args)
	if err != nil {
		return exitUsage
	}
	if err = f.check(); err != nil {
		fmt.Fprintln(stderr, "obivalidate:", err)
		fs.Usage()
		return exitUsage
	}

	level := slog.LevelInfo
	switch {
	case f.verbosity == 1:
		level = slog.LevelDebug
	case f.verbosity >= 2:
		level = slog.LevelDebug - 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	bus, cs, closeBus, err := f.openBus(logger)
	if err != nil {
		fmt.Fprintln(stderr, "obivalidate: opening bus:", err)
		return exitFail
	}
	defer func() {
		if cerr := closeBus(); cerr != nil {
			fmt.Fprintln(stderr, "obivalidate: closing bus:", cerr)
		}
	}()

	params := spihost.DefaultParams()
	params.TXDepth = f.txDepth
	params.RXDepth = f.rxDepth
	host := spihost.NewEmulator(bus, cs, params, logger)
	devcfg := obispi.DefaultConfig()
	devcfg.MemorySize = uint32(f.mem)
	devcfg.Logger = logger
	dev := obispi.New(host, devcfg)

	mode, _ := validate.ParseMode(f.mode)
	hcfg := validate.Config{
		Mode:        mode,
		Addr:        uint32(f.addr),
		Dataset:     f.dataset,
		DummyCycles: uint8(f.dummy),
		Logger:      logger,
	}
	if mode == validate.ModeDataset {
		hcfg.Table = dataset.NewTable(dataset.Config{
			Base:       uint32(f.addr),
			MemorySize: uint32(f.mem),
			Logger:     logger,
		})
	}
	harness := validate.New(dev, hcfg)
	res, err := harness.Run(validate.DefaultPattern(f.length))
	if f.broker != "" {
		perr := publish(f, logger, res)
		if perr != nil {
			fmt.Fprintln(stderr, "obivalidate: publishing result:", perr)
		}
	}
	if err != nil {
		var serr *validate.StageError
		if errors.As(err, &serr) {
			fmt.Fprintf(stdout, "FAIL stage=%s flag=0x%04x: %v\n", serr.Stage, uint16(serr.Flag()), serr.Err)
		} else {
			fmt.Fprintf(stdout, "FAIL: %v\n", err)
		}
		return exitFail
	}
	fmt.Fprintf(stdout, "PASS mode=%s addr=%#x len=%d elapsed=%s\n", res.Mode, res.Addr, res.Length, res.Elapsed)
	return exitOK
}

func (f *flags) check() error {
	if _, err := validate.ParseMode(f.mode); err != nil {
		return err
	}
	switch {
	case f.backend != "sim" && f.backend != "buspirate":
		return errors.New("unknown backend " + f.backend)
	case f.length <= 0:
		return errors.New("len must be positive")
	case f.dummy > 0xff:
		return errors.New("dummy cycles do not fit the 8 bit register")
	case f.addr > 0xffff_ffff:
		return errors.New("address does not fit 32 bits")
	case f.mem > 0xffff_ffff:
		return errors.New("memory size does not fit 32 bits")
	case f.bpSpeed > uint(buspirate.Speed8MHz):
		return errors.New("bus pirate speed index out of range")
	case f.txDepth <= 0 || f.rxDepth <= 0 || f.rxDepth > 0xff:
		return errors.New("invalid FIFO depths")
	case f.backend == "sim" && f.mem == 0:
		return errors.New("simulated slave needs a memory size")
	}
	return nil
}

// openBus returns the byte bus and chip select pin of the selected backend.
func (f *flags) openBus(logger *slog.Logger) (drivers.SPI, []spihost.OutputPin, func() error, error) {
	if f.backend == "sim" {
		slave := obisim.New(obisim.Config{MemorySize: uint32(f.mem), Logger: logger})
		return slave, []spihost.OutputPin{slave.CS}, func() error {
			return slave.Err()
		}, nil
	}
	cfg := buspirate.DefaultConfig(f.port)
	cfg.Baud = f.baud
	cfg.Speed = buspirate.Speed(f.bpSpeed)
	cfg.Logger = logger
	conn, err := buspirate.Open(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return conn, []spihost.OutputPin{conn.CS}, conn.Close, nil
}

func publish(f flags, logger *slog.Logger, res validate.Result) error {
	cfg := report.DefaultConfig()
	cfg.Broker = f.broker
	cfg.Topic = f.topic
	cfg.Logger = logger
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	pub, err := report.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer pub.Close()
	return pub.Publish(res)
}
