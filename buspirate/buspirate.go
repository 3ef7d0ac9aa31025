// package buspirate drives an SPI bus through a Bus Pirate in binary SPI
// mode over a serial port. A [Conn] implements the tinygo drivers.SPI interface
// and exposes the chip select line so a host emulator can sit on top of it.
package buspirate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/tarm/serial"
)

// Binary mode commands.
const (
	cmdReset      = 0x00 // Enter raw bitbang mode, also leaves SPI mode.
	cmdSPI        = 0x01 // From bitbang mode: enter binary SPI mode.
	cmdCSLow      = 0x02
	cmdCSHigh     = 0x03
	cmdUserTerm   = 0x0f // From bitbang mode: back to the user terminal.
	cmdBulk       = 0x10 // Low nibble is byte count minus one.
	cmdPeripheral = 0x40 // 0100wxyz: power, pullups, AUX, CS.
	cmdSpeed      = 0x60 // 01100xxx.
	cmdConfig     = 0x80 // 1000wxyz: output 3V3, CKP, CKE, SMP.

	ack = 0x01
	// maxBulk is the most bytes a single bulk transfer command moves.
	maxBulk = 16
	// enterAttempts is how many resets are sent before giving up on the bitbang banner.
	enterAttempts = 20
)

const (
	peripheralPower   = 1 << 3
	peripheralPullups = 1 << 2
	peripheralCS      = 1 << 0
	configOutput3V3   = 1 << 3
	configCKP         = 1 << 2
	configCKE         = 1 << 1
)

var (
	bannerBitbang = []byte("BBIO1")
	bannerSPI     = []byte("SPI1")
)

var (
	ErrNoBanner = errors.New("buspirate: device did not answer with binary mode banner")
	ErrNoAck    = errors.New("buspirate: command not acknowledged")
	ErrClosed   = errors.New("buspirate: connection closed")
)

// Speed is the SPI clock rate.
type Speed uint8

const (
	Speed30kHz Speed = iota
	Speed125kHz
	Speed250kHz
	Speed1MHz
	Speed2MHz
	Speed2_6MHz
	Speed4MHz
	Speed8MHz
)

// Config configures a Bus Pirate connection.
type Config struct {
	// Port is the serial device, i.e: "/dev/ttyUSB0" or "COM3".
	Port string
	Baud int
	// ReadTimeout bounds every read of a device answer.
	ReadTimeout time.Duration
	Speed       Speed
	// CPOL and CPHA select the SPI mode.
	CPOL, CPHA bool
	// Power enables the Bus Pirate's on-board supplies.
	Power   bool
	Pullups bool
	Logger  *slog.Logger
}

func DefaultConfig(port string) Config {
	return Config{
		Port:        port,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
		Speed:       Speed1MHz,
		Power:       true,
	}
}

// Conn is an SPI bus driven through a Bus Pirate. It is not safe for concurrent use.
type Conn struct {
	rw     io.ReadWriter
	closer io.Closer
	cfg    Config
	buf    [maxBulk + 1]byte
	// pinErr holds the first chip select failure, reported by the next transfer.
	pinErr error
	closed bool
}

// Open opens the serial port in cfg and places the Bus Pirate in binary SPI mode.
func Open(cfg Config) (*Conn, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.New("buspirate: opening " + cfg.Port + ": " + err.Error())
	}
	c, err := New(port, cfg)
	if err != nil {
		port.Close()
		return nil, err
	}
	c.closer = port
	return c, nil
}

// New places the Bus Pirate on the other end of rw in binary SPI mode and
// configures it. The chip select is left high.
func New(rw io.ReadWriter, cfg Config) (*Conn, error) {
	c := &Conn{rw: rw, cfg: cfg}
	err := c.enterBitbang()
	if err != nil {
		return nil, err
	}
	c.debug("bp:bitbang")
	err = c.command(cmdSPI, bannerSPI)
	if err != nil {
		return nil, err
	}
	c.debug("bp:spi")
	var periph byte = peripheralCS
	if cfg.Power {
		periph |= peripheralPower
	}
	if cfg.Pullups {
		periph |= peripheralPullups
	}
	err = c.command(cmdPeripheral|periph, nil)
	if err != nil {
		return nil, err
	}
	err = c.command(cmdSpeed|byte(cfg.Speed&0b111), nil)
	if err != nil {
		return nil, err
	}
	var conf byte = configOutput3V3
	if cfg.CPOL {
		conf |= configCKP
	}
	if !cfg.CPHA {
		// Mode 0 and 2 shift data out on the active to idle edge.
		conf |= configCKE
	}
	err = c.command(cmdConfig|conf, nil)
	if err != nil {
		return nil, err
	}
	c.debug("bp:configured", slog.Int("speed", int(cfg.Speed)), slog.Bool("cpol", cfg.CPOL), slog.Bool("cpha", cfg.CPHA))
	return c, nil
}

func (c *Conn) enterBitbang() error {
	for i := 0; i < enterAttempts; i++ {
		_, err := c.rw.Write([]byte{cmdReset})
		if err != nil {
			return err
		}
		got := c.buf[:len(bannerBitbang)]
		err = c.readFull(got)
		if err == nil && string(got) == string(bannerBitbang) {
			return nil
		}
	}
	return ErrNoBanner
}

// command sends a single command byte and checks the answer, which is
// either banner or a single ack byte when banner is nil.
func (c *Conn) command(cmd byte, banner []byte) error {
	_, err := c.rw.Write([]byte{cmd})
	if err != nil {
		return err
	}
	if banner == nil {
		return c.readAck(cmd)
	}
	got := c.buf[:len(banner)]
	err = c.readFull(got)
	if err != nil {
		return err
	}
	if string(got) != string(banner) {
		return ErrNoBanner
	}
	return nil
}

func (c *Conn) readAck(cmd byte) error {
	got := c.buf[:1]
	err := c.readFull(got)
	if err != nil {
		return err
	}
	if got[0] != ack {
		return errors.New(ErrNoAck.Error() + ": cmd=0x" + strconv.FormatUint(uint64(cmd), 16))
	}
	return nil
}

// readFull reads len(b) bytes. Serial ports with a read timeout return short
// or empty reads, so a bounded number of empty reads is tolerated.
func (c *Conn) readFull(b []byte) error {
	const maxEmpty = 4
	empty := 0
	for n := 0; n < len(b); {
		m, err := c.rw.Read(b[n:])
		n += m
		if n == len(b) {
			return nil
		}
		if m == 0 {
			empty++
			if empty >= maxEmpty {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return errors.New("buspirate: reading answer: " + err.Error())
			}
		}
	}
	return nil
}

// SetCS drives the chip select line.
func (c *Conn) SetCS(level bool) error {
	if c.closed {
		return ErrClosed
	}
	cmd := byte(cmdCSLow)
	if level {
		cmd = cmdCSHigh
	}
	c.trace("bp:cs", slog.Bool("level", level))
	return c.command(cmd, nil)
}

// CS drives the chip select line. Failures are reported by the next
// call to Tx or Transfer.
func (c *Conn) CS(level bool) {
	err := c.SetCS(level)
	if err != nil && c.pinErr == nil {
		c.pinErr = err
	}
}

// Transfer clocks a single byte.
func (c *Conn) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := c.Tx([]byte{b}, r[:])
	return r[0], err
}

// Tx clocks max(len(w), len(r)) bytes. Missing write bytes are sent as zero.
// r may be nil.
func (c *Conn) Tx(w, r []byte) error {
	if c.closed {
		return ErrClosed
	}
	if c.pinErr != nil {
		err := c.pinErr
		c.pinErr = nil
		return err
	}
	n := max(len(w), len(r))
	for off := 0; off < n; off += maxBulk {
		chunk := min(n-off, maxBulk)
		msg := c.buf[:chunk+1]
		msg[0] = cmdBulk | byte(chunk-1)
		for i := 0; i < chunk; i++ {
			if off+i < len(w) {
				msg[i+1] = w[off+i]
			} else {
				msg[i+1] = 0
			}
		}
		_, err := c.rw.Write(msg)
		if err != nil {
			return err
		}
		// Answer is an ack followed by the bytes clocked in.
		err = c.readFull(msg)
		if err != nil {
			return err
		}
		if msg[0] != ack {
			return ErrNoAck
		}
		if off < len(r) {
			copy(r[off:], msg[1:])
		}
	}
	return nil
}

// Close returns the Bus Pirate to its user terminal and closes the serial port if owned.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	// Leave SPI mode, then bitbang mode.
	_, err := c.rw.Write([]byte{cmdReset, cmdUserTerm})
	if c.closer != nil {
		err = errors.Join(err, c.closer.Close())
	}
	c.debug("bp:closed")
	return err
}

func (c *Conn) debug(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug, msg, attrs...)
}

func (c *Conn) trace(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug-1, msg, attrs...)
}

func (c *Conn) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
