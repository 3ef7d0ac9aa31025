// package validate checks an SPI to OBI bridge slave end to end: it writes a
// buffer to slave memory, reads it back and compares.
package validate

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/soypat/obispi"
	"github.com/soypat/obispi/dataset"
	"github.com/soypat/obispi/wire"
)

// Mode selects where the harness places the test buffer in slave memory.
type Mode uint8

const (
	// ModeFixed transfers to the configured address.
	ModeFixed Mode = iota
	// ModeDataset transfers to the region assigned to a named dataset.
	ModeDataset
)

func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeDataset:
		return "dataset"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode parses the String representation of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fixed":
		return ModeFixed, nil
	case "dataset":
		return ModeDataset, nil
	}
	return 0, errors.New("validate: unknown mode " + strconv.Quote(s))
}

// Stage is a step of a validation run.
type Stage uint8

const (
	StageNone Stage = iota
	StageDataset
	StageInit
	StageWrite
	StageRead
	StageCompare
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageDataset:
		return "dataset"
	case StageInit:
		return "init"
	case StageWrite:
		return "write"
	case StageRead:
		return "read"
	case StageCompare:
		return "compare"
	case StageDone:
		return "done"
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrNoTable       = errors.New("validate: dataset mode without table")
	ErrTableFull     = errors.New("validate: dataset table full")
	ErrDatasetLength = errors.New("validate: dataset region shorter than buffer")
)

// MismatchError reports the first byte that did not read back as written.
type MismatchError struct {
	Offset    int
	Got, Want byte
}

func (e *MismatchError) Error() string {
	return "validate: read back mismatch at offset " + strconv.Itoa(e.Offset) +
		": got 0x" + strconv.FormatUint(uint64(e.Got), 16) + ", want 0x" + strconv.FormatUint(uint64(e.Want), 16)
}

// StageError is returned by [Harness.Run] when a stage fails.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return "validate: " + e.Stage.String() + " failed (flag 0x" + strconv.FormatUint(uint64(e.Flag()), 16) + "): " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Flag returns the device flag of the failure. Compare and dataset failures
// are not device errors and yield [obispi.FlagOK].
func (e *StageError) Flag() obispi.Flag {
	var f obispi.Flag
	if errors.As(e.Err, &f) {
		return f
	}
	switch e.Stage {
	case StageInit, StageWrite, StageRead:
		return obispi.FlagOf(e.Err)
	}
	return obispi.FlagOK
}

// Config configures a [Harness].
type Config struct {
	Mode Mode
	// Addr is the transfer address in ModeFixed.
	Addr uint32
	// Dataset names the region used in ModeDataset. The region is allocated
	// from Table on first use.
	Dataset string
	Table   *dataset.Table
	// DummyCycles programmed for the read back.
	DummyCycles uint8
	Logger      *slog.Logger
}

// Result summarizes a validation run.
type Result struct {
	Mode    Mode
	Dataset string
	Addr    uint32
	Length  int
	// Stage is the last stage reached. StageDone on success.
	Stage   Stage
	Elapsed time.Duration
	Err     error
}

func (r Result) Passed() bool { return r.Stage == StageDone && r.Err == nil }

// Harness runs validation passes against a device.
type Harness struct {
	dev     *obispi.Device
	cfg     Config
	readbuf []byte
}

func New(dev *obispi.Device, cfg Config) *Harness {
	return &Harness{dev: dev, cfg: cfg}
}

// Run initializes the device, writes data to slave memory, reads it back
// and compares. The returned error is nil or a *StageError, which is also stored
// in the Result.
func (h *Harness) Run(data []byte) (res Result, err error) {
	start := time.Now()
	res = Result{Mode: h.cfg.Mode, Length: len(data), Dataset: h.cfg.Dataset}
	defer func() {
		res.Elapsed = time.Since(start)
		if err != nil {
			res.Err = err
			h.logerr("validate:fail", slog.String("stage", res.Stage.String()), slog.String("err", err.Error()))
		} else {
			h.info("validate:pass", slog.Uint64("addr", uint64(res.Addr)), slog.Int("len", res.Length), slog.Duration("elapsed", res.Elapsed))
		}
	}()
	fail := func(stage Stage, err error) (Result, error) {
		res.Stage = stage
		return res, &StageError{Stage: stage, Err: err}
	}

	res.Stage = StageDataset
	res.Addr, err = h.address(len(data))
	if err != nil {
		return fail(StageDataset, err)
	}
	h.debug("validate:addr", slog.String("mode", h.cfg.Mode.String()), slog.Uint64("addr", uint64(res.Addr)))

	res.Stage = StageInit
	if h.dev == nil {
		return fail(StageInit, obispi.FlagNullPtr)
	}
	err = h.dev.Init()
	if err != nil {
		return fail(StageInit, err)
	}

	res.Stage = StageWrite
	err = h.dev.Write(res.Addr, data)
	if err != nil {
		return fail(StageWrite, err)
	}

	res.Stage = StageRead
	if cap(h.readbuf) < len(data) {
		h.readbuf = make([]byte, len(data))
	}
	readback := h.readbuf[:len(data)]
	clear(readback)
	err = h.dev.Read(res.Addr, readback, h.cfg.DummyCycles)
	if err != nil {
		return fail(StageRead, err)
	}

	res.Stage = StageCompare
	wire.SwapWords(readback)
	if off := mismatch(readback, data); off >= 0 {
		return fail(StageCompare, &MismatchError{Offset: off, Got: readback[off], Want: data[off]})
	}
	res.Stage = StageDone
	return res, nil
}

// address resolves the transfer address for a buffer of length bytes.
func (h *Harness) address(length int) (uint32, error) {
	if h.cfg.Mode != ModeDataset {
		return h.cfg.Addr, nil
	}
	tbl := h.cfg.Table
	if tbl == nil {
		return 0, ErrNoTable
	}
	rec, ok := tbl.Lookup(h.cfg.Dataset)
	if !ok {
		rec, ok = tbl.Store(h.cfg.Dataset, length)
		if !ok {
			return 0, ErrTableFull
		}
	}
	if rec.Length < length {
		return 0, ErrDatasetLength
	}
	return rec.Addr, nil
}

func mismatch(got, want []byte) int {
	for i := range want {
		if got[i] != want[i] {
			return i
		}
	}
	return -1
}

// DefaultPattern returns n bytes holding the little endian words
// 0x00010203, 0x04050607, 0x08090a0b, ... truncated to n bytes.
func DefaultPattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i&^3 + 3 - i&3)
	}
	return buf
}

func (h *Harness) logerr(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelError, msg, attrs...)
}

func (h *Harness) info(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelInfo, msg, attrs...)
}

func (h *Harness) debug(msg string, attrs ...slog.Attr) {
	h.logattrs(slog.LevelDebug, msg, attrs...)
}

func (h *Harness) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if h.cfg.Logger == nil {
		return
	}
	h.cfg.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}
