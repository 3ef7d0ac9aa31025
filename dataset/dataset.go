// package dataset assigns slave memory regions to named datasets.
//
// Regions are handed out by a bump [Allocator] and are never reused. A [Table]
// keeps the name to region mapping in insertion order.
package dataset

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/soypat/obispi/wire"
)

// Allocator hands out word aligned regions of slave memory in increasing
// address order. The zero value is not usable, see [NewAllocator].
type Allocator struct {
	base   uint32
	cursor uint32
	size   uint32
}

// NewAllocator returns an allocator over memSize bytes of slave memory
// starting at base. base is rounded up to a word.
func NewAllocator(base, memSize uint32) *Allocator {
	base = wire.Align(base, wire.WordSize)
	return &Allocator{base: base, cursor: base, size: memSize}
}

// Allocate returns the current cursor and advances it by length rounded up
// to a word. Running out of slave memory is a programming error and panics.
func (a *Allocator) Allocate(length int) uint32 {
	if length < 0 {
		panic("dataset: negative allocation length")
	}
	addr := a.cursor
	end := uint64(addr) + uint64(wire.Align(length, wire.WordSize))
	if end > uint64(a.size) {
		panic("dataset: slave memory exhausted allocating " + strconv.Itoa(length) + " bytes at 0x" + strconv.FormatUint(uint64(addr), 16))
	}
	a.cursor = uint32(end)
	return addr
}

// Cursor returns the next address Allocate will return.
func (a *Allocator) Cursor() uint32 { return a.cursor }

// Free returns the number of bytes left to allocate.
func (a *Allocator) Free() uint32 { return a.size - a.cursor }

// Record describes a region assigned to a dataset.
type Record struct {
	Name   string
	Addr   uint32
	Length int
}

// End returns the address past the word aligned region.
func (r Record) End() uint32 { return r.Addr + uint32(wire.Align(r.Length, wire.WordSize)) }

// Config configures a [Table].
type Config struct {
	// Base address of the first allocated region.
	Base uint32
	// MemorySize is the slave's memory size in bytes.
	MemorySize uint32
	// Capacity limits the number of records. 0 means unlimited.
	Capacity int
	Logger   *slog.Logger
}

// Table maps dataset names to slave memory regions.
type Table struct {
	alloc    *Allocator
	records  []Record
	index    map[string]int
	capacity int
	logger   *slog.Logger
}

func NewTable(cfg Config) *Table {
	return &Table{
		alloc:    NewAllocator(cfg.Base, cfg.MemorySize),
		index:    make(map[string]int),
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
	}
}

// Store allocates a region of length bytes for name and records it. When the
// table is full the record is dropped with a warning and ok is false, no memory
// is allocated in that case. Storing an existing name allocates a new region and
// later lookups return the first one.
func (t *Table) Store(name string, length int) (rec Record, ok bool) {
	if t.capacity > 0 && len(t.records) >= t.capacity {
		t.warn("dataset:full", slog.String("name", name), slog.Int("capacity", t.capacity))
		return Record{}, false
	}
	rec = Record{
		Name:   name,
		Addr:   t.alloc.Allocate(length),
		Length: length,
	}
	if _, dup := t.index[name]; !dup {
		t.index[name] = len(t.records)
	}
	t.records = append(t.records, rec)
	t.debug("dataset:store", slog.String("name", name), slog.Uint64("addr", uint64(rec.Addr)), slog.Int("len", length))
	return rec, true
}

// Lookup returns the first record stored under name.
func (t *Table) Lookup(name string) (Record, bool) {
	i, ok := t.index[name]
	if !ok {
		return Record{}, false
	}
	return t.records[i], true
}

// Records returns the records in insertion order. The returned slice must not be modified.
func (t *Table) Records() []Record { return t.records }

func (t *Table) Len() int { return len(t.records) }

// Allocator returns the table's underlying allocator.
func (t *Table) Allocator() *Allocator { return t.alloc }

func (t *Table) warn(msg string, attrs ...slog.Attr) {
	t.logattrs(slog.LevelWarn, msg, attrs...)
}

func (t *Table) debug(msg string, attrs ...slog.Attr) {
	t.logattrs(slog.LevelDebug, msg, attrs...)
}

func (t *Table) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if t.logger == nil {
		return
	}
	t.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
