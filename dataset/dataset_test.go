package dataset

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAllocate(t *testing.T) {
	a := NewAllocator(2, 64)
	var tests = []struct {
		length int
		want   uint32
	}{
		{length: 1, want: 4},
		{length: 4, want: 8},
		{length: 13, want: 12},
		{length: 0, want: 28},
		{length: 2, want: 28},
	}
	for _, tt := range tests {
		got := a.Allocate(tt.length)
		if got != tt.want {
			t.Errorf("Allocate(%d)=%#x, want %#x", tt.length, got, tt.want)
		}
	}
	if a.Cursor() != 32 || a.Free() != 32 {
		t.Errorf("cursor=%d free=%d", a.Cursor(), a.Free())
	}
	// Exactly fills the remainder.
	if got := a.Allocate(29); got != 32 {
		t.Errorf("got %d", got)
	}
	if a.Free() != 0 {
		t.Error("expected memory exhausted")
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := NewAllocator(0, 16)
	a.Allocate(12)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on exhausted memory")
		}
		if a.Cursor() != 12 {
			t.Errorf("cursor moved on failed allocation: %d", a.Cursor())
		}
	}()
	a.Allocate(5)
}

func TestTable(t *testing.T) {
	tbl := NewTable(Config{MemorySize: 1024})
	names := []string{"weights", "bias", "input"}
	lengths := []int{100, 3, 16}
	for i, name := range names {
		if _, ok := tbl.Store(name, lengths[i]); !ok {
			t.Fatal("store failed", name)
		}
	}
	recs := tbl.Records()
	if len(recs) != len(names) {
		t.Fatalf("got %d records", len(recs))
	}
	var prevEnd uint32
	for i, rec := range recs {
		if rec.Name != names[i] || rec.Length != lengths[i] {
			t.Errorf("record %d out of order: %+v", i, rec)
		}
		if rec.Addr < prevEnd {
			t.Errorf("record %d overlaps previous: %+v", i, rec)
		}
		if rec.Addr%4 != 0 {
			t.Errorf("record %d unaligned", i)
		}
		prevEnd = rec.End()
	}
	got, ok := tbl.Lookup("bias")
	if !ok || got != recs[1] {
		t.Errorf("lookup bias: %+v %v", got, ok)
	}
	if _, ok := tbl.Lookup("missing"); ok {
		t.Error("lookup of missing name reported found")
	}
	// Duplicate names keep resolving to the first record.
	tbl.Store("bias", 8)
	if got, _ := tbl.Lookup("bias"); got != recs[1] {
		t.Errorf("duplicate lookup: %+v", got)
	}
}

func TestTableCapacity(t *testing.T) {
	var logbuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logbuf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tbl := NewTable(Config{MemorySize: 1024, Capacity: 2, Logger: logger})
	tbl.Store("a", 4)
	tbl.Store("b", 4)
	cursor := tbl.Allocator().Cursor()
	_, ok := tbl.Store("c", 4)
	if ok {
		t.Error("store beyond capacity succeeded")
	}
	if tbl.Len() != 2 || tbl.Allocator().Cursor() != cursor {
		t.Error("dropped store modified table")
	}
	if _, ok := tbl.Lookup("c"); ok {
		t.Error("dropped record found")
	}
	if !strings.Contains(logbuf.String(), "dataset:full") {
		t.Errorf("expected warning, got %q", logbuf.String())
	}
}
