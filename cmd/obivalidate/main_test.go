package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	var tests = []struct {
		args     []string
		wantCode int
		wantOut  string
	}{
		{args: nil, wantCode: exitOK, wantOut: "PASS mode=fixed addr=0x0 len=16"},
		{args: []string{"-len", "4101", "-addr", "0x200", "-dummy", "8"}, wantCode: exitOK, wantOut: "PASS mode=fixed addr=0x200 len=4101"},
		{args: []string{"-mode", "dataset", "-addr", "0x40", "-len", "33"}, wantCode: exitOK, wantOut: "PASS mode=dataset addr=0x40"},
		{args: []string{"-tx-depth", "3", "-rx-depth", "2", "-len", "77"}, wantCode: exitOK, wantOut: "PASS"},
		{args: []string{"-addr", "0x10000"}, wantCode: exitFail, wantOut: "FAIL stage=write flag=0x0003"},
		{args: []string{"-addr", "2"}, wantCode: exitFail, wantOut: "FAIL stage=write flag=0x0003"},
		{args: []string{"-mem", "0x100000", "-len", "262145"}, wantCode: exitFail, wantOut: "FAIL stage=write flag=0x0005"},
		{args: []string{"-backend", "spidev"}, wantCode: exitUsage},
		{args: []string{"-mode", "bogus"}, wantCode: exitUsage},
		{args: []string{"-dummy", "256"}, wantCode: exitUsage},
		{args: []string{"-len", "0"}, wantCode: exitUsage},
		{args: []string{"-nonexistent"}, wantCode: exitUsage},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		code := run(tt.args, &stdout, &stderr)
		if code != tt.wantCode {
			t.Errorf("%v: exit code %d, want %d\nstdout: %s\nstderr: %s", tt.args, code, tt.wantCode, stdout.String(), stderr.String())
		}
		if !strings.Contains(stdout.String(), tt.wantOut) {
			t.Errorf("%v: output %q missing %q", tt.args, stdout.String(), tt.wantOut)
		}
	}
}
