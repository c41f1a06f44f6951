package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/minivmm/internal/hv"
)

func TestParse(t *testing.T) {
	data := []byte(`
version: 1.2.0
name: halt
memory:
  - start: 0
    size: 64MiB
  - start: 0x80000000
    size: 0x200000
kernel:
  path: halt.bin
  loadAddress: 0x10000
  zeroBSS: true
console:
  screen: true
  columns: 100
timeout: 5s
`)

	m, err := Parse(data, hv.ArchitectureX86_64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Version != "v1.2.0" || m.Name != "halt" {
		t.Fatalf("version/name = %q/%q", m.Version, m.Name)
	}
	spans := m.Spans()
	if len(spans) != 2 || spans[0] != (hv.GPASpan{Start: 0, Size: 64 << 20}) || spans[1] != (hv.GPASpan{Start: 0x80000000, Size: 0x200000}) {
		t.Fatalf("Spans() = %v", spans)
	}
	if m.Kernel.Format != FormatBin || m.Kernel.LoadAddress != 0x10000 || !m.Kernel.ZeroBSS {
		t.Fatalf("kernel = %+v", m.Kernel)
	}
	if !m.Console.Screen || m.Console.Columns != 100 || m.Console.Rows != DefaultRows {
		t.Fatalf("console = %+v", m.Console)
	}
	if m.Timeout != 5*time.Second {
		t.Fatalf("timeout = %s", m.Timeout)
	}
}

func TestDefault(t *testing.T) {
	m := Default(hv.ArchitectureARM64)

	if m.Version != SupportedMajor {
		t.Fatalf("version = %q", m.Version)
	}
	if spans := m.Spans(); len(spans) != 1 || spans[0].Start != 0x80000000 || spans[0].Size != DefaultMemorySize {
		t.Fatalf("Spans() = %v", spans)
	}
	if m.Kernel.Format != FormatELF {
		t.Fatalf("format = %q", m.Kernel.Format)
	}

	m = Default(hv.ArchitectureX86_64)
	if m.Spans()[0].Start != 0 {
		t.Fatalf("x86-64 default memory starts at 0x%x", m.Spans()[0].Start)
	}
}

func TestBinDefaultsLoadAddress(t *testing.T) {
	m, err := Parse([]byte("kernel:\n  path: payload\n  format: bin\n"), hv.ArchitectureARM64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Kernel.LoadAddress != 0x80000000 {
		t.Fatalf("loadAddress = 0x%x", uint64(m.Kernel.LoadAddress))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		version bool
	}{
		{"major 2", "version: v2.0.0\n", true},
		{"garbage version", "version: latest\n", true},
		{"zero size", "memory:\n  - start: 0\n    size: 0\n", false},
		{"bad size", "memory:\n  - start: 0\n    size: lots\n", false},
		{"size mapping", "memory:\n  - start: 0\n    size: {a: 1}\n", false},
		{"bad format", "kernel:\n  format: pe\n", false},
		{"bad timeout", "timeout: soon\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), hv.ArchitectureX86_64)
			if err == nil {
				t.Fatalf("Parse succeeded")
			}
			if got := errors.Is(err, ErrUnsupportedVersion); got != tt.version {
				t.Fatalf("Parse error = %v, ErrUnsupportedVersion = %v, want %v", err, got, tt.version)
			}
		})
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"4096", 4096, true},
		{"0x1000", 0x1000, true},
		{"4K", 4 << 10, true},
		{"64MiB", 64 << 20, true},
		{"1G", 1 << 30, true},
		{"1_000", 1000, true},
		{"12iB", 0, false},
		{"", 0, false},
		{"-1", 0, false},
		{"0xffffffffffffG", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseQuantity(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseQuantity(%q) = 0x%x, %v; want 0x%x, ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte("version: v1.0.0\nkernel:\n  path: vmlinux\n"), 0o644); err != nil {
		t.Fatalf("write machine file: %v", err)
	}

	m, err := Load(path, hv.ArchitectureX86_64)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Kernel.Path != "vmlinux" || m.Kernel.Format != FormatELF {
		t.Fatalf("kernel = %+v", m.Kernel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), hv.ArchitectureX86_64); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load of missing file error = %v", err)
	}
}

func TestApply(t *testing.T) {
	base, err := Parse([]byte("kernel:\n  path: vmlinux\n  zeroBSS: true\n"), hv.ArchitectureARM64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	m, err := base.Apply(Override{KernelPath: "halt.bin", Memory: 16 << 20, Timeout: time.Second}, hv.ArchitectureARM64)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.Kernel.Path != "halt.bin" || m.Kernel.Format != FormatBin || !m.Kernel.ZeroBSS {
		t.Fatalf("kernel = %+v", m.Kernel)
	}
	if m.Kernel.LoadAddress != Quantity(DefaultLoadAddress(hv.ArchitectureARM64)) {
		t.Fatalf("load address = 0x%x", uint64(m.Kernel.LoadAddress))
	}
	if spans := m.Spans(); len(spans) != 1 || spans[0] != (hv.GPASpan{Start: 0x80000000, Size: 16 << 20}) {
		t.Fatalf("Spans() = %v", spans)
	}
	if m.Timeout != time.Second {
		t.Fatalf("timeout = %s", m.Timeout)
	}
	if base.Kernel.Path != "vmlinux" {
		t.Fatalf("Apply modified its receiver: %+v", base.Kernel)
	}

	if _, err := base.Apply(Override{Format: "pe"}, hv.ArchitectureARM64); err == nil {
		t.Fatalf("Apply with format %q succeeded", "pe")
	}
}
