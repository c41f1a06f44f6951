package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/minivmm/internal/hv"
	"github.com/tinyrange/minivmm/internal/loader/loadertest"
)

func TestInspectImage(t *testing.T) {
	code := []byte{0x90, 0xf4}
	raw := loadertest.Build(loadertest.Image{
		Machine:  elf.EM_X86_64,
		Entry:    0xffff800000100000,
		Segments: []loadertest.Segment{loadertest.LoadSegment(0xffff800000100000, code)},
		Sections: []loadertest.Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0xffff800000100000, Data: code},
		},
	})

	var out bytes.Buffer
	if err := inspectImage(&out, raw); err != nil {
		t.Fatalf("inspectImage: %v", err)
	}

	for _, want := range []string{"x86_64", "physical 0x100000", "-> 0x100000", ".text", "hlt"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out.String())
		}
	}

	if err := inspectImage(&out, []byte{0xf4}); !errors.Is(err, hv.ErrUnsupportedImageFormat) {
		t.Fatalf("inspectImage of raw bytes error = %v", err)
	}
}

func TestReadKernel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.bin")
	want := bytes.Repeat([]byte{0xf4}, 4096)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write kernel: %v", err)
	}

	got, err := readKernel(path)
	if err != nil {
		t.Fatalf("readKernel: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readKernel returned %d bytes, want %d", len(got), len(want))
	}

	if _, err := readKernel(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("readKernel of missing file error = %v", err)
	}
}
