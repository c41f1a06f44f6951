package hv

import (
	"errors"
	"testing"
)

func TestIOExitClassification(t *testing.T) {
	tests := []struct {
		name string
		in   bool
		size int
		data []byte
		kind ExitKind
		val  uint16
	}{
		{"byte out", false, 1, []byte{'5'}, ExitIoByteOut, '5'},
		{"byte in", true, 1, []byte{0}, ExitIoByteIn, 0},
		{"word out", false, 2, []byte{0x34, 0x12}, ExitIoWordOut, 0x1234},
		{"word in", true, 2, []byte{0, 0}, ExitIoWordIn, 0},
		{"dword", false, 4, []byte{1, 2, 3, 4}, ExitNotSupported, 0},
		{"short buffer", false, 2, []byte{1}, ExitNotSupported, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := IOExit(tt.in, 0x3f8, tt.size, tt.data)
			if r.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", r.Kind, tt.kind)
			}
			if r.Kind == ExitNotSupported {
				if !r.Terminal() {
					t.Fatalf("NotSupported exit is not terminal")
				}
				return
			}
			if r.Port != 0x3f8 || r.Data != tt.val {
				t.Fatalf("got port 0x%x data 0x%x, want 0x3f8 0x%x", r.Port, r.Data, tt.val)
			}
			if !r.IsIO() || r.IsIn() != tt.in || r.Terminal() {
				t.Fatalf("predicates wrong for %s", r)
			}
		})
	}
}

func TestIOExitAliasesBuffer(t *testing.T) {
	buf := []byte{0}
	r := IOExit(true, 0x3fd, 1, buf)

	r.IOData[0] = 0x60
	if buf[0] != 0x60 {
		t.Fatalf("IOData does not alias the backend buffer")
	}
}

func TestExitReasonString(t *testing.T) {
	tests := []struct {
		r    ExitReason
		want string
	}{
		{Halt(), "Halt"},
		{IOExit(false, 0x3f8, 1, []byte{'5'}), "IoByteOut(0x3f8, 0x35)"},
		{IOExit(true, 0x60, 2, []byte{0xcd, 0xab}), "IoWordIn(0x60, 0xabcd)"},
		{NotSupported("KVM_EXIT_MMIO"), "NotSupported(KVM_EXIT_MMIO)"},
		{Shutdown("PSCI_SYSTEM_OFF"), "Shutdown(PSCI_SYSTEM_OFF)"},
		{ExitReason{Kind: ExitNotSupported}, "NotSupported"},
	}

	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestTypedErrors(t *testing.T) {
	err := error(&ArchitectureMismatchError{Image: ArchitectureARM64, Host: ArchitectureX86_64})
	if !errors.Is(err, ErrArchitectureMismatch) {
		t.Fatalf("ArchitectureMismatchError does not match its sentinel")
	}
	if errors.Is(err, ErrUnsupportedImageFormat) {
		t.Fatalf("ArchitectureMismatchError matches the wrong sentinel")
	}

	err = &UnsupportedImageFormatError{Reason: "not an ELF file"}
	if !errors.Is(err, ErrUnsupportedImageFormat) {
		t.Fatalf("UnsupportedImageFormatError does not match its sentinel")
	}
	if got, want := err.Error(), "unsupported image format: not an ELF file"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestArchitectureFromGOARCH(t *testing.T) {
	for goarch, want := range map[string]CpuArchitecture{
		"amd64":   ArchitectureX86_64,
		"arm64":   ArchitectureARM64,
		"riscv64": ArchitectureInvalid,
	} {
		if got := ArchitectureFromGOARCH(goarch); got != want {
			t.Errorf("ArchitectureFromGOARCH(%q) = %s, want %s", goarch, got, want)
		}
	}
}
