package hv

import (
	"encoding/binary"
	"fmt"
)

type ExitKind int

const (
	ExitNotSupported ExitKind = iota
	ExitHalt
	ExitIoByteIn
	ExitIoByteOut
	ExitIoWordIn
	ExitIoWordOut
	// ExitShutdown is a guest requested power-off or reset.
	ExitShutdown
)

func (k ExitKind) String() string {
	switch k {
	case ExitNotSupported:
		return "NotSupported"
	case ExitHalt:
		return "Halt"
	case ExitIoByteIn:
		return "IoByteIn"
	case ExitIoByteOut:
		return "IoByteOut"
	case ExitIoWordIn:
		return "IoWordIn"
	case ExitIoWordOut:
		return "IoWordOut"
	case ExitShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// ExitReason is the architecture neutral classification of a VM exit.
type ExitReason struct {
	Kind ExitKind

	// Port and Data are set for the I/O kinds. For an out exit Data is the
	// value written by the guest.
	Port uint16
	Data uint16

	// IOData aliases the backend transfer buffer of an I/O exit. Bytes stored
	// into it before the next Run are what the guest reads on an in exit.
	IOData []byte

	// Native names the backend exit this was classified from.
	Native string
}

func NotSupported(native string) ExitReason {
	return ExitReason{Kind: ExitNotSupported, Native: native}
}

func Halt() ExitReason {
	return ExitReason{Kind: ExitHalt, Native: "halt"}
}

func Shutdown(native string) ExitReason {
	return ExitReason{Kind: ExitShutdown, Native: native}
}

// IOExit classifies a port I/O access of the given width. Only byte and
// word accesses have a variant; anything else is NotSupported.
func IOExit(in bool, port uint16, size int, data []byte) ExitReason {
	r := ExitReason{Port: port, IOData: data, Native: fmt.Sprintf("io size=%d", size)}

	switch {
	case size == 1 && len(data) >= 1:
		r.Data = uint16(data[0])
		r.Kind = ExitIoByteOut
		if in {
			r.Kind = ExitIoByteIn
		}
	case size == 2 && len(data) >= 2:
		r.Data = binary.LittleEndian.Uint16(data)
		r.Kind = ExitIoWordOut
		if in {
			r.Kind = ExitIoWordIn
		}
	default:
		return NotSupported(r.Native)
	}

	return r
}

func (r ExitReason) IsIO() bool {
	switch r.Kind {
	case ExitIoByteIn, ExitIoByteOut, ExitIoWordIn, ExitIoWordOut:
		return true
	}
	return false
}

func (r ExitReason) IsIn() bool {
	return r.Kind == ExitIoByteIn || r.Kind == ExitIoWordIn
}

// Terminal reports whether a run loop should stop on this exit.
func (r ExitReason) Terminal() bool {
	return r.Kind == ExitNotSupported || r.Kind == ExitShutdown
}

func (r ExitReason) String() string {
	switch r.Kind {
	case ExitIoByteIn, ExitIoByteOut:
		return fmt.Sprintf("%s(0x%x, 0x%02x)", r.Kind, r.Port, r.Data)
	case ExitIoWordIn, ExitIoWordOut:
		return fmt.Sprintf("%s(0x%x, 0x%04x)", r.Kind, r.Port, r.Data)
	case ExitNotSupported, ExitShutdown:
		if r.Native != "" {
			return fmt.Sprintf("%s(%s)", r.Kind, r.Native)
		}
	}
	return r.Kind.String()
}
