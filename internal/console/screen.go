package console

import (
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Screen renders guest output onto an emulated terminal so the final screen
// contents can be shown once the guest stops.
type Screen struct {
	emu *vt.SafeEmulator
}

func NewScreen(cols, rows int) *Screen {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 40
	}

	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	s := &Screen{emu: emu}

	// Whatever replies the emulator still produces must be read or writes
	// eventually block. Nothing feeds them back to the guest.
	go func() {
		_, _ = io.Copy(io.Discard, emu)
	}()

	return s
}

// swallowQueries stops the emulator from answering status and attribute
// queries. The guest has no input path, so the replies would only pile up.
func swallowQueries(emu *vt.SafeEmulator) {
	// Device Status Report: CSI 5 n and CSI 6 n.
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	// Extended cursor position report: CSI ? 6 n.
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// Device Attributes: CSI c and CSI > c.
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (s *Screen) Write(b []byte) (int, error) {
	return s.emu.Write(b)
}

func (s *Screen) Size() (cols, rows int) {
	return s.emu.Width(), s.emu.Height()
}

// Text returns the visible screen with trailing blanks and empty trailing
// lines removed.
func (s *Screen) Text() string {
	cols, rows := s.Size()

	lines := make([]string, 0, rows)
	var sb strings.Builder
	for y := 0; y < rows; y++ {
		sb.Reset()
		for x := 0; x < cols; x++ {
			cell := s.emu.CellAt(x, y)
			if cell == nil {
				sb.WriteByte(' ')
				continue
			}
			sb.WriteString(cell.Content)
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return strings.Join(lines, "\n")
}

func (s *Screen) Close() error {
	return s.emu.Close()
}
