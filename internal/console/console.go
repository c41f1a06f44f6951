// Package console is where guest serial output ends up: either passed through
// to a host writer or rendered onto an emulated VT screen.
package console

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Plain copies guest output to a host writer. When stripping is on, output
// is buffered per line so escape sequences split across writes are removed
// whole.
type Plain struct {
	mu    sync.Mutex
	out   io.Writer
	strip bool
	line  []byte
}

// NewPlain returns a pass-through console. Escape sequences are stripped
// unless out is a terminal.
func NewPlain(out io.Writer) *Plain {
	return &Plain{out: out, strip: !IsTerminal(out)}
}

// NewStripped always strips escape sequences.
func NewStripped(out io.Writer) *Plain {
	return &Plain{out: out, strip: true}
}

func (p *Plain) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.strip {
		return p.out.Write(b)
	}

	p.line = append(p.line, b...)
	for {
		i := bytes.IndexByte(p.line, '\n')
		if i < 0 {
			break
		}
		if _, err := io.WriteString(p.out, ansi.Strip(string(p.line[:i+1]))); err != nil {
			return 0, err
		}
		p.line = p.line[i+1:]
	}

	return len(b), nil
}

// Close writes out any partial line.
func (p *Plain) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.line) == 0 {
		return nil
	}
	_, err := io.WriteString(p.out, ansi.Strip(string(p.line)))
	p.line = nil
	return err
}
