// Package uart is a minimal 16550-class serial port on x86 I/O ports. It has
// no interrupts and no FIFOs: transmitted bytes go straight to a writer and
// the line status always reports an empty transmitter.
package uart

import (
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/minivmm/internal/hv"
)

// COM1 is the conventional base port of the first serial port.
const COM1 uint16 = 0x3f8

const (
	registerCount = 8

	regData    = 0 // RBR/THR, DLL with DLAB
	regIER     = 1 // DLM with DLAB
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	iirNoInterrupt = 0x01
)

type UART struct {
	mu sync.Mutex

	base uint16
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	scr byte

	// rbr holds a byte looped back from THR while MCR loop mode is on.
	rbr      byte
	rbrValid bool

	skipLF bool

	txBytes uint64
}

// New returns a UART at base whose transmitted bytes are written to out. A
// nil out discards them.
func New(base uint16, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	return &UART{base: base, out: out}
}

// IOPorts implements [hv.X86IOPortDevice].
func (u *UART) IOPorts() []uint16 {
	ports := make([]uint16, registerCount)
	for i := range uint16(registerCount) {
		ports[i] = u.base + i
	}
	return ports
}

// ReadIOPort implements [hv.X86IOPortDevice].
func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range data {
		data[i] = u.readRegisterLocked(port)
	}
	return nil
}

// WriteIOPort implements [hv.X86IOPortDevice].
func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, value := range data {
		u.writeRegisterLocked(port, value)
	}
	return nil
}

// TxBytes is the number of bytes the guest has transmitted.
func (u *UART) TxBytes() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txBytes
}

func (u *UART) readRegisterLocked(port uint16) byte {
	if port < u.base || port >= u.base+registerCount {
		return 0
	}

	switch port - u.base {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		value := u.rbr
		u.rbr, u.rbrValid = 0, false
		return value
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case regIIR:
		return iirNoInterrupt
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		lsr := byte(lsrTHRE | lsrTEMT)
		if u.rbrValid {
			lsr |= lsrDataReady
		}
		return lsr
	case regMSR:
		return u.modemStatusLocked()
	case regScratch:
		return u.scr
	default:
		return 0
	}
}

func (u *UART) writeRegisterLocked(port uint16, value byte) {
	if port < u.base || port >= u.base+registerCount {
		return
	}

	switch port - u.base {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
		} else {
			u.transmitLocked(value)
		}
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
		} else {
			u.ier = value & 0x0F
		}
	case regIIR:
		u.fcr = value
	case regLCR:
		u.lcr = value
	case regMCR:
		u.mcr = value & 0x1F
		if u.mcr&mcrLoop == 0 {
			u.rbr, u.rbrValid = 0, false
		}
	case regLSR, regMSR:
		// read only
	case regScratch:
		u.scr = value
	}
}

func (u *UART) transmitLocked(value byte) {
	if u.mcr&mcrLoop != 0 {
		u.rbr, u.rbrValid = value, true
		return
	}

	u.txBytes++

	var err error
	switch value {
	case '\r':
		_, err = u.out.Write([]byte{'\n'})
		u.skipLF = true
	case '\n':
		if u.skipLF {
			u.skipLF = false
			return
		}
		_, err = u.out.Write([]byte{'\n'})
	default:
		u.skipLF = false
		_, err = u.out.Write([]byte{value})
	}
	if err != nil {
		slog.Debug("uart: console write failed", "port", u.base, "error", err)
	}
}

func (u *UART) modemStatusLocked() byte {
	if u.mcr&mcrLoop == 0 {
		return msrCTS | msrDSR | msrDCD
	}

	var status byte
	if u.mcr&mcrDTR != 0 {
		status |= msrDSR
	}
	if u.mcr&mcrRTS != 0 {
		status |= msrCTS
	}
	if u.mcr&mcrOUT1 != 0 {
		status |= msrRI
	}
	if u.mcr&mcrOUT2 != 0 {
		status |= msrDCD
	}
	return status
}

var (
	_ hv.X86IOPortDevice = &UART{}
)
