package uart

import (
	"bytes"
	"testing"
)

func writeReg(t *testing.T, u *UART, off uint16, value byte) {
	t.Helper()
	if err := u.WriteIOPort(COM1+off, []byte{value}); err != nil {
		t.Fatalf("WriteIOPort(0x%x): %v", COM1+off, err)
	}
}

func readReg(t *testing.T, u *UART, off uint16) byte {
	t.Helper()
	data := make([]byte, 1)
	if err := u.ReadIOPort(COM1+off, data); err != nil {
		t.Fatalf("ReadIOPort(0x%x): %v", COM1+off, err)
	}
	return data[0]
}

func TestIOPorts(t *testing.T) {
	ports := New(COM1, nil).IOPorts()
	if len(ports) != 8 || ports[0] != 0x3f8 || ports[7] != 0x3ff {
		t.Fatalf("IOPorts() = %#x", ports)
	}
}

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1, &out)

	for _, b := range []byte("hi\r\nok\n") {
		writeReg(t, u, regData, b)
	}

	if got := out.String(); got != "hi\nok\n" {
		t.Fatalf("console = %q, want %q", got, "hi\nok\n")
	}
	if u.TxBytes() != 7 {
		t.Fatalf("TxBytes() = %d, want 7", u.TxBytes())
	}
}

func TestLineStatus(t *testing.T) {
	u := New(COM1, nil)

	if lsr := readReg(t, u, regLSR); lsr != lsrTHRE|lsrTEMT {
		t.Fatalf("LSR = 0x%02x, want 0x%02x", lsr, lsrTHRE|lsrTEMT)
	}
	if iir := readReg(t, u, regIIR); iir != iirNoInterrupt {
		t.Fatalf("IIR = 0x%02x, want no interrupt pending", iir)
	}

	writeReg(t, u, regLSR, 0)
	if lsr := readReg(t, u, regLSR); lsr != lsrTHRE|lsrTEMT {
		t.Fatalf("LSR changed by a write: 0x%02x", lsr)
	}
}

func TestDivisorLatch(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1, &out)

	writeReg(t, u, regLCR, lcrDLAB|0x03)
	writeReg(t, u, regData, 0x01)
	writeReg(t, u, regIER, 0x00)

	if readReg(t, u, regData) != 0x01 || readReg(t, u, regIER) != 0x00 {
		t.Fatalf("divisor latch not readable while DLAB is set")
	}
	if out.Len() != 0 {
		t.Fatalf("DLL write reached the console: %q", out.String())
	}

	writeReg(t, u, regLCR, 0x03)
	writeReg(t, u, regIER, 0xff)
	if ier := readReg(t, u, regIER); ier != 0x0f {
		t.Fatalf("IER = 0x%02x, want 0x0f", ier)
	}
}

func TestScratchAndLoopback(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1, &out)

	writeReg(t, u, regScratch, 0x5a)
	if scr := readReg(t, u, regScratch); scr != 0x5a {
		t.Fatalf("scratch = 0x%02x", scr)
	}

	writeReg(t, u, regMCR, mcrLoop|mcrDTR)
	if msr := readReg(t, u, regMSR); msr != msrDSR {
		t.Fatalf("loopback MSR = 0x%02x, want DSR", msr)
	}

	writeReg(t, u, regData, 'x')
	if lsr := readReg(t, u, regLSR); lsr&lsrDataReady == 0 {
		t.Fatalf("LSR = 0x%02x, want data ready in loopback", lsr)
	}
	if rbr := readReg(t, u, regData); rbr != 'x' {
		t.Fatalf("RBR = %q, want 'x'", rbr)
	}
	if out.Len() != 0 {
		t.Fatalf("loopback byte reached the console")
	}

	writeReg(t, u, regMCR, 0)
	if msr := readReg(t, u, regMSR); msr != msrCTS|msrDSR|msrDCD {
		t.Fatalf("MSR = 0x%02x", msr)
	}
}

func TestOutOfRangePort(t *testing.T) {
	u := New(COM1, nil)

	data := []byte{0xff}
	if err := u.ReadIOPort(0x2f8, data); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}
	if data[0] != 0 {
		t.Fatalf("read of foreign port = 0x%02x", data[0])
	}
}
