package hvf

import "testing"

func TestSyndromeClass(t *testing.T) {
	tests := []struct {
		syndrome uint64
		want     exceptionClass
	}{
		{0x5a000000, exceptionClassHvc},
		{0x93c08006, exceptionClassDataAbortLowerEL},
		{0x62000000, exceptionClassMsrAccess},
		{0xf2000000, exceptionClassBrk},
	}

	for _, tt := range tests {
		if got := syndromeClass(tt.syndrome); got != tt.want {
			t.Errorf("syndromeClass(0x%x) = %s, want %s", tt.syndrome, got, tt.want)
		}
	}

	if got := exceptionClass(0x3f).String(); got != "EC 0x3f" {
		t.Errorf("unknown class String() = %q", got)
	}
}

func TestHandlePSCI(t *testing.T) {
	tests := []struct {
		name   string
		x0     uint64
		action psciAction
		result uint64
	}{
		{"system off", 0x84000008, psciShutdown, 0},
		{"system reset", 0x84000009, psciShutdown, 0},
		{"version", 0x84000000, psciResume, 0x00010000},
		{"migrate info type", 0x84000006, psciResume, 2},
		{"features", 0x8400000A, psciResume, 0xffffffff},
		{"upper bits set", 0xdead_0000_8400_0008, psciUnhandled, 0},
		{"system off above 4GiB", 0x1_8400_0008, psciUnhandled, 0},
		{"cpu on", 0x84000003, psciUnhandled, 0},
		// mov x0, #2; hvc #0 names no PSCI function and stops the guest as
		// NotSupported.
		{"not psci", 2, psciUnhandled, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, result := handlePSCI(tt.x0)
			if action != tt.action || result != tt.result {
				t.Fatalf("handlePSCI(0x%x) = (%d, 0x%x), want (%d, 0x%x)", tt.x0, action, result, tt.action, tt.result)
			}
		})
	}

	if got := psciFunctionID(0x84000008).String(); got != "PSCI_SYSTEM_OFF" {
		t.Errorf("String() = %q", got)
	}
}

func TestDecodeDataAbort(t *testing.T) {
	// str w1, [x0] with ISV set: SAS=2, SRT=1, WnR=1.
	d := decodeDataAbort(0x93810046)
	if !d.valid || !d.write || d.sizeBytes != 4 || d.register != 1 {
		t.Fatalf("decodeDataAbort = %+v", d)
	}
	if got := d.String(); got != "write size=4 x1" {
		t.Errorf("String() = %q", got)
	}

	// ldrb w3, [x2]: SAS=0, SRT=3, WnR=0.
	d = decodeDataAbort(0x93030006)
	if !d.valid || d.write || d.sizeBytes != 1 || d.register != 3 {
		t.Fatalf("decodeDataAbort = %+v", d)
	}

	if d := decodeDataAbort(0x92000006); d.valid {
		t.Fatalf("abort without ISV decoded as %+v", d)
	}
}
