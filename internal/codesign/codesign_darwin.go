//go:build darwin

package codesign

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// SignedEnvVar marks a process that was re-executed after signing.
const SignedEnvVar = "MINIVMM_HYPERVISOR_SIGNED"

const hypervisorEntitlement = "com.apple.security.hypervisor"

// hypervisorEntitlements is the plist with the hypervisor entitlement.
const hypervisorEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>` + hypervisorEntitlement + `</key>
	<true/>
</dict>
</plist>
`

// EnsureExecutableIsSigned makes sure the running binary carries the
// hypervisor entitlement. If it does not, the binary is ad-hoc signed in
// place and re-executed, and this function does not return.
//
// Call it at the start of main() or TestMain().
func EnsureExecutableIsSigned() error {
	if os.Getenv(SignedEnvVar) == "1" {
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	exePath, err = filepath.EvalSymlinks(exePath)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	if HasHypervisorEntitlement(exePath) {
		return nil
	}

	slog.Debug("signing executable with hypervisor entitlement", "path", exePath)

	if err := Sign(exePath); err != nil {
		return fmt.Errorf("sign executable: %w", err)
	}

	env := append(os.Environ(), SignedEnvVar+"=1")

	return syscall.Exec(exePath, os.Args, env)
}

// HasHypervisorEntitlement reports whether the binary at path is signed with
// the hypervisor entitlement.
func HasHypervisorEntitlement(path string) bool {
	cmd := exec.Command("codesign", "-d", "--entitlements", "-", "--xml", path)
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	return bytes.Contains(output, []byte(hypervisorEntitlement))
}

// Sign ad-hoc signs the binary at path with the hypervisor entitlement.
func Sign(path string) error {
	tmpFile, err := os.CreateTemp("", "entitlements-*.plist")
	if err != nil {
		return fmt.Errorf("create temp entitlements file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(hypervisorEntitlements); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write entitlements: %w", err)
	}
	tmpFile.Close()

	// -f replaces an existing signature, -s - signs ad-hoc.
	cmd := exec.Command("codesign", "-f", "-s", "-", "--entitlements", tmpFile.Name(), path)
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("codesign failed: %w", err)
	}

	return nil
}
