//go:build !darwin

package codesign

// EnsureExecutableIsSigned is a no-op on non-Darwin platforms.
func EnsureExecutableIsSigned() error {
	return nil
}
