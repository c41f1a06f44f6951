// Package codesign grants the running binary access to Hypervisor.framework
// by signing it with the hypervisor entitlement. On other hosts it does
// nothing.
package codesign
