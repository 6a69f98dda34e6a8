//go:build !linux

// This file provides a stub so the project builds on platforms without a
// KVMI control socket. The real client lives in kvmi_linux.go; elsewhere
// operators fall back to introspection/mock.
package kvmi

import (
	"fmt"

	"github.com/jnesss/vmi-unpack/introspection"
)

// Dial always fails outside Linux: KVMI is a Linux/KVM-specific mechanism.
func Dial(path string) (introspection.Driver, error) {
	return nil, fmt.Errorf("kvmi: not available on this platform")
}
