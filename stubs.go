//go:build !linux

package vmcs

import "fmt"

// Supported returns false on non-Linux platforms.
func Supported() (bool, error) {
	return false, ErrUnsupported
}

// ProbeCapabilities returns an error on non-Linux platforms.
func ProbeCapabilities(cpu int) (*StaticCapabilities, error) {
	return nil, fmt.Errorf("failed to probe cpu %d: %w", cpu, ErrUnsupported)
}

// OnlineCPUs returns an error on non-Linux platforms.
func OnlineCPUs() ([]int, error) {
	return nil, ErrUnsupported
}
