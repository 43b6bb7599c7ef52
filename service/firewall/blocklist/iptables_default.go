//go:build !linux

package blocklist

import "github.com/safing/portguard/service/config"

// NewIPTables is not supported on this system.
func NewIPTables(_ config.Enforcement) (*ChainFilter, error) {
	return nil, ErrUnsupported
}

// RemoveChain is not supported on this system.
func RemoveChain(_ string) error {
	return ErrUnsupported
}

// BackupIPTables is not supported on this system.
func BackupIPTables(_ string) (string, error) {
	return "", ErrUnsupported
}

// RestoreIPTables is not supported on this system.
func RestoreIPTables(_ string) error {
	return ErrUnsupported
}
