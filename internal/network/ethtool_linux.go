//go:build linux
// +build linux

package network

import (
	"fmt"

	"github.com/safchain/ethtool"
)

// RealEthtool wraps an ethtool ioctl handle.
type RealEthtool struct {
	handle *ethtool.Ethtool
}

// NewEthtool opens an ethtool handle in the current network namespace.
func NewEthtool() (*RealEthtool, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	return &RealEthtool{handle: h}, nil
}

// Features returns the offload feature switches of an interface.
func (e *RealEthtool) Features(name string) (map[string]bool, error) {
	return e.handle.Features(name)
}

// Change toggles the given features.
func (e *RealEthtool) Change(name string, features map[string]bool) error {
	return e.handle.Change(name, features)
}

// Close closes the ethtool handle.
func (e *RealEthtool) Close() {
	e.handle.Close()
}
