//go:build !linux
// +build !linux

package network

import "fmt"

// RealEthtool is a stub implementation of Ethtooler.
type RealEthtool struct{}

// NewEthtool always fails outside Linux.
func NewEthtool() (*RealEthtool, error) {
	return nil, fmt.Errorf("ethtool not supported on this platform")
}

func (e *RealEthtool) Features(name string) (map[string]bool, error) {
	return nil, fmt.Errorf("ethtool not supported on this platform")
}

func (e *RealEthtool) Change(name string, features map[string]bool) error {
	return fmt.Errorf("ethtool not supported on this platform")
}

func (e *RealEthtool) Close() {}
