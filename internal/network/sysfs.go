package network

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	sysClassNet = "/sys/class/net"
	procSysNet  = "/proc/sys/net"
)

// RealSystemController reads and writes sysfs and procfs attributes. Root
// prefixes every path and is empty outside tests.
type RealSystemController struct {
	Root string
}

// ReadSysctl reads a trimmed attribute value.
func (r *RealSystemController) ReadSysctl(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Root, path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSysctl writes an attribute value.
func (r *RealSystemController) WriteSysctl(path, value string) error {
	return os.WriteFile(filepath.Join(r.Root, path), []byte(value), 0644)
}

// IsNotExist checks if an error indicates that a file or directory does not exist.
func (r *RealSystemController) IsNotExist(err error) bool {
	return os.IsNotExist(err)
}

func bridgeAttr(bridge, attr string) string {
	return fmt.Sprintf("%s/%s/bridge/%s", sysClassNet, bridge, attr)
}

func bridgePortAttr(port, attr string) string {
	return fmt.Sprintf("%s/%s/brport/%s", sysClassNet, port, attr)
}

func bondingAttr(bond, attr string) string {
	return fmt.Sprintf("%s/%s/bonding/%s", sysClassNet, bond, attr)
}

func disableIPv6Path(name string) string {
	return fmt.Sprintf("%s/ipv6/conf/%s/disable_ipv6", procSysNet, name)
}
