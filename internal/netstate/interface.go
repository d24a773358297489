package netstate

import (
	"encoding/json"
	"fmt"

	"grimm.is/netconverge/internal/value"
)

// Namespace separates kernel devices from user-space (OVS) bridges, which
// may share a name with their backing ovs-interface.
type Namespace int

const (
	NamespaceKernel Namespace = iota
	NamespaceUserSpace
)

func (n Namespace) String() string {
	if n == NamespaceUserSpace {
		return "user-space"
	}
	return "kernel"
}

// Interface is a tagged union keyed by Type. Only the payload matching the
// type is expected to be set.
type Interface struct {
	BaseInterface

	Ethernet   *EthernetConfig   `json:"ethernet,omitempty"`
	Veth       *VethConfig       `json:"veth,omitempty"`
	Bridge     *BridgeConfig     `json:"bridge,omitempty"`
	Bond       *BondConfig       `json:"link-aggregation,omitempty"`
	Vlan       *VlanConfig       `json:"vlan,omitempty"`
	Vxlan      *VxlanConfig      `json:"vxlan,omitempty"`
	MacVlan    *MacVlanConfig    `json:"mac-vlan,omitempty"`
	MacVtap    *MacVlanConfig    `json:"mac-vtap,omitempty"`
	Vrf        *VrfConfig        `json:"vrf,omitempty"`
	InfiniBand *InfiniBandConfig `json:"infiniband,omitempty"`
}

// Base returns the shared fields.
func (i *Interface) Base() *BaseInterface {
	return &i.BaseInterface
}

// Namespace reports where the interface name lives.
func (i *Interface) Namespace() Namespace {
	if i.Type == TypeOvsBridge {
		return NamespaceUserSpace
	}
	return NamespaceKernel
}

// IsAbsent reports whether the interface is to be removed.
func (i *Interface) IsAbsent() bool { return i.State == StateAbsent }

// IsIgnored reports whether the interface is excluded from reconciliation.
func (i *Interface) IsIgnored() bool {
	return i.State == StateIgnore || i.State == StateUnknown
}

// IsController reports whether the type can hold ports.
func (i *Interface) IsController() bool {
	switch i.Type {
	case TypeLinuxBridge, TypeBond, TypeVrf, TypeOvsBridge:
		return true
	}
	return false
}

// IsVirtual reports whether the interface can be created by software.
// Ethernet and InfiniBand devices only exist when hardware provides them.
func (i *Interface) IsVirtual() bool {
	switch i.Type {
	case TypeEthernet, TypeInfiniBand, TypeLoopback, TypeUnknown, "":
		return false
	}
	return true
}

// ControllerName returns the declared controller, or "" when detached or
// unspecified.
func (i *Interface) ControllerName() string {
	if i.Controller == nil {
		return ""
	}
	return *i.Controller
}

// Ports returns the declared port list of a controller. The second result
// is false when the interface does not declare one, which leaves the
// current ports untouched.
func (i *Interface) Ports() ([]string, bool) {
	switch {
	case i.Bridge != nil && i.Bridge.Ports != nil:
		names := make([]string, 0, len(*i.Bridge.Ports))
		for _, p := range *i.Bridge.Ports {
			names = append(names, p.Name)
		}
		return names, true
	case i.Bond != nil && i.Bond.Ports != nil:
		return append([]string(nil), *i.Bond.Ports...), true
	case i.Vrf != nil && i.Vrf.Ports != nil:
		return append([]string(nil), *i.Vrf.Ports...), true
	}
	return nil, false
}

// SetPorts replaces the port list in the payload matching the type.
func (i *Interface) SetPorts(names []string) {
	switch i.Type {
	case TypeLinuxBridge, TypeOvsBridge:
		if i.Bridge == nil {
			i.Bridge = &BridgeConfig{}
		}
		existing := map[string]BridgePortConfig{}
		if i.Bridge.Ports != nil {
			for _, p := range *i.Bridge.Ports {
				existing[p.Name] = p
			}
		}
		ports := make([]BridgePortConfig, 0, len(names))
		for _, n := range names {
			if p, ok := existing[n]; ok {
				ports = append(ports, p)
				continue
			}
			ports = append(ports, BridgePortConfig{Name: n})
		}
		i.Bridge.Ports = &ports
	case TypeBond:
		if i.Bond == nil {
			i.Bond = &BondConfig{}
		}
		ports := append([]string(nil), names...)
		i.Bond.Ports = &ports
	case TypeVrf:
		if i.Vrf == nil {
			i.Vrf = &VrfConfig{}
		}
		ports := append([]string(nil), names...)
		i.Vrf.Ports = &ports
	}
}

// BaseIface returns the lower device for stacked types (vlan, vxlan,
// mac-vlan, mac-vtap, infiniband), or "".
func (i *Interface) BaseIface() string {
	switch {
	case i.Vlan != nil:
		return i.Vlan.BaseIface
	case i.Vxlan != nil:
		return i.Vxlan.BaseIface
	case i.MacVlan != nil:
		return i.MacVlan.BaseIface
	case i.MacVtap != nil:
		return i.MacVtap.BaseIface
	case i.InfiniBand != nil:
		return i.InfiniBand.BaseIface
	}
	return ""
}

// VethPeer returns the declared peer name, or "".
func (i *Interface) VethPeer() string {
	if i.Veth == nil {
		return ""
	}
	return i.Veth.Peer
}

// HasOvsDB reports whether the interface carries OVSDB columns.
func (i *Interface) HasOvsDB() bool {
	return i.OvsDB != nil && (i.OvsDB.ExternalIDs != nil || i.OvsDB.OtherConfig != nil)
}

// String identifies the interface in logs and errors.
func (i *Interface) String() string {
	if i.Type == "" {
		return i.Name
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.Type)
}

// Clone returns a deep copy.
func (i *Interface) Clone() *Interface {
	raw, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("netstate: clone %s: %v", i.Name, err))
	}
	out := &Interface{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("netstate: clone %s: %v", i.Name, err))
	}
	out.ControllerType = i.ControllerType
	return out
}

// ToValue converts the interface into the generic tree used by diff and
// merge.
func (i *Interface) ToValue() (value.Value, error) {
	return value.FromStruct(i)
}

// InterfaceFromValue decodes a generic tree back into an interface.
func InterfaceFromValue(v value.Value) (*Interface, error) {
	out := &Interface{}
	if err := value.Decode(v, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
