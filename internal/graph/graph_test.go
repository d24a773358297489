package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

func iface(name string, typ netstate.InterfaceType, controller string) *netstate.Interface {
	i := &netstate.Interface{BaseInterface: netstate.BaseInterface{Name: name, Type: typ}}
	if controller != "" {
		i.Controller = netstate.Ptr(controller)
	}
	return i
}

func veth(name, peer string) *netstate.Interface {
	i := iface(name, netstate.TypeVeth, "")
	i.Veth = &netstate.VethConfig{Peer: peer}
	return i
}

func TestGraphControllerAndPorts(t *testing.T) {
	br := iface("br0", netstate.TypeLinuxBridge, "")
	eth2 := iface("eth2", netstate.TypeEthernet, "br0")
	eth1 := iface("eth1", netstate.TypeEthernet, "br0")
	g, err := New([]*netstate.Interface{eth2, br, eth1})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Same(t, br, g.ControllerOf(eth1))
	assert.Nil(t, g.ControllerOf(br))
	assert.Equal(t, []*netstate.Interface{eth2, eth1}, g.PortsOf(br))
	assert.Equal(t, []string{"eth1", "eth2"}, g.PortNames(br))
	assert.Equal(t, netstate.TypeLinuxBridge, eth1.ControllerType)

	assert.Equal(t, 0, g.Depth(br))
	assert.Equal(t, 1, g.Depth(eth1))
	assert.Equal(t, 1, g.Order(br))
}

func TestGraphNamespaces(t *testing.T) {
	bridge := iface("ovs0", netstate.TypeOvsBridge, "")
	internal := iface("ovs0", netstate.TypeOvsInterface, "ovs0")
	g, err := New([]*netstate.Interface{bridge, internal})
	require.NoError(t, err)

	assert.Same(t, internal, g.Lookup("ovs0"))
	assert.Same(t, bridge, g.Get("ovs0", netstate.NamespaceUserSpace))
	assert.Same(t, bridge, g.ControllerOf(internal))
	require.NoError(t, g.CheckCycles())
	assert.Equal(t, 1, g.Depth(internal))
}

func TestGraphDuplicateKernelName(t *testing.T) {
	_, err := New([]*netstate.Interface{
		iface("eth0", netstate.TypeEthernet, ""),
		iface("eth0", netstate.TypeDummy, ""),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, neterr.ErrInvalidArgument)
}

func TestGraphVethPeers(t *testing.T) {
	a := veth("veth1", "veth1ep")
	b := veth("veth1ep", "veth1")
	c := veth("vethx", "veth1")
	g, err := New([]*netstate.Interface{a, b, c})
	require.NoError(t, err)

	assert.Same(t, b, g.VethPeerOf(a))
	assert.True(t, g.SymmetricPeer(a))
	assert.True(t, g.SymmetricPeer(b))
	assert.False(t, g.SymmetricPeer(c))
	assert.Nil(t, g.VethPeerOf(iface("eth0", netstate.TypeEthernet, "")))
}

func TestGraphCycles(t *testing.T) {
	tests := []struct {
		name   string
		ifaces []*netstate.Interface
	}{
		{
			name:   "self",
			ifaces: []*netstate.Interface{iface("br0", netstate.TypeLinuxBridge, "br0")},
		},
		{
			name: "two bridges",
			ifaces: []*netstate.Interface{
				iface("br0", netstate.TypeLinuxBridge, "br1"),
				iface("br1", netstate.TypeLinuxBridge, "br0"),
			},
		},
		{
			name: "bond under its own vlan",
			ifaces: func() []*netstate.Interface {
				vlan := iface("bond0.10", netstate.TypeVlan, "")
				vlan.Vlan = &netstate.VlanConfig{BaseIface: "bond0", ID: 10}
				return []*netstate.Interface{iface("bond0", netstate.TypeBond, "bond0.10"), vlan}
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.ifaces)
			require.NoError(t, err)
			err = g.CheckCycles()
			require.Error(t, err)
			assert.ErrorIs(t, err, neterr.ErrBug)
		})
	}
}

func TestGraphDepthFollowsLowerDevice(t *testing.T) {
	bond := iface("bond0", netstate.TypeBond, "")
	port := iface("eth1", netstate.TypeEthernet, "bond0")
	vlan := iface("bond0.10", netstate.TypeVlan, "br0")
	vlan.Vlan = &netstate.VlanConfig{BaseIface: "bond0", ID: 10}
	br := iface("br0", netstate.TypeLinuxBridge, "")

	g, err := New([]*netstate.Interface{vlan, port, bond, br})
	require.NoError(t, err)
	require.NoError(t, g.CheckCycles())
	assert.Equal(t, 0, g.Depth(bond))
	assert.Equal(t, 1, g.Depth(port))
	assert.Equal(t, 1, g.Depth(vlan))
}
