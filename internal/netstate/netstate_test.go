package netstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
)

const bridgeDoc = `
interfaces:
- name: br0
  type: linux-bridge
  state: up
  bridge:
    options:
      stp:
        enabled: false
    port:
    - name: eth1
    - name: eth2
- name: eth1
  type: ethernet
  mtu: 9000
routes:
  config:
  - destination: 198.51.100.0/24
    next-hop-interface: br0
    next-hop-address: 192.0.2.1
dns-resolver:
  config:
    server: [192.0.2.53]
    search: [example.com]
`

func TestParseDocument(t *testing.T) {
	s, err := Parse([]byte(bridgeDoc))
	require.NoError(t, err)
	require.Len(t, s.Interfaces, 2)

	br := s.Interfaces[0]
	assert.Equal(t, TypeLinuxBridge, br.Type)
	ports, declared := br.Ports()
	assert.True(t, declared)
	assert.Equal(t, []string{"eth1", "eth2"}, ports)

	eth := s.Interface("eth1", NamespaceKernel)
	require.NotNil(t, eth)
	require.NotNil(t, eth.MTU)
	assert.Equal(t, uint32(9000), *eth.MTU)
	_, declared = eth.Ports()
	assert.False(t, declared)

	require.NotNil(t, s.Routes)
	require.Len(t, s.Routes.Config, 1)
	assert.Equal(t, "198.51.100.0/24 via 192.0.2.1 dev br0", s.Routes.Config[0].String())
	require.NoError(t, s.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("interfaces:\n- name: eth0\n  colour: blue\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, neterr.ErrInvalidArgument)
}

func TestEncodeRoundTrip(t *testing.T) {
	s, err := Parse([]byte(bridgeDoc))
	require.NoError(t, err)
	out, err := s.Encode()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "valid vlan",
			doc:  "interfaces:\n- name: eth0.100\n  type: vlan\n  vlan: {base-iface: eth0, id: 100}\n",
		},
		{
			name:    "vlan id out of range",
			doc:     "interfaces:\n- name: eth0.5000\n  type: vlan\n  vlan: {base-iface: eth0, id: 5000}\n",
			wantErr: "id must be <= 4094",
		},
		{
			name:    "missing name",
			doc:     "interfaces:\n- type: dummy\n",
			wantErr: "name field is required",
		},
		{
			name:    "duplicate kernel names",
			doc:     "interfaces:\n- name: eth0\n- name: eth0\n",
			wantErr: "duplicate kernel name",
		},
		{
			name: "ovs bridge shares name with ovs interface",
			doc:  "interfaces:\n- name: ovs0\n  type: ovs-bridge\n- name: ovs0\n  type: ovs-interface\n",
		},
		{
			name:    "name too long",
			doc:     "interfaces:\n- name: averyveryverylongname\n  type: dummy\n",
			wantErr: "name exceeds 15 characters",
		},
		{
			name:    "bad mac",
			doc:     "interfaces:\n- name: eth0\n  mac-address: not-a-mac\n",
			wantErr: "must be a valid MAC address",
		},
		{
			name:    "mtu too big",
			doc:     "interfaces:\n- name: eth0\n  mtu: 70000\n",
			wantErr: "mtu must be <= 65535",
		},
		{
			name:    "payload mismatch",
			doc:     "interfaces:\n- name: bond0\n  type: linux-bridge\n  link-aggregation: {mode: active-backup}\n",
			wantErr: "bond settings on a linux-bridge interface",
		},
		{
			name:    "ipv4 prefix too long",
			doc:     "interfaces:\n- name: eth0\n  ipv4:\n    address:\n    - {ip: 192.0.2.1, prefix-length: 33}\n",
			wantErr: "prefix length 33 out of range",
		},
		{
			name:    "dns server not an address",
			doc:     "dns-resolver:\n  config:\n    server: [dns.example.com]\n",
			wantErr: "is not an IP address",
		},
		{
			name:    "dns search domain",
			doc:     "dns-resolver:\n  config:\n    search: [\"bad..domain\"]\n",
			wantErr: "invalid search domain",
		},
		{
			name:    "route destination",
			doc:     "routes:\n  config:\n  - destination: 300.0.0.0/8\n",
			wantErr: "route[0]: destination",
		},
		{
			name:    "self controller",
			doc:     "interfaces:\n- name: br0\n  controller: br0\n",
			wantErr: "its own controller",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			err = s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, neterr.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetPortsKeepsPortSettings(t *testing.T) {
	br := &Interface{BaseInterface: BaseInterface{Name: "br0", Type: TypeLinuxBridge}}
	br.Bridge = &BridgeConfig{Ports: &[]BridgePortConfig{{Name: "eth1", STPPriority: Ptr(uint16(16))}}}

	br.SetPorts([]string{"eth1", "eth2"})
	ports, _ := br.Ports()
	assert.Equal(t, []string{"eth1", "eth2"}, ports)
	require.NotNil(t, (*br.Bridge.Ports)[0].STPPriority)
	assert.Equal(t, uint16(16), *(*br.Bridge.Ports)[0].STPPriority)

	bond := &Interface{BaseInterface: BaseInterface{Name: "bond0", Type: TypeBond}}
	bond.SetPorts([]string{"eth3"})
	ports, declared := bond.Ports()
	assert.True(t, declared)
	assert.Equal(t, []string{"eth3"}, ports)
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Interface{BaseInterface: BaseInterface{
		Name:           "eth1",
		Type:           TypeEthernet,
		MTU:            Ptr(uint32(1500)),
		Controller:     Ptr("br0"),
		ControllerType: TypeLinuxBridge,
	}}
	c := orig.Clone()
	*c.MTU = 9000
	assert.Equal(t, uint32(1500), *orig.MTU)
	assert.Equal(t, TypeLinuxBridge, c.ControllerType)
}

func TestRouteMatching(t *testing.T) {
	current := RouteEntry{
		Destination:      Ptr("198.51.100.0/24"),
		NextHopInterface: Ptr("eth0"),
		NextHopAddress:   Ptr("192.0.2.1"),
		Metric:           Ptr(int64(100)),
		TableID:          Ptr(uint32(254)),
	}
	assert.True(t, RouteEntry{Destination: Ptr("198.51.100.7/24")}.Matches(current))
	assert.True(t, RouteEntry{NextHopInterface: Ptr("eth0"), State: EntryAbsent}.Matches(current))
	assert.False(t, RouteEntry{NextHopInterface: Ptr("eth1")}.Matches(current))
	assert.False(t, RouteEntry{Metric: Ptr(int64(50))}.Matches(current))
	assert.True(t, RouteEntry{}.Matches(current))

	v6 := RouteEntry{Destination: Ptr("2001:db8::/64"), NextHopAddress: Ptr("2001:0db8::1")}
	assert.True(t, v6.IsIPv6())
	assert.True(t, RouteEntry{NextHopAddress: Ptr("2001:db8::1")}.Matches(v6))
}

func TestRuleMatching(t *testing.T) {
	current := RouteRuleEntry{
		IPFrom:     Ptr("192.0.2.0/24"),
		Priority:   Ptr(int64(1000)),
		RouteTable: Ptr(uint32(100)),
	}
	assert.True(t, RouteRuleEntry{IPFrom: Ptr("192.0.2.0/24")}.Matches(current))
	assert.True(t, RouteRuleEntry{Family: "ipv4", RouteTable: Ptr(uint32(100))}.Matches(current))
	assert.False(t, RouteRuleEntry{Family: "ipv6"}.Matches(current))
	assert.False(t, RouteRuleEntry{Fwmark: Ptr(uint32(1))}.Matches(current))
	assert.Equal(t, "1000: from 192.0.2.0/24 lookup 100", current.String())
}
