package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

func mustState(t *testing.T, doc string) *netstate.NetworkState {
	t.Helper()
	s, err := netstate.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

const currentDoc = `
interfaces:
- name: eth1
  type: ethernet
  state: up
  mtu: 1500
  mac-address: "52:54:00:12:34:56"
  ipv6:
    enabled: true
    address:
    - ip: fe80::5054:ff:fe12:3456
      prefix-length: 64
    - ip: 2001:db8::10
      prefix-length: 64
- name: br0
  type: linux-bridge
  state: up
  bridge:
    options:
      stp:
        enabled: true
        hello-time: 2
        forward-delay: 15
    port:
    - name: eth2
    - name: eth1
routes:
  running:
  - destination: 198.51.100.0/24
    next-hop-interface: br0
    next-hop-address: 192.0.2.1
    metric: 100
    table-id: 254
route-rules:
  config:
  - ip-from: 192.0.2.0/24
    priority: 1000
    route-table: 100
dns-resolver:
  config:
    server: ["2001:0db8::53", 192.0.2.53]
    search: [example.com.]
hostname:
  config: host1
ovs-db:
  external_ids:
    hostname: host1
`

func TestVerifyMatchingState(t *testing.T) {
	desired := mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv6:
    address:
    - ip: 2001:db8::10
      prefix-length: 64
- name: br0
  type: linux-bridge
  bridge:
    options:
      stp:
        enabled: true
    port:
    - name: eth1
    - name: eth2
- name: gone0
  state: absent
routes:
  config:
  - destination: 198.51.100.0/24
    next-hop-address: 192.0.2.1
  - destination: 203.0.113.0/24
    state: absent
route-rules:
  config:
  - ip-from: 192.0.2.0/24
    route-table: 100
dns-resolver:
  config:
    server: ["2001:db8::53", 192.0.2.53]
    search: [example.com]
hostname:
  config: host1
ovs-db:
  external_ids:
    hostname: host1
`)
	assert.NoError(t, New(Options{}).Verify(desired, mustState(t, currentDoc)))
}

func TestVerifyMismatches(t *testing.T) {
	tests := []struct {
		name    string
		desired string
		want    string
	}{
		{
			name:    "mtu",
			desired: "interfaces:\n- name: eth1\n  type: ethernet\n  mtu: 9000\n",
			want:    "interfaces.eth1.mtu: desired 9000, current 1500",
		},
		{
			name:    "missing interface",
			desired: "interfaces:\n- name: dummy0\n  type: dummy\n",
			want:    "interfaces.dummy0: desired dummy0 (dummy), current missing",
		},
		{
			name:    "absent still present",
			desired: "interfaces:\n- name: eth1\n  state: absent\n",
			want:    "interfaces.eth1: desired absent, current up",
		},
		{
			name:    "ports",
			desired: "interfaces:\n- name: br0\n  type: linux-bridge\n  bridge:\n    port:\n    - name: eth1\n",
			want:    "interfaces.br0.bridge.port",
		},
		{
			name:    "route missing",
			desired: "routes:\n  config:\n  - destination: 10.0.0.0/8\n    next-hop-interface: br0\n",
			want:    "routes.config.0: route 10.0.0.0/8 dev br0 not found",
		},
		{
			name:    "route still present",
			desired: "routes:\n  config:\n  - destination: 198.51.100.0/24\n    state: absent\n",
			want:    "still present",
		},
		{
			name:    "rule missing",
			desired: "route-rules:\n  config:\n  - fwmark: 7\n    route-table: 200\n",
			want:    "route-rules.config.0: rule from all fwmark 0x7 lookup 200 not found",
		},
		{
			name:    "dns",
			desired: "dns-resolver:\n  config:\n    server: [192.0.2.53]\n",
			want:    "dns-resolver.config.server",
		},
		{
			name:    "hostname",
			desired: "hostname:\n  config: host2\n",
			want:    "hostname.config: desired host2, current host1",
		},
		{
			name:    "ovs-db",
			desired: "ovs-db:\n  other_config:\n    n-handler-threads: \"2\"\n",
			want:    "ovs-db.other_config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(Options{}).Verify(mustState(t, tt.desired), mustState(t, currentDoc))
			require.Error(t, err)
			assert.ErrorIs(t, err, neterr.ErrVerification)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVerifyMasksSecrets(t *testing.T) {
	current := mustState(t, `
interfaces:
- name: eth0
  type: ethernet
  state: up
  802.1x:
    identity: client.example.org
    private-key-password: "<_password_hid_by_nmstate>"
`)
	desired := mustState(t, `
interfaces:
- name: eth0
  type: ethernet
  802.1x:
    identity: client.example.org
    private-key-password: hunter2
`)
	assert.NoError(t, New(Options{}).Verify(desired, current))
}

func TestVerifyKernelRounding(t *testing.T) {
	desired := mustState(t, `
interfaces:
- name: br0
  type: linux-bridge
  bridge:
    options:
      stp:
        hello-time: 3
`)
	current := mustState(t, currentDoc)

	err := New(Options{}).Verify(desired, current)
	require.Error(t, err)
	assert.ErrorIs(t, err, neterr.ErrKernelIntegerRounded)
	assert.Contains(t, err.Error(), "interfaces.br0.bridge.options.stp.hello-time")

	assert.NoError(t, New(Options{AllowKernelRounding: true}).Verify(desired, current))

	far := mustState(t, `
interfaces:
- name: br0
  type: linux-bridge
  bridge:
    options:
      stp:
        hello-time: 5
`)
	err = New(Options{AllowKernelRounding: true}).Verify(far, current)
	assert.ErrorIs(t, err, neterr.ErrVerification)
}

func TestVerifyVethPeerRemovalPending(t *testing.T) {
	current := mustState(t, `
interfaces:
- name: veth1ep
  type: veth
  state: up
  veth: {peer: veth1}
`)
	desired := mustState(t, `
interfaces:
- name: veth1
  type: veth
  state: absent
- name: veth1ep
  type: veth
  state: absent
`)
	assert.NoError(t, New(Options{}).Verify(desired, current))

	lone := mustState(t, "interfaces:\n- name: veth1ep\n  type: veth\n  state: absent\n")
	assert.ErrorIs(t, New(Options{}).Verify(lone, current), neterr.ErrVerification)
}

func TestVerifyIgnoresLeasedAddresses(t *testing.T) {
	desired := mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  ipv6:
    enabled: true
    autoconf: true
    dhcp: true
`)
	current := mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv6:
    enabled: true
    autoconf: true
    dhcp: true
    address:
    - ip: 2001:db8::1234
      prefix-length: 64
      valid-life-time: 3600sec
`)
	assert.NoError(t, New(Options{}).Verify(desired, current))
}

func TestVerifyIgnoredInterfaces(t *testing.T) {
	desired := mustState(t, "interfaces:\n- name: eth9\n  state: ignore\n")
	assert.NoError(t, New(Options{}).Verify(desired, mustState(t, currentDoc)))
}
