package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDesiredOverridesCurrent(t *testing.T) {
	current := mustYAML(t, `
name: eth1
type: ethernet
state: up
mtu: 1500
ipv4:
  enabled: true
  dhcp: true
`)
	desired := mustYAML(t, `
name: eth1
mtu: 9000
controller: br0
ipv4:
  dhcp: false
`)
	merged := Merge(desired, current)

	want := mustYAML(t, `
name: eth1
type: ethernet
state: up
mtu: 9000
controller: br0
ipv4:
  enabled: true
  dhcp: false
`)
	assert.True(t, Equal(want, merged), "merged: %s", merged)
}

func TestMergeNullKeepsCurrent(t *testing.T) {
	current := Map(map[string]Value{"mtu": Int(1500)})
	desired := Map(map[string]Value{"mtu": Null()})
	assert.True(t, Equal(current, Merge(desired, current)))
	assert.True(t, Equal(current, Merge(Null(), current)))
}

func TestMergeReplacesLists(t *testing.T) {
	current := Map(map[string]Value{"port": List(String("eth1"), String("eth2"))})
	desired := Map(map[string]Value{"port": List(String("eth3"))})
	merged := Merge(desired, current)
	port, ok := merged.Get("port")
	require.True(t, ok)
	assert.Equal(t, 1, port.Len())
}

func TestMaskReplacesSecretsAtAnyDepth(t *testing.T) {
	v := mustYAML(t, `
interfaces:
- name: eth0
  802.1x:
    private-key-password: secret
    identity: bob
`)
	masked := Mask(v, "private-key-password")

	ifaces, _ := masked.Get("interfaces")
	dot1x, _ := ifaces.Items()[0].Get("802.1x")
	pw, _ := dot1x.Get("private-key-password")
	id, _ := dot1x.Get("identity")
	assert.Equal(t, String(RedactionSentinel), pw)
	assert.Equal(t, String("bob"), id)

	// input untouched
	orig, _ := v.Get("interfaces")
	origDot1x, _ := orig.Items()[0].Get("802.1x")
	origPw, _ := origDot1x.Get("private-key-password")
	assert.Equal(t, String("secret"), origPw)
}

func TestPruneDropsNulls(t *testing.T) {
	v := mustYAML(t, `
mtu: ~
name: eth0
`)
	pruned := Prune(v)
	_, ok := pruned.Get("mtu")
	assert.False(t, ok)
	assert.Equal(t, 1, pruned.Len())
}
