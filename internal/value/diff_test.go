package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustYAML(t *testing.T, doc string) Value {
	t.Helper()
	v, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	return v
}

func TestDiffNullDesiredIsWildcard(t *testing.T) {
	currents := []Value{
		Null(),
		Bool(true),
		Int(1500),
		String("up"),
		List(String("a"), Int(2)),
		Map(map[string]Value{"mtu": Int(9000)}),
	}
	for _, cur := range currents {
		assert.Nil(t, Diff(Path{"root"}, Null(), cur), "current %s", cur)
	}
}

func TestDiffScalars(t *testing.T) {
	assert.Nil(t, Diff(nil, Int(1500), Number(1500)))
	m := Diff(Path{"mtu"}, Int(1500), Int(9000))
	require.NotNil(t, m)
	assert.Equal(t, "mtu", m.Path.String())
	assert.Equal(t, "mtu: desired 1500, current 9000", m.String())

	m = Diff(Path{"state"}, String("up"), Bool(true))
	require.NotNil(t, m)
}

func TestDiffListsCompareLengthThenElements(t *testing.T) {
	m := Diff(Path{"dns", "server"}, List(String("8.8.8.8")), List(String("8.8.8.8"), String("1.1.1.1")))
	require.NotNil(t, m)
	assert.Equal(t, "dns.server", m.Path.String())

	m = Diff(Path{"dns", "server"}, List(String("8.8.8.8"), String("9.9.9.9")), List(String("8.8.8.8"), String("1.1.1.1")))
	require.NotNil(t, m)
	assert.Equal(t, "dns.server.1", m.Path.String())
}

func TestDiffMapSupersetAllowed(t *testing.T) {
	desired := mustYAML(t, `
name: eth1
mtu: 1500
`)
	current := mustYAML(t, `
name: eth1
mtu: 1500
mac-address: "52:54:00:12:34:56"
state: up
`)
	assert.Nil(t, Diff(Path{"interfaces", "eth1"}, desired, current))

	m := Diff(Path{"interfaces", "eth1"}, current, desired)
	require.NotNil(t, m)
	assert.Equal(t, "interfaces.eth1.mac-address", m.Path.String())
	assert.True(t, m.Current.IsNull())
}

func TestDiffMissingCurrentKeyWithNullDesired(t *testing.T) {
	desired := Map(map[string]Value{"controller": Null()})
	assert.Nil(t, Diff(nil, desired, Map(nil)))
}

func TestDiffRedactionSentinelMatchesAnything(t *testing.T) {
	desired := mustYAML(t, `
802.1x:
  identity: user
  private-key-password: "<_password_hid_by_nmstate>"
`)
	current := mustYAML(t, `
802.1x:
  identity: user
  private-key-password: hunter2
`)
	assert.Nil(t, Diff(nil, desired, current))

	absent := mustYAML(t, `
802.1x:
  identity: user
`)
	assert.Nil(t, Diff(nil, desired, absent))
}

func TestDiffIsDeterministic(t *testing.T) {
	desired := mustYAML(t, `
a: 1
b: 2
c: 3
d: 4
`)
	current := mustYAML(t, `
a: 10
b: 20
c: 30
d: 40
`)
	for i := 0; i < 50; i++ {
		m := Diff(nil, desired, current)
		require.NotNil(t, m)
		assert.Equal(t, "a", m.Path.String())
	}
}

func TestDiffSkipsNoisyPathsAndContinues(t *testing.T) {
	desired := mustYAML(t, `
ipv4:
  address:
  - ip: 192.0.2.1
    prefix-length: 24
    valid-life-time: forever
mtu: 1500
`)
	current := mustYAML(t, `
ipv4:
  address:
  - ip: 192.0.2.1
    prefix-length: 24
    valid-life-time: 3600sec
mtu: 9000
`)
	m := Diff(Path{"interfaces", "eth0"}, desired, current)
	require.NotNil(t, m)
	assert.Equal(t, "interfaces.eth0.mtu", m.Path.String())
}

func TestDiffWithIgnoreOption(t *testing.T) {
	desired := Map(map[string]Value{"mtu": Int(1500)})
	current := Map(map[string]Value{"mtu": Int(1492)})
	m := DiffWith(Path{"eth0"}, desired, current, Options{
		Ignore: func(p Path) bool { return p.Last() == "mtu" },
	})
	assert.Nil(t, m)
}

func TestPathMatch(t *testing.T) {
	p := ParsePath("interfaces.eth0.lldp.neighbors.0.1")
	assert.True(t, p.Match(ParsePath("interfaces.*.lldp.neighbors.**")))
	assert.False(t, p.Match(ParsePath("interfaces.*.lldp")))
	assert.True(t, ParsePath("a.b").Match(ParsePath("a.*")))
	assert.False(t, ParsePath("a").Match(ParsePath("a.*")))
	assert.True(t, IsNoisy(ParsePath("interfaces.br0.bridge.options.hello-timer")))
}
