package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/clock"
	"grimm.is/netconverge/internal/history"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/network"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/ovsdb"
	"grimm.is/netconverge/internal/plan"
	"grimm.is/netconverge/internal/txn"
	"grimm.is/netconverge/internal/value"
)

func mustState(t *testing.T, doc string) *netstate.NetworkState {
	t.Helper()
	s, err := netstate.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

const twoEthernets = `
interfaces:
- name: eth1
  type: ethernet
  state: up
- name: eth2
  type: ethernet
  state: up
`

const bridgeDesired = `
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
`

const bridgeConverged = `
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
  state: up
  controller: br0
- name: eth2
  type: ethernet
  state: up
  controller: br0
`

var testCheckpoint = txn.Checkpoint{ID: "kernel/test", Timeout: time.Minute}

func confNames(add, change []string) any {
	return mock.MatchedBy(func(c *network.NetConf) bool {
		return assert.ObjectsAreEqual(add, plan.Names(c.Add)) &&
			assert.ObjectsAreEqual(change, plan.Names(c.Change))
	})
}

type fixture struct {
	kernel  *MockStateProvider
	cp      *txn.MockCheckpointer
	journal *MockJournal
	clock   *clock.MockClock
}

func newFixture() *fixture {
	return &fixture{
		kernel:  new(MockStateProvider),
		cp:      new(txn.MockCheckpointer),
		journal: new(MockJournal),
		clock:   clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

// kernelOnly builds a reconciler without a configuration service.
func (f *fixture) kernelOnly(t *testing.T, opts Options) *Reconciler {
	t.Helper()
	opts.Clock = f.clock
	r, err := New(Deps{Kernel: f.kernel, Checkpointer: f.cp, Journal: f.journal}, opts)
	require.NoError(t, err)
	return r
}

func (f *fixture) expectJournal(result string) {
	f.journal.On("Record", mock.Anything, mock.MatchedBy(func(e history.Entry) bool {
		return e.Result == result
	})).Return(nil).Once()
}

func TestNewRequiresKernelAndCheckpointer(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.True(t, neterr.IsKind(err, neterr.KindBug))

	_, err = New(Deps{Kernel: new(MockStateProvider)}, Options{})
	assert.True(t, neterr.IsKind(err, neterr.KindBug))

	r, err := New(Deps{Kernel: new(MockStateProvider), Config: new(MockConfigService)}, Options{})
	require.NoError(t, err)
	assert.False(t, r.KernelOnly())
}

func TestApplyBridgeScenario(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})

	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil).Once()
	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, bridgeConverged), nil).Once()
	f.cp.On("Create", mock.Anything, txn.DefaultTimeout).Return(testCheckpoint, nil)
	f.kernel.On("Apply", mock.Anything, confNames([]string{"br0"}, []string{})).Return(nil).Once()
	f.kernel.On("Apply", mock.Anything, confNames([]string{}, []string{"eth1", "eth2"})).Return(nil).Once()
	f.cp.On("Destroy", mock.Anything, testCheckpoint).Return(nil)
	f.journal.On("Record", mock.Anything, mock.MatchedBy(func(e history.Entry) bool {
		return e.Result == history.ResultSuccess &&
			e.Plan == "add [br0]; change [eth1, eth2]" &&
			e.Checkpoint == testCheckpoint.ID
	})).Return(nil)

	res, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, res.State)
	assert.NotEmpty(t, res.ID)

	f.kernel.AssertExpectations(t)
	f.cp.AssertExpectations(t)
	f.journal.AssertExpectations(t)
	f.cp.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
}

func TestApplyNoopSkipsCheckpoint(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})

	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, bridgeConverged), nil)
	f.expectJournal(history.ResultNoop)

	res, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	require.NoError(t, err)
	assert.Equal(t, txn.Idle, res.State)
	assert.True(t, res.Plan.Empty())
	f.cp.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.kernel.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestApplyPhaseFailureRollsBackOnce(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})

	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
	f.cp.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)
	f.kernel.On("Apply", mock.Anything, mock.Anything).
		Return(neterr.New(neterr.KindPermissionError, "failed to add link br0: operation not permitted")).Once()
	f.cp.On("Rollback", mock.Anything, testCheckpoint).Return(nil).Once()
	f.expectJournal("PermissionError")

	res, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	require.Error(t, err)
	assert.True(t, neterr.IsKind(err, neterr.KindPermissionError))
	assert.Equal(t, txn.RolledBack, res.State)

	f.cp.AssertNumberOfCalls(t, "Rollback", 1)
	f.kernel.AssertNumberOfCalls(t, "Apply", 1)
	f.cp.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	f.journal.AssertExpectations(t)
}

func TestApplyVerifyRetriesUntilConverged(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{VerifyRetries: 3, VerifyInterval: 2 * time.Second})

	desired := mustState(t, `
interfaces:
- name: dummy0
  type: dummy
  state: up
`)
	f.kernel.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil).Twice()
	f.kernel.On("Retrieve", mock.Anything).Return(desired, nil).Once()
	f.cp.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)
	f.cp.On("Extend", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.kernel.On("Apply", mock.Anything, confNames([]string{"dummy0"}, []string{})).Return(nil)
	f.cp.On("Destroy", mock.Anything, testCheckpoint).Return(nil)
	f.expectJournal(history.ResultSuccess)

	_, err := r.Apply(context.Background(), desired)
	require.NoError(t, err)
	f.kernel.AssertNumberOfCalls(t, "Retrieve", 3)
	f.cp.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
}

func TestApplyVerifyExhaustedRollsBack(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{VerifyRetries: 2, VerifyInterval: time.Second})

	f.kernel.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)
	f.cp.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)
	f.cp.On("Extend", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.kernel.On("Apply", mock.Anything, mock.Anything).Return(nil)
	f.cp.On("Rollback", mock.Anything, testCheckpoint).Return(nil).Once()
	f.expectJournal("VerificationError")

	_, err := r.Apply(context.Background(), mustState(t, `
interfaces:
- name: dummy0
  type: dummy
  state: up
`))
	require.Error(t, err)
	assert.True(t, neterr.IsKind(err, neterr.KindVerificationError))
	assert.Contains(t, err.Error(), "dummy0")
	f.kernel.AssertNumberOfCalls(t, "Retrieve", 3)
	f.cp.AssertNumberOfCalls(t, "Rollback", 1)
}

func TestApplyNoVerifySkipsRequery(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{NoVerify: true})

	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil).Once()
	f.cp.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)
	f.kernel.On("Apply", mock.Anything, mock.Anything).Return(nil)
	f.cp.On("Destroy", mock.Anything, testCheckpoint).Return(nil)
	f.expectJournal(history.ResultSuccess)

	_, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	require.NoError(t, err)
	f.kernel.AssertNumberOfCalls(t, "Retrieve", 1)
}

func TestApplyKernelOnlyRejectsConfigWork(t *testing.T) {
	tests := []struct {
		name    string
		desired string
		mention string
	}{
		{"dhcp", `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    dhcp: true
`, "eth1"},
		{"dns", `
dns-resolver:
  config:
    server: [192.0.2.53]
`, "dns-resolver"},
		{"hostname", `
hostname:
  config: edge-1
`, "hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			r := f.kernelOnly(t, Options{})
			f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
			f.expectJournal("NotSupportedError")

			_, err := r.Apply(context.Background(), mustState(t, tt.desired))
			require.Error(t, err)
			assert.True(t, neterr.IsKind(err, neterr.KindNotSupported))
			assert.Contains(t, err.Error(), tt.mention)
			f.cp.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestApplyKernelOnlyRejectsNoCommit(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{NoCommit: true})
	f.expectJournal("NotSupportedError")

	_, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	assert.True(t, neterr.IsKind(err, neterr.KindNotSupported))
	f.kernel.AssertNotCalled(t, "Retrieve", mock.Anything)
}

func TestApplyOvsDBWithoutSocketIsDependencyError(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})
	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
	f.expectJournal("DependencyError")

	_, err := r.Apply(context.Background(), mustState(t, `
ovs-db:
  external_ids:
    owner: ops
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, neterr.ErrDependency))
	f.cp.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestApplyDispatchesToConfigService(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	r, err := New(Deps{Kernel: kernel, Config: config}, Options{NoVerify: true})
	require.NoError(t, err)

	kernel.On("Retrieve", mock.Anything).Return(mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    address:
    - ip: 192.0.2.10
      prefix-length: 24
`), nil)
	config.On("Retrieve", mock.Anything).Return(mustState(t, `
dns-resolver:
  running:
    server: []
  config:
    server: []
hostname:
  running: old
  config: old
`), nil)

	cp := txn.Checkpoint{ID: "/org/freedesktop/NetworkManager/Checkpoint/4", Timeout: time.Minute}
	config.On("Create", mock.Anything, mock.Anything).Return(cp, nil)
	config.On("ApplyInterfaces", mock.Anything, mock.MatchedBy(func(ifaces []*netstate.Interface) bool {
		return assert.ObjectsAreEqual([]string{"eth1"}, plan.Names(ifaces))
	})).Return(nil)
	config.On("SetDNS", mock.Anything, mock.MatchedBy(func(c *netstate.DNSClientState) bool {
		return c.Server != nil && assert.ObjectsAreEqual([]string{"192.0.2.53"}, *c.Server)
	})).Return(nil)
	config.On("SetHostName", mock.Anything, "edge-1").Return(nil)
	config.On("Destroy", mock.Anything, cp).Return(nil)

	res, err := r.Apply(context.Background(), mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    dhcp: true
dns-resolver:
  config:
    server: [192.0.2.53]
hostname:
  config: edge-1
`))
	require.NoError(t, err)
	assert.Equal(t, cp, res.Checkpoint)
	config.AssertExpectations(t)
	kernel.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestApplyWritesOvsDBColumns(t *testing.T) {
	f := newFixture()
	ovs := new(MockOvsDBService)
	r, err := New(Deps{Kernel: f.kernel, OvsDB: ovs, Checkpointer: f.cp}, Options{NoVerify: true, Clock: f.clock})
	require.NoError(t, err)

	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
	ovs.On("Retrieve", mock.Anything).Return(&ovsdb.State{
		Global:     &netstate.OvsDBGlobalConfig{ExternalIDs: map[string]string{}, OtherConfig: map[string]string{}},
		Bridges:    map[string]*netstate.OvsDBIfaceConfig{},
		Interfaces: map[string]*netstate.OvsDBIfaceConfig{},
	}, nil)
	f.cp.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)
	ovs.On("ApplyGlobal", mock.Anything, mock.MatchedBy(func(c *netstate.OvsDBGlobalConfig) bool {
		return c.ExternalIDs["owner"] == "ops"
	})).Return(nil)
	ovs.On("ApplyInterfaces", mock.Anything, mock.Anything).Return(nil)
	f.cp.On("Destroy", mock.Anything, testCheckpoint).Return(nil)

	_, err = r.Apply(context.Background(), mustState(t, `
ovs-db:
  external_ids:
    owner: ops
`))
	require.NoError(t, err)
	ovs.AssertExpectations(t)
	f.kernel.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestShowMergesBackends(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	ovs := new(MockOvsDBService)
	r, err := New(Deps{Kernel: kernel, Config: config, OvsDB: ovs}, Options{})
	require.NoError(t, err)

	kernel.On("Retrieve", mock.Anything).Return(mustState(t, `
interfaces:
- name: br-ex
  type: ovs-interface
  state: up
- name: eth1
  type: ethernet
  state: up
`), nil)
	config.On("Retrieve", mock.Anything).Return(mustState(t, `
interfaces:
- name: br-ex
  type: ovs-bridge
  state: up
  bridge:
    port:
    - name: br-ex
hostname:
  running: edge-1
  config: edge-1
`), nil)
	ovs.On("Retrieve", mock.Anything).Return(&ovsdb.State{
		Global:     &netstate.OvsDBGlobalConfig{ExternalIDs: map[string]string{"system-id": "a"}},
		Bridges:    map[string]*netstate.OvsDBIfaceConfig{"br-ex": {ExternalIDs: map[string]string{"bridge": "yes"}}},
		Interfaces: map[string]*netstate.OvsDBIfaceConfig{"br-ex": {ExternalIDs: map[string]string{"iface": "yes"}}},
	}, nil)

	state, err := r.Show(context.Background())
	require.NoError(t, err)

	require.Len(t, state.Interfaces, 3)
	bridge := state.Interface("br-ex", netstate.NamespaceUserSpace)
	require.NotNil(t, bridge)
	assert.Equal(t, "yes", bridge.OvsDB.ExternalIDs["bridge"])
	internal := state.Interface("br-ex", netstate.NamespaceKernel)
	require.NotNil(t, internal)
	assert.Equal(t, "yes", internal.OvsDB.ExternalIDs["iface"])
	assert.Nil(t, state.Interface("eth1", netstate.NamespaceKernel).OvsDB)
	assert.Equal(t, "a", state.OvsDB.ExternalIDs["system-id"])
	assert.Equal(t, "edge-1", *state.HostName.Config)
}

func TestPlanDoesNotTouchBackends(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})
	f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)

	p, err := r.Plan(context.Background(), mustState(t, bridgeDesired))
	require.NoError(t, err)
	assert.Equal(t, "add [br0]; change [eth1, eth2]", p.Summary())
	f.kernel.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	f.cp.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestQueryFailureIsReturned(t *testing.T) {
	f := newFixture()
	r := f.kernelOnly(t, Options{})
	f.kernel.On("Retrieve", mock.Anything).Return(nil, neterr.PluginFailure("netlink dump interrupted"))
	f.expectJournal("PluginFailure")

	_, err := r.Apply(context.Background(), mustState(t, bridgeDesired))
	assert.True(t, neterr.IsKind(err, neterr.KindPluginFailure))
}

// leasedEthernet is how the kernel reports an interface that holds a
// DHCP lease: addresses with lifetimes and nothing about the method.
const leasedEthernet = `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    address:
    - ip: 192.0.2.10
      prefix-length: 24
      valid-life-time: 3600sec
      preferred-life-time: 3600sec
`

// profileOverlay is the configuration service's view of eth1's active
// profile.
func profileOverlay(dhcp, dot1x bool) *netstate.NetworkState {
	iface := &netstate.Interface{BaseInterface: netstate.BaseInterface{
		Name: "eth1",
		Type: netstate.TypeUnknown,
		IPv4: &netstate.InterfaceIP{DHCP: netstate.Ptr(dhcp)},
	}}
	if dot1x {
		iface.Ieee8021X = &netstate.Ieee8021XConfig{
			Identity:           netstate.Ptr("client.example.org"),
			EapMethods:         []string{"tls"},
			PrivateKey:         netstate.Ptr("/etc/pki/client.key"),
			ClientCert:         netstate.Ptr("/etc/pki/client.crt"),
			PrivateKeyPassword: netstate.Ptr(value.RedactionSentinel),
		}
	}
	return &netstate.NetworkState{Interfaces: []*netstate.Interface{iface}}
}

func TestApplyConvergesProfileSettings(t *testing.T) {
	f := newFixture()
	config := new(MockConfigService)
	r, err := New(Deps{Kernel: f.kernel, Config: config, Journal: f.journal}, Options{Clock: f.clock})
	require.NoError(t, err)

	for range 3 {
		f.kernel.On("Retrieve", mock.Anything).Return(mustState(t, leasedEthernet), nil).Once()
	}
	config.On("Retrieve", mock.Anything).Return(profileOverlay(false, false), nil).Once()
	config.On("Retrieve", mock.Anything).Return(profileOverlay(true, true), nil).Twice()

	cp := txn.Checkpoint{ID: "/org/freedesktop/NetworkManager/Checkpoint/7", Timeout: time.Minute}
	config.On("Create", mock.Anything, mock.Anything).Return(cp, nil)
	config.On("ApplyInterfaces", mock.Anything, mock.MatchedBy(func(ifaces []*netstate.Interface) bool {
		return assert.ObjectsAreEqual([]string{"eth1"}, plan.Names(ifaces))
	})).Return(nil).Once()
	config.On("Destroy", mock.Anything, cp).Return(nil)
	f.expectJournal(history.ResultSuccess)

	desired := mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    dhcp: true
  802.1x:
    identity: client.example.org
    eap-methods: [tls]
    private-key: /etc/pki/client.key
    client-cert: /etc/pki/client.crt
    private-key-password: hunter2
`)
	res, err := r.Apply(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, res.State)
	assert.Equal(t, "change [eth1]", res.Plan.Summary())

	p, err := r.Plan(context.Background(), desired)
	require.NoError(t, err)
	assert.True(t, p.Empty(), p.Summary())

	f.kernel.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	config.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything)
	config.AssertExpectations(t)
	f.journal.AssertExpectations(t)
}

// dhcpBridge puts a kernel-realised port under a bridge that needs the
// configuration service.
const dhcpBridge = `
interfaces:
- name: br0
  type: linux-bridge
  state: up
  ipv4:
    enabled: true
    dhcp: true
  bridge:
    port:
    - name: dummy0
- name: dummy0
  type: dummy
  state: up
`

func TestDispatchSplitsCrossBackendDependencies(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	r, err := New(Deps{Kernel: kernel, Config: config}, Options{})
	require.NoError(t, err)
	kernel.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)
	config.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)

	p, err := r.Plan(context.Background(), mustState(t, dhcpBridge))
	require.NoError(t, err)
	require.Equal(t, []string{"br0", "dummy0"}, plan.Names(p.Add))

	w, err := r.dispatch(p)
	require.NoError(t, err)
	require.Len(t, w.add.steps, 2)
	assert.Equal(t, []string{"br0"}, plan.Names(w.add.steps[0].config))
	assert.True(t, w.add.steps[0].kernel.Empty())
	assert.Empty(t, w.add.steps[1].config)
	assert.Equal(t, []string{"dummy0"}, plan.Names(w.add.steps[1].kernel.Add))
}

func TestDispatchKeepsUnrelatedWorkInOneStep(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	r, err := New(Deps{Kernel: kernel, Config: config}, Options{})
	require.NoError(t, err)
	kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
	config.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)

	p, err := r.Plan(context.Background(), mustState(t, `
interfaces:
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    dhcp: true
- name: eth2
  type: ethernet
  state: up
  mtu: 9000
`))
	require.NoError(t, err)

	w, err := r.dispatch(p)
	require.NoError(t, err)
	require.Len(t, w.change.steps, 1)
	assert.Equal(t, []string{"eth1"}, plan.Names(w.change.steps[0].config))
	assert.Equal(t, []string{"eth2"}, plan.Names(w.change.steps[0].kernel.Change))
}

func TestApplyRunsControllerBeforePortAcrossBackends(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	r, err := New(Deps{Kernel: kernel, Config: config}, Options{NoVerify: true})
	require.NoError(t, err)

	kernel.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)
	config.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)
	cp := txn.Checkpoint{ID: "/org/freedesktop/NetworkManager/Checkpoint/2", Timeout: time.Minute}
	config.On("Create", mock.Anything, mock.Anything).Return(cp, nil)
	config.On("Destroy", mock.Anything, cp).Return(nil)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	config.On("ApplyInterfaces", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		time.Sleep(10 * time.Millisecond)
		for _, name := range plan.Names(args.Get(1).([]*netstate.Interface)) {
			record("config:" + name)
		}
	})
	kernel.On("Apply", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		for _, name := range plan.Names(args.Get(1).(*network.NetConf).Add) {
			record("kernel:" + name)
		}
	})

	_, err = r.Apply(context.Background(), mustState(t, dhcpBridge))
	require.NoError(t, err)
	assert.Equal(t, []string{"config:br0", "kernel:dummy0"}, order)
}

func TestApplyComposedCheckpointRestoresKernelSide(t *testing.T) {
	kernel := new(MockStateProvider)
	config := new(MockConfigService)
	snapshot := new(txn.MockCheckpointer)
	r, err := New(Deps{Kernel: kernel, Config: config, Checkpointer: txn.Compose(config, snapshot)}, Options{})
	require.NoError(t, err)

	kernel.On("Retrieve", mock.Anything).Return(mustState(t, twoEthernets), nil)
	config.On("Retrieve", mock.Anything).Return(&netstate.NetworkState{}, nil)

	nmCP := txn.Checkpoint{ID: "/org/freedesktop/NetworkManager/Checkpoint/3", Timeout: time.Minute}
	config.On("Create", mock.Anything, mock.Anything).Return(nmCP, nil)
	snapshot.On("Create", mock.Anything, mock.Anything).Return(testCheckpoint, nil)

	var order []string
	config.On("Rollback", mock.Anything, nmCP).Return(nil).Once().
		Run(func(mock.Arguments) { order = append(order, "config") })
	snapshot.On("Rollback", mock.Anything, testCheckpoint).Return(nil).Once().
		Run(func(mock.Arguments) { order = append(order, "kernel") })

	kernel.On("Apply", mock.Anything, confNames([]string{"dummy0"}, []string{})).Return(nil).Once()
	kernel.On("Apply", mock.Anything, confNames([]string{}, []string{"eth2"})).
		Return(neterr.PluginFailure("failed to set mtu on eth2: invalid argument")).Once()
	config.On("ApplyInterfaces", mock.Anything, mock.Anything).Return(nil)

	res, err := r.Apply(context.Background(), mustState(t, `
interfaces:
- name: dummy0
  type: dummy
  state: up
- name: eth1
  type: ethernet
  state: up
  ipv4:
    enabled: true
    dhcp: true
- name: eth2
  type: ethernet
  state: up
  mtu: 9000
`))
	require.Error(t, err)
	assert.True(t, neterr.IsKind(err, neterr.KindPluginFailure))
	assert.Equal(t, txn.RolledBack, res.State)
	assert.Equal(t, []string{"config", "kernel"}, order)
	snapshot.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	kernel.AssertExpectations(t)
}
