//go:build linux
// +build linux

package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/testutil"
)

func TestApplyInNamedNetns(t *testing.T) {
	testutil.RequireVM(t)
	ns := testutil.NamedNetns(t, "netconverge-test")

	nl, err := NewNetlinker(ns)
	require.NoError(t, err)
	p := NewProvider(nl, nil, &DryRunSystemController{})
	defer p.Close()

	ctx := context.Background()
	dummy := newIface("dummy0", netstate.TypeDummy, netstate.StateUp)
	dummy.IPv4 = &netstate.InterfaceIP{
		Enabled: netstate.Ptr(true),
		Address: []netstate.InterfaceIPAddr{{IP: "192.0.2.1", PrefixLength: 24}},
	}
	require.NoError(t, p.Apply(ctx, &NetConf{Add: []*netstate.Interface{dummy}}))

	state, err := p.Retrieve(ctx)
	require.NoError(t, err)
	got := state.Interface("dummy0", netstate.NamespaceKernel)
	require.NotNil(t, got)
	assert.Equal(t, netstate.TypeDummy, got.Type)
	require.NotNil(t, got.IPv4)
	assert.Contains(t, got.IPv4.Address, netstate.InterfaceIPAddr{IP: "192.0.2.1", PrefixLength: 24})

	require.NoError(t, p.Apply(ctx, &NetConf{Delete: []*netstate.Interface{got}}))
	state, err = p.Retrieve(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.Interface("dummy0", netstate.NamespaceKernel))
}
