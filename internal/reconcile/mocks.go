package reconcile

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"grimm.is/netconverge/internal/history"
	"grimm.is/netconverge/internal/network"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/ovsdb"
	"grimm.is/netconverge/internal/txn"
)

// MockStateProvider is a mock implementation of the StateProvider interface.
type MockStateProvider struct {
	mock.Mock
}

func (m *MockStateProvider) Retrieve(ctx context.Context) (*netstate.NetworkState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*netstate.NetworkState).Clone(), args.Error(1)
}
func (m *MockStateProvider) Apply(ctx context.Context, conf *network.NetConf) error {
	args := m.Called(ctx, conf)
	return args.Error(0)
}

// MockConfigService is a mock implementation of the ConfigService interface.
type MockConfigService struct {
	mock.Mock
}

func (m *MockConfigService) Create(ctx context.Context, timeout time.Duration) (txn.Checkpoint, error) {
	args := m.Called(ctx, timeout)
	return args.Get(0).(txn.Checkpoint), args.Error(1)
}
func (m *MockConfigService) Rollback(ctx context.Context, cp txn.Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}
func (m *MockConfigService) Destroy(ctx context.Context, cp txn.Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}
func (m *MockConfigService) Extend(ctx context.Context, cp txn.Checkpoint, add time.Duration) error {
	args := m.Called(ctx, cp, add)
	return args.Error(0)
}
func (m *MockConfigService) Retrieve(ctx context.Context) (*netstate.NetworkState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*netstate.NetworkState).Clone(), args.Error(1)
}
func (m *MockConfigService) ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error {
	args := m.Called(ctx, ifaces)
	return args.Error(0)
}
func (m *MockConfigService) SetDNS(ctx context.Context, cfg *netstate.DNSClientState) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}
func (m *MockConfigService) SetHostName(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// MockOvsDBService is a mock implementation of the OvsDBService interface.
type MockOvsDBService struct {
	mock.Mock
}

func (m *MockOvsDBService) Retrieve(ctx context.Context) (*ovsdb.State, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ovsdb.State), args.Error(1)
}
func (m *MockOvsDBService) ApplyGlobal(ctx context.Context, cfg *netstate.OvsDBGlobalConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}
func (m *MockOvsDBService) ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error {
	args := m.Called(ctx, ifaces)
	return args.Error(0)
}

// MockJournal is a mock implementation of the Journal interface.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, e history.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}
