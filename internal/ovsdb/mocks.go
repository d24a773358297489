package ovsdb

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockConn is a mock implementation of the Conn interface.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Global(ctx context.Context) (*OpenvSwitch, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OpenvSwitch), args.Error(1)
}
func (m *MockConn) Bridges(ctx context.Context) ([]Bridge, error) {
	args := m.Called()
	return args.Get(0).([]Bridge), args.Error(1)
}
func (m *MockConn) Interfaces(ctx context.Context) ([]Interface, error) {
	args := m.Called()
	return args.Get(0).([]Interface), args.Error(1)
}
func (m *MockConn) UpdateGlobal(ctx context.Context, row *OpenvSwitch) error {
	args := m.Called(row)
	return args.Error(0)
}
func (m *MockConn) UpdateBridge(ctx context.Context, row *Bridge) error {
	args := m.Called(row)
	return args.Error(0)
}
func (m *MockConn) UpdateInterface(ctx context.Context, row *Interface) error {
	args := m.Called(row)
	return args.Error(0)
}
func (m *MockConn) Close() {
	m.Called()
}
