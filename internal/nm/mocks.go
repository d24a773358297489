package nm

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/mock"
)

// MockBus is a mock implementation of the Bus interface. Call arguments
// are matched as (path, method, args) with args as a []any.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	ret := m.Called(path, method, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]any), ret.Error(1)
}
func (m *MockBus) GetProperty(ctx context.Context, path dbus.ObjectPath, property string) (dbus.Variant, error) {
	ret := m.Called(path, property)
	return ret.Get(0).(dbus.Variant), ret.Error(1)
}
func (m *MockBus) SetProperty(ctx context.Context, path dbus.ObjectPath, property string, v dbus.Variant) error {
	ret := m.Called(path, property, v)
	return ret.Error(0)
}
func (m *MockBus) Close() error {
	ret := m.Called()
	return ret.Error(0)
}
