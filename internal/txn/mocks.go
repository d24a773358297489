package txn

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockCheckpointer is a mock implementation of the Checkpointer interface.
type MockCheckpointer struct {
	mock.Mock
}

func (m *MockCheckpointer) Create(ctx context.Context, timeout time.Duration) (Checkpoint, error) {
	args := m.Called(ctx, timeout)
	return args.Get(0).(Checkpoint), args.Error(1)
}
func (m *MockCheckpointer) Rollback(ctx context.Context, cp Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}
func (m *MockCheckpointer) Destroy(ctx context.Context, cp Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}
func (m *MockCheckpointer) Extend(ctx context.Context, cp Checkpoint, add time.Duration) error {
	args := m.Called(ctx, cp, add)
	return args.Error(0)
}
