package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/netconverge/internal/neterr"
)

var kernelCP = Checkpoint{ID: "kernel/1"}

func TestComposeRollsBackEveryPartInOrder(t *testing.T) {
	service, kernel := &MockCheckpointer{}, &MockCheckpointer{}
	var order []string
	service.On("Create", mock.Anything, time.Minute).Return(cp1, nil)
	kernel.On("Create", mock.Anything, time.Minute).Return(kernelCP, nil)
	service.On("Rollback", mock.Anything, cp1).Return(errors.New("device busy")).
		Run(func(mock.Arguments) { order = append(order, "service") })
	kernel.On("Rollback", mock.Anything, kernelCP).Return(nil).
		Run(func(mock.Arguments) { order = append(order, "kernel") })

	c := Compose(service, nil, kernel)
	ctx := context.Background()
	cp, err := c.Create(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, cp1, cp)

	err = c.Rollback(ctx, cp)
	assert.ErrorContains(t, err, "device busy")
	assert.Equal(t, []string{"service", "kernel"}, order)

	assert.ErrorIs(t, c.Rollback(ctx, cp), neterr.ErrPluginFailure, "handle is forgotten")
}

func TestComposeDestroyAndExtend(t *testing.T) {
	service, kernel := &MockCheckpointer{}, &MockCheckpointer{}
	service.On("Create", mock.Anything, mock.Anything).Return(cp1, nil)
	kernel.On("Create", mock.Anything, mock.Anything).Return(kernelCP, nil)
	service.On("Extend", mock.Anything, cp1, 30*time.Second).Return(nil)
	kernel.On("Extend", mock.Anything, kernelCP, 30*time.Second).Return(nil)
	service.On("Destroy", mock.Anything, cp1).Return(nil)
	kernel.On("Destroy", mock.Anything, kernelCP).Return(nil)

	c := Compose(service, kernel)
	ctx := context.Background()
	cp, err := c.Create(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Extend(ctx, cp, 30*time.Second))
	require.NoError(t, c.Destroy(ctx, cp))
	service.AssertExpectations(t)
	kernel.AssertExpectations(t)
}

func TestComposeCreateFailureReleasesEarlierParts(t *testing.T) {
	service, kernel := &MockCheckpointer{}, &MockCheckpointer{}
	service.On("Create", mock.Anything, mock.Anything).Return(cp1, nil)
	service.On("Destroy", mock.Anything, cp1).Return(nil)
	kernel.On("Create", mock.Anything, mock.Anything).Return(Checkpoint{}, errors.New("netlink: EPERM"))

	_, err := Compose(service, kernel).Create(context.Background(), time.Minute)
	require.Error(t, err)
	service.AssertCalled(t, "Destroy", mock.Anything, cp1)
}

func TestRunWithComposeRollsBackKernelSide(t *testing.T) {
	service, kernel := &MockCheckpointer{}, &MockCheckpointer{}
	service.On("Create", mock.Anything, mock.Anything).Return(cp1, nil)
	kernel.On("Create", mock.Anything, mock.Anything).Return(kernelCP, nil)
	service.On("Rollback", mock.Anything, cp1).Return(nil)
	kernel.On("Rollback", mock.Anything, kernelCP).Return(nil)

	m, _ := newTestManager(Compose(service, kernel), Options{})
	var calls []string
	err := m.Run(context.Background(), []Phase{
		okPhase("add", &calls),
		{Name: "change", Run: func(context.Context) error { return neterr.PluginFailure("change failed") }},
	}, nil)

	assert.ErrorIs(t, err, neterr.ErrPluginFailure)
	assert.Equal(t, RolledBack, m.State())
	service.AssertNumberOfCalls(t, "Rollback", 1)
	kernel.AssertNumberOfCalls(t, "Rollback", 1)
}
