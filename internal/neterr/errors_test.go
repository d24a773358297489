package neterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Bug("controller cycle %s -> %s", "a", "b")

	assert.True(t, errors.Is(err, ErrBug))
	assert.False(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, "Bug: controller cycle a -> b", err.Error())

	wrapped := fmt.Errorf("plan: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBug))
	assert.Equal(t, KindBug, KindOf(wrapped))
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := InvalidArgument("bad vlan id")
	err := Wrap(KindPluginFailure, inner, "apply eth0.10")

	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Contains(t, err.Error(), "apply eth0.10")
	assert.Nil(t, Wrap(KindBug, nil, "nothing"))
}

func TestWrapClassifiesPlainErrors(t *testing.T) {
	err := Wrap(KindPluginFailure, errors.New("dbus closed"), "checkpoint create")
	assert.True(t, IsKind(err, KindPluginFailure))
	assert.Equal(t, "PluginFailure: checkpoint create: dbus closed", err.Error())
}

func TestFromErrno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		kind  Kind
	}{
		{unix.EPERM, KindPermissionError},
		{unix.EACCES, KindPermissionError},
		{unix.EEXIST, KindInvalidArgument},
		{unix.ENODEV, KindInvalidArgument},
		{unix.EOPNOTSUPP, KindNotSupported},
		{unix.ETIMEDOUT, KindTimeout},
		{unix.EBUSY, KindPluginFailure},
	}
	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := FromErrno(fmt.Errorf("link add: %w", tt.errno), "create br0")
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, errors.Is(err, tt.errno))
		})
	}

	assert.Nil(t, FromErrno(nil, "noop"))
	assert.Equal(t, KindPluginFailure, KindOf(FromErrno(errors.New("socket closed"), "list links")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "KernelIntegerRoundedError", KindKernelIntegerRounded.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
