package neterr

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FromErrno classifies a kernel error returned by a netlink request.
// op names the failed operation and becomes the message.
func FromErrno(err error, op string) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Wrap(KindPluginFailure, err, "%s", op)
	}
	switch errno {
	case unix.EPERM, unix.EACCES:
		return &Error{Kind: KindPermissionError, Msg: op, Err: err}
	case unix.EEXIST:
		return &Error{Kind: KindInvalidArgument, Msg: op + ": already exists", Err: err}
	case unix.ENODEV, unix.ENOENT, unix.ESRCH:
		return &Error{Kind: KindInvalidArgument, Msg: op + ": not found", Err: err}
	case unix.EINVAL, unix.ERANGE:
		return &Error{Kind: KindInvalidArgument, Msg: op, Err: err}
	case unix.EOPNOTSUPP:
		return &Error{Kind: KindNotSupported, Msg: op, Err: err}
	case unix.ETIMEDOUT:
		return &Error{Kind: KindTimeout, Msg: op, Err: err}
	default:
		return &Error{Kind: KindPluginFailure, Msg: op, Err: err}
	}
}
