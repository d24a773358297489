package nm

import (
	"context"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/txn"
)

// Checkpoint creation flags.
const (
	checkpointDeleteNewConnections uint32 = 0x02
	checkpointDisconnectNewDevices uint32 = 0x04
)

// Create opens a checkpoint over all devices. NetworkManager rolls it back
// by itself unless it is destroyed or extended before timeout.
func (c *Client) Create(ctx context.Context, timeout time.Duration) (txn.Checkpoint, error) {
	var path dbus.ObjectPath
	flags := checkpointDeleteNewConnections | checkpointDisconnectNewDevices
	err := c.call(ctx, nmPath, nmIface+".CheckpointCreate",
		[]any{[]dbus.ObjectPath{}, seconds(timeout), flags}, &path)
	if err != nil {
		return txn.Checkpoint{}, err
	}
	c.log.Debug("checkpoint created", "checkpoint", path, "timeout", timeout)
	return txn.Checkpoint{ID: string(path), Created: time.Now(), Timeout: timeout}, nil
}

// Rollback restores the checkpoint. Devices NetworkManager could not
// restore are reported as a failure.
func (c *Client) Rollback(ctx context.Context, cp txn.Checkpoint) error {
	var result map[string]uint32
	err := c.call(ctx, nmPath, nmIface+".CheckpointRollback",
		[]any{dbus.ObjectPath(cp.ID)}, &result)
	if err != nil {
		return err
	}
	var failed []string
	for dev, code := range result {
		if code != 0 {
			failed = append(failed, dev)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return neterr.PluginFailure("checkpoint %s: rollback failed for %v", cp.ID, failed)
	}
	return nil
}

// Destroy commits by discarding the checkpoint.
func (c *Client) Destroy(ctx context.Context, cp txn.Checkpoint) error {
	return c.call(ctx, nmPath, nmIface+".CheckpointDestroy", []any{dbus.ObjectPath(cp.ID)})
}

// Extend resets the rollback timer of cp to add from now.
func (c *Client) Extend(ctx context.Context, cp txn.Checkpoint, add time.Duration) error {
	return c.call(ctx, nmPath, nmIface+".CheckpointAdjustRollbackTimeout",
		[]any{dbus.ObjectPath(cp.ID), seconds(add)})
}

func seconds(d time.Duration) uint32 {
	s := (d + time.Second - 1) / time.Second
	if s < 1 {
		s = 1
	}
	return uint32(s)
}
