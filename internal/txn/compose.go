package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"grimm.is/netconverge/internal/neterr"
)

// Composite spans several checkpointers with one handle. Checkpoints are
// created in order; rollback, destroy and extend visit every part in the
// same order and report the joined errors. The handle carries the ID and
// timeout of the first part.
type Composite struct {
	parts []Checkpointer

	mu      sync.Mutex
	handles map[string][]Checkpoint
}

// Compose returns a Checkpointer over parts. Nil parts are skipped.
func Compose(parts ...Checkpointer) *Composite {
	c := &Composite{handles: make(map[string][]Checkpoint)}
	for _, p := range parts {
		if p != nil {
			c.parts = append(c.parts, p)
		}
	}
	return c
}

// Create opens a checkpoint on every part. When one fails, the ones
// already opened are destroyed; nothing has changed yet.
func (c *Composite) Create(ctx context.Context, timeout time.Duration) (Checkpoint, error) {
	if len(c.parts) == 0 {
		return Checkpoint{}, neterr.Bug("composite checkpoint without parts")
	}
	handles := make([]Checkpoint, 0, len(c.parts))
	for _, p := range c.parts {
		cp, err := p.Create(ctx, timeout)
		if err != nil {
			for i, h := range handles {
				c.parts[i].Destroy(context.WithoutCancel(ctx), h)
			}
			return Checkpoint{}, err
		}
		handles = append(handles, cp)
	}
	cp := handles[0]

	c.mu.Lock()
	c.handles[cp.ID] = handles
	c.mu.Unlock()
	return cp, nil
}

func (c *Composite) lookup(cp Checkpoint, forget bool) ([]Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handles, ok := c.handles[cp.ID]
	if !ok {
		return nil, neterr.PluginFailure("unknown checkpoint %s", cp.ID)
	}
	if forget {
		delete(c.handles, cp.ID)
	}
	return handles, nil
}

func (c *Composite) each(cp Checkpoint, forget bool, fn func(p Checkpointer, h Checkpoint) error) error {
	handles, err := c.lookup(cp, forget)
	if err != nil {
		return err
	}
	var errs []error
	for i, h := range handles {
		if err := fn(c.parts[i], h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback restores every part.
func (c *Composite) Rollback(ctx context.Context, cp Checkpoint) error {
	return c.each(cp, true, func(p Checkpointer, h Checkpoint) error {
		return p.Rollback(ctx, h)
	})
}

// Destroy commits every part.
func (c *Composite) Destroy(ctx context.Context, cp Checkpoint) error {
	return c.each(cp, true, func(p Checkpointer, h Checkpoint) error {
		return p.Destroy(ctx, h)
	})
}

// Extend extends every part.
func (c *Composite) Extend(ctx context.Context, cp Checkpoint, add time.Duration) error {
	return c.each(cp, false, func(p Checkpointer, h Checkpoint) error {
		return p.Extend(ctx, h, add)
	})
}
