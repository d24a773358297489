package cmd

import (
	"context"
	"os"
)

// RunShow prints the current network state as a YAML document.
func RunShow(ctx context.Context, o Options) error {
	cfg, cleanup, err := setup(o)
	if err != nil {
		return err
	}
	defer cleanup()
	defer flushMetrics(cfg)

	rt, err := wire(ctx, cfg, o, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	state, err := rt.rec.Show(ctx)
	if err != nil {
		return err
	}
	out, err := state.Encode()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
